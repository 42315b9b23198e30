// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package workflow runs a CCS calibration: drift times of the calibrants are
// extracted from the calibration data file, the calibration curve is
// fitted, and the curve is applied to the compounds, which are processed
// concurrently.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"strconv"
	"time"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/drift"
	"github.com/524D/ccscal/internal/input"
	"github.com/524D/ccscal/internal/rawdata"
	"github.com/524D/ccscal/internal/report"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MinCalibrants is the minimum number of calibrants with signal
const MinCalibrants = 3

// Config holds the settings of a Runner
type Config struct {
	MassWindow float64 // half width of the m/z window
	NumBins    int     // drift bins per histogram
	Peak       drift.PeakConfig
	Curve      ccs.FitConfig
	Workers    int // concurrent compounds, <= 0 selects runtime.NumCPU()
}

// DefaultConfig returns a configuration with a mass window of 0.5
func DefaultConfig() Config {
	return Config{
		MassWindow: 0.5,
		NumBins:    drift.DefaultBins,
		Peak:       drift.DefaultPeakConfig(),
		Curve:      ccs.DefaultFitConfig(),
	}
}

// FromInput takes the run settings from an input file. Settings not
// present in the input file keep their defaults.
func FromInput(in *input.Config) (Config, error) {
	cfg := DefaultConfig()
	cfg.MassWindow = in.MassWindow
	cfg.Peak.BinWidth = in.BinWidth()
	cfg.Peak.Smoothing = in.Smoothing()
	cfg.Curve.EDC = in.EDC
	gas, err := in.GasMass()
	if err != nil {
		return cfg, err
	}
	cfg.Curve.GasMass = gas
	return cfg, nil
}

// Extraction is the drift time extracted for one m/z
type Extraction struct {
	Histogram *drift.Histogram
	Fit       drift.PeakFit
	DriftTime float64 // ms
}

// PeakHook is called for every fitted histogram. It may be called from
// several goroutines at once.
type PeakHook func(h *drift.Histogram, fit drift.PeakFit)

// Runner executes calibration runs
type Runner struct {
	cfg    Config
	pp     rawdata.Preprocessor
	fitter *drift.PeakFitter
	log    *log.Logger
	hook   PeakHook
}

// New returns a Runner. A nil logger discards messages.
func New(cfg Config, pp rawdata.Preprocessor, logger *log.Logger) (*Runner, error) {
	if !(cfg.MassWindow > 0) {
		return nil, fmt.Errorf("mass window %g must be positive", cfg.MassWindow)
	}
	if pp == nil {
		return nil, errors.New("no preprocessor")
	}
	fitter, err := drift.NewPeakFitter(cfg.Peak)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Runner{cfg: cfg, pp: pp, fitter: fitter, log: logger}, nil
}

// SetPeakHook installs a function that receives every fitted histogram
func (r *Runner) SetPeakHook(h PeakHook) {
	r.hook = h
}

// Config returns the settings of the runner
func (r *Runner) Config() Config {
	return r.cfg
}

// Extract determines the drift time of mass in the named data file. When
// the peak fit did not converge, the extraction holds the fallback drift
// time and the error wraps drift.ErrNotConverged. Preprocessing failures
// are returned unchanged.
func (r *Runner) Extract(ctx context.Context, file string, mass float64) (Extraction, error) {
	triples, err := rawdata.Load(ctx, r.pp, file, mass, r.cfg.MassWindow)
	if err != nil {
		return Extraction{}, err
	}
	h := drift.Build(triples, mass, r.cfg.MassWindow, r.cfg.NumBins)
	h.Source = file
	if h.Dropped > 0 {
		r.log.Printf("WARNING: %s m/z %.4f: %d data points outside drift bins 1..%d ignored",
			file, mass, h.Dropped, h.Len())
	}
	fit, err := r.fitter.Fit(h)
	if r.hook != nil {
		r.hook(h, fit)
	}
	ex := Extraction{Histogram: h, Fit: fit, DriftTime: r.fitter.DriftTime(fit)}
	return ex, err
}

// Calibration is the result of calibrating on a data file
type Calibration struct {
	Rows      []report.CalibrantRow
	Skipped   []report.CalibrantRow
	Curve     *ccs.Curve
	Residuals []ccs.Residual
	Summary   *ccs.Summary
}

// fillResiduals adds residuals and their summary for a converged curve
func (c *Calibration) fillResiduals() error {
	res, err := c.Curve.Residuals()
	if err != nil {
		return err
	}
	c.Residuals = res
	s, err := ccs.Summarize(res)
	if err != nil {
		return err
	}
	c.Summary = &s
	return nil
}

// Calibrate extracts the drift times of the calibrants from file and fits
// the calibration curve. Calibrants without signal are skipped. The run
// cannot continue when an error is returned; the partial result is returned
// for reporting.
func (r *Runner) Calibrate(ctx context.Context, file string, cals []input.Calibrant) (*Calibration, error) {
	result := &Calibration{}
	var fitCals []ccs.Calibrant
	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ex, err := r.Extract(ctx, file, cal.Mass)
		row := report.CalibrantRow{Mass: cal.Mass, CCS: cal.CCS, DriftTime: ex.DriftTime}
		switch {
		case err == nil:
		case errors.Is(err, drift.ErrNoSignal):
			r.log.Printf("WARNING: calibrant skipped: %v", err)
			row.Warning = "no signal"
			result.Skipped = append(result.Skipped, row)
			continue
		case errors.Is(err, drift.ErrNotConverged):
			r.log.Printf("WARNING: %v, using weighted mean drift time", err)
			row.Warning = "peak fit did not converge, weighted mean used"
		default:
			return result, err
		}
		result.Rows = append(result.Rows, row)
		fitCals = append(fitCals, ccs.Calibrant{Mass: cal.Mass, CCS: cal.CCS, DriftTime: ex.DriftTime})
	}
	if len(fitCals) < MinCalibrants {
		return result, fmt.Errorf("%w: %d of %d calibrants have signal in %s, need %d",
			ccs.ErrInvalidCalibrants, len(fitCals), len(cals), file, MinCalibrants)
	}
	return result, r.fitCurve(result, fitCals)
}

func (r *Runner) fitCurve(result *Calibration, cals []ccs.Calibrant) error {
	curve, err := ccs.Fit(cals, r.cfg.Curve)
	result.Curve = curve
	if err != nil {
		return err
	}
	return result.fillResiduals()
}

// CalibrateExternal fits a calibration curve to calibrants with known drift
// times, e.g. measured on another system
func CalibrateExternal(cals []ccs.Calibrant, cfg ccs.FitConfig) (*Calibration, error) {
	result := &Calibration{}
	for _, c := range cals {
		result.Rows = append(result.Rows, report.CalibrantRow{Mass: c.Mass, CCS: c.CCS, DriftTime: c.DriftTime})
	}
	curve, err := ccs.Fit(cals, cfg)
	result.Curve = curve
	if err != nil {
		return result, err
	}
	return result, result.fillResiduals()
}

// Job is a compound to extract and calibrate
type Job struct {
	Name string // as reported
	File string // data file path
	Mass float64
}

// Compounds extracts the drift times of the jobs and applies curve to them.
// Compounds are processed concurrently; the rows are in job order. Jobs for
// the same data file and m/z are processed once and share the result, so no
// two workers preprocess to the same file. Peak fit and calibration errors
// are recorded in the rows. A preprocessing failure stops processing and is
// returned.
func (r *Runner) Compounds(ctx context.Context, curve *ccs.Curve, jobs []Job) ([]report.CompoundRow, error) {
	type key struct {
		file string
		mass float64
	}
	first := make(map[key]int, len(jobs))
	rows := make([]report.CompoundRow, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, job := range jobs {
		k := key{job.File, job.Mass}
		if _, ok := first[k]; ok {
			continue
		}
		first[k] = i
		i, job := i, job
		g.Go(func() error {
			row, err := r.compound(gctx, curve, job)
			rows[i] = row
			return err
		})
	}
	err := g.Wait()
	for i, job := range jobs {
		if j := first[key{job.File, job.Mass}]; j != i {
			rows[i] = rows[j]
			rows[i].File = job.Name
		}
	}
	return rows, err
}

func (r *Runner) compound(ctx context.Context, curve *ccs.Curve, job Job) (report.CompoundRow, error) {
	row := report.CompoundRow{File: job.Name, Mass: job.Mass}
	if err := ctx.Err(); err != nil {
		row.Err = err
		return row, err
	}
	ex, err := r.Extract(ctx, job.File, job.Mass)
	row.DriftTime = ex.DriftTime
	switch {
	case err == nil:
	case errors.Is(err, drift.ErrNoSignal):
		r.log.Printf("WARNING: %v", err)
		row.Err = err
		return row, nil
	case errors.Is(err, drift.ErrNotConverged):
		r.log.Printf("WARNING: %v, using weighted mean drift time", err)
		row.Warning = "peak fit did not converge, weighted mean used"
	default:
		row.Err = err
		return row, err
	}
	row.CCS, row.Err = curve.Apply(job.Mass, ex.DriftTime)
	if row.Err != nil {
		r.log.Printf("WARNING: %s: %v", job.Name, row.Err)
	}
	return row, nil
}

// ApplyMeasured applies curve to compounds with known drift times
func ApplyMeasured(curve *ccs.Curve, ms []input.Measured) []report.CompoundRow {
	rows := make([]report.CompoundRow, len(ms))
	for i, m := range ms {
		rows[i] = report.CompoundRow{File: m.Name, Mass: m.Mass, DriftTime: m.DriftTime}
		rows[i].CCS, rows[i].Err = curve.Apply(m.Mass, m.DriftTime)
	}
	return rows
}

// Settings lists the run parameters of an input file for reports
func Settings(in *input.Config) []report.Setting {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	gas := in.Gas
	if gas == "" {
		gas = "N2"
	}
	return []report.Setting{
		{Key: "rfn", Name: "report file", Value: in.ReportFile},
		{Key: "mwn", Name: "mass window", Value: f(in.MassWindow)},
		{Key: "edc", Name: "EDC", Value: f(in.EDC)},
		{Key: "tpi", Name: "TOF pusher interval (µs)", Value: f(in.PusherInterval)},
		{Key: "sgw", Name: "Savitzky-Golay window", Value: strconv.Itoa(in.SmoothWindow)},
		{Key: "sgp", Name: "Savitzky-Golay order", Value: strconv.Itoa(in.SmoothOrder)},
		{Key: "cff", Name: "calibration figure", Value: in.FigureFile},
		{Key: "cdf", Name: "calibration data file", Value: in.CalDataFile},
		{Key: "crd", Name: "compound directory", Value: in.CompoundDir},
		{Key: "gas", Name: "drift gas", Value: gas},
	}
}

// Run performs the calibration described by an input file and returns the
// report. On error the report holds what was computed up to the failure.
func (r *Runner) Run(ctx context.Context, in *input.Config) (*report.Run, error) {
	run := &report.Run{
		Name:      report.Stem(in.ReportFile),
		RunID:     uuid.NewString(),
		Generated: time.Now(),
		Settings:  Settings(in),
	}
	cal, err := r.Calibrate(ctx, in.CalDataFile, in.Calibrants)
	run.Calibrants = cal.Rows
	run.Skipped = cal.Skipped
	run.Curve = cal.Curve
	run.Residuals = cal.Residuals
	run.Summary = cal.Summary
	if err != nil {
		return run, err
	}
	r.log.Printf("calibration curve: A = %g, t0 = %g, B = %g (%d evaluations)",
		cal.Curve.A, cal.Curve.T0, cal.Curve.B, cal.Curve.Evaluations)

	jobs := make([]Job, len(in.Compounds))
	for i, c := range in.Compounds {
		jobs[i] = Job{Name: c.File, File: in.CompoundPath(i), Mass: c.Mass}
	}
	run.Compounds, err = r.Compounds(ctx, cal.Curve, jobs)
	return run, err
}
