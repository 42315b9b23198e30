// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package drift

import (
	"errors"
	"fmt"
	"math"

	"github.com/524D/ccscal/internal/lsq"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoSignal is returned when no intensity was found in the m/z window
	ErrNoSignal = errors.New("no signal in m/z window")
	// ErrNotConverged is returned when the Gaussian fit did not converge.
	// The accompanying PeakFit holds the initial estimate.
	ErrNotConverged = errors.New("gaussian fit did not converge")
	// ErrConfig is returned for invalid peak fit settings
	ErrConfig = errors.New("invalid peak fit configuration")
)

// FitError identifies the m/z and data file of a failed peak fit
type FitError struct {
	Mass float64
	File string
	Err  error
}

func (e *FitError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("m/z %.4f: %v", e.Mass, e.Err)
	}
	return fmt.Sprintf("%s m/z %.4f: %v", e.File, e.Mass, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

const (
	// DefaultInitSigma is the initial Gaussian width in bins
	DefaultInitSigma = 10.0
	// DefaultBinWidth is the drift bin width in ms (pusher interval 68.9 µs)
	DefaultBinWidth = 0.0689
	// DefaultMaxEvaluations is the model evaluation budget of a fit
	DefaultMaxEvaluations = 5000
)

// PeakConfig holds the settings of a PeakFitter
type PeakConfig struct {
	InitSigma      float64    // initial sigma in bins
	MaxEvaluations int        // model evaluation budget
	BinWidth       float64    // ms per drift bin
	Smoothing      *Smoothing // nil disables smoothing
	Method         lsq.Method
}

// DefaultPeakConfig returns the settings historically used for CCS work:
// sigma 10 bins, 5000 evaluations and Savitzky-Golay smoothing (5, 3).
func DefaultPeakConfig() PeakConfig {
	return PeakConfig{
		InitSigma:      DefaultInitSigma,
		MaxEvaluations: DefaultMaxEvaluations,
		BinWidth:       DefaultBinWidth,
		Smoothing:      &Smoothing{Window: 5, Order: 3},
		Method:         lsq.LevenbergMarquardt,
	}
}

// PeakFit is the result of fitting a Gaussian to a histogram. Mean and Sigma
// are in bins.
type PeakFit struct {
	Amplitude   float64
	Mean        float64
	Sigma       float64
	InitMean    float64   // intensity weighted mean bin
	Evaluations int       // model evaluations used
	Failed      bool      // fit did not converge, Mean is InitMean
	Fitted      []float64 // intensities the model was fitted to
}

// DriftTime converts the mean bin to drift time
func (p PeakFit) DriftTime(binWidth float64) float64 {
	return p.Mean * binWidth
}

// Eval returns the fitted Gaussian at bin x
func (p PeakFit) Eval(x float64) float64 {
	return gauss(x, p.Amplitude, p.Mean, p.Sigma)
}

func gauss(x, a, mu, sigma float64) float64 {
	d := x - mu
	return a * math.Exp(-d*d/(2*sigma*sigma))
}

// PeakFitter fits Gaussians to drift time histograms. It holds no mutable
// state and may be used from several goroutines.
type PeakFitter struct {
	cfg PeakConfig
}

// NewPeakFitter validates cfg and returns a fitter
func NewPeakFitter(cfg PeakConfig) (*PeakFitter, error) {
	if !(cfg.InitSigma > 0) {
		return nil, fmt.Errorf("%w: initial sigma %g", ErrConfig, cfg.InitSigma)
	}
	if cfg.MaxEvaluations <= 0 {
		return nil, fmt.Errorf("%w: evaluation budget %d", ErrConfig, cfg.MaxEvaluations)
	}
	if !(cfg.BinWidth > 0) {
		return nil, fmt.Errorf("%w: bin width %g", ErrConfig, cfg.BinWidth)
	}
	if cfg.Smoothing != nil {
		if err := cfg.Smoothing.Validate(-1); err != nil {
			return nil, err
		}
		s := *cfg.Smoothing
		cfg.Smoothing = &s
	}
	return &PeakFitter{cfg: cfg}, nil
}

// Config returns the settings of pf
func (pf *PeakFitter) Config() PeakConfig {
	return pf.cfg
}

// DriftTime converts the mean of fit to ms
func (pf *PeakFitter) DriftTime(fit PeakFit) float64 {
	return fit.DriftTime(pf.cfg.BinWidth)
}

// Fit fits A*exp(-(bin-mu)²/(2σ²)) to h. The initial estimate is taken from
// the unsmoothed histogram. An empty histogram returns ErrNoSignal. When the
// fit does not converge, the returned PeakFit is marked Failed and carries
// the initial estimate, and the error wraps ErrNotConverged. Errors are of
// type *FitError.
func (pf *PeakFitter) Fit(h *Histogram) (PeakFit, error) {
	fail := func(err error) error {
		return &FitError{Mass: h.Mass, File: h.Source, Err: err}
	}
	total := h.Total()
	if !(total > 0) {
		return PeakFit{Failed: true}, fail(ErrNoSignal)
	}
	bins := h.Bins()
	fit := PeakFit{
		Amplitude: floats.Max(h.Intensity),
		Mean:      floats.Dot(bins, h.Intensity) / total,
		Sigma:     pf.cfg.InitSigma,
	}
	fit.InitMean = fit.Mean

	y := append([]float64(nil), h.Intensity...)
	if pf.cfg.Smoothing != nil {
		smoothed, err := SavitzkyGolay(y, *pf.cfg.Smoothing)
		if err != nil {
			fit.Failed = true
			return fit, fail(err)
		}
		y = smoothed
	}
	fit.Fitted = y

	settings := lsq.DefaultSettings()
	settings.MaxEvaluations = pf.cfg.MaxEvaluations
	settings.Method = pf.cfg.Method
	res, err := lsq.Fit(gaussProblem(bins, y),
		[]float64{fit.Amplitude, fit.Mean, fit.Sigma}, settings)
	fit.Evaluations = res.Evaluations
	if err == nil && !(isFinite(res.X[0]) && isFinite(res.X[1]) && isFinite(res.X[2])) {
		err = errors.New("non-finite parameters")
	}
	if err != nil {
		fit.Failed = true
		return fit, fail(fmt.Errorf("%w: %w", ErrNotConverged, err))
	}
	fit.Amplitude = res.X[0]
	fit.Mean = res.X[1]
	fit.Sigma = math.Abs(res.X[2])
	return fit, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func gaussProblem(x, y []float64) lsq.Problem {
	return lsq.Problem{
		Y: y,
		Model: func(dst, p []float64) {
			for i, xi := range x {
				dst[i] = gauss(xi, p[0], p[1], p[2])
			}
		},
		Jacobian: func(jac *mat.Dense, p []float64) {
			a, mu, sigma := p[0], p[1], p[2]
			s2 := sigma * sigma
			for i, xi := range x {
				d := xi - mu
				e := math.Exp(-d * d / (2 * s2))
				jac.Set(i, 0, e)
				jac.Set(i, 1, a*e*d/s2)
				jac.Set(i, 2, a*e*d*d/(s2*sigma))
			}
		},
	}
}
