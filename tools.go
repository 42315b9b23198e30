// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/drift"
	"github.com/524D/ccscal/internal/input"
	"github.com/524D/ccscal/internal/metabolite"
	"github.com/524D/ccscal/internal/report"
	"github.com/524D/ccscal/internal/workflow"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func parseMass(s string) (float64, error) {
	m, err := strconv.ParseFloat(s, 64)
	if err != nil || !(m > 0) {
		return 0, fmt.Errorf("invalid m/z %q", s)
	}
	return m, nil
}

func newExtCalCmd(o *options) *cobra.Command {
	var (
		edc     float64
		gas     string
		calFile string
		repFile string
		figFile string
	)
	cmd := &cobra.Command{
		Use:   "extcal <calibrants.csv>",
		Short: "Fit a calibration curve to calibrants with known drift times",
		Long: `Extcal fits the calibration curve to calibrants measured elsewhere. The
CSV file has the columns m/z, drift time (ms) and CCS, and an optional
header line. The curve is written as JSON for use with "ccscal apply".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cals, err := input.ReadCalibrantCSVFile(args[0])
			if err != nil {
				return err
			}
			cfg := ccs.DefaultFitConfig()
			cfg.Init = ccs.ExternalInit
			cfg.EDC = edc
			if cfg.GasMass, err = ccs.GasMass(gas); err != nil {
				return err
			}
			if cfg.Method, err = o.fitMethod(); err != nil {
				return err
			}
			cal, fitErr := workflow.CalibrateExternal(cals, cfg)
			run := &report.Run{
				Name:      report.Stem(args[0]),
				Program:   progName,
				Version:   progVersion,
				RunID:     uuid.NewString(),
				Generated: time.Now(),
				Settings: []report.Setting{
					{Key: "edc", Name: "EDC", Value: strconv.FormatFloat(edc, 'f', -1, 64)},
					{Key: "gas", Name: "drift gas", Value: gas},
				},
				Calibrants: cal.Rows,
				Curve:      cal.Curve,
				Residuals:  cal.Residuals,
				Summary:    cal.Summary,
			}
			if fitErr == nil && figFile != "" {
				if err := report.WriteCurveFigureFile(figFile, cal.Curve); err != nil {
					return err
				}
				run.FigureFile = figFile
			}
			if err := writeReport(cmd, repFile, run); err != nil {
				return err
			}
			if fitErr != nil {
				return fitErr
			}
			if calFile == "" {
				calFile = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "-cal.json"
			}
			return ccs.WriteFile(calFile, cal.Curve, progName+" "+progVersion, run.RunID)
		},
	}
	f := cmd.Flags()
	f.Float64Var(&edc, "edc", ccs.DefaultFitConfig().EDC, "EDC delay coefficient")
	f.StringVar(&gas, "gas", "N2", "drift `gas`, N2 or He")
	f.StringVar(&calFile, "cal", "", "`filename` for the calibration curve (default <calibrants>-cal.json)")
	f.StringVar(&repFile, "report", "", "write the text report to `filename` instead of standard output")
	f.StringVar(&figFile, "figure", "", "write the calibration figure to `filename` (PNG)")
	return cmd
}

func newApplyCmd(o *options) *cobra.Command {
	var repFile string
	cmd := &cobra.Command{
		Use:   "apply <calibration.json> <compounds.csv>",
		Short: "Compute the CCS of compounds with known drift times",
		Long: `Apply computes the CCS of compounds from a calibration curve written by
"ccscal run" or "ccscal extcal". The CSV file has the columns name, m/z and
drift time (ms), and an optional header line.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			curve, err := ccs.ReadFile(args[0])
			if err != nil {
				return err
			}
			ms, err := input.ReadCompoundCSVFile(args[1])
			if err != nil {
				return err
			}
			rows := workflow.ApplyMeasured(curve, ms)
			if l := o.logger(cmd); l != nil {
				for _, r := range rows {
					if r.Err != nil {
						l.Printf("WARNING: %s m/z %.4f: %v", r.File, r.Mass, r.Err)
					}
				}
			}
			return writeReport(cmd, repFile, &report.Run{
				Name:      report.Stem(args[1]),
				Program:   progName,
				Version:   progVersion,
				Generated: time.Now(),
				Compounds: rows,
			})
		},
	}
	cmd.Flags().StringVar(&repFile, "report", "", "write the text report to `filename` instead of standard output")
	return cmd
}

func newDtCmd(o *options) *cobra.Command {
	in := input.Config{
		MassWindow:     0.5,
		PusherInterval: 1000 * drift.DefaultBinWidth,
		SmoothWindow:   5,
		SmoothOrder:    3,
	}
	var figFile string
	cmd := &cobra.Command{
		Use:   "dt <data file> <m/z>",
		Short: "Extract the drift time of one m/z from a data file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mass, err := parseMass(args[1])
			if err != nil {
				return err
			}
			cfg, err := workflow.FromInput(&in)
			if err != nil {
				return err
			}
			if err := o.configure(&cfg); err != nil {
				return err
			}
			r, err := workflow.New(cfg, o.preprocess(cmd), o.logger(cmd))
			if err != nil {
				return err
			}
			if err := installHooks(cmd, r, o, ""); err != nil {
				return err
			}
			ex, err := r.Extract(cmd.Context(), args[0], mass)
			if errors.Is(err, drift.ErrNotConverged) {
				if l := o.logger(cmd); l != nil {
					l.Printf("WARNING: %v, using weighted mean drift time", err)
				}
			} else if err != nil {
				return err
			}
			if figFile != "" {
				if err := report.WritePeakFigureFile(figFile, ex.Histogram, ex.Fit); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%.4f\t%.3f\n", args[0], mass, ex.DriftTime)
			if o.verbosity() == infoVerbose {
				fmt.Fprintf(out, "\tamplitude %.4g, mean bin %.3f, sigma %.3f bins, initial mean bin %.3f, %d evaluations\n",
					ex.Fit.Amplitude, ex.Fit.Mean, ex.Fit.Sigma, ex.Fit.InitMean, ex.Fit.Evaluations)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&in.MassWindow, "window", in.MassWindow, "m/z window half `width`")
	f.Float64Var(&in.PusherInterval, "tpi", in.PusherInterval, "TOF pusher interval (µs), the width of a drift bin")
	f.IntVar(&in.SmoothWindow, "sgw", in.SmoothWindow, "Savitzky-Golay window, 0 disables smoothing")
	f.IntVar(&in.SmoothOrder, "sgp", in.SmoothOrder, "Savitzky-Golay polynomial order, 0 disables smoothing")
	f.StringVar(&figFile, "figure", "", "write the histogram and fitted peak to `filename` (PNG)")
	return cmd
}

func newMetabCmd(_ *options) *cobra.Command {
	var fragment float64
	cmd := &cobra.Command{
		Use:   "metab <parent m/z> <sequence>",
		Short: "List the masses of metabolites",
		Long: `Metab decodes a metabolite sequence and lists the label and mass of the
parent and every metabolite. The sequence holds one hexadecimal pair per
metabolite, level then kind, in depth first order and starts with 01, the
parent. Kinds:
  2 hydroxylation      3 S/N oxidation     4 demethylation
  5 deethylation       6 glucuronidation   7 glutathione conjugation
  8 oxidation (-2H)    9 reduction (+2H)   A acetylation
  B hydrolysis, splitting the molecule in the carbonyl fragment
    (--fragment) and the rest`,
		Example: `  ccscal metab 310.1765 "01 12 22 36 26 16"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mass, err := parseMass(args[0])
			if err != nil {
				return err
			}
			root, err := metabolite.Decode(mass, args[1], fragment)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			root.Walk(func(n *metabolite.Node) {
				fmt.Fprintf(tw, "%s\t%v\t%.5f\n", n.Label, n.Kind, n.Mass)
			})
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&fragment, "fragment", 0, "carbonyl fragment `mass` for hydrolysis")
	return cmd
}
