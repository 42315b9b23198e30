// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/input"
	"github.com/524D/ccscal/internal/lsq"
	"github.com/524D/ccscal/internal/rawdata"
	"github.com/524D/ccscal/internal/report"
	"github.com/524D/ccscal/internal/workflow"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Program name and version, written to reports and calibration files
const progName = "ccscal"

var progVersion = `Unknown`

const (
	infoDefault = iota
	infoSilent
	infoVerbose
)

// Environment variables
const (
	envPreprocessor = "CCSCAL_PREPROCESSOR"
	envWorkers      = "CCSCAL_WORKERS"
	envDebug        = "CCSCAL_DEBUG"
)

// Options shared by all commands
type options struct {
	verbose      bool
	quiet        bool
	method       string // fit method for peak and curve fits
	preprocessor string // external preprocessing program, empty for in process
	noPreprocess bool   // data files are read as they are
	workers      int
	debug        bool // environment variable CCSCAL_DEBUG=1
}

func (o *options) verbosity() int {
	switch {
	case o.quiet:
		return infoSilent
	case o.verbose:
		return infoVerbose
	}
	return infoDefault
}

// logger returns the logger for warnings, nil when quiet
func (o *options) logger(cmd *cobra.Command) *log.Logger {
	if o.verbosity() == infoSilent {
		return nil
	}
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

func (o *options) preprocess(cmd *cobra.Command) rawdata.Preprocessor {
	switch {
	case o.noPreprocess:
		return rawdata.Direct{}
	case o.preprocessor != "":
		e := rawdata.Exec{Path: o.preprocessor}
		if o.verbosity() == infoVerbose {
			e.Stdout = cmd.ErrOrStderr()
			e.Stderr = cmd.ErrOrStderr()
		}
		return e
	}
	return rawdata.Native{}
}

// fitMethod returns the method selected with --method
func (o *options) fitMethod() (lsq.Method, error) {
	return lsq.ParseMethod(o.method)
}

// configure applies the command line options to a run configuration
func (o *options) configure(cfg *workflow.Config) error {
	m, err := o.fitMethod()
	if err != nil {
		return err
	}
	cfg.Peak.Method = m
	cfg.Curve.Method = m
	cfg.Workers = o.workers
	return nil
}

// progress prints a progress message when verbose, and returns a function
// that prints the elapsed time
func (o *options) progress(cmd *cobra.Command, format string, a ...interface{}) func() {
	if o.verbosity() != infoVerbose {
		return func() {}
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, format, a...)
	t := time.Now()
	return func() {
		fmt.Fprintf(w, "%s\n", time.Since(t))
	}
}

// say prints a message unless quiet
func (o *options) say(cmd *cobra.Command, format string, a ...interface{}) {
	if o.verbosity() != infoSilent {
		fmt.Fprintf(cmd.OutOrStdout(), format, a...)
	}
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}

func newRootCmd() *cobra.Command {
	o := &options{debug: os.Getenv(envDebug) == `1`}
	root := &cobra.Command{
		Use:   progName,
		Short: "Calibrate collision cross sections of ion mobility MS data",
		Long: `ccscal determines drift times of calibrants and compounds from
ion mobility MS data, fits a CCS calibration curve to the calibrants and
computes the CCS of the compounds.

Data files are text files with one "m/z drift-bin intensity" triple per line,
sorted by m/z. Before a histogram is built, a data file is filtered to the
m/z window of interest, in process or by an external program.`,
		Version:       progVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "Print more verbose progress information")
	pf.BoolVarP(&o.quiet, "quiet", "q", false, "Don't print any output except for errors")
	pf.StringVar(&o.method, "method", "lm", "fit `method`, lm (Levenberg-Marquardt) or simplex (Nelder-Mead)")
	pf.StringVar(&o.preprocessor, "preprocessor", os.Getenv(envPreprocessor),
		"external preprocessing `program`, called as <program> <data file> <m/z> <window>.\n"+
			"Default is $"+envPreprocessor+", or in process preprocessing when unset")
	pf.BoolVar(&o.noPreprocess, "no-preprocess", false, "read data files without preprocessing")
	pf.IntVar(&o.workers, "workers", envInt(envWorkers, 0),
		"compounds processed concurrently, 0 for the number of CPUs ($"+envWorkers+")")

	root.AddCommand(
		newRunCmd(o),
		newExtCalCmd(o),
		newApplyCmd(o),
		newDtCmd(o),
		newMetabCmd(o),
	)
	return root
}

// Output files of the run command, in addition to those named in the
// input file
type runOutputs struct {
	calFile  string
	htmlFile string
	xlsxFile string
	peakDir  string
}

func newRunCmd(o *options) *cobra.Command {
	var out runOutputs
	cmd := &cobra.Command{
		Use:   "run <input file>",
		Short: "Calibrate and compute compound CCS as described by an input file",
		Long: `Run reads a CcsCal input file (text or xlsx), extracts the drift times
of the calibrants from the calibration data file, fits the calibration curve
and applies it to the compounds.

The text report is written to the report file named in the input file, the
calibration figure to the figure file, if named. The calibration curve is
written as JSON to <report file>-cal.json unless --cal is given. When the
input is an xlsx workbook, the results are added to it as new sheets.`,
		Example: `  ccscal run ccscal-input.txt
  ccscal run --html report.html --peak-figures peaks ccscal-input.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibration(cmd, o, out, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&out.calFile, "cal", "", "`filename` for the computed calibration curve (JSON)")
	f.StringVar(&out.htmlFile, "html", "", "write an html report to `filename`")
	f.StringVar(&out.xlsxFile, "xlsx", "", "write the results to xlsx `filename`")
	f.StringVar(&out.peakDir, "peak-figures", "", "write a figure of every fitted drift peak to `directory`")
	return cmd
}

func runCalibration(cmd *cobra.Command, o *options, out runOutputs, name string) error {
	done := o.progress(cmd, "Reading input from %s: ", name)
	in, err := input.ReadFile(name)
	if err != nil {
		return err
	}
	done()
	if o.verbosity() == infoVerbose {
		fmt.Fprint(cmd.ErrOrStderr(), in)
	}
	cfg, err := workflow.FromInput(in)
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
	if err := installHooks(cmd, r, o, out.peakDir); err != nil {
		return err
	}

	done = o.progress(cmd, "Calibrating on %s, %d compounds: ", in.CalDataFile, len(in.Compounds))
	run, runErr := r.Run(cmd.Context(), in)
	done()
	run.Program = progName
	run.Version = progVersion
	if runErr == nil && in.FigureFile != "" {
		if err := report.WriteCurveFigureFile(in.FigureFile, run.Curve); err != nil {
			return err
		}
		run.FigureFile = in.FigureFile
	}
	// The text report also documents a failed run
	if err := report.WriteTextFile(in.ReportFile, run); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	calFile := out.calFile
	if calFile == "" {
		calFile = strings.TrimSuffix(in.ReportFile, filepath.Ext(in.ReportFile)) + "-cal.json"
	}
	if err := ccs.WriteFile(calFile, run.Curve, progName+" "+progVersion, run.RunID); err != nil {
		return err
	}
	if out.htmlFile != "" {
		if err := report.WriteHTMLFile(out.htmlFile, run); err != nil {
			return err
		}
	}
	xlsxFile := out.xlsxFile
	if xlsxFile == "" && strings.EqualFold(filepath.Ext(name), ".xlsx") {
		xlsxFile = name
	}
	if xlsxFile != "" {
		if err := report.WriteXLSX(xlsxFile, run); err != nil {
			return err
		}
	}

	failed := 0
	for _, c := range run.Compounds {
		if !c.OK() {
			failed++
		}
	}
	o.say(cmd, "%d calibrants (%d skipped), %d compounds (%d failed), report written to %s\n",
		len(run.Calibrants), len(run.Skipped), len(run.Compounds), failed, in.ReportFile)
	return nil
}

// writeReport writes the text report to name, or to the command output when
// name is empty
func writeReport(cmd *cobra.Command, name string, r *report.Run) error {
	if name == "" {
		return report.WriteText(cmd.OutOrStdout(), r)
	}
	return report.WriteTextFile(name, r)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	// Settings in .env do not override the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: .env: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		stop()
		os.Exit(1)
	}
}
