// This file contains code to help debugging, and is
// separated in from the rest in order not to litter
// the main code with debugging stuff

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/524D/ccscal/internal/drift"
	"github.com/524D/ccscal/internal/rawdata"
	"github.com/524D/ccscal/internal/report"
	"github.com/524D/ccscal/internal/workflow"

	"github.com/spf13/cobra"
)

// Histograms are fitted concurrently, keep their dumps apart
var debugMux sync.Mutex

// debugLogPeak prints a histogram and the Gaussian fitted to it
func debugLogPeak(w io.Writer, h *drift.Histogram, fit drift.PeakFit) {
	debugMux.Lock()
	defer debugMux.Unlock()
	fmt.Fprintf(w, "File:%s m/z:%f window:%f total:%f dropped:%d\n",
		h.Source, h.Mass, h.Window, h.Total(), h.Dropped)
	fmt.Fprintf(w, "amplitude:%f mean:%f sigma:%f initMean:%f evaluations:%d failed:%v\n",
		fit.Amplitude, fit.Mean, fit.Sigma, fit.InitMean, fit.Evaluations, fit.Failed)
	for i, v := range h.Intensity {
		if v == 0 {
			continue
		}
		bin := i + 1
		fmt.Fprintf(w, "%d intens:%f", bin, v)
		if i < len(fit.Fitted) {
			fmt.Fprintf(w, " smoothed:%f", fit.Fitted[i])
		}
		if !fit.Failed {
			fmt.Fprintf(w, " fit:%f", fit.Eval(float64(bin)))
		}
		fmt.Fprintf(w, "\n")
	}
}

// peakFigureName returns the file name of the peak figure of h in dir
func peakFigureName(dir string, h *drift.Histogram) string {
	return filepath.Join(dir, report.Stem(h.Source)+"-"+rawdata.FormatMass(h.Mass)+".png")
}

// installHooks makes r dump every histogram when CCSCAL_DEBUG=1, and write
// a figure of every histogram to peakDir when not empty
func installHooks(cmd *cobra.Command, r *workflow.Runner, o *options, peakDir string) error {
	if !o.debug && peakDir == "" {
		return nil
	}
	if peakDir != "" {
		if err := os.MkdirAll(peakDir, 0o755); err != nil {
			return err
		}
	}
	w := cmd.ErrOrStderr()
	logger := o.logger(cmd)
	r.SetPeakHook(func(h *drift.Histogram, fit drift.PeakFit) {
		if o.debug {
			debugLogPeak(w, h, fit)
		}
		if peakDir == "" {
			return
		}
		err := report.WritePeakFigureFile(peakFigureName(peakDir, h), h, fit)
		if err != nil && !errors.Is(err, drift.ErrNoSignal) && logger != nil {
			logger.Printf("WARNING: peak figure: %v", err)
		}
	})
	return nil
}
