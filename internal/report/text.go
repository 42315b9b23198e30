// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// WriteText writes the report in the historical CcsCal text layout
func WriteText(w io.Writer, r *Run) error {
	bw := bufio.NewWriter(w)
	ln := func(format string, a ...interface{}) {
		fmt.Fprintf(bw, format+"\n", a...)
	}

	ln("%s", r.Name)
	ln("Generated by %s on %s", r.programName(), r.generated())
	ln("%s", strings.Repeat("=", 52))
	if r.RunID != "" {
		ln("run %s", r.RunID)
	}
	ln("")
	ln("")

	if len(r.Calibrants) > 0 || r.Curve != nil {
		writeCalibration(ln, r)
	}
	if len(r.Compounds) > 0 {
		writeCompounds(ln, r)
	}
	return bw.Flush()
}

func writeCalibration(ln func(string, ...interface{}), r *Run) {
	ln("+-----------------+")
	ln("| CCS CALIBRATION |")
	ln("+-----------------+")
	ln("")
	if len(r.Settings) > 0 {
		ln("Parameters:")
		for _, s := range r.Settings {
			ln("\t%-24s (%s) = %s", s.Name, s.Key, s.Value)
		}
		ln("")
	}
	ln("CCS calibrants extracted drift times:")
	ln("m/z\t\tdrift time (ms)")
	ln("---------------------------")
	for _, c := range r.Calibrants {
		ln("% 10.4f    % 5.2f", c.Mass, c.DriftTime)
	}
	ln("")
	for _, c := range r.Calibrants {
		if c.Warning != "" {
			ln("WARNING: m/z %.4f: %s", c.Mass, c.Warning)
		}
	}
	for _, c := range r.Skipped {
		ln("WARNING: calibrant m/z %.4f skipped: %s", c.Mass, c.Warning)
	}

	if r.Curve == nil {
		return
	}
	ln("Optimized calibration curve fit parameters:")
	if r.Curve.Failed {
		ln("\tfit did not converge, no calibration available")
		ln("")
		return
	}
	ln("\tcorrected ccs = A * ((corrected drift time) + t0) ** B")
	ln("\t\tA = %v", r.Curve.A)
	ln("\t\tt0 = %v", r.Curve.T0)
	ln("\t\tB = %v", r.Curve.B)
	ln("")

	ln("Calibrant CCS, calculated vs. literature:")
	ln("m/z        lit ccs (Ang^2)     calc ccs (Ang^2)      residual ccs (Ang^2, %%)")
	ln("----------------------------------------------------------------------------")
	for _, res := range r.Residuals {
		ln("% 10.4f   % 6.3f             % 6.3f             % 6.3f    % 6.3f",
			res.Mass, res.Lit, res.Calc, res.Diff, res.Percent)
	}
	ln("")
	if r.Summary != nil {
		ln("Residuals (%%): mean abs %.3f, median abs %.3f, max abs %.3f, sd %.3f",
			r.Summary.MeanAbsPercent, r.Summary.MedianAbsPercent,
			r.Summary.MaxAbsPercent, r.Summary.StdDevPercent)
		ln("")
	}
}

func writeCompounds(ln func(string, ...interface{}), r *Run) {
	ln("+---------------+")
	ln("| COMPOUND DATA |")
	ln("+---------------+")
	ln("")
	ln("Compounds extracted drift times and calibrated CCS:")
	ln("data file name                     m/z       drift time (ms)     ccs (Ang^2)")
	ln("----------------------------------------------------------------------------")
	for _, c := range r.Compounds {
		if !c.OK() {
			ln("%-32s % 9.4f      %s", c.File, c.Mass, "failed")
			continue
		}
		ln("%-32s % 9.4f      % 6.3f         % 6.3f", c.File, c.Mass, c.DriftTime, c.CCS)
	}
	ln("")
	for _, c := range r.Compounds {
		switch {
		case !c.OK():
			ln("ERROR: %s m/z %.4f: %v", c.File, c.Mass, c.Err)
		case c.Warning != "":
			ln("WARNING: %s m/z %.4f: %s", c.File, c.Mass, c.Warning)
		}
	}
}

// WriteTextFile writes the text report to the named file
func WriteTextFile(name string, r *Run) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := WriteText(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
