// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package report renders the results of a calibration run as a text report,
// an xlsx workbook, an html page and PNG figures.
package report

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/524D/ccscal/internal/ccs"
)

// Setting is a named run parameter as shown in reports
type Setting struct {
	Key   string
	Name  string
	Value string
}

// CalibrantRow is a calibrant with its extracted drift time
type CalibrantRow struct {
	Mass      float64
	CCS       float64 // literature value
	DriftTime float64 // ms
	Warning   string  // non-empty when the peak fit fell back to the initial mean
}

// CompoundRow holds the result for one compound. When Err is set, DriftTime
// and CCS may be meaningless.
type CompoundRow struct {
	File      string
	Mass      float64
	DriftTime float64
	CCS       float64
	Warning   string
	Err       error
}

// OK reports whether a CCS was computed for the compound
func (r CompoundRow) OK() bool {
	return r.Err == nil
}

// Run is everything that is reported about a calibration run
type Run struct {
	Name       string // report title, usually the report file name without extension
	Program    string
	Version    string
	RunID      string
	Generated  time.Time
	Settings   []Setting
	Calibrants []CalibrantRow
	Skipped    []CalibrantRow // calibrants without signal
	Curve      *ccs.Curve
	Residuals  []ccs.Residual
	Summary    *ccs.Summary
	Compounds  []CompoundRow
	FigureFile string // calibration figure, if written
}

// Stem returns the file name without directory and extension
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *Run) programName() string {
	if r.Program == "" {
		return "ccscal"
	}
	return r.Program
}

// generated formats the creation time like C's %c
func (r *Run) generated() string {
	return r.Generated.Format("Mon Jan _2 15:04:05 2006")
}
