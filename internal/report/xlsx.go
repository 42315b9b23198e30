// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package report

import (
	"errors"
	"io/fs"

	"github.com/xuri/excelize/v2"
)

// Worksheets written by WriteWorkbook
const (
	CalibrationSheet = "Calibration"
	CompoundSheet    = "Compounds"
)

type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (sw *sheetWriter) add(cells ...interface{}) {
	if sw.err != nil {
		return
	}
	sw.row++
	cell, err := excelize.CoordinatesToCellName(1, sw.row)
	if err != nil {
		sw.err = err
		return
	}
	sw.err = sw.f.SetSheetRow(sw.sheet, cell, &cells)
}

// newSheet (re)creates an empty worksheet
func newSheet(f *excelize.File, name string) (*sheetWriter, error) {
	idx, err := f.GetSheetIndex(name)
	if err != nil {
		return nil, err
	}
	if idx >= 0 {
		if err := f.DeleteSheet(name); err != nil {
			return nil, err
		}
	}
	if _, err := f.NewSheet(name); err != nil {
		return nil, err
	}
	return &sheetWriter{f: f, sheet: name}, nil
}

// WriteWorkbook adds the result sheets to f, replacing earlier results
func WriteWorkbook(f *excelize.File, r *Run) error {
	cal, err := newSheet(f, CalibrationSheet)
	if err != nil {
		return err
	}
	cal.add(r.Name)
	cal.add("Generated by", r.programName(), r.generated())
	if r.RunID != "" {
		cal.add("Run", r.RunID)
	}
	cal.add()
	for _, s := range r.Settings {
		cal.add(s.Name, s.Key, s.Value)
	}
	cal.add()
	cal.add("m/z", "literature CCS (Ang^2)", "drift time (ms)", "warning")
	for _, c := range r.Calibrants {
		cal.add(c.Mass, c.CCS, c.DriftTime, c.Warning)
	}
	for _, c := range r.Skipped {
		cal.add(c.Mass, c.CCS, nil, "skipped: "+c.Warning)
	}
	if r.Curve != nil {
		cal.add()
		if r.Curve.Failed {
			cal.add("calibration curve fit did not converge")
		} else {
			cal.add("corrected ccs = A * ((corrected drift time) + t0) ** B")
			cal.add("A", r.Curve.A)
			cal.add("t0", r.Curve.T0)
			cal.add("B", r.Curve.B)
			cal.add()
			cal.add("m/z", "lit ccs (Ang^2)", "calc ccs (Ang^2)", "residual ccs (Ang^2)", "residual ccs (%)")
			for _, res := range r.Residuals {
				cal.add(res.Mass, res.Lit, res.Calc, res.Diff, res.Percent)
			}
		}
	}
	if cal.err != nil {
		return cal.err
	}

	if len(r.Compounds) > 0 {
		cw, err := newSheet(f, CompoundSheet)
		if err != nil {
			return err
		}
		cw.add("data file name", "m/z", "drift time (ms)", "ccs (Ang^2)", "remark")
		for _, c := range r.Compounds {
			if !c.OK() {
				cw.add(c.File, c.Mass, nil, nil, c.Err.Error())
				continue
			}
			cw.add(c.File, c.Mass, c.DriftTime, c.CCS, c.Warning)
		}
		if cw.err != nil {
			return cw.err
		}
	}
	return nil
}

// WriteXLSX writes the results to the named workbook. An existing workbook,
// such as an xlsx input file, is updated in place.
func WriteXLSX(name string, r *Run) error {
	f, err := excelize.OpenFile(name)
	created := false
	if errors.Is(err, fs.ErrNotExist) {
		f = excelize.NewFile()
		created = true
	} else if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteWorkbook(f, r); err != nil {
		return err
	}
	if created {
		// Drop the default sheet of a new workbook
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return err
		}
	}
	idx, err := f.GetSheetIndex(CalibrationSheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	return f.SaveAs(name)
}
