// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/rawdata"
)

// Measured is a compound with a drift time measured elsewhere
type Measured struct {
	Name      string
	Mass      float64
	DriftTime float64
}

// readCSV returns the records of r. A first record whose numeric column
// does not parse is taken as header and dropped.
func readCSV(r io.Reader, fields, numericCol int) ([][]string, error) {
	tr, err := rawdata.NewTextReader(r)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(tr)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = fields
	records, err := cr.ReadAll()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, fmt.Errorf("line %d: %w: %v", pe.Line, ErrSyntax, pe.Err)
		}
		return nil, err
	}
	if len(records) > 0 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(records[0][numericCol]), 64); err != nil {
			records = records[1:]
		}
	}
	return records, nil
}

func parseFloats(rec []string, cols ...int) ([]float64, error) {
	v := make([]float64, len(cols))
	for i, c := range cols {
		var err error
		v[i], err = strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %d %q", ErrSyntax, c+1, rec[c])
		}
	}
	return v, nil
}

// ReadCalibrantCSV reads "mass,dt,ccs" records of calibrants with known
// drift time (ms)
func ReadCalibrantCSV(r io.Reader) ([]ccs.Calibrant, error) {
	records, err := readCSV(r, 3, 0)
	if err != nil {
		return nil, err
	}
	cals := make([]ccs.Calibrant, 0, len(records))
	for i, rec := range records {
		v, err := parseFloats(rec, 0, 1, 2)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		cals = append(cals, ccs.Calibrant{Mass: v[0], DriftTime: v[1], CCS: v[2]})
	}
	return cals, nil
}

// ReadCompoundCSV reads "name,mass,dt" records
func ReadCompoundCSV(r io.Reader) ([]Measured, error) {
	records, err := readCSV(r, 3, 1)
	if err != nil {
		return nil, err
	}
	ms := make([]Measured, 0, len(records))
	for i, rec := range records {
		v, err := parseFloats(rec, 1, 2)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		ms = append(ms, Measured{Name: strings.TrimSpace(rec[0]), Mass: v[0], DriftTime: v[1]})
	}
	return ms, nil
}

// ReadCalibrantCSVFile reads calibrants from the named CSV file
func ReadCalibrantCSVFile(name string) ([]ccs.Calibrant, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cals, err := ReadCalibrantCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cals, nil
}

// ReadCompoundCSVFile reads compounds from the named CSV file
func ReadCompoundCSVFile(name string) ([]Measured, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ms, err := ReadCompoundCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return ms, nil
}
