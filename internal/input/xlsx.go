// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package input

import (
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Sheet is the name of the worksheet holding the input
const Sheet = "Input"

// ErrNoSheet is returned for workbooks without an Input sheet
var ErrNoSheet = errors.New("no sheet named 'Input' in workbook")

// ReadXLSX reads the input from sheet "Input" of the named workbook
func ReadXLSX(name string) (*Config, error) {
	f, err := excelize.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readWorkbook(f)
}

// ReadXLSXFrom reads the input from a workbook in r
func ReadXLSXFrom(r io.Reader) (*Config, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readWorkbook(f)
}

func readWorkbook(f *excelize.File) (*Config, error) {
	idx, err := f.GetSheetIndex(Sheet)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, ErrNoSheet
	}
	rows, err := f.GetRows(Sheet)
	if err != nil {
		return nil, fmt.Errorf("sheet %s: %w", Sheet, err)
	}
	return Parse(rows)
}
