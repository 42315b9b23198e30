// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package ccs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// FormatVersion of the calibration file. If it ever changes we should still
// be able to read files written by older versions.
const FormatVersion = "1.0"

// ErrFileVersion is returned for calibration files of an unknown version
var ErrFileVersion = errors.New("unsupported calibration file version")

type calFile struct {
	FormatVersion string
	Program       string `json:",omitempty"`
	RunID         string `json:",omitempty"`
	Curve         *Curve
}

// Encode writes c as indented JSON
func Encode(w io.Writer, c *Curve, program, runID string) error {
	e := json.NewEncoder(w)
	e.SetIndent(``, `  `) // Make output easier to read for humans
	return e.Encode(calFile{
		FormatVersion: FormatVersion,
		Program:       program,
		RunID:         runID,
		Curve:         c,
	})
}

// Decode reads a curve written by Encode
func Decode(r io.Reader) (*Curve, error) {
	var f calFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	if f.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrFileVersion, f.FormatVersion)
	}
	if f.Curve == nil {
		return nil, errors.New("calibration file contains no curve")
	}
	return f.Curve, nil
}

// WriteFile writes c to the named file
func WriteFile(name string, c *Curve, program, runID string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := Encode(f, c, program, runID); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a curve from the named file
func ReadFile(name string) (*Curve, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}
