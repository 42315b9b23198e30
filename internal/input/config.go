// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package input reads CcsCal input files. An input file holds
// ";key = value" parameter lines, "mass ccs" calibrant rows, a line with the
// word "compound" and "filename mass" rows for the compounds to calibrate.
// Lines starting with ';' that are not parameters are comments. The same
// layout is read from sheet "Input" of an xlsx workbook.
package input

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/drift"
	"github.com/524D/ccscal/internal/rawdata"
)

var (
	// ErrMissingKey is returned when a required parameter is absent
	ErrMissingKey = errors.New("missing parameter")
	// ErrSyntax is returned for lines that cannot be parsed
	ErrSyntax = errors.New("syntax error")
)

// Calibrant is a calibrant mass with its literature CCS
type Calibrant struct {
	Mass float64
	CCS  float64
}

// Compound is a data file and the m/z to extract from it
type Compound struct {
	File string
	Mass float64
}

// Config holds the contents of an input file
type Config struct {
	ReportFile     string  // rfn
	MassWindow     float64 // mwn
	EDC            float64 // edc
	PusherInterval float64 // tpi, µs
	SmoothWindow   int     // sgw
	SmoothOrder    int     // sgp
	FigureFile     string  // cff
	CalDataFile    string  // cdf
	CompoundDir    string  // crd
	Gas            string  // gas
	Calibrants     []Calibrant
	Compounds      []Compound
}

var required = []string{"rfn", "mwn", "edc", "tpi", "cdf"}

// BinWidth returns the drift bin width in ms
func (c *Config) BinWidth() float64 {
	return c.PusherInterval / 1000
}

// Smoothing returns the Savitzky-Golay settings, nil when smoothing is
// disabled by a zero window or order
func (c *Config) Smoothing() *drift.Smoothing {
	if c.SmoothWindow == 0 || c.SmoothOrder == 0 {
		return nil
	}
	return &drift.Smoothing{Window: c.SmoothWindow, Order: c.SmoothOrder}
}

// GasMass returns the mass of the configured drift gas
func (c *Config) GasMass() (float64, error) {
	return ccs.GasMass(c.Gas)
}

// CompoundPath returns the path of the data file of compound i
func (c *Config) CompoundPath(i int) string {
	f := c.Compounds[i].File
	if filepath.IsAbs(f) || c.CompoundDir == "" {
		return f
	}
	return filepath.Join(c.CompoundDir, f)
}

// CalibrantMasses returns the calibrant masses in input order
func (c *Config) CalibrantMasses() []float64 {
	m := make([]float64, len(c.Calibrants))
	for i, cal := range c.Calibrants {
		m[i] = cal.Mass
	}
	return m
}

// Resolve makes relative file names relative to dir
func (c *Config) Resolve(dir string) {
	for _, p := range []*string{&c.ReportFile, &c.FigureFile, &c.CalDataFile, &c.CompoundDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "reportFileName   (rfn) = '%s'\n", c.ReportFile)
	fmt.Fprintf(&sb, "massWindow       (mwn) = %6.4f\n", c.MassWindow)
	fmt.Fprintf(&sb, "edc              (edc) = %6.4f\n", c.EDC)
	fmt.Fprintf(&sb, "TOFPusherInt     (tpi) = %6.3f\n", c.PusherInterval)
	fmt.Fprintf(&sb, "savgolWindow     (sgw) = %3d\n", c.SmoothWindow)
	fmt.Fprintf(&sb, "savgolPoly       (sgp) = %3d\n", c.SmoothOrder)
	fmt.Fprintf(&sb, "calCurveFileName (cff) = '%s'\n", c.FigureFile)
	fmt.Fprintf(&sb, "calDataFile      (cdf) = '%s'\n", c.CalDataFile)
	fmt.Fprintf(&sb, "compoundDataDir  (crd) = '%s'\n", c.CompoundDir)
	return sb.String()
}

// parser accumulates lines of an input file
type parser struct {
	c         Config
	seen      map[string]bool
	compounds bool
}

func newParser() *parser {
	return &parser{seen: make(map[string]bool)}
}

func (p *parser) line(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "#") {
		return nil
	}
	if strings.HasPrefix(s, ";") {
		return p.param(s[1:])
	}
	fields := strings.Fields(s)
	if len(fields) == 1 && strings.EqualFold(fields[0], "compound") {
		p.compounds = true
		return nil
	}
	if len(fields) != 2 {
		return fmt.Errorf("%w: expected 2 fields, got %d", ErrSyntax, len(fields))
	}
	if p.compounds {
		m, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("%w: compound m/z %q", ErrSyntax, fields[1])
		}
		p.c.Compounds = append(p.c.Compounds, Compound{File: fields[0], Mass: m})
		return nil
	}
	m, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("%w: calibrant m/z %q", ErrSyntax, fields[0])
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("%w: calibrant ccs %q", ErrSyntax, fields[1])
	}
	p.c.Calibrants = append(p.c.Calibrants, Calibrant{Mass: m, CCS: v})
	return nil
}

func (p *parser) param(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		// comment
		return nil
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.Trim(strings.TrimSpace(value), `"'`)

	var err error
	switch key {
	case "rfn":
		p.c.ReportFile = value
	case "cff":
		p.c.FigureFile = value
	case "cdf":
		p.c.CalDataFile = value
	case "crd":
		p.c.CompoundDir = value
	case "gas":
		p.c.Gas = value
		_, err = ccs.GasMass(value)
	case "mwn":
		p.c.MassWindow, err = strconv.ParseFloat(value, 64)
	case "edc":
		p.c.EDC, err = strconv.ParseFloat(value, 64)
	case "tpi":
		p.c.PusherInterval, err = strconv.ParseFloat(value, 64)
	case "sgw":
		p.c.SmoothWindow, err = strconv.Atoi(value)
	case "sgp":
		p.c.SmoothOrder, err = strconv.Atoi(value)
	default:
		// Not a parameter, the line is a comment that happens to contain '='
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s = %q: %v", ErrSyntax, key, value, err)
	}
	p.seen[key] = true
	return nil
}

func (p *parser) finish() (*Config, error) {
	for _, k := range required {
		if !p.seen[k] {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, k)
		}
	}
	if !(p.c.MassWindow > 0) {
		return nil, fmt.Errorf("%w: mass window %g must be positive", ErrSyntax, p.c.MassWindow)
	}
	if !(p.c.PusherInterval > 0) {
		return nil, fmt.Errorf("%w: pusher interval %g must be positive", ErrSyntax, p.c.PusherInterval)
	}
	if len(p.c.Calibrants) == 0 {
		return nil, fmt.Errorf("%w: calibrants", ErrMissingKey)
	}
	c := p.c
	return &c, nil
}

// ReadText parses an input file in text form
func ReadText(r io.Reader) (*Config, error) {
	tr, err := rawdata.NewTextReader(r)
	if err != nil {
		return nil, err
	}
	p := newParser()
	scanner := bufio.NewScanner(tr)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := p.line(scanner.Text()); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p.finish()
}

// Parse parses rows of cells, e.g. read from a spreadsheet. The cells of a
// row are joined by spaces and parsed as a line of a text input file.
func Parse(rows [][]string) (*Config, error) {
	p := newParser()
	for i, row := range rows {
		cells := make([]string, 0, len(row))
		for _, cell := range row {
			if cell = strings.TrimSpace(cell); cell != "" {
				cells = append(cells, cell)
			}
		}
		if err := p.line(strings.Join(cells, " ")); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}
	return p.finish()
}

// ReadFile reads the named input file, xlsx or text depending on the file
// extension. Relative paths in the file are taken relative to the
// directory of the input file.
func ReadFile(name string) (*Config, error) {
	var c *Config
	var err error
	if strings.EqualFold(filepath.Ext(name), ".xlsx") {
		c, err = ReadXLSX(name)
	} else {
		c, err = readTextFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c.Resolve(filepath.Dir(name))
	return c, nil
}

func readTextFile(name string) (*Config, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadText(f)
}
