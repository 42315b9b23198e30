// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package rawdata reads ion mobility data exported as text: one
// "m/z drift-bin intensity" triple per line, sorted by m/z. It also provides
// the preprocessing step that cuts such a file down to the lines near a
// target m/z.
package rawdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/524D/ccscal/internal/drift"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrFormat is returned for lines that are not a valid triple
var ErrFormat = errors.New("invalid triple")

// NewTextReader returns a reader that converts r to UTF-8. Files with a
// byte order mark (e.g. UTF-16 exports) are decoded accordingly, anything
// else is taken as UTF-8. The byte order mark itself is dropped.
func NewTextReader(r io.Reader) (io.Reader, error) {
	tr, err := charset.NewReader(r, "text/plain; charset=utf-8")
	if errors.Is(err, io.EOF) {
		return bytes.NewReader(nil), nil
	}
	if err != nil {
		return nil, err
	}
	return transform.NewReader(tr, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
}

// ReadTriples parses whitespace separated triples. Empty lines and lines
// starting with '#' are skipped.
func ReadTriples(r io.Reader) ([]drift.Triple, error) {
	tr, err := NewTextReader(r)
	if err != nil {
		return nil, err
	}
	var triples []drift.Triple
	scanner := bufio.NewScanner(tr)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseTriple(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return triples, nil
}

func parseTriple(line string) (drift.Triple, error) {
	var t drift.Triple
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return t, fmt.Errorf("%w: expected 3 fields, got %d", ErrFormat, len(fields))
	}
	mass, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return t, fmt.Errorf("%w: m/z %q", ErrFormat, fields[0])
	}
	// Bins are integers, but some exports write them as floats
	bin, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || bin != math.Trunc(bin) {
		return t, fmt.Errorf("%w: drift bin %q", ErrFormat, fields[1])
	}
	intensity, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return t, fmt.Errorf("%w: intensity %q", ErrFormat, fields[2])
	}
	return drift.Triple{Mass: mass, Bin: int(bin), Intensity: intensity}, nil
}

// ReadTriplesFile reads the triples in the named file
func ReadTriplesFile(name string) ([]drift.Triple, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	triples, err := ReadTriples(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return triples, nil
}
