// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package rawdata

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/524D/ccscal/internal/drift"
)

// WindowScale is the factor between the preprocessing window and the m/z
// window used for the histogram
const WindowScale = 2.0

// ErrPreprocessOutput is returned when preprocessing did not produce its
// output file
var ErrPreprocessOutput = errors.New("preprocessing output missing")

// Preprocessor produces a triple file restricted to mass ± window from
// dataFile, and returns the name of that file.
type Preprocessor interface {
	Preprocess(ctx context.Context, dataFile string, mass, window float64) (string, error)
}

// Filter is implemented by preprocessors that can return the triples
// restricted to mass ± window without writing a file.
type Filter interface {
	Filter(ctx context.Context, dataFile string, mass, window float64) ([]drift.Triple, error)
}

// FormatMass formats m/z values the way they appear in file names
func FormatMass(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

// OutputName returns the name of the preprocessed file for dataFile and
// mass: the data file name without extension plus ".pp-<mass>.txt".
func OutputName(dataFile string, mass float64) string {
	base := strings.TrimSuffix(dataFile, filepath.Ext(dataFile))
	return base + ".pp-" + FormatMass(mass) + ".txt"
}

func checkOutput(dataFile, out string, mass float64) error {
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("%w: %s (data file %s, m/z %s)", ErrPreprocessOutput, out, dataFile, FormatMass(mass))
	}
	return nil
}

// removeStale deletes output of an earlier run, so that a failing
// preprocessor cannot leave old data behind
func removeStale(out string) error {
	err := os.Remove(out)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exec runs an external preprocessing program as
//
//	<Path> <data file> <mass> <window>
//
// The program must write its output to OutputName(data file, mass).
type Exec struct {
	Path   string
	Stdout io.Writer
	Stderr io.Writer
}

// Preprocess implements Preprocessor
func (e Exec) Preprocess(ctx context.Context, dataFile string, mass, window float64) (string, error) {
	out := OutputName(dataFile, mass)
	if err := removeStale(out); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, e.Path, dataFile, FormatMass(mass), FormatMass(window))
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s m/z %s: %w", e.Path, dataFile, FormatMass(mass), err)
	}
	if err := checkOutput(dataFile, out, mass); err != nil {
		return "", err
	}
	return out, nil
}

// Native preprocesses in process: it keeps the lines with
// mass-window < m/z <= mass+window, and stops reading at the first m/z above
// the window. Load filters in memory; Preprocess writes the same file as the
// external program.
type Native struct{}

// Filter implements Filter
func (Native) Filter(ctx context.Context, dataFile string, mass, window float64) ([]drift.Triple, error) {
	var buf bytes.Buffer
	if err := filterFile(ctx, dataFile, &buf, mass-window, mass+window); err != nil {
		return nil, err
	}
	triples, err := ReadTriples(&buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dataFile, err)
	}
	return triples, nil
}

// Preprocess implements Preprocessor. The output is written to a temporary
// file that replaces OutputName(dataFile, mass) when complete, so readers
// never see a partial file.
func (Native) Preprocess(ctx context.Context, dataFile string, mass, window float64) (string, error) {
	out := OutputName(dataFile, mass)
	f, err := os.CreateTemp(filepath.Dir(out), filepath.Base(out)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	err = filterFile(ctx, dataFile, f, mass-window, mass+window)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, out)
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	return out, nil
}

func filterFile(ctx context.Context, dataFile string, w io.Writer, minMass, maxMass float64) error {
	in, err := os.Open(dataFile)
	if err != nil {
		return err
	}
	defer in.Close()
	r, err := NewTextReader(in)
	if err != nil {
		return fmt.Errorf("%s: %w", dataFile, err)
	}
	if err := filterLines(ctx, r, w, minMass, maxMass); err != nil {
		return fmt.Errorf("%s: %w", dataFile, err)
	}
	return nil
}

func filterLines(ctx context.Context, r io.Reader, w io.Writer, minMass, maxMass float64) error {
	bw := bufio.NewWriter(w)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 3 {
			return fmt.Errorf("line %d: %w: expected 3 fields, got %d", lineNum, ErrFormat, len(fields))
		}
		m, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("line %d: %w: m/z %q", lineNum, ErrFormat, fields[0])
		}
		if m > maxMass {
			break
		}
		if m > minMass {
			if _, err := bw.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// Direct skips preprocessing and reads the data file itself
type Direct struct{}

// Preprocess implements Preprocessor
func (Direct) Preprocess(_ context.Context, dataFile string, _, _ float64) (string, error) {
	if _, err := os.Stat(dataFile); err != nil {
		return "", err
	}
	return dataFile, nil
}

// Load preprocesses dataFile with a window of WindowScale*window around
// mass and reads the resulting triples. A preprocessor that is also a Filter
// is used through Filter, and leaves no file behind.
func Load(ctx context.Context, pp Preprocessor, dataFile string, mass, window float64) ([]drift.Triple, error) {
	if f, ok := pp.(Filter); ok {
		return f.Filter(ctx, dataFile, mass, WindowScale*window)
	}
	name, err := pp.Preprocess(ctx, dataFile, mass, WindowScale*window)
	if err != nil {
		return nil, err
	}
	return ReadTriplesFile(name)
}
