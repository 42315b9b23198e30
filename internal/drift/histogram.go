// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package drift extracts drift times from ion mobility data. Raw
// (m/z, drift bin, intensity) triples are summed into a drift time histogram
// for a target m/z, and a Gaussian is fitted to the histogram to locate the
// drift time peak with sub-bin precision.
package drift

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultBins is the number of drift time bins recorded by the instrument
const DefaultBins = 200

// Triple is a single raw data point. Bin is 1 based.
type Triple struct {
	Mass      float64
	Bin       int
	Intensity float64
}

// Histogram holds summed intensities per drift bin for one target m/z.
// Intensity[i] belongs to drift bin i+1.
type Histogram struct {
	Mass      float64 // target m/z
	Window    float64 // m/z window half width
	Source    string  // data file the triples came from
	Intensity []float64
	Dropped   int // matching triples with a bin outside 1..len(Intensity)
}

// Build sums the intensities of all triples with |mass-target| <= window
// into a dense histogram of numBins bins. A non-positive numBins selects
// DefaultBins.
func Build(triples []Triple, target, window float64, numBins int) *Histogram {
	if numBins <= 0 {
		numBins = DefaultBins
	}
	h := &Histogram{
		Mass:      target,
		Window:    window,
		Intensity: make([]float64, numBins),
	}
	for _, t := range triples {
		if math.Abs(t.Mass-target) > window {
			continue
		}
		if t.Bin < 1 || t.Bin > numBins {
			h.Dropped++
			continue
		}
		h.Intensity[t.Bin-1] += t.Intensity
	}
	return h
}

// Len returns the number of bins
func (h *Histogram) Len() int {
	return len(h.Intensity)
}

// Bins returns the 1 based bin numbers as float64
func (h *Histogram) Bins() []float64 {
	bins := make([]float64, len(h.Intensity))
	for i := range bins {
		bins[i] = float64(i + 1)
	}
	return bins
}

// Total returns the summed intensity of all bins
func (h *Histogram) Total() float64 {
	if len(h.Intensity) == 0 {
		return 0
	}
	return floats.Sum(h.Intensity)
}

// Clone returns a deep copy of h
func (h *Histogram) Clone() *Histogram {
	c := *h
	c.Intensity = append([]float64(nil), h.Intensity...)
	return &c
}
