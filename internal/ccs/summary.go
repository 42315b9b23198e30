// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package ccs

import (
	"math"

	"github.com/montanaflynn/stats"
)

// Summary describes the calibrant residuals of a curve, in percent
type Summary struct {
	MeanAbsPercent   float64
	MedianAbsPercent float64
	MaxAbsPercent    float64
	StdDevPercent    float64
}

// Summarize computes residual statistics
func Summarize(res []Residual) (Summary, error) {
	var s Summary
	pct := make(stats.Float64Data, len(res))
	abs := make(stats.Float64Data, len(res))
	for i, r := range res {
		pct[i] = r.Percent
		abs[i] = math.Abs(r.Percent)
	}
	var err error
	if s.MeanAbsPercent, err = stats.Mean(abs); err != nil {
		return s, err
	}
	if s.MaxAbsPercent, err = stats.Max(abs); err != nil {
		return s, err
	}
	if s.StdDevPercent, err = stats.StandardDeviation(pct); err != nil {
		return s, err
	}
	if s.MedianAbsPercent, err = stats.Median(abs); err != nil {
		return s, err
	}
	return s, nil
}

// Within reports whether every residual is within ±limit percent
func (s Summary) Within(limit float64) bool {
	return s.MaxAbsPercent <= limit
}
