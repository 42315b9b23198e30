// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package report

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/drift"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"gonum.org/v1/gonum/floats"
)

// Figure sizes in pixels. The residual panel is 2/5 of the curve panel.
const (
	FigureWidth    = 1000
	curvePanel     = 500
	residualPanel  = 200
	peakFigureSize = 500
	curveSamples   = 200
)

func pointStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: chart.Disabled,
		DotWidth:    4,
		DotColor:    col,
	}
}

func lineStyle(col drawing.Color, width float64) chart.Style {
	return chart.Style{
		StrokeWidth: width,
		StrokeColor: col,
	}
}

// pad widens [lo, hi] by 5% on both sides
func pad(lo, hi float64) *chart.ContinuousRange {
	d := 0.05 * (hi - lo)
	if d == 0 {
		d = math.Max(0.05*math.Abs(lo), 1)
	}
	return &chart.ContinuousRange{Min: lo - d, Max: hi + d}
}

func renderPNG(c chart.Chart) (image.Image, error) {
	var buf bytes.Buffer
	if err := c.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return png.Decode(&buf)
}

// WriteCurveFigure writes a PNG with the fitted curve over the corrected
// calibrant data, and below it the calibrant residuals in percent.
func WriteCurveFigure(w io.Writer, c *ccs.Curve) error {
	res, err := c.Residuals()
	if err != nil {
		return err
	}
	xs := c.CorrectedDt
	xMin, xMax := floats.Min(xs), floats.Max(xs)
	xRange := pad(xMin, xMax)

	// Sample the curve between the calibrants, clipped to its domain
	lo := math.Max(xRange.Min, -c.T0+1e-9)
	curveX := make([]float64, 0, curveSamples)
	curveY := make([]float64, 0, curveSamples)
	for i := 0; i < curveSamples; i++ {
		x := lo + (xRange.Max-lo)*float64(i)/float64(curveSamples-1)
		if y := c.Params.Eval(x); !math.IsNaN(y) {
			curveX = append(curveX, x)
			curveY = append(curveY, y)
		}
	}
	allY := append(append([]float64(nil), curveY...), c.CorrectedCCS...)

	top := chart.Chart{
		Title:  "CCS Calibration",
		Width:  FigureWidth,
		Height: curvePanel,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{Range: xRange},
		YAxis: chart.YAxis{
			Name:  "corrected CCS",
			Range: pad(floats.Min(allY), floats.Max(allY)),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "fitted curve",
				Style:   lineStyle(chart.ColorBlack, 2),
				XValues: curveX,
				YValues: curveY,
			},
			chart.ContinuousSeries{
				Name:    "calibrants",
				Style:   pointStyle(chart.ColorBlue),
				XValues: xs,
				YValues: c.CorrectedCCS,
			},
		},
	}
	top.Elements = []chart.Renderable{chart.Legend(&top)}

	pct := make([]float64, len(res))
	var maxAbs float64
	for i, r := range res {
		pct[i] = r.Percent
		maxAbs = math.Max(maxAbs, math.Abs(r.Percent))
	}
	maxAbs = math.Max(1.2*maxAbs, 0.5)
	series := []chart.Series{
		chart.ContinuousSeries{
			Style:   lineStyle(chart.ColorBlack, 1),
			XValues: []float64{xRange.Min, xRange.Max},
			YValues: []float64{0, 0},
		},
	}
	for i, x := range xs {
		series = append(series, chart.ContinuousSeries{
			Style:   lineStyle(chart.ColorBlack, 6),
			XValues: []float64{x, x},
			YValues: []float64{0, pct[i]},
		})
	}
	bottom := chart.Chart{
		Width:  FigureWidth,
		Height: residualPanel,
		Background: chart.Style{
			Padding: chart.Box{Top: 10, Left: 20, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{Name: "corrected drift time (ms)", Range: xRange},
		YAxis: chart.YAxis{
			Name:  "residual CCS (%)",
			Range: &chart.ContinuousRange{Min: -maxAbs, Max: maxAbs},
		},
		Series: series,
	}

	topImg, err := renderPNG(top)
	if err != nil {
		return fmt.Errorf("curve panel: %w", err)
	}
	bottomImg, err := renderPNG(bottom)
	if err != nil {
		return fmt.Errorf("residual panel: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, FigureWidth, curvePanel+residualPanel))
	draw.Draw(img, image.Rect(0, 0, FigureWidth, curvePanel), topImg, topImg.Bounds().Min, draw.Src)
	draw.Draw(img, image.Rect(0, curvePanel, FigureWidth, curvePanel+residualPanel),
		bottomImg, bottomImg.Bounds().Min, draw.Src)
	return png.Encode(w, img)
}

// WritePeakFigure writes a PNG of a drift time histogram with the
// intensities the Gaussian was fitted to and the fitted Gaussian
func WritePeakFigure(w io.Writer, h *drift.Histogram, fit drift.PeakFit) error {
	if !(h.Total() > 0) {
		return &drift.FitError{Mass: h.Mass, File: h.Source, Err: drift.ErrNoSignal}
	}
	bins := h.Bins()
	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "intensity",
			Style:   pointStyle(chart.ColorAlternateGray),
			XValues: bins,
			YValues: h.Intensity,
		},
	}
	if len(fit.Fitted) == len(bins) {
		series = append(series, chart.ContinuousSeries{
			Name:    "smoothed",
			Style:   lineStyle(chart.ColorBlue, 1),
			XValues: bins,
			YValues: fit.Fitted,
		})
	}
	title := fmt.Sprintf("m/z %.4f", h.Mass)
	if fit.Failed {
		title += " (fit failed, weighted mean)"
	} else {
		model := make([]float64, len(bins))
		for i, x := range bins {
			model[i] = fit.Eval(x)
		}
		series = append(series, chart.ContinuousSeries{
			Name:    "gaussian",
			Style:   lineStyle(chart.ColorRed, 2),
			XValues: bins,
			YValues: model,
		})
	}
	c := chart.Chart{
		Title:  title,
		Width:  peakFigureSize,
		Height: peakFigureSize,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 10},
		},
		XAxis:  chart.XAxis{Name: "drift bin"},
		YAxis:  chart.YAxis{Name: "intensity"},
		Series: series,
	}
	c.Elements = []chart.Renderable{chart.Legend(&c)}
	return c.Render(chart.PNG, w)
}

// WriteCurveFigureFile writes the calibration figure to the named file
func WriteCurveFigureFile(name string, c *ccs.Curve) error {
	return writeFile(name, func(w io.Writer) error { return WriteCurveFigure(w, c) })
}

// WritePeakFigureFile writes a peak figure to the named file
func WritePeakFigureFile(name string, h *drift.Histogram, fit drift.PeakFit) error {
	return writeFile(name, func(w io.Writer) error { return WritePeakFigure(w, h, fit) })
}

func writeFile(name string, write func(io.Writer) error) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	return f.Close()
}
