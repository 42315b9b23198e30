package drift

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/524D/ccscal/internal/lsq"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// gaussTriples returns one triple per bin for a Gaussian peak at mass m
func gaussTriples(m, a, mu, sigma float64, bins int) []Triple {
	triples := make([]Triple, 0, bins)
	for b := 1; b <= bins; b++ {
		triples = append(triples, Triple{Mass: m, Bin: b, Intensity: gauss(float64(b), a, mu, sigma)})
	}
	return triples
}

func TestBuildSumsWindow(t *testing.T) {
	triples := []Triple{
		{Mass: 499.5, Bin: 1, Intensity: 10},   // lower boundary
		{Mass: 500.5, Bin: 1, Intensity: 5},    // upper boundary
		{Mass: 500.0, Bin: 3, Intensity: 2},
		{Mass: 500.0, Bin: 3, Intensity: 3},
		{Mass: 499.49, Bin: 2, Intensity: 100}, // outside
		{Mass: 500.51, Bin: 2, Intensity: 100}, // outside
		{Mass: 500.1, Bin: 5, Intensity: 7},
	}
	h := Build(triples, 500, 0.5, 5)

	want := []float64{15, 0, 5, 0, 7}
	if diff := cmp.Diff(want, h.Intensity); diff != "" {
		t.Errorf("histogram mismatch (-want +got):\n%s", diff)
	}
	var inWindow float64
	for _, tr := range triples {
		if math.Abs(tr.Mass-500) <= 0.5 {
			inWindow += tr.Intensity
		}
	}
	if h.Total() != inWindow {
		t.Errorf("Expected total %f, got: %f", inWindow, h.Total())
	}
	if h.Dropped != 0 {
		t.Errorf("Expected no dropped triples, got: %d", h.Dropped)
	}
}

func TestBuildDefaultsAndDropped(t *testing.T) {
	triples := []Triple{
		{Mass: 300, Bin: 0, Intensity: 1},
		{Mass: 300, Bin: 201, Intensity: 1},
		{Mass: 300, Bin: 200, Intensity: 4},
	}
	h := Build(triples, 300, 0.1, 0)
	if h.Len() != DefaultBins {
		t.Fatalf("Expected %d bins, got: %d", DefaultBins, h.Len())
	}
	if h.Dropped != 2 {
		t.Errorf("Expected 2 dropped triples, got: %d", h.Dropped)
	}
	if h.Intensity[199] != 4 {
		t.Errorf("Expected intensity 4 in bin 200, got: %f", h.Intensity[199])
	}
	bins := h.Bins()
	if bins[0] != 1 || bins[199] != 200 {
		t.Errorf("Expected bins 1..200, got: %v..%v", bins[0], bins[199])
	}
}

func TestBuildEmpty(t *testing.T) {
	h := Build(nil, 300, 0.1, 50)
	if h.Total() != 0 {
		t.Errorf("Expected empty histogram, got total %f", h.Total())
	}
	c := h.Clone()
	c.Intensity[0] = 1
	if h.Intensity[0] != 0 {
		t.Errorf("Clone shares intensities with original")
	}
}

func TestSavitzkyGolayPreservesPolynomials(t *testing.T) {
	y := make([]float64, 30)
	for i := range y {
		x := float64(i)
		y[i] = 0.5*x*x*x - 2*x*x + x + 3
	}
	for _, s := range []Smoothing{{5, 3}, {7, 3}, {9, 4}} {
		got, err := SavitzkyGolay(y, s)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", s, err)
		}
		opt := cmpopts.EquateApprox(0, 1e-6)
		if diff := cmp.Diff(y, got, opt); diff != "" {
			t.Errorf("%v changed a cubic (-want +got):\n%s", s, diff)
		}
	}
}

func TestSavitzkyGolaySmooths(t *testing.T) {
	y := make([]float64, 21)
	y[10] = 1
	got, err := SavitzkyGolay(y, Smoothing{Window: 5, Order: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Centre coefficient of the 5 point quadratic filter is 17/35
	if math.Abs(got[10]-17.0/35.0) > 1e-9 {
		t.Errorf("Expected %f, got: %f", 17.0/35.0, got[10])
	}
	if y[10] != 1 {
		t.Errorf("input was modified")
	}
}

func TestSmoothingValidate(t *testing.T) {
	bad := []Smoothing{{4, 2}, {0, 0}, {5, 5}, {5, -1}}
	for _, s := range bad {
		if err := s.Validate(200); !errors.Is(err, ErrSmoothing) {
			t.Errorf("%v: expected ErrSmoothing, got: %v", s, err)
		}
	}
	if err := (Smoothing{Window: 7, Order: 2}).Validate(5); !errors.Is(err, ErrSmoothing) {
		t.Errorf("Expected ErrSmoothing for window longer than data, got: %v", err)
	}
	if err := (Smoothing{Window: 5, Order: 3}).Validate(200); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestPeakFitRoundTrip(t *testing.T) {
	for _, method := range []lsq.Method{lsq.LevenbergMarquardt, lsq.NelderMead} {
		for _, smooth := range []*Smoothing{nil, {Window: 5, Order: 3}} {
			cfg := DefaultPeakConfig()
			cfg.Method = method
			cfg.Smoothing = smooth
			pf, err := NewPeakFitter(cfg)
			if err != nil {
				t.Fatalf("NewPeakFitter: %v", err)
			}
			h := Build(gaussTriples(450.2, 2500, 73.4, 6.5, 200), 450.2, 0.5, 200)
			fit, err := pf.Fit(h)
			if err != nil {
				t.Fatalf("%v smoothing %v: unexpected error: %v", method, smooth, err)
			}
			if fit.Failed {
				t.Errorf("%v: fit marked failed", method)
			}
			if math.Abs(fit.Mean-73.4)/73.4 > 0.01 {
				t.Errorf("%v: expected mean 73.4, got: %f", method, fit.Mean)
			}
			if math.Abs(fit.Sigma-6.5)/6.5 > 0.05 {
				t.Errorf("%v: expected sigma 6.5, got: %f", method, fit.Sigma)
			}
			if math.Abs(fit.Amplitude-2500)/2500 > 0.05 {
				t.Errorf("%v: expected amplitude 2500, got: %f", method, fit.Amplitude)
			}
			dt := pf.DriftTime(fit)
			if math.Abs(dt-73.4*DefaultBinWidth) > 0.01*73.4*DefaultBinWidth {
				t.Errorf("Expected drift time %f, got: %f", 73.4*DefaultBinWidth, dt)
			}
		}
	}
}

func TestPeakFitInitialMeanIsWeighted(t *testing.T) {
	// Two peaks: the weighted mean lies between them
	triples := append(gaussTriples(600, 1000, 50, 4, 200), gaussTriples(600, 250, 120, 4, 200)...)
	h := Build(triples, 600, 0.2, 200)
	cfg := DefaultPeakConfig()
	cfg.Smoothing = nil
	pf, _ := NewPeakFitter(cfg)
	fit, err := pf.Fit(h)
	wantInit := (50*1000.0 + 120*250.0) / 1250.0
	if math.Abs(fit.InitMean-wantInit) > 1e-6 {
		t.Errorf("Expected initial mean %f, got: %f", wantInit, fit.InitMean)
	}
	if err == nil && (math.IsNaN(fit.Mean) || fit.Mean < 1 || fit.Mean > 200) {
		t.Errorf("Expected mean within the histogram, got: %f", fit.Mean)
	}
}

func TestPeakFitNoSignal(t *testing.T) {
	pf, _ := NewPeakFitter(DefaultPeakConfig())
	h := Build([]Triple{{Mass: 100, Bin: 3, Intensity: 9}}, 700, 0.5, 200)
	h.Source = "sample_07.txt"
	fit, err := pf.Fit(h)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got: %v", err)
	}
	if !fit.Failed {
		t.Errorf("Expected failed fit")
	}
	if math.IsNaN(fit.Mean) {
		t.Errorf("Mean is NaN")
	}
	var fe *FitError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *FitError, got: %T", err)
	}
	if fe.Mass != 700 || fe.File != "sample_07.txt" {
		t.Errorf("Unexpected error context: %+v", fe)
	}
	if !strings.Contains(err.Error(), "sample_07.txt") || !strings.Contains(err.Error(), "700") {
		t.Errorf("Error message lacks file or mass: %v", err)
	}
}

func TestPeakFitBudgetExceeded(t *testing.T) {
	cfg := DefaultPeakConfig()
	cfg.MaxEvaluations = 1
	cfg.Smoothing = nil
	pf, _ := NewPeakFitter(cfg)
	h := Build(gaussTriples(300, 800, 90.3, 5, 200), 300, 0.5, 200)
	fit, err := pf.Fit(h)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("Expected ErrNotConverged, got: %v", err)
	}
	if !fit.Failed {
		t.Errorf("Expected failed fit")
	}
	if fit.Mean != fit.InitMean {
		t.Errorf("Expected fallback to initial mean %f, got: %f", fit.InitMean, fit.Mean)
	}
}

func TestNewPeakFitterValidates(t *testing.T) {
	mods := []func(*PeakConfig){
		func(c *PeakConfig) { c.InitSigma = 0 },
		func(c *PeakConfig) { c.MaxEvaluations = 0 },
		func(c *PeakConfig) { c.BinWidth = -1 },
		func(c *PeakConfig) { c.Smoothing = &Smoothing{Window: 4, Order: 3} },
	}
	for i, mod := range mods {
		cfg := DefaultPeakConfig()
		mod(&cfg)
		if _, err := NewPeakFitter(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
