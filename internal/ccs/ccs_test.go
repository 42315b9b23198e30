package ccs

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/524D/ccscal/internal/lsq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Polyalanine ladder used as CCS calibrant
var (
	polyAlaMass = []float64{232.13, 303.167, 374.204, 445.241, 516.278, 587.315,
		658.352, 729.389, 800.426, 871.463, 942.501, 1013.537, 1084.574,
		1155.611, 1226.648, 1297.685, 1368.722, 1439.759}
	polyAlaCCS = []float64{151, 166, 181, 195, 211, 228, 243, 256, 271, 282,
		294, 306, 322, 335, 348, 361, 374, 387}
)

var truth = Params{A: 600, T0: 0.3, B: 0.5}

const testEDC = 1.35

// driftTime inverts the calibration for a known curve
func driftTime(p Params, mass, ccs, edc float64) float64 {
	corrected := CorrectedCCS(ccs, mass, N2Mass)
	cdt := math.Pow(corrected/p.A, 1/p.B) - p.T0
	return cdt + math.Sqrt(mass)*edc/1000
}

func exactCalibrants() []Calibrant {
	cals := make([]Calibrant, len(polyAlaMass))
	for i, m := range polyAlaMass {
		cals[i] = Calibrant{Mass: m, CCS: polyAlaCCS[i], DriftTime: driftTime(truth, m, polyAlaCCS[i], testEDC)}
	}
	return cals
}

func TestReducedMass(t *testing.T) {
	assert.InDelta(t, 14.0067, ReducedMass(N2Mass, N2Mass), 1e-12)
	assert.InDelta(t, 2.0013, ReducedMass(HeMass, HeMass), 1e-12)
	// Heavy ions approach the gas mass
	assert.InDelta(t, N2Mass, ReducedMass(1e9, N2Mass), 1e-6)
}

func TestCorrectedDriftTime(t *testing.T) {
	assert.InDelta(t, 5.0-math.Sqrt(400)*1.35/1000, CorrectedDriftTime(5.0, 400, 1.35), 1e-15)
	assert.Equal(t, 5.0, CorrectedDriftTime(5.0, 400, 0))
}

func TestGasMass(t *testing.T) {
	m, err := GasMass("He")
	require.NoError(t, err)
	assert.Equal(t, HeMass, m)
	m, err = GasMass("")
	require.NoError(t, err)
	assert.Equal(t, N2Mass, m)
	_, err = GasMass("Ar")
	assert.ErrorIs(t, err, ErrGas)
}

func TestFitRoundTrip(t *testing.T) {
	for _, init := range []Params{DefaultInit, ExternalInit} {
		cfg := DefaultFitConfig()
		cfg.Init = init
		c, err := Fit(exactCalibrants(), cfg)
		require.NoError(t, err, "init %+v", init)
		require.False(t, c.Failed)

		assert.InEpsilon(t, truth.A, c.A, 0.01, "A from %+v", init)
		assert.InEpsilon(t, truth.B, c.B, 0.01, "B from %+v", init)
		assert.InDelta(t, truth.T0, c.T0, 0.02, "t0 from %+v", init)
		assert.LessOrEqual(t, c.Evaluations, cfg.MaxEvaluations)

		for i, m := range polyAlaMass {
			got, err := c.Apply(m, c.Calibrants[i].DriftTime)
			require.NoError(t, err)
			assert.InEpsilon(t, polyAlaCCS[i], got, 0.01, "m/z %f", m)
		}
	}
}

func TestFitPolyAlanineWithinThreePercent(t *testing.T) {
	// Drift times quantised to the digitizer bin width
	const binWidth = 0.0689
	cals := exactCalibrants()
	for i := range cals {
		bins := cals[i].DriftTime / binWidth
		cals[i].DriftTime = math.Round(bins*10) / 10 * binWidth
	}
	c, err := Fit(cals, DefaultFitConfig())
	require.NoError(t, err)

	res, err := c.Residuals()
	require.NoError(t, err)
	require.Len(t, res, len(polyAlaMass))
	for _, r := range res {
		assert.Less(t, math.Abs(r.Percent), 3.0, "m/z %f residual %f%%", r.Mass, r.Percent)
		assert.InDelta(t, r.Lit-r.Calc, r.Diff, 1e-12)
	}
	s, err := Summarize(res)
	require.NoError(t, err)
	assert.True(t, s.Within(3))
	assert.LessOrEqual(t, s.MeanAbsPercent, s.MaxAbsPercent)
	assert.LessOrEqual(t, s.MedianAbsPercent, s.MaxAbsPercent)
}

func TestFitSimplex(t *testing.T) {
	cfg := DefaultFitConfig()
	cfg.Method = lsq.NelderMead
	cfg.Init = ExternalInit
	c, err := Fit(exactCalibrants(), cfg)
	require.NoError(t, err)
	res, err := c.Residuals()
	require.NoError(t, err)
	for _, r := range res {
		assert.Less(t, math.Abs(r.Percent), 1.0, "m/z %f", r.Mass)
	}
}

func TestApplyIdempotent(t *testing.T) {
	c, err := Fit(exactCalibrants(), DefaultFitConfig())
	require.NoError(t, err)
	a, err1 := c.Apply(612.3, 4.2)
	b, err2 := c.Apply(612.3, 4.2)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, a, b)
}

func TestApplyFailedCurve(t *testing.T) {
	cfg := DefaultFitConfig()
	cfg.MaxEvaluations = 2
	c, err := Fit(exactCalibrants(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConverged)
	require.NotNil(t, c)
	assert.True(t, c.Failed)

	for _, q := range [][2]float64{{232.13, 2.1}, {800, 5}, {1500, 12}, {-1, -1}} {
		_, err := c.Apply(q[0], q[1])
		assert.ErrorIs(t, err, ErrUncalibrated, "m/z %f", q[0])
	}
	_, err = c.Residuals()
	assert.ErrorIs(t, err, ErrUncalibrated)

	var nilCurve *Curve
	_, err = nilCurve.Apply(500, 3)
	assert.ErrorIs(t, err, ErrUncalibrated)
}

func TestApplyOutOfDomain(t *testing.T) {
	c, err := Fit(exactCalibrants(), DefaultFitConfig())
	require.NoError(t, err)
	_, err = c.Apply(500, -c.T0-1)
	assert.ErrorIs(t, err, ErrOutOfDomain)
	assert.True(t, strings.Contains(err.Error(), "500.0000"), err.Error())
}

func TestFitInvalidCalibrants(t *testing.T) {
	_, err := Fit(exactCalibrants()[:2], DefaultFitConfig())
	assert.ErrorIs(t, err, ErrInvalidCalibrants)

	cals := exactCalibrants()
	cals[3].DriftTime = 0.01 // below the EDC correction
	c, err := Fit(cals, DefaultFitConfig())
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrInvalidCalibrants)
	assert.Contains(t, err.Error(), "445.2410")

	cfg := DefaultFitConfig()
	cfg.GasMass = 0
	_, err = Fit(exactCalibrants(), cfg)
	assert.ErrorIs(t, err, ErrInvalidCalibrants)
}

func TestCalibrationFileRoundTrip(t *testing.T) {
	c, err := Fit(exactCalibrants(), DefaultFitConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, c, "ccscal", "run-1"))
	assert.Contains(t, buf.String(), `"FormatVersion": "1.0"`)

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = Decode(strings.NewReader(`{"FormatVersion":"0.1","Curve":{}}`))
	assert.True(t, errors.Is(err, ErrFileVersion))
}

func TestCalibrationFileOnDisk(t *testing.T) {
	c, err := Fit(exactCalibrants(), DefaultFitConfig())
	require.NoError(t, err)
	name := t.TempDir() + "/cal.json"
	require.NoError(t, WriteFile(name, c, "ccscal", ""))
	got, err := ReadFile(name)
	require.NoError(t, err)
	v1, _ := c.Apply(700, 6)
	v2, _ := got.Apply(700, 6)
	assert.Equal(t, v1, v2)
}
