package workflow

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/524D/ccscal/internal/ccs"
	"github.com/524D/ccscal/internal/drift"
	"github.com/524D/ccscal/internal/input"
	"github.com/524D/ccscal/internal/rawdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	polyAlaMass = []float64{232.13, 303.167, 374.204, 445.241, 516.278, 587.315,
		658.352, 729.389, 800.426, 871.463, 942.501, 1013.537, 1084.574,
		1155.611, 1226.648, 1297.685, 1368.722, 1439.759}
	polyAlaCCS = []float64{151, 166, 181, 195, 211, 228, 243, 256, 271, 282,
		294, 306, 322, 335, 348, 361, 374, 387}
)

var truth = ccs.Params{A: 600, T0: 0.3, B: 0.5}

const (
	edc      = 1.35
	binWidth = 0.0689
)

func driftTime(mass, ccsValue float64) float64 {
	corrected := ccs.CorrectedCCS(ccsValue, mass, ccs.N2Mass)
	return math.Pow(corrected/truth.A, 1/truth.B) - truth.T0 + math.Sqrt(mass)*edc/1000
}

type peak struct {
	mass, ccs float64
}

// writeData writes a triple file with a Gaussian drift peak (sigma 3 bins)
// for every peak, sorted by m/z
func writeData(t *testing.T, name string, peaks []peak) {
	t.Helper()
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].mass < peaks[j].mass })
	f, err := os.Create(name)
	require.NoError(t, err)
	w := bufio.NewWriter(f)
	for _, p := range peaks {
		mu := driftTime(p.mass, p.ccs) / binWidth
		for _, dm := range []float64{-0.01, 0, 0.01} {
			for b := 1; b <= drift.DefaultBins; b++ {
				d := float64(b) - mu
				v := 1000 * math.Exp(-d*d/18)
				if v < 1e-3 {
					continue
				}
				fmt.Fprintf(w, "%.4f %d %.4f\n", p.mass+dm, b, v)
			}
		}
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Peak.BinWidth = binWidth
	cfg.Curve.EDC = edc
	cfg.Workers = 4
	return cfg
}

func calibrants() []input.Calibrant {
	cals := make([]input.Calibrant, len(polyAlaMass))
	for i, m := range polyAlaMass {
		cals[i] = input.Calibrant{Mass: m, CCS: polyAlaCCS[i]}
	}
	return cals
}

func calibrantPeaks() []peak {
	peaks := make([]peak, len(polyAlaMass))
	for i, m := range polyAlaMass {
		peaks[i] = peak{m, polyAlaCCS[i]}
	}
	return peaks
}

func TestRunPolyAlanine(t *testing.T) {
	dir := t.TempDir()
	calFile := filepath.Join(dir, "IM-polyala.txt")
	writeData(t, calFile, calibrantPeaks())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "compounds"), 0o755))
	writeData(t, filepath.Join(dir, "compounds", "drug1.txt"), []peak{{520.3, 205}, {610.2, 231}})

	in := &input.Config{
		ReportFile:  filepath.Join(dir, "ccscal-report.txt"),
		MassWindow:  0.5,
		CalDataFile: calFile,
		CompoundDir: filepath.Join(dir, "compounds"),
		Calibrants:  append(calibrants(), input.Calibrant{Mass: 1510.796, CCS: 399}),
		Compounds: []input.Compound{
			{File: "drug1.txt", Mass: 520.3},
			{File: "drug1.txt", Mass: 610.2},
			{File: "drug1.txt", Mass: 700.5},
		},
	}
	r, err := New(testConfig(), rawdata.Native{}, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	hooked := 0
	r.SetPeakHook(func(h *drift.Histogram, fit drift.PeakFit) {
		mu.Lock()
		hooked++
		mu.Unlock()
	})

	run, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "ccscal-report", run.Name)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, len(polyAlaMass)+1+3, hooked)

	require.Len(t, run.Calibrants, len(polyAlaMass))
	require.Len(t, run.Skipped, 1)
	assert.Equal(t, 1510.796, run.Skipped[0].Mass)

	require.NotNil(t, run.Curve)
	assert.False(t, run.Curve.Failed)
	require.Len(t, run.Residuals, len(polyAlaMass))
	for _, res := range run.Residuals {
		assert.Less(t, math.Abs(res.Percent), 3.0, "m/z %.4f", res.Mass)
	}
	require.NotNil(t, run.Summary)
	assert.True(t, run.Summary.Within(3))

	require.Len(t, run.Compounds, 3)
	assert.NoError(t, run.Compounds[0].Err)
	assert.InEpsilon(t, 205, run.Compounds[0].CCS, 0.03)
	assert.InEpsilon(t, 231, run.Compounds[1].CCS, 0.03)
	assert.Equal(t, "drug1.txt", run.Compounds[1].File)
	assert.ErrorIs(t, run.Compounds[2].Err, drift.ErrNoSignal)
}

func TestCalibrateTooFewCalibrants(t *testing.T) {
	dir := t.TempDir()
	calFile := filepath.Join(dir, "cal.txt")
	writeData(t, calFile, calibrantPeaks()[:2])

	r, err := New(testConfig(), rawdata.Native{}, nil)
	require.NoError(t, err)
	cal, err := r.Calibrate(context.Background(), calFile, calibrants()[:4])
	assert.ErrorIs(t, err, ccs.ErrInvalidCalibrants)
	assert.Len(t, cal.Rows, 2)
	assert.Len(t, cal.Skipped, 2)
	assert.Nil(t, cal.Curve)
}

func TestCompoundPreprocessFailureAborts(t *testing.T) {
	dir := t.TempDir()
	calFile := filepath.Join(dir, "cal.txt")
	writeData(t, calFile, calibrantPeaks())

	r, err := New(testConfig(), rawdata.Native{}, nil)
	require.NoError(t, err)
	cal, err := r.Calibrate(context.Background(), calFile, calibrants())
	require.NoError(t, err)

	_, err = r.Compounds(context.Background(), cal.Curve, []Job{
		{Name: "missing.txt", File: filepath.Join(dir, "missing.txt"), Mass: 500},
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// filePreprocessor preprocesses to files next to the data and counts the
// calls per m/z
type filePreprocessor struct {
	mu    sync.Mutex
	calls map[float64]int
}

func (p *filePreprocessor) Preprocess(ctx context.Context, dataFile string, mass, window float64) (string, error) {
	p.mu.Lock()
	p.calls[mass]++
	p.mu.Unlock()
	return rawdata.Native{}.Preprocess(ctx, dataFile, mass, window)
}

func TestCompoundsDuplicateJobs(t *testing.T) {
	dir := t.TempDir()
	calFile := filepath.Join(dir, "cal.txt")
	writeData(t, calFile, calibrantPeaks())
	drugFile := filepath.Join(dir, "drug.txt")
	writeData(t, drugFile, []peak{{520.3, 205}, {610.2, 231}})

	r, err := New(testConfig(), rawdata.Native{}, nil)
	require.NoError(t, err)
	cal, err := r.Calibrate(context.Background(), calFile, calibrants())
	require.NoError(t, err)

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{Name: fmt.Sprintf("drug-%d.txt", i), File: drugFile, Mass: 520.3})
	}
	jobs = append(jobs, Job{Name: "other.txt", File: drugFile, Mass: 610.2})

	pp := &filePreprocessor{calls: make(map[float64]int)}
	for _, p := range []rawdata.Preprocessor{rawdata.Native{}, pp} {
		r, err := New(testConfig(), p, nil)
		require.NoError(t, err)
		rows, err := r.Compounds(context.Background(), cal.Curve, jobs)
		require.NoError(t, err)
		require.Len(t, rows, len(jobs))
		for i, row := range rows[:8] {
			assert.NoError(t, row.Err, row.File)
			assert.Equal(t, jobs[i].Name, row.File)
			assert.Equal(t, rows[0].DriftTime, row.DriftTime, row.File)
			assert.InEpsilon(t, 205, row.CCS, 0.03, row.File)
		}
		assert.NoError(t, rows[8].Err)
		assert.InEpsilon(t, 231, rows[8].CCS, 0.03)
	}
	assert.Equal(t, map[float64]int{520.3: 1, 610.2: 1}, pp.calls)
}

type noOutput struct{}

func (noOutput) Preprocess(_ context.Context, dataFile string, mass, _ float64) (string, error) {
	return "", fmt.Errorf("%w: %s m/z %s", rawdata.ErrPreprocessOutput, dataFile, rawdata.FormatMass(mass))
}

func TestCollaboratorFailureAbortsCalibration(t *testing.T) {
	r, err := New(testConfig(), noOutput{}, nil)
	require.NoError(t, err)
	run, err := r.Run(context.Background(), &input.Config{
		ReportFile: "r.txt",
		MassWindow: 0.5,
		Calibrants: calibrants(),
	})
	assert.ErrorIs(t, err, rawdata.ErrPreprocessOutput)
	assert.Nil(t, run.Curve)
}

func TestCalibrateExternalAndApply(t *testing.T) {
	cals := make([]ccs.Calibrant, len(polyAlaMass))
	for i, m := range polyAlaMass {
		cals[i] = ccs.Calibrant{Mass: m, CCS: polyAlaCCS[i], DriftTime: driftTime(m, polyAlaCCS[i])}
	}
	cfg := ccs.DefaultFitConfig()
	cfg.Init = ccs.ExternalInit
	cal, err := CalibrateExternal(cals, cfg)
	require.NoError(t, err)
	require.Len(t, cal.Rows, len(cals))
	assert.Less(t, cal.Summary.MaxAbsPercent, 1.0)

	rows := ApplyMeasured(cal.Curve, []input.Measured{
		{Name: "a", Mass: 520.3, DriftTime: driftTime(520.3, 205)},
		{Name: "b", Mass: 520.3, DriftTime: -5},
	})
	require.Len(t, rows, 2)
	assert.InEpsilon(t, 205, rows[0].CCS, 0.01)
	assert.ErrorIs(t, rows[1].Err, ccs.ErrOutOfDomain)
}

func TestFromInput(t *testing.T) {
	in := &input.Config{MassWindow: 0.25, EDC: 1.4, PusherInterval: 68.9, SmoothWindow: 7, SmoothOrder: 2, Gas: "He"}
	cfg, err := FromInput(in)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.MassWindow)
	assert.InDelta(t, 0.0689, cfg.Peak.BinWidth, 1e-15)
	assert.Equal(t, &drift.Smoothing{Window: 7, Order: 2}, cfg.Peak.Smoothing)
	assert.Equal(t, 1.4, cfg.Curve.EDC)
	assert.Equal(t, ccs.HeMass, cfg.Curve.GasMass)

	in.Gas = "Xe"
	_, err = FromInput(in)
	assert.ErrorIs(t, err, ccs.ErrGas)
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.MassWindow = 0
	_, err := New(cfg, rawdata.Native{}, nil)
	assert.Error(t, err)

	_, err = New(testConfig(), nil, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Peak.BinWidth = 0
	_, err = New(cfg, rawdata.Native{}, nil)
	assert.ErrorIs(t, err, drift.ErrConfig)
}

func TestSettings(t *testing.T) {
	s := Settings(&input.Config{MassWindow: 0.5, EDC: 1.35, PusherInterval: 69})
	require.Len(t, s, 10)
	assert.Equal(t, "0.5", s[1].Value)
	assert.Equal(t, "N2", s[9].Value)
}
