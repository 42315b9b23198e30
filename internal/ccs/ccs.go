// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package ccs converts drift times into collision cross sections (CCS).
//
// Calibrant drift times are corrected for the mass dependent flight time
// outside the mobility cell (EDC), literature CCS values are scaled by the
// square root of the reduced mass of ion and drift gas, and the power law
//
//	corrected ccs = A * (corrected drift time + t0) ^ B
//
// is fitted to the calibrants. The fitted Curve maps any (m/z, drift time)
// back to a CCS.
package ccs

import (
	"errors"
	"fmt"
	"math"

	"github.com/524D/ccscal/internal/lsq"

	"gonum.org/v1/gonum/mat"
)

// Drift gas masses
const (
	N2Mass = 28.0134
	HeMass = 4.0026
)

var (
	// ErrUncalibrated is returned by Apply on a curve whose fit failed
	ErrUncalibrated = errors.New("calibration curve not available")
	// ErrOutOfDomain is returned when corrected drift time + t0 is not
	// positive, where the power law is undefined
	ErrOutOfDomain = errors.New("corrected drift time outside calibration domain")
	// ErrInvalidCalibrants is returned when the calibrants cannot be fitted
	ErrInvalidCalibrants = errors.New("invalid calibrant set")
	// ErrNotConverged is returned when the curve fit did not converge
	ErrNotConverged = errors.New("calibration curve fit did not converge")
	// ErrGas is returned for an unknown drift gas
	ErrGas = errors.New("unknown drift gas")
)

// GasMass returns the mass of drift gas "N2" or "He"
func GasMass(name string) (float64, error) {
	switch name {
	case "N2", "n2", "":
		return N2Mass, nil
	case "He", "he", "HE":
		return HeMass, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrGas, name)
}

// ReducedMass of an ion with the given mass colliding with the drift gas
func ReducedMass(mass, gasMass float64) float64 {
	return mass * gasMass / (mass + gasMass)
}

// CorrectedDriftTime removes the mass dependent flight time from dt (ms)
func CorrectedDriftTime(dt, mass, edc float64) float64 {
	return dt - math.Sqrt(mass)*edc/1000
}

// CorrectedCCS scales a CCS by the square root of the reduced mass
func CorrectedCCS(ccs, mass, gasMass float64) float64 {
	return ccs * math.Sqrt(ReducedMass(mass, gasMass))
}

// Params are the power law parameters
type Params struct {
	A  float64
	T0 float64
	B  float64
}

// Eval returns A * (cdt + t0) ^ B, NaN when cdt + t0 <= 0
func (p Params) Eval(cdt float64) float64 {
	u := cdt + p.T0
	if !(u > 0) {
		return math.NaN()
	}
	return p.A * math.Pow(u, p.B)
}

// Calibrant is a compound with known CCS and measured drift time (ms)
type Calibrant struct {
	Mass      float64
	CCS       float64 // literature value
	DriftTime float64
}

// FitConfig holds the settings of a calibration fit
type FitConfig struct {
	EDC            float64
	GasMass        float64
	MaxEvaluations int
	Init           Params
	Method         lsq.Method
}

// DefaultInit is the initial guess historically used for the curve fit
var DefaultInit = Params{A: 0, T0: 0, B: 1}

// ExternalInit is the initial guess for calibrations from external data
var ExternalInit = Params{A: 500, T0: 0, B: 0.5}

// DefaultFitConfig returns EDC 1.35, N2 drift gas and 5000 evaluations
func DefaultFitConfig() FitConfig {
	return FitConfig{
		EDC:            1.35,
		GasMass:        N2Mass,
		MaxEvaluations: 5000,
		Init:           DefaultInit,
		Method:         lsq.LevenbergMarquardt,
	}
}

// Curve is a fitted calibration. It is not modified after Fit returns and
// may be shared between goroutines.
type Curve struct {
	Params
	EDC          float64
	GasMass      float64
	Failed       bool
	Calibrants   []Calibrant
	CorrectedDt  []float64
	CorrectedCCS []float64
	Evaluations  int
}

// Fit fits the power law to the calibrants. With fewer than three
// calibrants, or a calibrant whose corrected drift time plus initial t0 is
// not positive, it returns ErrInvalidCalibrants and no curve. When the fit
// does not converge, the returned curve has Failed set and the error wraps
// ErrNotConverged.
func Fit(cals []Calibrant, cfg FitConfig) (*Curve, error) {
	if len(cals) < 3 {
		return nil, fmt.Errorf("%w: %d calibrants, need at least 3", ErrInvalidCalibrants, len(cals))
	}
	if !(cfg.GasMass > 0) {
		return nil, fmt.Errorf("%w: gas mass %g", ErrInvalidCalibrants, cfg.GasMass)
	}
	c := &Curve{
		EDC:          cfg.EDC,
		GasMass:      cfg.GasMass,
		Calibrants:   append([]Calibrant(nil), cals...),
		CorrectedDt:  make([]float64, len(cals)),
		CorrectedCCS: make([]float64, len(cals)),
	}
	for i, cal := range cals {
		if !(cal.Mass > 0) || !(cal.CCS > 0) || math.IsNaN(cal.DriftTime) || math.IsInf(cal.DriftTime, 0) {
			return nil, fmt.Errorf("%w: m/z %.4f, ccs %g, drift time %g",
				ErrInvalidCalibrants, cal.Mass, cal.CCS, cal.DriftTime)
		}
		c.CorrectedDt[i] = CorrectedDriftTime(cal.DriftTime, cal.Mass, cfg.EDC)
		c.CorrectedCCS[i] = CorrectedCCS(cal.CCS, cal.Mass, cfg.GasMass)
		if !(c.CorrectedDt[i]+cfg.Init.T0 > 0) {
			return nil, fmt.Errorf("%w: m/z %.4f corrected drift time %.4f ms + t0 %g is not positive",
				ErrInvalidCalibrants, cal.Mass, c.CorrectedDt[i], cfg.Init.T0)
		}
	}

	settings := lsq.DefaultSettings()
	if cfg.MaxEvaluations > 0 {
		settings.MaxEvaluations = cfg.MaxEvaluations
	}
	settings.Method = cfg.Method
	res, err := lsq.Fit(powerProblem(c.CorrectedDt, c.CorrectedCCS),
		[]float64{cfg.Init.A, cfg.Init.T0, cfg.Init.B}, settings)
	c.Evaluations = res.Evaluations
	if len(res.X) == 3 {
		c.Params = Params{A: res.X[0], T0: res.X[1], B: res.X[2]}
	}
	if err == nil {
		for i, cdt := range c.CorrectedDt {
			if v := c.Params.Eval(cdt); math.IsNaN(v) || math.IsInf(v, 0) {
				err = fmt.Errorf("curve undefined at m/z %.4f", cals[i].Mass)
				break
			}
		}
	}
	if err != nil {
		c.Failed = true
		return c, fmt.Errorf("%w: %w", ErrNotConverged, err)
	}
	return c, nil
}

func powerProblem(cdt, ccs []float64) lsq.Problem {
	return lsq.Problem{
		Y: ccs,
		Model: func(dst, p []float64) {
			par := Params{A: p[0], T0: p[1], B: p[2]}
			for i, x := range cdt {
				dst[i] = par.Eval(x)
			}
		},
		Jacobian: func(jac *mat.Dense, p []float64) {
			a, t0, b := p[0], p[1], p[2]
			for i, x := range cdt {
				u := x + t0
				ub := math.Pow(u, b)
				jac.Set(i, 0, ub)
				jac.Set(i, 1, a*b*ub/u)
				jac.Set(i, 2, a*ub*math.Log(u))
			}
		},
	}
}

// Apply returns the CCS of an ion with the given m/z and drift time (ms)
func (c *Curve) Apply(mass, dt float64) (float64, error) {
	if c == nil || c.Failed {
		return 0, fmt.Errorf("%w: m/z %.4f", ErrUncalibrated, mass)
	}
	if !(mass > 0) {
		return 0, fmt.Errorf("%w: m/z %.4f", ErrOutOfDomain, mass)
	}
	cdt := CorrectedDriftTime(dt, mass, c.EDC)
	u := cdt + c.T0
	if !(u > 0) {
		return 0, fmt.Errorf("%w: m/z %.4f drift time %.4f ms", ErrOutOfDomain, mass, dt)
	}
	return c.A / math.Sqrt(ReducedMass(mass, c.GasMass)) * math.Pow(u, c.B), nil
}

// Residual compares the literature and calibrated CCS of a calibrant
type Residual struct {
	Mass    float64
	Lit     float64
	Calc    float64
	Diff    float64 // Lit - Calc
	Percent float64 // 100 * Diff / Lit
}

// Residuals applies the curve to its own calibrants
func (c *Curve) Residuals() ([]Residual, error) {
	if c == nil || c.Failed {
		return nil, ErrUncalibrated
	}
	res := make([]Residual, len(c.Calibrants))
	for i, cal := range c.Calibrants {
		calc, err := c.Apply(cal.Mass, cal.DriftTime)
		if err != nil {
			return nil, err
		}
		diff := cal.CCS - calc
		res[i] = Residual{
			Mass:    cal.Mass,
			Lit:     cal.CCS,
			Calc:    calc,
			Diff:    diff,
			Percent: 100 * diff / cal.CCS,
		}
	}
	return res, nil
}
