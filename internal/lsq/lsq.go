// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package lsq fits model parameters to observations by nonlinear least
// squares. The default method is Levenberg-Marquardt on the normal
// equations; a derivative free Nelder-Mead search from gonum/optimize can be
// selected instead. Both stop after a fixed number of model evaluations.
package lsq

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrNotConverged is returned when the evaluation budget is used up
	// before the fit converged.
	ErrNotConverged = errors.New("least squares fit did not converge")
	// ErrBadStart is returned when the model is not finite at the initial
	// parameters.
	ErrBadStart = errors.New("model not finite at initial parameters")
	// ErrMethod is returned for an unknown method name.
	ErrMethod = errors.New("unknown fit method")
)

// Method selects the minimization algorithm
type Method int

const (
	LevenbergMarquardt Method = iota
	NelderMead
)

func (m Method) String() string {
	switch m {
	case LevenbergMarquardt:
		return "lm"
	case NelderMead:
		return "simplex"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod converts a method name as used on the command line
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lm", "levenberg-marquardt":
		return LevenbergMarquardt, nil
	case "simplex", "nelder-mead", "nm":
		return NelderMead, nil
	}
	return LevenbergMarquardt, fmt.Errorf("%w: %q", ErrMethod, s)
}

// Problem describes a least squares problem with len(Y) observations.
type Problem struct {
	// Model stores the model value for every observation at parameters p
	// in dst. Values that are undefined at p must be NaN.
	Model func(dst, p []float64)
	// Jacobian stores d(model_i)/d(p_j) in jac, which has one row per
	// observation. When nil, forward differences are used.
	Jacobian func(jac *mat.Dense, p []float64)
	// Y holds the observations.
	Y []float64
}

// Settings control termination of the fit
type Settings struct {
	Method Method
	// MaxEvaluations is the maximum number of model evaluations.
	MaxEvaluations int
	// FTol is the relative reduction of the sum of squares that is
	// considered insignificant.
	FTol float64
	// XTol is the relative parameter change that is considered
	// insignificant.
	XTol float64
}

// DefaultSettings returns the settings used when nothing else is specified
func DefaultSettings() Settings {
	return Settings{
		Method:         LevenbergMarquardt,
		MaxEvaluations: 5000,
		FTol:           1.49012e-8,
		XTol:           1.49012e-8,
	}
}

// Result of a fit. When the fit did not converge, X holds the best
// parameters found so far.
type Result struct {
	X           []float64
	SumSq       float64
	Evaluations int
	Converged   bool
}

// Fit minimizes the sum of squared differences between p.Model and p.Y,
// starting from x0. A non-nil error wrapping ErrNotConverged is returned
// together with the last result when the budget is exhausted.
func Fit(p Problem, x0 []float64, s Settings) (Result, error) {
	if len(x0) == 0 {
		return Result{}, errors.New("lsq: no parameters")
	}
	if len(p.Y) == 0 {
		return Result{}, errors.New("lsq: no observations")
	}
	def := DefaultSettings()
	if s.MaxEvaluations <= 0 {
		s.MaxEvaluations = def.MaxEvaluations
	}
	if s.FTol <= 0 {
		s.FTol = def.FTol
	}
	if s.XTol <= 0 {
		s.XTol = def.XTol
	}
	switch s.Method {
	case LevenbergMarquardt:
		return levenbergMarquardt(p, x0, s)
	case NelderMead:
		return nelderMead(p, x0, s)
	}
	return Result{}, fmt.Errorf("%w: %v", ErrMethod, s.Method)
}

// sumSq stores y-model in res and returns the sum of squares
func sumSq(res, model, y []float64) float64 {
	var sum float64
	for i := range y {
		res[i] = y[i] - model[i]
		sum += res[i] * res[i]
	}
	return sum
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// lmState holds the buffers of a single Levenberg-Marquardt run
type lmState struct {
	p     Problem
	n, m  int
	model []float64
	evals int
}

func (st *lmState) eval(x, res []float64) float64 {
	st.p.Model(st.model, x)
	st.evals++
	return sumSq(res, st.model, st.p.Y)
}

// jacobian fills jac at x. res must hold the residuals at x.
func (st *lmState) jacobian(jac *mat.Dense, x, res []float64) {
	if st.p.Jacobian != nil {
		st.p.Jacobian(jac, x)
		return
	}
	// Forward differences
	fx := make([]float64, st.m)
	for i := range fx {
		fx[i] = st.p.Y[i] - res[i]
	}
	xh := append([]float64(nil), x...)
	fh := make([]float64, st.m)
	for j := 0; j < st.n; j++ {
		h := math.Sqrt(2.2e-16) * math.Max(math.Abs(x[j]), 1)
		xh[j] = x[j] + h
		st.p.Model(fh, xh)
		st.evals++
		for i := 0; i < st.m; i++ {
			jac.Set(i, j, (fh[i]-fx[i])/h)
		}
		xh[j] = x[j]
	}
}

// normal computes a = JᵀJ (row major, n×n) and g = Jᵀres
func normal(jac *mat.Dense, res, a, g []float64) {
	m, n := jac.Dims()
	for i := range a {
		a[i] = 0
	}
	for i := range g {
		g[i] = 0
	}
	for k := 0; k < m; k++ {
		row := jac.RawRowView(k)
		for i := 0; i < n; i++ {
			g[i] += row[i] * res[k]
			for j := i; j < n; j++ {
				a[i*n+j] += row[i] * row[j]
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			a[i*n+j] = a[j*n+i]
		}
	}
}

// solveDamped solves (a + lambda*D) d = g with D the floored diagonal of a.
// It reports false when the system cannot be solved.
func solveDamped(a, g []float64, lambda float64, d []float64) bool {
	n := len(g)
	var maxDiag float64
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, a[i*n+i])
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := a[i*n+j]
			if i == j && lambda > 0 {
				dj := math.Max(a[i*n+i], 1e-12*maxDiag)
				if dj == 0 {
					dj = 1
				}
				v += lambda * dj
			}
			sym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, g)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return false
		}
	}
	for i := 0; i < n; i++ {
		d[i] = x.AtVec(i)
		if !isFinite(d[i]) {
			return false
		}
	}
	return true
}

func levenbergMarquardt(p Problem, x0 []float64, s Settings) (Result, error) {
	st := &lmState{p: p, n: len(x0), m: len(p.Y), model: make([]float64, len(p.Y))}
	n, m := st.n, st.m

	x := append([]float64(nil), x0...)
	res := make([]float64, m)
	cost := st.eval(x, res)
	result := func(converged bool) Result {
		return Result{X: x, SumSq: cost, Evaluations: st.evals, Converged: converged}
	}
	if !isFinite(cost) {
		return result(false), ErrBadStart
	}

	jac := mat.NewDense(m, n, nil)
	a := make([]float64, n*n)
	g := make([]float64, n)
	d := make([]float64, n)
	xNew := make([]float64, n)
	resNew := make([]float64, m)
	lambda := 1e-3
	accepted := false

	for st.evals < s.MaxEvaluations {
		if cost == 0 {
			return result(true), nil
		}
		st.jacobian(jac, x, res)
		normal(jac, res, a, g)

		// The undamped Gauss-Newton step predicts how much the sum of
		// squares can still be reduced.
		if solveDamped(a, g, 0, d) {
			pred := floats.Dot(g, d)
			if pred <= s.FTol*cost ||
				floats.Norm(d, 2) <= s.XTol*(floats.Norm(x, 2)+s.XTol) {
				return result(true), nil
			}
		}

		for {
			if solveDamped(a, g, lambda, d) {
				for j := range x {
					xNew[j] = x[j] + d[j]
				}
				costNew := st.eval(xNew, resNew)
				if isFinite(costNew) && costNew < cost {
					x, xNew = xNew, x
					res, resNew = resNew, res
					cost = costNew
					lambda = math.Max(lambda/10, 1e-12)
					accepted = true
					break
				}
			}
			lambda *= 10
			if lambda > 1e16 {
				// No step reduces the sum of squares any more. Without a
				// single accepted step the start was never improved on.
				if !accepted {
					return result(false), fmt.Errorf("%w: no step from the initial parameters reduces the sum of squares", ErrNotConverged)
				}
				return result(true), nil
			}
			if st.evals >= s.MaxEvaluations {
				return result(false), fmt.Errorf("%w after %d evaluations", ErrNotConverged, st.evals)
			}
		}
	}
	return result(false), fmt.Errorf("%w after %d evaluations", ErrNotConverged, st.evals)
}

// nelderMead minimizes in coordinates scaled by the magnitude of x0 so that
// the default simplex size is relative for every parameter.
func nelderMead(p Problem, x0 []float64, s Settings) (Result, error) {
	n := len(x0)
	scale := make([]float64, n)
	for i, v := range x0 {
		scale[i] = math.Max(math.Abs(v), 1)
	}
	model := make([]float64, len(p.Y))
	res := make([]float64, len(p.Y))
	x := make([]float64, n)
	var evals int
	f := func(z []float64) float64 {
		for i := range z {
			x[i] = z[i] * scale[i]
		}
		p.Model(model, x)
		evals++
		sum := sumSq(res, model, p.Y)
		if !isFinite(sum) {
			return math.Inf(1)
		}
		return sum
	}

	z0 := make([]float64, n)
	for i := range z0 {
		z0[i] = x0[i] / scale[i]
	}
	f0 := f(z0)
	if math.IsInf(f0, 1) {
		return Result{X: append([]float64(nil), x0...), SumSq: f0, Evaluations: evals}, ErrBadStart
	}

	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		FuncEvaluations: s.MaxEvaluations - evals,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12 * f0,
			Relative:   s.FTol,
			Iterations: 100,
		},
	}
	loc, err := optimize.Minimize(problem, z0, settings, &optimize.NelderMead{})
	if loc == nil {
		return Result{X: append([]float64(nil), x0...), SumSq: f0, Evaluations: evals}, fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = loc.X[i] * scale[i]
	}
	r := Result{X: out, SumSq: loc.F, Evaluations: evals}
	if err == nil && loc.Status.Early() {
		err = loc.Status.Err()
	}
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	r.Converged = true
	return r, nil
}
