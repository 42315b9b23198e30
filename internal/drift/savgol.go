// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package drift

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSmoothing is returned for smoothing parameters that cannot be applied
var ErrSmoothing = errors.New("invalid smoothing parameters")

// Smoothing selects Savitzky-Golay smoothing with an odd window length and
// a polynomial order below the window length.
type Smoothing struct {
	Window int
	Order  int
}

func (s Smoothing) String() string {
	return fmt.Sprintf("Savitzky-Golay(window %d, order %d)", s.Window, s.Order)
}

// Validate checks s against a series of n points. Use n < 0 to skip the
// length check.
func (s Smoothing) Validate(n int) error {
	switch {
	case s.Window < 1 || s.Window%2 == 0:
		return fmt.Errorf("%w: window %d must be odd and positive", ErrSmoothing, s.Window)
	case s.Order < 0 || s.Order >= s.Window:
		return fmt.Errorf("%w: order %d must be less than window %d", ErrSmoothing, s.Order, s.Window)
	case n >= 0 && s.Window > n:
		return fmt.Errorf("%w: window %d exceeds %d points", ErrSmoothing, s.Window, n)
	}
	return nil
}

// savgolHat returns the window×window matrix that projects the values in a
// window onto the least squares polynomial of the given order, evaluated at
// every position of the window.
func savgolHat(window, order int) (*mat.Dense, error) {
	half := window / 2
	v := mat.NewDense(window, order+1, nil)
	for i := 0; i < window; i++ {
		z := float64(i - half)
		for k := 0; k <= order; k++ {
			v.Set(i, k, math.Pow(z, float64(k)))
		}
	}
	eye := mat.NewDense(window, window, nil)
	for i := 0; i < window; i++ {
		eye.Set(i, i, 1)
	}
	var pinv mat.Dense
	if err := pinv.Solve(v, eye); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSmoothing, err)
	}
	var hat mat.Dense
	hat.Mul(v, &pinv)
	return &hat, nil
}

// SavitzkyGolay returns a smoothed copy of y. Points within half a window of
// either end take their value from the polynomial fitted to the first or
// last full window.
func SavitzkyGolay(y []float64, s Smoothing) ([]float64, error) {
	n := len(y)
	if err := s.Validate(n); err != nil {
		return nil, err
	}
	hat, err := savgolHat(s.Window, s.Order)
	if err != nil {
		return nil, err
	}
	w := s.Window
	half := w / 2
	apply := func(row, start int) float64 {
		var sum float64
		for j := 0; j < w; j++ {
			sum += hat.At(row, j) * y[start+j]
		}
		return sum
	}

	out := make([]float64, n)
	for i := half; i < n-half; i++ {
		out[i] = apply(half, i-half)
	}
	for i := 0; i < half; i++ {
		out[i] = apply(i, 0)
	}
	for i := n - half; i < n; i++ {
		out[i] = apply(i-(n-w), n-w)
	}
	return out, nil
}
