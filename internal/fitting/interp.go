package fitting

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"
)

// ErrNotIncreasing is returned when interpolation nodes are not strictly increasing.
var ErrNotIncreasing = errors.New("fitting: nodes not strictly increasing")

// Linear is a piecewise-linear interpolant that clamps to the boundary
// values outside the tabulated range.
type Linear struct {
	pl     interp.PiecewiseLinear
	xs, ys []float64
}

// NewLinear fits a piecewise-linear interpolant. xs must be strictly
// increasing and hold at least two points.
func NewLinear(xs, ys []float64) (*Linear, error) {
	if len(xs) != len(ys) {
		return nil, ErrLengthMismatch
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("%w: %d nodes for interpolation", ErrTooFewPoints, len(xs))
	}
	if !StrictlyIncreasing(xs) {
		return nil, ErrNotIncreasing
	}
	l := &Linear{xs: xs, ys: ys}
	if err := l.pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fitting: interpolant: %w", err)
	}
	return l, nil
}

// At returns the interpolated value at x.
func (l *Linear) At(x float64) float64 {
	switch {
	case x <= l.xs[0]:
		return l.ys[0]
	case x >= l.xs[len(l.xs)-1]:
		return l.ys[len(l.ys)-1]
	}
	return l.pl.Predict(x)
}

// Eval interpolates onto every x.
func (l *Linear) Eval(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = l.At(v)
	}
	return out
}

// Covers reports whether x lies inside the tabulated range.
func (l *Linear) Covers(x float64) bool {
	return x >= l.xs[0] && x <= l.xs[len(l.xs)-1]
}

// Interp interpolates (xs, ys) onto x with boundary clamping.
func Interp(xs, ys, x []float64) ([]float64, error) {
	l, err := NewLinear(xs, ys)
	if err != nil {
		return nil, err
	}
	return l.Eval(x), nil
}
