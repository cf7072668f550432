package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// ErrNoConvergence is returned when the minimiser produced no usable point.
var ErrNoConvergence = errors.New("fitting: minimisation did not converge")

// Minimum is the outcome of Minimize.
type Minimum struct {
	X      []float64
	F      float64
	Status string
}

// Minimize minimises f from x0 with L-BFGS and central-difference
// gradients. The result is accepted when the minimiser stops early as long
// as it improved on x0.
func Minimize(f func(x []float64) float64, x0 []float64, maxIter int) (*Minimum, error) {
	f0 := f(x0)
	if !finite(f0) {
		return nil, fmt.Errorf("%w: objective not finite at the starting point", ErrNoConvergence)
	}

	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: 1e-9,
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if res == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConvergence, err)
	}
	if !finite(res.F) || res.F > f0 || math.IsNaN(res.X[0]) {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoConvergence, err)
		}
		return nil, ErrNoConvergence
	}
	return &Minimum{X: res.X, F: res.F, Status: res.Status.String()}, nil
}
