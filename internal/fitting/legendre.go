package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooFewPoints is returned when fewer usable points remain than the fit requires.
	ErrTooFewPoints = errors.New("fitting: too few usable points")
	// ErrDegenerateRange is returned when the abscissa spans no interval.
	ErrDegenerateRange = errors.New("fitting: degenerate abscissa range")
	// ErrLengthMismatch is returned when input slices differ in length.
	ErrLengthMismatch = errors.New("fitting: input length mismatch")
)

// Legendre is a Legendre series in x mapped linearly from [Min, Max] onto [-1, 1].
type Legendre struct {
	Coeffs []float64
	Min    float64
	Max    float64
}

// Order returns the polynomial order.
func (p *Legendre) Order() int { return len(p.Coeffs) - 1 }

func (p *Legendre) normalize(x float64) float64 {
	return 2*(x-p.Min)/(p.Max-p.Min) - 1
}

// Eval evaluates the series at x.
func (p *Legendre) Eval(x float64) float64 {
	t := p.normalize(x)
	var sum float64
	pm1, pk := 0.0, 1.0
	for k, c := range p.Coeffs {
		sum += c * pk
		// P_{k+1} = ((2k+1) t P_k - k P_{k-1}) / (k+1)
		pm1, pk = pk, (float64(2*k+1)*t*pk-float64(k)*pm1)/float64(k+1)
	}
	return sum
}

// EvalSlice evaluates the series at every x.
func (p *Legendre) EvalSlice(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = p.Eval(v)
	}
	return out
}

// legendreRow fills row with P_0(t) .. P_order(t).
func legendreRow(row []float64, t float64) {
	row[0] = 1
	if len(row) > 1 {
		row[1] = t
	}
	for k := 1; k+1 < len(row); k++ {
		row[k+1] = (float64(2*k+1)*t*row[k] - float64(k)*row[k-1]) / float64(k+1)
	}
}

// FitLegendre solves the weighted least-squares problem for a Legendre
// series of the given order through the points with use[i] set.
// A nil weight slice means unit weights; a nil use slice means all points.
// The normalisation range is taken from xmin and xmax.
func FitLegendre(x, y, w []float64, use []bool, order int, xmin, xmax float64) (*Legendre, error) {
	if len(x) != len(y) || (w != nil && len(w) != len(x)) || (use != nil && len(use) != len(x)) {
		return nil, ErrLengthMismatch
	}
	if order < 0 {
		return nil, fmt.Errorf("fitting: negative order %d", order)
	}
	if !(xmax > xmin) {
		return nil, ErrDegenerateRange
	}

	idx := make([]int, 0, len(x))
	for i := range x {
		if use != nil && !use[i] {
			continue
		}
		if w != nil && !(w[i] > 0) {
			continue
		}
		idx = append(idx, i)
	}
	ncoeff := order + 1
	if len(idx) < ncoeff {
		return nil, fmt.Errorf("%w: %d points for %d coefficients", ErrTooFewPoints, len(idx), ncoeff)
	}

	p := &Legendre{Min: xmin, Max: xmax}
	a := mat.NewDense(len(idx), ncoeff, nil)
	b := mat.NewVecDense(len(idx), nil)
	row := make([]float64, ncoeff)
	for r, i := range idx {
		sw := 1.0
		if w != nil {
			sw = math.Sqrt(w[i])
		}
		legendreRow(row, p.normalize(x[i]))
		for c := range row {
			a.Set(r, c, row[c]*sw)
		}
		b.SetVec(r, y[i]*sw)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("fitting: least squares: %w", err)
		}
	}
	p.Coeffs = make([]float64, ncoeff)
	for c := range p.Coeffs {
		p.Coeffs[c] = sol.AtVec(c)
		if math.IsNaN(p.Coeffs[c]) || math.IsInf(p.Coeffs[c], 0) {
			return nil, fmt.Errorf("fitting: non-finite coefficient %d", c)
		}
	}
	return p, nil
}
