package fitting

import (
	"fmt"
	"math"
)

// RobustConfig controls iterative sigma rejection.
type RobustConfig struct {
	SigRej    float64
	MaxIter   int
	MinPoints int
}

// RobustOption mutates a RobustConfig.
type RobustOption func(*RobustConfig)

// DefaultRobustConfig returns the rejection defaults.
func DefaultRobustConfig() RobustConfig {
	return RobustConfig{SigRej: 3, MaxIter: 10}
}

// WithSigRej sets the rejection threshold in units of sigma.
func WithSigRej(sigrej float64) RobustOption {
	return func(cfg *RobustConfig) {
		if sigrej > 0 {
			cfg.SigRej = sigrej
		}
	}
}

// WithMaxIter caps the number of fit/reject iterations.
func WithMaxIter(maxIter int) RobustOption {
	return func(cfg *RobustConfig) {
		if maxIter > 0 {
			cfg.MaxIter = maxIter
		}
	}
}

// WithMinPoints sets the minimum number of usable points.
func WithMinPoints(n int) RobustOption {
	return func(cfg *RobustConfig) {
		if n > 0 {
			cfg.MinPoints = n
		}
	}
}

// ApplyRobustOptions applies zero or more options to the default config.
func ApplyRobustOptions(opts ...RobustOption) RobustConfig {
	cfg := DefaultRobustConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// RobustResult is the outcome of RobustLegendre.
type RobustResult struct {
	Poly *Legendre
	// Mask marks points excluded from the final fit: masked on input,
	// non-finite, or rejected.
	Mask       []bool
	Iterations int
	Rejected   int
}

// RobustLegendre fits a Legendre series with iterative sigma rejection.
//
// Residuals are scaled by sqrt(ivar) when ivar is given, otherwise by a
// MAD-based sigma of the current residuals. Rejected points may re-enter
// on later iterations; iteration stops when the mask no longer changes or
// after MaxIter fits. Points still beyond the threshold after the last fit
// are masked in the result.
func RobustLegendre(x, y, ivar []float64, inMask []bool, order int, opts ...RobustOption) (*RobustResult, error) {
	cfg := ApplyRobustOptions(opts...)
	n := len(x)
	if len(y) != n || (ivar != nil && len(ivar) != n) || (inMask != nil && len(inMask) != n) {
		return nil, ErrLengthMismatch
	}
	minPoints := cfg.MinPoints
	if minPoints < order+1 {
		minPoints = order + 1
	}

	base := make([]bool, n)
	xmin, xmax := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		bad := (inMask != nil && inMask[i]) || !finite(y[i]) || !finite(x[i])
		if ivar != nil && !(ivar[i] > 0) {
			bad = true
		}
		base[i] = bad
		if !bad {
			xmin = math.Min(xmin, x[i])
			xmax = math.Max(xmax, x[i])
		}
	}

	mask := append([]bool(nil), base...)
	res := &RobustResult{}
	for iter := 1; ; iter++ {
		good := countFalse(mask)
		if good < minPoints {
			return nil, fmt.Errorf("%w: %d usable of %d required", ErrTooFewPoints, good, minPoints)
		}
		poly, err := FitLegendre(x, y, ivar, not(mask), order, xmin, xmax)
		if err != nil {
			return nil, err
		}
		res.Poly = poly
		res.Iterations = iter

		next := reject(x, y, ivar, base, mask, poly, cfg.SigRej)
		if equalMask(next, mask) || iter >= cfg.MaxIter {
			mask = next
			break
		}
		mask = next
	}

	res.Mask = mask
	res.Rejected = countTrue(mask) - countTrue(base)
	return res, nil
}

func reject(x, y, ivar []float64, base, mask []bool, poly *Legendre, sigrej float64) []bool {
	n := len(x)
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		if base[i] {
			continue
		}
		resid[i] = y[i] - poly.Eval(x[i])
	}

	scale := 0.0
	if ivar == nil {
		good := make([]float64, 0, n)
		for i := 0; i < n; i++ {
			if !mask[i] {
				good = append(good, resid[i])
			}
		}
		scale = MADSigma(good)
	}

	next := make([]bool, n)
	for i := 0; i < n; i++ {
		if base[i] {
			next[i] = true
			continue
		}
		var chi float64
		switch {
		case ivar != nil:
			chi = resid[i] * math.Sqrt(ivar[i])
		case scale > 0:
			chi = resid[i] / scale
		}
		next[i] = math.Abs(chi) > sigrej
	}
	return next
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func not(m []bool) []bool {
	out := make([]bool, len(m))
	for i, v := range m {
		out[i] = !v
	}
	return out
}

func countTrue(m []bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

func countFalse(m []bool) int { return len(m) - countTrue(m) }

func equalMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
