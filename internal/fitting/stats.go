package fitting

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Gradient returns dx/di by central differences, with one-sided
// differences at the ends.
func Gradient(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	switch n {
	case 0:
		return out
	case 1:
		return out
	}
	out[0] = x[1] - x[0]
	out[n-1] = x[n-1] - x[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = (x[i+1] - x[i-1]) / 2
	}
	return out
}

// Median returns the median of vals, or NaN for an empty slice.
func Median(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	if len(sorted)%2 == 1 {
		return sorted[len(sorted)/2]
	}
	return 0.5 * (stat.Quantile(0.5, stat.Empirical, sorted, nil) + sorted[len(sorted)/2])
}

// MADSigma returns the median absolute deviation scaled to a Gaussian sigma.
func MADSigma(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	med := Median(vals)
	dev := make([]float64, len(vals))
	for i, v := range vals {
		dev[i] = math.Abs(v - med)
	}
	return 1.4826 * Median(dev)
}

// Select returns the elements of vals whose keep flag is set.
func Select(vals []float64, keep []bool) []float64 {
	out := make([]float64, 0, len(vals))
	for i, v := range vals {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out
}

// StrictlyIncreasing reports whether x is strictly increasing.
func StrictlyIncreasing(x []float64) bool {
	for i := 1; i < len(x); i++ {
		if !(x[i] > x[i-1]) {
			return false
		}
	}
	return true
}

// AllFinite reports whether every value is finite.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if !finite(v) {
			return false
		}
	}
	return true
}

// WeightedMean returns the mean of vals weighted by w over the kept
// entries, or NaN when no weight remains.
func WeightedMean(vals, w []float64, keep []bool) float64 {
	v := Select(vals, keep)
	ws := Select(w, keep)
	if len(v) == 0 || floats.Sum(ws) <= 0 {
		return math.NaN()
	}
	return stat.Mean(v, ws)
}
