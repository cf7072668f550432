// Package fitting provides the numerical building blocks of the
// sensitivity-function algorithms: weighted Legendre least squares with
// iterative sigma rejection, clamped linear interpolation, finite
// differences, robust statistics and a bounded nonlinear minimiser.
package fitting
