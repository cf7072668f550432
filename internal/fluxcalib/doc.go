// Package fluxcalib applies sensitivity functions to science spectra.
//
// For every science exposure the matching sensitivity table is
// interpolated onto each object's wavelength grid and the counts and
// inverse variances are rescaled to F_lambda (1e-17 erg/s/cm^2/Ang):
//
//	F = counts / (exptime · |dλ|) · 10^(-0.4 (ZP - ZP_unit)) / λ² · C_ext
//
// where C_ext is the extinction correction at the exposure airmass when
// extinction correction is enabled. Results are written as <EXT>_FLAM,
// <EXT>_FLAM_IVAR and <EXT>_FLAM_SIG columns next to the original counts.
//
// Exposures are independent: a failing exposure is reported in its
// Outcome and never prevents the others from being calibrated.
package fluxcalib
