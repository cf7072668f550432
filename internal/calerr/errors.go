// Package calerr defines the error kinds surfaced by the calibration core.
//
// Every error returned by the sensitivity-function and flux-calibration
// packages wraps exactly one of the sentinels below, so callers branch with
// errors.Is and the service layer can persist a stable kind string.
package calerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInput reports missing or malformed metadata or files.
	ErrInput = errors.New("input error")
	// ErrConfiguration reports an invalid parameter combination.
	ErrConfiguration = errors.New("configuration error")
	// ErrStandardNotFound reports that no reference flux table matches the target.
	ErrStandardNotFound = errors.New("standard star not found")
	// ErrFit reports insufficient usable samples or a failed minimisation.
	ErrFit = errors.New("fit error")
	// ErrUnsupportedAlgorithm reports an unknown sensitivity-function algorithm tag.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Input wraps ErrInput with a formatted message.
func Input(format string, args ...any) error {
	return wrap(ErrInput, format, args...)
}

// Configuration wraps ErrConfiguration with a formatted message.
func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// StandardNotFound wraps ErrStandardNotFound with a formatted message.
func StandardNotFound(format string, args ...any) error {
	return wrap(ErrStandardNotFound, format, args...)
}

// Fit wraps ErrFit with a formatted message.
func Fit(format string, args ...any) error {
	return wrap(ErrFit, format, args...)
}

// UnsupportedAlgorithm wraps ErrUnsupportedAlgorithm with a formatted message.
func UnsupportedAlgorithm(format string, args ...any) error {
	return wrap(ErrUnsupportedAlgorithm, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the stable name of the error kind carried by err.
// Errors outside the taxonomy report "internal"; a nil error reports "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "input"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrStandardNotFound):
		return "standard_not_found"
	case errors.Is(err, ErrFit):
		return "fit"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	default:
		return "internal"
	}
}
