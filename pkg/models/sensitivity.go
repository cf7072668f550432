package models

import (
	"fmt"
	"math"
)

// Sensitivity table column names as persisted in sensitivity files.
const (
	ColSensOrder         = "SENS_ORDER"
	ColSensDet           = "SENS_DET"
	ColSensEchOrder      = "SENS_ECHORDER"
	ColSensWave          = "SENS_WAVE"
	ColSensZeroPoint     = "SENS_ZEROPOINT"
	ColSensZeroPointData = "SENS_ZEROPOINT_DATA"
	ColSensZeroPointIvar = "SENS_ZEROPOINT_IVAR"
	ColSensTelluric      = "SENS_TELLURIC"
	ColSensMask          = "SENS_MASK"
)

// ZeroPointUnit converts AB-like zeropoints to fluxes in units of
// 1e-17 erg/s/cm^2/Ang: -2.5 log10((Ang^2/c) * 1e-17 erg/s/cm^2/Ang in uJy) + 23.9.
var ZeroPointUnit = -2.5*math.Log10(1e-17/2.99792458e18/1e-29) + 23.9

// FlamFactor returns the factor converting N_lambda (counts/s/Ang) into
// F_lambda for the given zeropoint and wavelength.
func FlamFactor(zeropoint, wave float64) float64 {
	return math.Pow(10, -0.4*(zeropoint-ZeroPointUnit)) / (wave * wave)
}

// ZeroPoint is the inverse of FlamFactor: the zeropoint for which N_lambda
// counts/s/Ang correspond to flam.
func ZeroPoint(nlam, flam, wave float64) float64 {
	return ZeroPointUnit - 2.5*math.Log10(wave*wave*flam/nlam)
}

// SensOrder holds the sensitivity solution of one order or detector.
type SensOrder struct {
	Det      int `json:"det"`
	EchOrder int `json:"ech_order,omitempty"`

	Wave          []float64 `json:"-"`
	ZeroPoint     []float64 `json:"-"`
	ZeroPointData []float64 `json:"-"`
	ZeroPointIvar []float64 `json:"-"`
	// Telluric is the fitted transmission at the standard airmass; 1 when
	// the algorithm does not model the atmosphere.
	Telluric []float64 `json:"-"`
	// Mask marks samples that were unusable or rejected by the fit.
	Mask []bool `json:"-"`

	PolyOrder int       `json:"polyorder"`
	Coeffs    []float64 `json:"coeffs,omitempty"`
	// FitMin and FitMax map wavelengths onto [-1, 1] for Coeffs.
	FitMin float64 `json:"fit_min,omitempty"`
	FitMax float64 `json:"fit_max,omitempty"`

	PWV         float64 `json:"pwv,omitempty"`
	FullyMasked bool    `json:"fully_masked"`
}

// Len returns the number of samples.
func (o *SensOrder) Len() int { return len(o.Wave) }

// WaveMin returns the bluest wavelength of the order.
func (o *SensOrder) WaveMin() float64 {
	if len(o.Wave) == 0 {
		return 0
	}
	return o.Wave[0]
}

// WaveMax returns the reddest wavelength of the order.
func (o *SensOrder) WaveMax() float64 {
	if len(o.Wave) == 0 {
		return 0
	}
	return o.Wave[len(o.Wave)-1]
}

// MaskedFraction returns the fraction of masked samples.
func (o *SensOrder) MaskedFraction() float64 {
	if len(o.Mask) == 0 {
		return 0
	}
	n := 0
	for _, m := range o.Mask {
		if m {
			n++
		}
	}
	return float64(n) / float64(len(o.Mask))
}

// Validate checks the per-order invariants: equal column lengths and
// strictly increasing wavelengths.
func (o *SensOrder) Validate() error {
	n := len(o.Wave)
	for name, l := range map[string]int{
		ColSensZeroPoint:     len(o.ZeroPoint),
		ColSensZeroPointData: len(o.ZeroPointData),
		ColSensZeroPointIvar: len(o.ZeroPointIvar),
		ColSensTelluric:      len(o.Telluric),
		ColSensMask:          len(o.Mask),
	} {
		if l != n {
			return fmt.Errorf("column %s has %d samples, want %d", name, l, n)
		}
	}
	for i := 1; i < n; i++ {
		if !(o.Wave[i] > o.Wave[i-1]) {
			return fmt.Errorf("wavelength not strictly increasing at sample %d (%g <= %g)", i, o.Wave[i], o.Wave[i-1])
		}
	}
	return nil
}

// SensitivityTable is the output of a sensitivity-function run.
type SensitivityTable struct {
	Algorithm string `json:"algorithm"`
	// ExtinctionIncluded is set when the zeropoints already absorb the
	// atmospheric extinction, so flux calibration must not apply it again.
	ExtinctionIncluded bool `json:"extinction_included"`

	Meta   ExposureMeta `json:"meta"`
	StdCal string       `json:"std_cal,omitempty"`
	StdRA  float64      `json:"std_ra,omitempty"`
	StdDec float64      `json:"std_dec,omitempty"`

	Orders []SensOrder `json:"orders"`
}

// Columns lists the per-sample columns of the table.
func (t *SensitivityTable) Columns() []string {
	return []string{
		ColSensOrder, ColSensDet, ColSensEchOrder, ColSensWave,
		ColSensZeroPoint, ColSensZeroPointData, ColSensZeroPointIvar,
		ColSensTelluric, ColSensMask,
	}
}

// Validate checks every order.
func (t *SensitivityTable) Validate() error {
	if len(t.Orders) == 0 {
		return fmt.Errorf("sensitivity table has no orders")
	}
	for i := range t.Orders {
		if err := t.Orders[i].Validate(); err != nil {
			return fmt.Errorf("order %d: %w", i, err)
		}
	}
	return nil
}
