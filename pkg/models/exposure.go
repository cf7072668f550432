package models

// Pipeline types reported by spectrographs and stored in spec1d headers.
const (
	PypelineMultiSlit = "MultiSlit"
	PypelineEchelle   = "Echelle"
)

// ExposureMeta carries the header metadata of a one-dimensional spectrum file.
type ExposureMeta struct {
	Spectrograph string   `json:"pyp_spec"`
	Pypeline     string   `json:"pypeline"`
	DispName     string   `json:"dispname,omitempty"`
	ExpTime      float64  `json:"exptime"`
	Airmass      float64  `json:"airmass"`
	Binning      string   `json:"binning,omitempty"`
	Target       string   `json:"target,omitempty"`
	RA           *float64 `json:"ra,omitempty"`
	Dec          *float64 `json:"dec,omitempty"`

	// Set once the exposure has been flux calibrated.
	Fluxed              bool   `json:"fluxed,omitempty"`
	SensFile            string `json:"sensfile,omitempty"`
	ExtinctionCorrected bool   `json:"ext_corr,omitempty"`
}

// HasCoordinates reports whether both target coordinates are known.
func (m ExposureMeta) HasCoordinates() bool {
	return m.RA != nil && m.Dec != nil
}

// SpectrumOrder is one contiguous spectrum of a standard star: a single
// slit, a stitched set of detectors, or one echelle order.
type SpectrumOrder struct {
	Det      int
	EchOrder int
	Wave     []float64
	Counts   []float64
	Ivar     []float64
	// Mask marks unusable pixels.
	Mask []bool
}

// Len returns the number of pixels.
func (o SpectrumOrder) Len() int { return len(o.Wave) }

// StandardStarSpectrum is the observed spectrum of a standard star together
// with its exposure metadata. It is not modified after loading.
type StandardStarSpectrum struct {
	Meta   ExposureMeta
	Orders []SpectrumOrder
}
