// Package telluric models atmospheric transmission for the IR
// sensitivity-function fit.
//
// A Grid tabulates zenith optical depths on a log-wavelength grid: a dry
// component (O2, CO2 bands), a water-vapour component per mm of
// precipitable water vapour, and the site continuum extinction. The
// transmission at airmass X is exp(-X (tau_dry + pwv tau_h2o + tau_ext)).
package telluric

import (
	"math"

	"github.com/RMahshie/fluxcal/internal/extinction"
	"github.com/RMahshie/fluxcal/internal/fitting"
)

// Grid limits.
const (
	WaveMin    = 3000.0
	WaveMax    = 26000.0
	Resolution = 4000.0
)

// PWVNodes are the precipitable water vapour values, in mm, at which the
// grid is searched before the continuous fit.
var PWVNodes = []float64{0.5, 1, 1.5, 2, 3, 4, 5, 7.5, 10, 15, 20}

type band struct {
	center, sigma, tau float64
}

var dryBands = []band{
	{6880, 15, 0.35},  // O2 B
	{7620, 20, 1.20},  // O2 A
	{12690, 30, 0.30}, // O2 a-X
	{20080, 60, 0.40}, // CO2
	{20600, 60, 0.35}, // CO2
}

// per mm PWV
var waterBands = []band{
	{7250, 60, 0.015},
	{8200, 80, 0.020},
	{9400, 180, 0.080},
	{11350, 250, 0.180},
	{13900, 400, 0.900},
	{18700, 500, 1.100},
	{25500, 800, 0.900},
}

// Grid is a read-only tabulated atmosphere. It is safe for concurrent use.
type Grid struct {
	Wave     []float64
	TauDry   []float64
	TauWater []float64
	TauExt   []float64

	dry, water, ext *fitting.Linear
}

// NewGrid tabulates the model using the continuum extinction of curve.
func NewGrid(curve *extinction.Curve) (*Grid, error) {
	step := math.Log1p(1 / Resolution)
	n := int(math.Log(WaveMax/WaveMin)/step) + 1
	g := &Grid{
		Wave:     make([]float64, n),
		TauDry:   make([]float64, n),
		TauWater: make([]float64, n),
	}
	for i := range g.Wave {
		w := WaveMin * math.Exp(float64(i)*step)
		g.Wave[i] = w
		g.TauDry[i] = sumBands(dryBands, w)
		g.TauWater[i] = sumBands(waterBands, w)
	}
	// mag -> optical depth
	mags := curve.Magnitudes(g.Wave)
	g.TauExt = make([]float64, n)
	for i, m := range mags {
		g.TauExt[i] = m * math.Ln10 / 2.5
	}

	var err error
	if g.dry, err = fitting.NewLinear(g.Wave, g.TauDry); err != nil {
		return nil, err
	}
	if g.water, err = fitting.NewLinear(g.Wave, g.TauWater); err != nil {
		return nil, err
	}
	if g.ext, err = fitting.NewLinear(g.Wave, g.TauExt); err != nil {
		return nil, err
	}
	return g, nil
}

func sumBands(bands []band, w float64) float64 {
	var tau float64
	for _, b := range bands {
		d := (w - b.center) / b.sigma
		if math.Abs(d) < 8 {
			tau += b.tau * math.Exp(-0.5*d*d)
		}
	}
	return tau
}

// Covers reports whether w lies inside the grid.
func (g *Grid) Covers(w float64) bool {
	return w >= g.Wave[0] && w <= g.Wave[len(g.Wave)-1]
}

// Coverage returns the fraction of wavelengths inside the grid.
func (g *Grid) Coverage(wave []float64) float64 {
	if len(wave) == 0 {
		return 0
	}
	n := 0
	for _, w := range wave {
		if g.Covers(w) {
			n++
		}
	}
	return float64(n) / float64(len(wave))
}

// ClampPWV limits pwv to the grid's node range.
func ClampPWV(pwv float64) float64 {
	return math.Max(PWVNodes[0], math.Min(PWVNodes[len(PWVNodes)-1], pwv))
}

// Components interpolates the three optical-depth components onto wave.
// The result can be reused with TransmissionFrom for many pwv values.
type Components struct {
	Dry, Water, Ext []float64
}

// Interpolate evaluates the optical-depth components at wave.
func (g *Grid) Interpolate(wave []float64) Components {
	return Components{
		Dry:   g.dry.Eval(wave),
		Water: g.water.Eval(wave),
		Ext:   g.ext.Eval(wave),
	}
}

// TransmissionFrom evaluates the transmission from precomputed components.
func (c Components) TransmissionFrom(dst []float64, airmass, pwv float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(c.Dry))
	}
	pwv = ClampPWV(pwv)
	for i := range c.Dry {
		dst[i] = math.Exp(-airmass * (c.Dry[i] + pwv*c.Water[i] + c.Ext[i]))
	}
	return dst
}

// Transmission evaluates the transmission at wave for the given airmass
// and precipitable water vapour.
func (g *Grid) Transmission(wave []float64, airmass, pwv float64) []float64 {
	return g.Interpolate(wave).TransmissionFrom(nil, airmass, pwv)
}
