// Package standards holds the spectrophotometric standard-star catalogue
// and evaluates reference fluxes in units of 1e-17 erg/s/cm^2/Ang.
package standards

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/fitting"
)

// DefaultTolerance is the maximum separation, in arcminutes, for a
// coordinate match.
const DefaultTolerance = 20.0

// vZeroFlux is F_lambda of a V=0 star at the V effective wavelength.
const (
	vZeroFlux = 3.63e-9 // erg/s/cm^2/Ang
	vWave     = 5480.0  // Ang
	fluxUnit  = 1e-17
)

// Star is a catalogue entry.
type Star struct {
	Name   string
	File   string
	RA     float64 // degrees, J2000
	Dec    float64 // degrees, J2000
	VMag   float64
	Teff   float64
	SpType string
	table  *fitting.Linear
}

// Catalogue lists the bundled standards.
var Catalogue = []Star{
	{Name: "Feige 34", File: "feige34_stis_004.fits", RA: 159.9042, Dec: 43.1025, VMag: 11.18, Teff: 63000, SpType: "sdO"},
	{Name: "Feige 66", File: "feige66_002.fits", RA: 189.3479, Dec: 25.0667, VMag: 10.50, Teff: 34500, SpType: "sdO"},
	{Name: "Feige 110", File: "feige110_stisnic_003.fits", RA: 349.9933, Dec: -5.1656, VMag: 11.82, Teff: 45000, SpType: "sdOB"},
	{Name: "G191B2B", File: "g191b2b_mod_010.fits", RA: 76.3775, Dec: 52.8311, VMag: 11.78, Teff: 60000, SpType: "DA"},
	{Name: "BD+28 4211", File: "bd_28d4211_stis_004.fits", RA: 327.7958, Dec: 28.8639, VMag: 10.58, Teff: 82000, SpType: "sdO"},
	{Name: "HZ 44", File: "hz44_stis_004.fits", RA: 200.8971, Dec: 36.1331, VMag: 11.66, Teff: 40000, SpType: "sdO"},
	{Name: "GD 71", File: "gd71_mod_010.fits", RA: 88.1150, Dec: 15.8869, VMag: 13.03, Teff: 33000, SpType: "DA"},
}

// NewTabulated returns a star whose reference flux comes from a table.
// Zero-flux samples are kept so callers can mask them.
func NewTabulated(name string, ra, dec float64, wave, flux []float64) (*Star, error) {
	l, err := fitting.NewLinear(wave, flux)
	if err != nil {
		return nil, calerr.Input("reference flux table for %s: %v", name, err)
	}
	return &Star{Name: name, RA: ra, Dec: dec, table: l}, nil
}

// ParseTable reads a two-column "wavelength flux" reference table.
func ParseTable(name string, ra, dec float64, r io.Reader) (*Star, error) {
	var wave, flux []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 2 {
			return nil, calerr.Input("reference flux table %s: malformed line %q", name, text)
		}
		w, err1 := strconv.ParseFloat(f[0], 64)
		v, err2 := strconv.ParseFloat(f[1], 64)
		if err1 != nil || err2 != nil {
			return nil, calerr.Input("reference flux table %s: malformed line %q", name, text)
		}
		wave = append(wave, w)
		flux = append(flux, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reference flux table %s: %w", name, err)
	}
	return NewTabulated(name, ra, dec, wave, flux)
}

// Flux evaluates the reference F_lambda at each wavelength. Tabulated
// stars return zero outside their table.
func (s *Star) Flux(wave []float64) []float64 {
	out := make([]float64, len(wave))
	if s.table != nil {
		for i, w := range wave {
			if s.table.Covers(w) {
				out[i] = s.table.At(w)
			}
		}
		return out
	}
	return BlackbodyFlux(wave, s.Teff, s.VMag)
}

// BlackbodyFlux returns a black body of temperature teff normalised to
// the V magnitude vmag, in 1e-17 erg/s/cm^2/Ang.
func BlackbodyFlux(wave []float64, teff, vmag float64) []float64 {
	norm := vZeroFlux * math.Pow(10, -0.4*vmag) / fluxUnit / planck(vWave, teff)
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = norm * planck(w, teff)
	}
	return out
}

// planck returns B_lambda(T) up to a constant factor; wave in Angstrom.
func planck(wave, teff float64) float64 {
	const hcOverK = 1.4387769e8 // Ang K
	x := hcOverK / (wave * teff)
	return 1 / (math.Pow(wave, 5) * math.Expm1(x))
}

// Separation returns the angular separation in degrees.
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	const rad = math.Pi / 180
	d1, d2 := dec1*rad, dec2*rad
	dra := (ra2 - ra1) * rad
	ddec := d2 - d1
	a := math.Sin(ddec/2)*math.Sin(ddec/2) + math.Cos(d1)*math.Cos(d2)*math.Sin(dra/2)*math.Sin(dra/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / rad
}

// FindByCoordinates returns the closest catalogue star within tol
// arcminutes.
func FindByCoordinates(ra, dec, tol float64) (*Star, error) {
	var best *Star
	bestSep := math.Inf(1)
	for i := range Catalogue {
		s := &Catalogue[i]
		sep := Separation(ra, dec, s.RA, s.Dec) * 60
		if sep <= tol && sep < bestSep {
			best, bestSep = s, sep
		}
	}
	if best == nil {
		return nil, calerr.StandardNotFound("no standard within %.1f arcmin of ra=%.4f dec=%.4f", tol, ra, dec)
	}
	return best, nil
}

// FindByName matches a target name ignoring case, spaces and punctuation.
func FindByName(name string) (*Star, error) {
	key := normalize(name)
	if key != "" {
		for i := range Catalogue {
			if normalize(Catalogue[i].Name) == key {
				return &Catalogue[i], nil
			}
		}
	}
	return nil, calerr.StandardNotFound("no standard named %q", name)
}

// Find looks a star up by coordinates when given, falling back to the
// target name.
func Find(ra, dec *float64, name string, tol float64) (*Star, error) {
	if ra != nil && dec != nil {
		s, err := FindByCoordinates(*ra, *dec, tol)
		if err == nil || name == "" {
			return s, err
		}
	}
	return FindByName(name)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// spectral type -> effective temperature
var spTypeTeff = []struct {
	prefix string
	teff   float64
}{
	{"O5", 42000}, {"O", 35000},
	{"B0", 30000}, {"B5", 15400}, {"B", 20000},
	{"A0", 9700}, {"A5", 8200}, {"A", 9000},
	{"F0", 7300}, {"F5", 6700}, {"F", 7000},
	{"G0", 5900}, {"G5", 5600}, {"G", 5700},
	{"K0", 5200}, {"K5", 4400}, {"K", 4800},
	{"M0", 3850}, {"M", 3500},
}

// TeffForType maps a spectral type such as "A0V" to an effective temperature.
func TeffForType(spType string) (float64, error) {
	t := strings.ToUpper(strings.TrimSpace(spType))
	for _, e := range spTypeTeff {
		if strings.HasPrefix(t, e.prefix) {
			return e.teff, nil
		}
	}
	return 0, calerr.Configuration("unknown spectral type %q", spType)
}
