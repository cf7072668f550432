// Package extinction evaluates atmospheric extinction corrections from
// static per-site extinction curves.
//
// Curves tabulate extinction in magnitudes per unit airmass. Corrections
// are referenced to zenith: Correction(wave, 1) is exactly 1 and larger
// airmasses brighten the spectrum by 10^(0.4 k(λ) (X-1)). Wavelengths
// outside a curve's tabulated range take the nearest tabulated value.
package extinction

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/rs/zerolog/log"
)

//go:embed data/*.dat
var dataFS embed.FS

// Site is an observatory with a tabulated extinction curve.
type Site struct {
	Name      string
	File      string
	Longitude float64 // degrees, east positive
	Latitude  float64 // degrees
}

// Sites lists the observatories with bundled curves.
var Sites = []Site{
	{Name: "lick", File: "lickextinct.dat", Longitude: -121.6429, Latitude: 37.3414},
	{Name: "palomar", File: "palomarextinct.dat", Longitude: -116.8650, Latitude: 33.3564},
	{Name: "mko", File: "mkoextinct.dat", Longitude: -155.4681, Latitude: 19.8283},
	{Name: "kpno", File: "kpnoextinct.dat", Longitude: -111.5997, Latitude: 31.9633},
	{Name: "ctio", File: "ctioextinct.dat", Longitude: -70.8150, Latitude: -30.1652},
	{Name: "paranal", File: "paranalextinct.dat", Longitude: -70.4045, Latitude: -24.6272},
}

// SiteTolerance is the maximum longitude and latitude offset, in degrees,
// between a telescope and the site whose curve is used.
const SiteTolerance = 5.0

// Curve is a read-only extinction curve. It is safe for concurrent use.
type Curve struct {
	Site string
	Wave []float64
	Mag  []float64

	interp *fitting.Linear
}

// NewCurve builds a curve from strictly increasing wavelengths.
func NewCurve(site string, wave, mag []float64) (*Curve, error) {
	l, err := fitting.NewLinear(wave, mag)
	if err != nil {
		return nil, calerr.Configuration("extinction curve %s: %v", site, err)
	}
	return &Curve{Site: site, Wave: wave, Mag: mag, interp: l}, nil
}

// ParseCurve reads a two-column "wavelength magnitude" table. Blank lines
// and lines starting with '#' are skipped.
func ParseCurve(site string, r io.Reader) (*Curve, error) {
	var wave, mag []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, calerr.Input("extinction curve %s line %d: want 2 columns, got %d", site, line, len(fields))
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, calerr.Input("extinction curve %s line %d: %v", site, line, err)
		}
		m, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, calerr.Input("extinction curve %s line %d: %v", site, line, err)
		}
		wave = append(wave, w)
		mag = append(mag, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read extinction curve %s: %w", site, err)
	}
	return NewCurve(site, wave, mag)
}

// Magnitudes returns the extinction per airmass at each wavelength.
func (c *Curve) Magnitudes(wave []float64) []float64 {
	return c.interp.Eval(wave)
}

// Correction returns the multiplicative factor that removes the
// extinction accumulated above zenith at the given airmass.
func (c *Curve) Correction(wave []float64, airmass float64) ([]float64, error) {
	if err := ValidateAirmass(airmass); err != nil {
		return nil, err
	}
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = math.Pow(10, 0.4*c.interp.At(w)*(airmass-1))
	}
	return out, nil
}

// ValidateAirmass rejects airmasses below 1 and non-finite values.
func ValidateAirmass(airmass float64) error {
	if math.IsNaN(airmass) || math.IsInf(airmass, 0) || airmass < 1 {
		return calerr.Configuration("airmass %v is below 1", airmass)
	}
	return nil
}

// Registry loads curves lazily, once per site, and shares them.
type Registry struct {
	mu     sync.Mutex
	curves map[string]*Curve
}

// NewRegistry returns an empty registry backed by the bundled curves.
func NewRegistry() *Registry {
	return &Registry{curves: make(map[string]*Curve)}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// ByFile returns the curve stored in the named bundled file.
func (r *Registry) ByFile(file string) (*Curve, error) {
	for _, s := range Sites {
		if s.File == file || s.Name == file {
			return r.load(s)
		}
	}
	return nil, calerr.Configuration("no extinction curve named %q", file)
}

// ForLocation returns the curve of the closest site within SiteTolerance
// of the given telescope coordinates.
func (r *Registry) ForLocation(longitude, latitude float64) (*Curve, error) {
	best := -1
	bestDist := math.Inf(1)
	for i, s := range Sites {
		dlon := math.Abs(wrapDegrees(longitude - s.Longitude))
		dlat := math.Abs(latitude - s.Latitude)
		if dlon > SiteTolerance || dlat > SiteTolerance {
			continue
		}
		if d := math.Hypot(dlon, dlat); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return nil, calerr.Configuration("no extinction curve within %.0f deg of lon=%.4f lat=%.4f", SiteTolerance, longitude, latitude)
	}
	return r.load(Sites[best])
}

// Select resolves an extinct_file parameter: "closest" (or empty) picks
// by telescope location, anything else names a bundled file.
func (r *Registry) Select(extinctFile string, longitude, latitude float64) (*Curve, error) {
	if extinctFile == "" || strings.EqualFold(extinctFile, "closest") {
		return r.ForLocation(longitude, latitude)
	}
	return r.ByFile(path.Base(extinctFile))
}

func (r *Registry) load(s Site) (*Curve, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.curves[s.Name]; ok {
		return c, nil
	}

	f, err := dataFS.Open("data/" + s.File)
	if err != nil {
		return nil, calerr.Configuration("extinction curve %s: %v", s.File, err)
	}
	defer f.Close()

	c, err := ParseCurve(s.Name, f)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("site", s.Name).Int("samples", len(c.Wave)).Msg("Loaded extinction curve")
	r.curves[s.Name] = c
	return c, nil
}

func wrapDegrees(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}
