// Package testutil builds synthetic exposures for calibration tests.
package testutil

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/RMahshie/fluxcal/internal/extinction"
	"github.com/RMahshie/fluxcal/internal/fitsfile"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/internal/standards"
	"github.com/RMahshie/fluxcal/internal/telluric"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/stretchr/testify/require"
)

// Feige 34, the catalogue standard used by most fixtures.
const (
	Feige34RA  = 159.9042
	Feige34Dec = 43.1025
)

// Meta returns exposure metadata for spectrograph with Feige 34
// coordinates. The pipeline type is filled in from the pypeline argument.
func Meta(spectrograph, pypeline string, airmass float64) models.ExposureMeta {
	ra, dec := Feige34RA, Feige34Dec
	return models.ExposureMeta{
		Spectrograph: spectrograph,
		Pypeline:     pypeline,
		DispName:     "600/4310",
		ExpTime:      30,
		Airmass:      airmass,
		Binning:      "1,1",
		Target:       "Feige 34",
		RA:           &ra,
		Dec:          &dec,
	}
}

// LinearWave returns n wavelengths evenly spaced over [lo, hi].
func LinearWave(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}

// OpticalZeroPoint is a smooth zenith zeropoint for optical fixtures.
func OpticalZeroPoint(w float64) float64 {
	t := (w - 4500) / 1500
	return 18.5 + 0.4*t - 0.3*t*t
}

// InfraredZeroPoint is a smooth zeropoint for infrared fixtures.
func InfraredZeroPoint(w float64) float64 {
	t := (w - 17000) / 6000
	return 19.0 + 0.3*t - 0.2*t*t
}

// Flat returns a constant F_lambda.
func Flat(value float64) func([]float64) []float64 {
	return func(wave []float64) []float64 {
		out := make([]float64, len(wave))
		for i := range out {
			out[i] = value
		}
		return out
	}
}

// Feige34 returns the catalogue entry of Feige 34.
func Feige34(t testing.TB) *standards.Star {
	t.Helper()
	star, err := standards.FindByName("Feige 34")
	require.NoError(t, err)
	return star
}

// Extinction returns the attenuation of the named site at airmass,
// relative to zenith.
func Extinction(t testing.TB, site string, airmass float64) func([]float64) []float64 {
	t.Helper()
	curve, err := extinction.Default.ByFile(site)
	require.NoError(t, err)
	return func(wave []float64) []float64 {
		corr, err := curve.Correction(wave, airmass)
		require.NoError(t, err)
		out := make([]float64, len(wave))
		for i, c := range corr {
			out[i] = 1 / c
		}
		return out
	}
}

// Telluric returns the transmission of the telluric model built on the
// named site's extinction curve.
func Telluric(t testing.TB, site string, airmass, pwv float64) func([]float64) []float64 {
	t.Helper()
	curve, err := extinction.Default.ByFile(site)
	require.NoError(t, err)
	grid, err := telluric.NewGrid(curve)
	require.NoError(t, err)
	return func(wave []float64) []float64 {
		return grid.Transmission(wave, airmass, pwv)
	}
}

// Spectrum describes a synthetic exposure. Counts follow
//
//	counts = F(λ) / FlamFactor(ZP(λ), λ) · atmosphere(λ) · exptime · |dλ|
//
// with Gaussian noise of relative size Noise.
type Spectrum struct {
	Meta models.ExposureMeta
	// Wave holds one row per object, or per order for echelle data.
	Wave [][]float64
	// Det overrides the detector of each row.
	Det []int

	Flam       func([]float64) []float64
	ZeroPoint  func(float64) float64
	Atmosphere func([]float64) []float64

	Noise float64
	// NoiseByRow overrides Noise for individual rows.
	NoiseByRow map[int]float64
	// Outliers multiplies counts of row 0 at the given pixels.
	Outliers map[int]float64
	Seed     uint64
}

// Counts returns the noiseless counts of one row.
func (s Spectrum) Counts(wave []float64) []float64 {
	flam := s.Flam(wave)
	atm := make([]float64, len(wave))
	for i := range atm {
		atm[i] = 1
	}
	if s.Atmosphere != nil {
		atm = s.Atmosphere(wave)
	}
	dwave := fitting.Gradient(wave)
	out := make([]float64, len(wave))
	for i, w := range wave {
		nlam := flam[i] / models.FlamFactor(s.ZeroPoint(w), w)
		out[i] = nlam * atm[i] * s.Meta.ExpTime * math.Abs(dwave[i])
	}
	return out
}

// Build returns the exposure as a spectral container.
func (s Spectrum) Build(t testing.TB) *spec1d.SpecObjs {
	t.Helper()
	rng := rand.New(rand.NewPCG(s.Seed, 0x5eed))
	counts := make([][]float64, len(s.Wave))
	ivar := make([][]float64, len(s.Wave))
	for r, wave := range s.Wave {
		noise := s.Noise
		if v, ok := s.NoiseByRow[r]; ok {
			noise = v
		}
		sigmaRel := math.Max(noise, 1e-4)
		model := s.Counts(wave)
		counts[r] = make([]float64, len(wave))
		ivar[r] = make([]float64, len(wave))
		for i, c := range model {
			sigma := sigmaRel * math.Abs(c)
			counts[r][i] = c + noise*math.Abs(c)*rng.NormFloat64()
			if r == 0 {
				if f, ok := s.Outliers[i]; ok {
					counts[r][i] *= f
				}
			}
			if sigma > 0 {
				ivar[r][i] = 1 / (sigma * sigma)
			}
		}
	}

	sobjs, err := spec1d.FromArrays(s.Meta, s.Wave, counts, ivar)
	require.NoError(t, err)
	for r, det := range s.Det {
		sobjs.Objs[r].Det = det
	}
	return sobjs
}

// Write stores the exposure in dir and returns its path.
func (s Spectrum) Write(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, s.Build(t).WriteFile(path, nil))
	return path
}

// WriteRaw stores the exposure in the raw layout of an instrument with its
// own loader: native header cards and one table per row, tagged with its
// detector.
func (s Spectrum) WriteRaw(t testing.TB, dir, name, instrument string) string {
	t.Helper()
	m := s.Meta
	doc := &fitsfile.Document{}
	doc.Primary.Set("INSTRUME", instrument, "")
	doc.Primary.Set("TARGNAME", m.Target, "")
	doc.Primary.Set("GRATENAM", m.DispName, "")
	doc.Primary.Set("BINNING", m.Binning, "")
	doc.Primary.Set("EXPTIME", m.ExpTime, "")
	doc.Primary.Set("AIRMASS", m.Airmass, "")
	if m.HasCoordinates() {
		doc.Primary.Set("RA", *m.RA, "")
		doc.Primary.Set("DEC", *m.Dec, "")
	}
	for i, obj := range s.Build(t).Objs {
		wave, _ := obj.Get(spec1d.Col(spec1d.Optimal, spec1d.Wave))
		counts, _ := obj.Get(spec1d.Col(spec1d.Optimal, spec1d.Counts))
		ivar, _ := obj.Get(spec1d.Col(spec1d.Optimal, spec1d.CountsIvar))
		tbl := fitsfile.NewTable(fmt.Sprintf("DET%02d_%d", obj.Det, i+1))
		tbl.Header.Set("DET", obj.Det, "")
		require.NoError(t, errors.Join(tbl.Add("WAVE", wave), tbl.Add("COUNTS", counts), tbl.Add("IVAR", ivar)))
		doc.Tables = append(doc.Tables, tbl)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, fitsfile.WriteFile(path, doc))
	return path
}

// UnitNLambda writes a single-object exposure whose counts correspond to
// N_lambda = 1 count/s/Angstrom at every pixel.
func UnitNLambda(t testing.TB, dir, name string, meta models.ExposureMeta, wave []float64) string {
	t.Helper()
	dwave := fitting.Gradient(wave)
	counts := make([]float64, len(wave))
	ivar := make([]float64, len(wave))
	for i := range wave {
		counts[i] = meta.ExpTime * math.Abs(dwave[i])
		ivar[i] = 1
	}
	sobjs, err := spec1d.FromArrays(meta, [][]float64{wave}, [][]float64{counts}, [][]float64{ivar})
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, sobjs.WriteFile(path, nil))
	return path
}

// FlatZeroPoint returns zeropoints that turn N_lambda = 1 into the
// constant F_lambda = flam.
func FlatZeroPoint(wave []float64, flam float64) []float64 {
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = models.ZeroPoint(1, flam, w)
	}
	return out
}

// RelDiff returns |a-b|/|b|.
func RelDiff(a, b float64) float64 {
	return math.Abs(a-b) / math.Abs(b)
}
