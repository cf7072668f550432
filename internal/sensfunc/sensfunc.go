// Package sensfunc derives sensitivity functions from standard-star
// spectra and persists them.
//
// A SensFunc moves through Created, Loaded, Fitted and Persisted. New
// reads the standard spectrum (Loaded), Run fits it with the configured
// algorithm (Fitted) and ToFile writes the sensitivity file (Persisted).
// FromFile reconstructs a fitted SensFunc from a sensitivity file, choosing
// the algorithm from the tag stored in the file.
package sensfunc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/extinction"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/spectrograph"
	"github.com/RMahshie/fluxcal/internal/standards"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of a SensFunc.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateFitted
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "loaded"
	case StateFitted:
		return "fitted"
	case StatePersisted:
		return "persisted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// fitter is implemented by the sensitivity algorithms in this package.
type fitter interface {
	algorithm() string
	// extinctionIncluded reports whether the zeropoints absorb the
	// atmospheric extinction.
	extinctionIncluded() bool
	fit(ctx context.Context, sf *SensFunc) ([]models.SensOrder, error)
}

var algorithms = map[string]func() fitter{
	config.AlgorithmUVIS: func() fitter { return uvis{} },
	config.AlgorithmIR:   func() fitter { return ir{} },
}

func newFitter(tag string) (fitter, error) {
	mk, ok := algorithms[tag]
	if !ok {
		return nil, calerr.UnsupportedAlgorithm("algorithm %q (known: %v)", tag, Algorithms())
	}
	return mk(), nil
}

// Algorithms lists the supported algorithm tags, sorted.
func Algorithms() []string {
	tags := make([]string, 0, len(algorithms))
	for t := range algorithms {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Option customises a SensFunc.
type Option func(*SensFunc)

// WithStandard uses star as the reference instead of a catalogue lookup.
func WithStandard(star *standards.Star) Option {
	return func(sf *SensFunc) { sf.star = star }
}

// WithExtinction resolves extinction curves from reg instead of
// extinction.Default.
func WithExtinction(reg *extinction.Registry) Option {
	return func(sf *SensFunc) { sf.extinction = reg }
}

// SensFunc is one sensitivity-function run. It is not safe for concurrent
// use.
type SensFunc struct {
	SpecFile string
	SensFile string
	Par      config.SensFuncParams

	// Std is the standard-star spectrum; empty for a SensFunc read back
	// from a sensitivity file.
	Std   models.StandardStarSpectrum
	Table *models.SensitivityTable

	spectrograph spectrograph.Spectrograph
	fitter       fitter
	state        State
	star         *standards.Star
	extinction   *extinction.Registry
}

// New reads the standard-star exposure, a spec1d file or a raw exposure
// with an instrument loader, and returns a SensFunc in the
// Loaded state. The algorithm comes from par.SensFunc.Algorithm.
func New(specFile, sensFile string, par config.Params, opts ...Option) (*SensFunc, error) {
	if err := par.Validate(); err != nil {
		return nil, err
	}
	f, err := newFitter(par.SensFunc.Algorithm)
	if err != nil {
		return nil, err
	}

	sf := &SensFunc{
		SpecFile:   specFile,
		SensFile:   sensFile,
		Par:        par.SensFunc,
		fitter:     f,
		extinction: extinction.Default,
	}
	for _, opt := range opts {
		opt(sf)
	}

	sobjs, err := spectrograph.ReadStandard(specFile)
	if err != nil {
		return nil, err
	}
	if err := sf.load(sobjs); err != nil {
		return nil, fmt.Errorf("load standard %s: %w", specFile, err)
	}
	sf.state = StateLoaded

	log.Info().
		Str("spec1d", specFile).
		Str("algorithm", f.algorithm()).
		Str("spectrograph", sf.Std.Meta.Spectrograph).
		Int("orders", len(sf.Std.Orders)).
		Msg("Loaded standard star spectrum")
	return sf, nil
}

// State returns the lifecycle state.
func (sf *SensFunc) State() State { return sf.state }

// Algorithm returns the algorithm tag.
func (sf *SensFunc) Algorithm() string { return sf.fitter.algorithm() }

// Run fits the sensitivity function.
func (sf *SensFunc) Run(ctx context.Context) error {
	if sf.state < StateLoaded || len(sf.Std.Orders) == 0 {
		return calerr.Input("no standard spectrum loaded")
	}
	start := time.Now()
	orders, err := sf.fitter.fit(ctx, sf)
	if err != nil {
		return err
	}

	tbl := sf.newTable()
	tbl.Orders = orders
	if err := tbl.Validate(); err != nil {
		return calerr.Fit("sensitivity table: %v", err)
	}
	sf.Table = tbl
	sf.state = StateFitted

	log.Info().
		Str("algorithm", tbl.Algorithm).
		Str("standard", tbl.StdCal).
		Int("orders", len(orders)).
		Dur("elapsed", time.Since(start)).
		Msg("Sensitivity function fitted")
	return nil
}

// SetSolution replaces the fitted table with zeropoints zp sampled at
// wave, one row per order. Samples are unmasked.
func (sf *SensFunc) SetSolution(wave, zp [][]float64) error {
	if len(wave) == 0 || len(wave) != len(zp) {
		return calerr.Input("solution has %d wavelength rows and %d zeropoint rows", len(wave), len(zp))
	}
	tbl := sf.newTable()
	for i := range wave {
		n := len(wave[i])
		if len(zp[i]) != n {
			return calerr.Input("order %d: %d wavelengths, %d zeropoints", i, n, len(zp[i]))
		}
		if !fitting.AllFinite(wave[i]) || !fitting.AllFinite(zp[i]) {
			return calerr.Input("order %d: solution is not finite", i)
		}
		o := models.SensOrder{
			Det:           1,
			Wave:          append([]float64(nil), wave[i]...),
			ZeroPoint:     append([]float64(nil), zp[i]...),
			ZeroPointData: append([]float64(nil), zp[i]...),
			ZeroPointIvar: fill(n, 1),
			Telluric:      fill(n, 1),
			Mask:          make([]bool, n),
		}
		if len(sf.Std.Orders) == len(wave) {
			o.Det = sf.Std.Orders[i].Det
			o.EchOrder = sf.Std.Orders[i].EchOrder
		}
		tbl.Orders = append(tbl.Orders, o)
	}
	if err := tbl.Validate(); err != nil {
		return calerr.Input("solution: %v", err)
	}
	sf.Table = tbl
	sf.state = StateFitted
	return nil
}

func (sf *SensFunc) newTable() *models.SensitivityTable {
	tbl := &models.SensitivityTable{
		Algorithm:          sf.fitter.algorithm(),
		ExtinctionIncluded: sf.fitter.extinctionIncluded(),
		Meta:               sf.Std.Meta,
	}
	if sf.star != nil {
		tbl.StdCal = sf.star.Name
		tbl.StdRA = sf.star.RA
		tbl.StdDec = sf.star.Dec
	}
	return tbl
}

// ToFile writes the sensitivity file to path, or to SensFile when path is
// empty. Writing again overwrites the file.
func (sf *SensFunc) ToFile(path string) error {
	if sf.state < StateFitted || sf.Table == nil {
		return calerr.Input("sensitivity function has not been fitted")
	}
	if path == "" {
		path = sf.SensFile
	}
	if path == "" {
		return calerr.Input("no sensitivity file name")
	}
	if err := WriteTable(path, sf.Table); err != nil {
		return err
	}
	sf.SensFile = path
	sf.state = StatePersisted
	log.Info().Str("sensfile", path).Msg("Wrote sensitivity function")
	return nil
}

// FromFile reads a sensitivity file into a SensFunc in the Fitted state.
func FromFile(path string) (*SensFunc, error) {
	tbl, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	f, err := newFitter(tbl.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	par := config.DefaultParams().SensFunc
	par.Algorithm = tbl.Algorithm
	return &SensFunc{
		SensFile:   path,
		Par:        par,
		Std:        models.StandardStarSpectrum{Meta: tbl.Meta},
		Table:      tbl,
		fitter:     f,
		state:      StateFitted,
		extinction: extinction.Default,
	}, nil
}

// telescope returns the observing site of the standard.
func (sf *SensFunc) telescope() spectrograph.Telescope {
	return sf.spectrograph.Telescope()
}

// extinctionCurve resolves the extinction curve for the standard's site.
func (sf *SensFunc) extinctionCurve() (*extinction.Curve, error) {
	tel := sf.telescope()
	c, err := sf.extinction.Select(sf.Par.ExtinctFile, tel.Longitude, tel.Latitude)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("site", c.Site).Str("telescope", tel.Name).Msg("Selected extinction curve")
	return c, nil
}

// standard resolves the reference star: an injected star, the parameter
// coordinates, the header coordinates, then the target name.
func (sf *SensFunc) standard() (*standards.Star, error) {
	if sf.star != nil {
		return sf.star, nil
	}
	ra, dec := sf.Par.StarRA, sf.Par.StarDec
	if ra == nil || dec == nil {
		ra, dec = sf.Std.Meta.RA, sf.Std.Meta.Dec
	}
	star, err := standards.Find(ra, dec, sf.Std.Meta.Target, standards.DefaultTolerance)
	if err != nil {
		return nil, err
	}
	sf.star = star
	log.Info().Str("standard", star.Name).Msg("Matched standard star")
	return star, nil
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
