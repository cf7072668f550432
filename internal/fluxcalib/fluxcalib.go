package fluxcalib

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/extinction"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/sensfunc"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/internal/spectrograph"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/cwbudde/algo-vecmath"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of calibrating one science exposure.
type Outcome struct {
	Science             string
	SensFile            string
	Output              string
	ExtinctionCorrected bool
	Objects             int
	Err                 error
}

// OK reports whether the exposure was calibrated.
func (o Outcome) OK() bool { return o.Err == nil }

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithWorkers calibrates up to n exposures concurrently.
func WithWorkers(n int) Option {
	return func(c *Calibrator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithExtinction resolves extinction curves from reg.
func WithExtinction(reg *extinction.Registry) Option {
	return func(c *Calibrator) { c.extinction = reg }
}

// Calibrator applies sensitivity files to spec1d files. Loaded
// sensitivity tables are cached by path and never modified, so one
// Calibrator may serve concurrent exposures.
type Calibrator struct {
	par        config.FluxCalibParams
	workers    int
	extinction *extinction.Registry

	mu     sync.Mutex
	tables map[string]*models.SensitivityTable
}

// New returns a Calibrator for the given parameters.
func New(par config.FluxCalibParams, opts ...Option) *Calibrator {
	c := &Calibrator{
		par:        par,
		workers:    1,
		extinction: extinction.Default,
		tables:     make(map[string]*models.SensitivityTable),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run calibrates each science file with its sensitivity file and writes
// the result to the matching output path. A single sensitivity file is
// used for every exposure; nil outputs calibrate in place. The returned
// error covers only malformed arguments and cancellation; per-exposure
// failures are reported in the outcomes.
func (c *Calibrator) Run(ctx context.Context, science, sensfiles, outputs []string) ([]Outcome, error) {
	if len(sensfiles) != len(science) && len(sensfiles) != 1 {
		return nil, calerr.Input("%d science files but %d sensitivity files", len(science), len(sensfiles))
	}
	if outputs != nil && len(outputs) != len(science) {
		return nil, calerr.Input("%d science files but %d output files", len(science), len(outputs))
	}

	start := time.Now()
	outcomes := make([]Outcome, len(science))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range science {
		sens := sensfiles[0]
		if len(sensfiles) > 1 {
			sens = sensfiles[i]
		}
		out := science[i]
		if outputs != nil {
			out = outputs[i]
		}
		g.Go(func() error {
			outcomes[i] = c.CalibrateFile(ctx, science[i], sens, out)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	log.Info().
		Int("exposures", len(science)).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Flux calibration finished")
	return outcomes, nil
}

// CalibrateFile calibrates one spec1d file and writes it to output.
func (c *Calibrator) CalibrateFile(ctx context.Context, science, sensfile, output string) Outcome {
	oc := Outcome{Science: science, SensFile: sensfile, Output: output}
	oc.Err = func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sensfile == "" {
			return calerr.Input("no sensitivity file for %s", science)
		}
		tbl, err := c.Table(sensfile)
		if err != nil {
			return err
		}
		sobjs, err := spec1d.ReadFile(science)
		if err != nil {
			return err
		}
		if err := c.Apply(sobjs, tbl, filepath.Base(sensfile)); err != nil {
			return err
		}
		oc.ExtinctionCorrected = sobjs.Meta.ExtinctionCorrected
		oc.Objects = len(sobjs.Objs)
		return sobjs.WriteFile(output, nil)
	}()

	ev := log.Info()
	if oc.Err != nil {
		ev = log.Warn().Err(oc.Err).Str("kind", calerr.Kind(oc.Err))
	}
	ev.Str("science", science).
		Str("sensfile", sensfile).
		Bool("ext_corr", oc.ExtinctionCorrected).
		Msg("Calibrated exposure")
	return oc
}

// Table returns the sensitivity table stored at path, loading it once.
func (c *Calibrator) Table(path string) (*models.SensitivityTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tbl, ok := c.tables[path]; ok {
		return tbl, nil
	}
	tbl, err := sensfunc.ReadTable(path)
	if err != nil {
		return nil, err
	}
	c.tables[path] = tbl
	return tbl, nil
}

// ResolveExtinctCorrect decides whether extinction correction applies.
// An explicit choice wins, except that correcting a table whose
// zeropoints already include extinction is a configuration error. Without
// a choice, correction applies exactly when the table lacks extinction.
func ResolveExtinctCorrect(explicit *bool, tbl *models.SensitivityTable) (bool, error) {
	if explicit == nil {
		return !tbl.ExtinctionIncluded, nil
	}
	if *explicit && tbl.ExtinctionIncluded {
		return false, calerr.Configuration("extinction correction requested but the %s sensitivity function already includes extinction", tbl.Algorithm)
	}
	return *explicit, nil
}

// Apply calibrates every object of sobjs in place. sensName is recorded
// in the header.
func (c *Calibrator) Apply(sobjs *spec1d.SpecObjs, tbl *models.SensitivityTable, sensName string) error {
	extCorr, err := ResolveExtinctCorrect(c.par.ExtinctCorrect, tbl)
	if err != nil {
		return err
	}
	meta := &sobjs.Meta
	if !(meta.ExpTime > 0) {
		return calerr.Input("science exposure has no positive %s", spec1d.CardExpTime)
	}

	var curve *extinction.Curve
	if extCorr {
		if meta.Airmass == 0 {
			return calerr.Input("science exposure has no %s", spec1d.CardAirmass)
		}
		if err := extinction.ValidateAirmass(meta.Airmass); err != nil {
			return err
		}
		spec, err := spectrograph.Load(meta.Spectrograph)
		if err != nil {
			return err
		}
		tel := spec.Telescope()
		if curve, err = c.extinction.Select(c.par.ExtinctFile, tel.Longitude, tel.Latitude); err != nil {
			return err
		}
	}

	calibrated := 0
	for _, obj := range sobjs.Objs {
		order, err := matchOrder(tbl, obj)
		if err != nil {
			return err
		}
		for _, ext := range spec1d.Extractions {
			if !obj.HasExtraction(ext) {
				continue
			}
			if err := calibrate(obj, ext, order, meta.ExpTime, meta.Airmass, curve); err != nil {
				return fmt.Errorf("object %s: %w", obj.Name, err)
			}
			calibrated++
		}
	}
	if calibrated == 0 {
		return calerr.Input("science exposure has no extracted spectra")
	}

	meta.Fluxed = true
	meta.SensFile = sensName
	meta.ExtinctionCorrected = extCorr
	return nil
}

// matchOrder finds the sensitivity order for obj: the only order, the
// order with the same echelle order, or the order on the same detector.
func matchOrder(tbl *models.SensitivityTable, obj *spec1d.SpecObj) (*models.SensOrder, error) {
	if len(tbl.Orders) == 1 {
		return &tbl.Orders[0], nil
	}
	var byDet *models.SensOrder
	for i := range tbl.Orders {
		o := &tbl.Orders[i]
		if obj.EchOrder > 0 && o.EchOrder == obj.EchOrder && (o.Det == obj.Det || obj.Det == 0) {
			return o, nil
		}
		if obj.EchOrder == 0 && o.Det == obj.Det && byDet == nil {
			byDet = o
		}
	}
	if byDet != nil {
		return byDet, nil
	}
	return nil, calerr.Input("no sensitivity order for object %s (det %d, order %d)", obj.Name, obj.Det, obj.EchOrder)
}

func calibrate(obj *spec1d.SpecObj, ext string, order *models.SensOrder, exptime, airmass float64, curve *extinction.Curve) error {
	wave, _ := obj.Get(spec1d.Col(ext, spec1d.Wave))
	counts, _ := obj.Get(spec1d.Col(ext, spec1d.Counts))
	ivar, hasIvar := obj.Get(spec1d.Col(ext, spec1d.CountsIvar))
	mask := obj.BadPixels(ext)
	n := len(wave)

	zp, err := fitting.NewLinear(order.Wave, order.ZeroPoint)
	if err != nil {
		return calerr.Input("sensitivity order: %v", err)
	}
	var corr []float64
	if curve != nil {
		if corr, err = curve.Correction(wave, airmass); err != nil {
			return err
		}
	}

	dwave := fitting.Gradient(wave)
	factor := make([]float64, n)
	covered := 0
	for i, w := range wave {
		if order.FullyMasked || !(w >= order.WaveMin() && w <= order.WaveMax()) {
			mask[i] = true
			continue
		}
		factor[i] = models.FlamFactor(zp.At(w), w) / (exptime * math.Abs(dwave[i]))
		if corr != nil {
			factor[i] *= corr[i]
		}
		if math.IsNaN(factor[i]) || math.IsInf(factor[i], 0) {
			factor[i] = 0
			mask[i] = true
			continue
		}
		covered++
	}
	if covered == 0 && !order.FullyMasked {
		log.Warn().Str("object", obj.Name).Str("extraction", ext).Msg("Spectrum does not overlap the sensitivity function")
	}

	flam := make([]float64, n)
	vecmath.MulBlock(flam, counts, factor)

	flamIvar := make([]float64, n)
	flamSig := make([]float64, n)
	if hasIvar {
		// ivar scales with the inverse square of the flux factor
		inv := make([]float64, n)
		for i, f := range factor {
			if f > 0 {
				inv[i] = 1 / f
			}
		}
		copy(flamIvar, ivar)
		vecmath.MulBlockInPlace(flamIvar, inv)
		vecmath.MulBlockInPlace(flamIvar, inv)
	}
	for i := range flam {
		if mask[i] {
			flam[i], flamIvar[i] = 0, 0
		}
		if flamIvar[i] > 0 {
			flamSig[i] = 1 / math.Sqrt(flamIvar[i])
		}
	}

	return errors.Join(
		obj.Set(spec1d.Col(ext, spec1d.Flam), flam),
		obj.Set(spec1d.Col(ext, spec1d.FlamIvar), flamIvar),
		obj.Set(spec1d.Col(ext, spec1d.FlamSig), flamSig),
		obj.SetMask(spec1d.Col(ext, spec1d.Mask), mask),
	)
}
