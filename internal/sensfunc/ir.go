package sensfunc

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/standards"
	"github.com/RMahshie/fluxcal/internal/telluric"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/rs/zerolog/log"
)

// polishIterations bounds the joint sensitivity and telluric minimisation.
const polishIterations = 200

// ir jointly fits sensitivity and telluric absorption. The model is
//
//	N(λ) = F★(λ) · exp(P(λ)) · T(λ; X, pwv)
//
// with P a Legendre series. The fitted transmission includes the continuum
// extinction, so the resulting zeropoints already account for it.
type ir struct{}

func (ir) algorithm() string        { return config.AlgorithmIR }
func (ir) extinctionIncluded() bool { return true }

func (f ir) fit(ctx context.Context, sf *SensFunc) ([]models.SensOrder, error) {
	star, err := sf.irStandard()
	if err != nil {
		return nil, err
	}
	curve, err := sf.extinctionCurve()
	if err != nil {
		return nil, err
	}
	grid, err := telluric.NewGrid(curve)
	if err != nil {
		return nil, fmt.Errorf("telluric grid: %w", err)
	}

	echelle := sf.Std.Meta.Pypeline == models.PypelineEchelle
	orders := make([]models.SensOrder, 0, len(sf.Std.Orders))
	fitted := 0
	for _, o := range sf.Std.Orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if echelle && len(sf.Par.MultiSpecDet) > 0 && !slices.Contains(sf.Par.MultiSpecDet, o.EchOrder) {
			orders = append(orders, maskedOrder(o, sf.Par.IRPolyOrder))
			continue
		}
		so, err := f.fitOrder(o, star, grid, sf.Std.Meta, sf.Par)
		if err != nil {
			return nil, err
		}
		if !so.FullyMasked {
			fitted++
		}
		orders = append(orders, so)
	}
	if fitted == 0 {
		return nil, calerr.Fit("all %d orders are fully masked", len(orders))
	}
	return orders, nil
}

// irStandard resolves the stellar model: a black body from star_type and
// star_mag when both are given, otherwise the catalogue standard.
func (sf *SensFunc) irStandard() (*standards.Star, error) {
	if sf.star != nil || sf.Par.StarType == "" || sf.Par.StarMag == nil {
		return sf.standard()
	}
	teff, err := standards.TeffForType(sf.Par.StarType)
	if err != nil {
		return nil, err
	}
	star := &standards.Star{
		Name:   fmt.Sprintf("%s V=%.2f", sf.Par.StarType, *sf.Par.StarMag),
		SpType: sf.Par.StarType,
		Teff:   teff,
		VMag:   *sf.Par.StarMag,
	}
	if ra, dec := sf.Par.StarRA, sf.Par.StarDec; ra != nil && dec != nil {
		star.RA, star.Dec = *ra, *dec
	} else if sf.Std.Meta.HasCoordinates() {
		star.RA, star.Dec = *sf.Std.Meta.RA, *sf.Std.Meta.Dec
	}
	sf.star = star
	log.Info().Str("model", star.Name).Float64("teff", teff).Msg("Using black-body stellar model")
	return star, nil
}

func maskedOrder(o models.SpectrumOrder, polyorder int) models.SensOrder {
	n := o.Len()
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}
	return models.SensOrder{
		Det:           o.Det,
		EchOrder:      o.EchOrder,
		Wave:          append([]float64(nil), o.Wave...),
		ZeroPoint:     make([]float64, n),
		ZeroPointData: make([]float64, n),
		ZeroPointIvar: make([]float64, n),
		Telluric:      fill(n, 1),
		Mask:          mask,
		PolyOrder:     polyorder,
		FullyMasked:   true,
	}
}

func (ir) fitOrder(o models.SpectrumOrder, star *standards.Star, grid *telluric.Grid, meta models.ExposureMeta, par config.SensFuncParams) (models.SensOrder, error) {
	n := o.Len()
	order := par.IRPolyOrder
	nlam, nivar := nLambda(o, meta.ExpTime)
	flam := star.Flux(o.Wave)

	bad := make([]bool, n)
	for i, w := range o.Wave {
		bad[i] = o.Mask[i] || !(flam[i] > 0) || !(nlam[i] > 0) || !(nivar[i] > 0) || !grid.Covers(w)
	}
	maskLines(o.Wave, bad, par.MaskHydrogenLines, false)

	var sn []float64
	for i := range bad {
		if !bad[i] {
			sn = append(sn, nlam[i]*math.Sqrt(nivar[i]))
		}
	}
	medSN := 0.0
	if len(sn) > 0 {
		medSN = fitting.Median(sn)
	}
	coverage := grid.Coverage(o.Wave)
	if coverage < par.MinTelluricCoverage || medSN < par.SNFloor || len(sn) < order+2 {
		log.Warn().
			Int("det", o.Det).
			Int("order", o.EchOrder).
			Float64("coverage", coverage).
			Float64("sn", medSN).
			Msg("Order fully masked")
		return maskedOrder(o, order), nil
	}

	// Work in log space: y = ln N - ln F★, weights from the relative error.
	y0 := make([]float64, n)
	w := make([]float64, n)
	xmin, xmax := math.Inf(1), math.Inf(-1)
	for i := range y0 {
		if bad[i] {
			continue
		}
		y0[i] = math.Log(nlam[i]) - math.Log(flam[i])
		w[i] = nlam[i] * nlam[i] * nivar[i]
		xmin = math.Min(xmin, o.Wave[i])
		xmax = math.Max(xmax, o.Wave[i])
	}

	comps := grid.Interpolate(o.Wave)
	trans := make([]float64, n)
	y := make([]float64, n)
	residual := func(pwv float64) []float64 {
		comps.TransmissionFrom(trans, meta.Airmass, pwv)
		for i := range y {
			if !bad[i] {
				y[i] = y0[i] - math.Log(trans[i])
			}
		}
		return y
	}

	// Seed: linear fits on the PWV grid.
	seedPWV := telluric.ClampPWV(par.PWVGuess)
	bestChi := math.Inf(1)
	for _, pwv := range telluric.PWVNodes {
		yy := residual(pwv)
		poly, err := fitting.FitLegendre(o.Wave, yy, w, not(bad), order, xmin, xmax)
		if err != nil {
			return models.SensOrder{}, calerr.Fit("det %d order %d: seed fit: %v", o.Det, o.EchOrder, err)
		}
		chi := chiSquare(o.Wave, yy, w, bad, poly)
		if chi < bestChi || (chi == bestChi && math.Abs(pwv-par.PWVGuess) < math.Abs(seedPWV-par.PWVGuess)) {
			seedPWV, bestChi = pwv, chi
		}
	}

	// Outlier rejection at the seed water vapour.
	res, err := fitting.RobustLegendre(o.Wave, residual(seedPWV), w, bad, order,
		fitting.WithSigRej(par.SigRej),
		fitting.WithMaxIter(par.MaxIter),
		fitting.WithMinPoints(order+2),
	)
	if err != nil {
		return models.SensOrder{}, calerr.Fit("det %d order %d: %v", o.Det, o.EchOrder, err)
	}
	mask := res.Mask
	seed := res.Poly

	// Joint polish of the Legendre coefficients and pwv.
	x0 := append(append([]float64(nil), seed.Coeffs...), seedPWV)
	objective := func(p []float64) float64 {
		poly := fitting.Legendre{Coeffs: p[:len(p)-1], Min: seed.Min, Max: seed.Max}
		return chiSquare(o.Wave, residual(p[len(p)-1]), w, mask, &poly)
	}
	best := x0
	if m, err := fitting.Minimize(objective, x0, polishIterations); err == nil {
		best = m.X
	} else {
		log.Debug().Err(err).Int("order", o.EchOrder).Msg("Keeping seed telluric solution")
	}
	pwv := telluric.ClampPWV(best[len(best)-1])
	poly := &fitting.Legendre{Coeffs: append([]float64(nil), best[:len(best)-1]...), Min: seed.Min, Max: seed.Max}

	tel := comps.TransmissionFrom(nil, meta.Airmass, pwv)
	so := models.SensOrder{
		Det:           o.Det,
		EchOrder:      o.EchOrder,
		Wave:          append([]float64(nil), o.Wave...),
		ZeroPoint:     make([]float64, n),
		ZeroPointData: make([]float64, n),
		ZeroPointIvar: make([]float64, n),
		Telluric:      tel,
		Mask:          mask,
		PolyOrder:     order,
		Coeffs:        poly.Coeffs,
		FitMin:        poly.Min,
		FitMax:        poly.Max,
		PWV:           pwv,
	}
	for i, wv := range o.Wave {
		so.ZeroPoint[i] = models.ZeroPoint(math.Exp(poly.Eval(wv)), 1, wv)
		if bad[i] || !(tel[i] > 0) {
			continue
		}
		// telluric-corrected counts and their inverse variance
		ncorr := nlam[i] / tel[i]
		civar := nivar[i] * tel[i] * tel[i]
		so.ZeroPointData[i] = models.ZeroPoint(ncorr, flam[i], wv)
		g := ncorr * math.Ln10 / 2.5
		so.ZeroPointIvar[i] = g * g * civar
	}

	log.Debug().
		Int("det", o.Det).
		Int("order", o.EchOrder).
		Float64("pwv", pwv).
		Float64("sn", medSN).
		Int("rejected", res.Rejected).
		Msg("Fitted sensitivity and telluric model")
	return so, nil
}

func chiSquare(x, y, w []float64, mask []bool, poly *fitting.Legendre) float64 {
	var chi float64
	for i := range x {
		if mask[i] {
			continue
		}
		r := y[i] - poly.Eval(x[i])
		chi += w[i] * r * r
	}
	return chi
}

func not(m []bool) []bool {
	out := make([]bool, len(m))
	for i, v := range m {
		out[i] = !v
	}
	return out
}
