package sensfunc

import (
	"context"
	"math"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/rs/zerolog/log"
)

// Hydrogen recombination lines of the standard stars (vacuum, Angstrom).
var hydrogenLines = []float64{
	// Balmer
	6564.61, 4862.68, 4341.68, 4102.89, 3971.20, 3890.17, 3836.48,
	// Paschen
	18756.1, 12821.6, 10941.1, 10052.1, 9548.6, 9231.5,
	// Brackett
	40522.6, 26258.7, 21661.2, 19445.6, 18179.1, 17366.9, 16811.1, 16411.7,
}

// Telluric absorption bands masked by the UVIS fit.
var telluricBands = [][2]float64{
	{6860, 6950}, // O2 B
	{7580, 7700}, // O2 A
	{9300, 9700}, // H2O
}

// lineHalfWidth is the masked half width around a hydrogen line.
func lineHalfWidth(line float64) float64 {
	if line > 9000 {
		return 50
	}
	return 15
}

// maskLines flags samples near hydrogen lines and, when telluric is set,
// inside the telluric bands.
func maskLines(wave []float64, mask []bool, hydrogen, telluric bool) {
	for i, w := range wave {
		if hydrogen {
			for _, l := range hydrogenLines {
				if math.Abs(w-l) <= lineHalfWidth(l) {
					mask[i] = true
					break
				}
			}
		}
		if telluric {
			for _, b := range telluricBands {
				if w >= b[0] && w <= b[1] {
					mask[i] = true
					break
				}
			}
		}
	}
}

// nLambda converts counts to counts/s/Angstrom and propagates ivar.
func nLambda(o models.SpectrumOrder, exptime float64) (nlam, ivar []float64) {
	dwave := fitting.Gradient(o.Wave)
	nlam = make([]float64, o.Len())
	ivar = make([]float64, o.Len())
	for i := range nlam {
		scale := exptime * math.Abs(dwave[i])
		nlam[i] = o.Counts[i] / scale
		ivar[i] = o.Ivar[i] * scale * scale
	}
	return nlam, ivar
}

// uvis fits zeropoints of extinction-corrected data with a Legendre
// series per order.
type uvis struct{}

func (uvis) algorithm() string        { return config.AlgorithmUVIS }
func (uvis) extinctionIncluded() bool { return false }

func (u uvis) fit(ctx context.Context, sf *SensFunc) ([]models.SensOrder, error) {
	star, err := sf.standard()
	if err != nil {
		return nil, err
	}
	curve, err := sf.extinctionCurve()
	if err != nil {
		return nil, err
	}

	meta := sf.Std.Meta
	orders := make([]models.SensOrder, 0, len(sf.Std.Orders))
	for _, o := range sf.Std.Orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		corr, err := curve.Correction(o.Wave, meta.Airmass)
		if err != nil {
			return nil, err
		}
		nlam, nivar := nLambda(o, meta.ExpTime)
		flam := star.Flux(o.Wave)

		n := o.Len()
		mask := make([]bool, n)
		zpData := make([]float64, n)
		zpIvar := make([]float64, n)
		for i := 0; i < n; i++ {
			nc := nlam[i] * corr[i]
			ivc := nivar[i] / (corr[i] * corr[i])
			if o.Mask[i] || !(flam[i] > 0) || !(nc > 0) || !(ivc > 0) {
				mask[i] = true
				continue
			}
			zpData[i] = models.ZeroPoint(nc, flam[i], o.Wave[i])
			g := nc * math.Ln10 / 2.5
			zpIvar[i] = g * g * ivc
		}
		maskLines(o.Wave, mask, sf.Par.MaskHydrogenLines, sf.Par.MaskTelluric)

		so, err := u.fitOrder(o, zpData, zpIvar, mask, sf.Par)
		if err != nil {
			return nil, err
		}
		orders = append(orders, so)
	}
	return orders, nil
}

func (uvis) fitOrder(o models.SpectrumOrder, zpData, zpIvar []float64, mask []bool, par config.SensFuncParams) (models.SensOrder, error) {
	minUsable := max(par.MinUsable, par.PolyOrder+2)
	res, err := fitting.RobustLegendre(o.Wave, zpData, zpIvar, mask, par.PolyOrder,
		fitting.WithSigRej(par.SigRej),
		fitting.WithMaxIter(par.MaxIter),
		fitting.WithMinPoints(minUsable),
	)
	if err != nil {
		return models.SensOrder{}, calerr.Fit("det %d order %d: %v", o.Det, o.EchOrder, err)
	}

	log.Debug().
		Int("det", o.Det).
		Int("order", o.EchOrder).
		Int("iterations", res.Iterations).
		Int("rejected", res.Rejected).
		Msg("Fitted zeropoint")

	return models.SensOrder{
		Det:           o.Det,
		EchOrder:      o.EchOrder,
		Wave:          append([]float64(nil), o.Wave...),
		ZeroPoint:     res.Poly.EvalSlice(o.Wave),
		ZeroPointData: zpData,
		ZeroPointIvar: zpIvar,
		Telluric:      fill(o.Len(), 1),
		Mask:          res.Mask,
		PolyOrder:     par.PolyOrder,
		Coeffs:        res.Poly.Coeffs,
		FitMin:        res.Poly.Min,
		FitMax:        res.Poly.Max,
	}, nil
}
