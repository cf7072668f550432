package sensfunc

import (
	"math"
	"sort"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/extinction"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/internal/spectrograph"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/rs/zerolog/log"
)

// load validates the exposure metadata and selects the spectra to fit.
func (sf *SensFunc) load(sobjs *spec1d.SpecObjs) error {
	meta := sobjs.Meta
	if meta.Spectrograph == "" {
		return calerr.Input("missing header card %s", spec1d.CardSpectrograph)
	}
	spec, err := spectrograph.Load(meta.Spectrograph)
	if err != nil {
		return err
	}
	sf.spectrograph = spec
	if meta.Pypeline == "" {
		meta.Pypeline = spec.Pypeline()
	}

	if meta.Airmass == 0 {
		return calerr.Input("missing header card %s", spec1d.CardAirmass)
	}
	if err := extinction.ValidateAirmass(meta.Airmass); err != nil {
		return err
	}
	if !(meta.ExpTime > 0) {
		return calerr.Input("missing or non-positive header card %s", spec1d.CardExpTime)
	}
	if meta.Binning == "" {
		return calerr.Input("missing header card %s", spec1d.CardBinning)
	}
	if !meta.HasCoordinates() && (sf.Par.StarRA == nil || sf.Par.StarDec == nil) {
		return calerr.Input("missing target coordinates: set %s/%s or sensfunc.star_ra/star_dec", spec1d.CardRA, spec1d.CardDec)
	}

	var orders []models.SpectrumOrder
	switch {
	case meta.Pypeline == models.PypelineEchelle:
		orders, err = echelleOrders(sobjs)
	case len(sf.Par.MultiSpecDet) > 0:
		for _, det := range sf.Par.MultiSpecDet {
			if det < 1 || det > spec.NumDetectors() {
				return calerr.Configuration("sensfunc.multi_spec_det: %s has no detector %d", spec.Name(), det)
			}
		}
		orders, err = stitchDetectors(sobjs, sf.Par.MultiSpecDet)
	default:
		orders, err = brightestObject(sobjs)
	}
	if err != nil {
		return err
	}

	sf.Std = models.StandardStarSpectrum{Meta: meta, Orders: orders}
	return nil
}

// extractionOf returns the preferred extraction present on obj.
func extractionOf(obj *spec1d.SpecObj) (string, bool) {
	for _, ext := range spec1d.Extractions {
		if obj.HasExtraction(ext) {
			return ext, true
		}
	}
	return "", false
}

// toOrder copies an object's extraction, dropping pixels with no
// wavelength solution.
func toOrder(obj *spec1d.SpecObj) (models.SpectrumOrder, error) {
	ext, ok := extractionOf(obj)
	if !ok {
		return models.SpectrumOrder{}, calerr.Input("object %s has no extracted spectrum", obj.Name)
	}
	wave, _ := obj.Get(spec1d.Col(ext, spec1d.Wave))
	counts, _ := obj.Get(spec1d.Col(ext, spec1d.Counts))
	ivar, hasIvar := obj.Get(spec1d.Col(ext, spec1d.CountsIvar))
	bad := obj.BadPixels(ext)

	o := models.SpectrumOrder{Det: obj.Det, EchOrder: obj.EchOrder}
	for i, w := range wave {
		if !(w > 0) {
			continue
		}
		o.Wave = append(o.Wave, w)
		o.Counts = append(o.Counts, counts[i])
		iv := 1.0
		if hasIvar {
			iv = ivar[i]
		}
		o.Ivar = append(o.Ivar, iv)
		o.Mask = append(o.Mask, bad[i])
	}
	if len(o.Wave) < 2 {
		return o, calerr.Input("object %s has fewer than two pixels with a wavelength solution", obj.Name)
	}
	if !fitting.StrictlyIncreasing(o.Wave) {
		return o, calerr.Input("object %s: wavelengths are not strictly increasing", obj.Name)
	}
	return o, nil
}

// snOf returns the median S/N of an object's preferred extraction.
func snOf(obj *spec1d.SpecObj) float64 {
	ext, ok := extractionOf(obj)
	if !ok {
		return math.Inf(-1)
	}
	return obj.SN(ext)
}

// echelleOrders returns every order, sorted blue to red.
func echelleOrders(sobjs *spec1d.SpecObjs) ([]models.SpectrumOrder, error) {
	var orders []models.SpectrumOrder
	for _, obj := range sobjs.Objs {
		o, err := toOrder(obj)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if len(orders) == 0 {
		return nil, calerr.Input("spec1d file has no orders")
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Wave[0] < orders[j].Wave[0] })
	return orders, nil
}

// brightestObject returns the highest S/N object as a single spectrum.
func brightestObject(sobjs *spec1d.SpecObjs) ([]models.SpectrumOrder, error) {
	best := bestOf(sobjs.Objs)
	if best == nil {
		return nil, calerr.Input("spec1d file has no extracted objects")
	}
	o, err := toOrder(best)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("object", best.Name).Float64("sn", snOf(best)).Msg("Selected standard star object")
	return []models.SpectrumOrder{o}, nil
}

func bestOf(objs []*spec1d.SpecObj) *spec1d.SpecObj {
	var best *spec1d.SpecObj
	bestSN := math.Inf(-1)
	for _, obj := range objs {
		if _, ok := extractionOf(obj); !ok {
			continue
		}
		if sn := snOf(obj); best == nil || sn > bestSN {
			best, bestSN = obj, sn
		}
	}
	return best
}

// stitchDetectors joins the brightest object of each listed detector into
// one spectrum. Where detectors overlap, the bluer detector is kept up to
// the midpoint of the overlap.
func stitchDetectors(sobjs *spec1d.SpecObjs, dets []int) ([]models.SpectrumOrder, error) {
	var parts []models.SpectrumOrder
	for _, det := range dets {
		var onDet []*spec1d.SpecObj
		for _, obj := range sobjs.Objs {
			if obj.Det == det {
				onDet = append(onDet, obj)
			}
		}
		best := bestOf(onDet)
		if best == nil {
			return nil, calerr.Input("no extracted object on detector %d", det)
		}
		o, err := toOrder(best)
		if err != nil {
			return nil, err
		}
		parts = append(parts, o)
	}
	return []models.SpectrumOrder{stitch(parts)}, nil
}

func stitch(parts []models.SpectrumOrder) models.SpectrumOrder {
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Wave[0] < parts[j].Wave[0] })
	out := models.SpectrumOrder{Det: parts[0].Det}
	appendFrom := func(p models.SpectrumOrder, from, to float64) {
		for i, w := range p.Wave {
			if w >= from && w < to {
				out.Wave = append(out.Wave, w)
				out.Counts = append(out.Counts, p.Counts[i])
				out.Ivar = append(out.Ivar, p.Ivar[i])
				out.Mask = append(out.Mask, p.Mask[i])
			}
		}
	}

	lo := math.Inf(-1)
	for k, p := range parts {
		hi := math.Inf(1)
		if k+1 < len(parts) {
			next := parts[k+1]
			end := p.Wave[len(p.Wave)-1]
			if next.Wave[0] <= end {
				hi = 0.5 * (next.Wave[0] + end)
			} else {
				hi = next.Wave[0]
			}
		}
		appendFrom(p, lo, hi)
		lo = math.Max(lo, hi)
	}
	log.Debug().Int("detectors", len(parts)).Int("pixels", len(out.Wave)).Msg("Stitched detectors")
	return out
}
