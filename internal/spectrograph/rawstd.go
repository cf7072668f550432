package spectrograph

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/fitsfile"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/pkg/models"
)

// Header cards of raw instrument exposures.
const (
	CardInstrument = "INSTRUME"
	CardTargName   = "TARGNAME"
	CardGrating    = "GRATENAM"
)

// Columns of a raw detector table.
const (
	RawWave   = "WAVE"
	RawCounts = "COUNTS"
	RawIvar   = "IVAR"
	RawMask   = "MASK"
)

// rawLoader decodes a raw standard exposure already read into doc.
type rawLoader func(s *spectrograph, doc *fitsfile.Document) (*spec1d.SpecObjs, error)

// LoadStdSpectrum reads a raw standard-star exposure in the instrument's
// own format.
func (s *spectrograph) LoadStdSpectrum(path string) (*spec1d.SpecObjs, error) {
	if s.rawStd == nil {
		return nil, calerr.Input("%s has no raw standard loader", s.name)
	}
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return s.loadRaw(path, doc)
}

func (s *spectrograph) loadRaw(path string, doc *fitsfile.Document) (*spec1d.SpecObjs, error) {
	sobjs, err := s.rawStd(s, doc)
	if err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	return sobjs, nil
}

// ReadStandard loads a standard-star exposure: a spec1d file, or a raw
// exposure of an instrument that has its own loader.
func ReadStandard(path string) (*spec1d.SpecObjs, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if doc.Primary.Has(spec1d.CardSpectrograph) {
		sobjs, err := spec1d.FromDocument(doc)
		if err != nil {
			return nil, calerr.Input("%s: %v", path, err)
		}
		return sobjs, nil
	}
	inst := strings.ToUpper(strings.TrimSpace(doc.Primary.StringOr(CardInstrument, "")))
	for _, name := range Names() {
		s := registry[name]
		if s.rawStd != nil && s.instrument == inst {
			return s.loadRaw(path, doc)
		}
	}
	return nil, calerr.Input("%s: no %s card and no raw loader for instrument %q", path, spec1d.CardSpectrograph, inst)
}

func readDocument(path string) (*fitsfile.Document, error) {
	doc, err := fitsfile.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, calerr.Input("standard file %s does not exist", path)
		}
		return nil, calerr.Input("read standard %s: %v", path, err)
	}
	return doc, nil
}

// loadDeimos reads a DEIMOS exposure with one table per extracted detector.
// Each table carries a DET card and WAVE, COUNTS, IVAR and optional MASK
// columns.
func loadDeimos(s *spectrograph, doc *fitsfile.Document) (*spec1d.SpecObjs, error) {
	h := &doc.Primary
	meta := models.ExposureMeta{
		Spectrograph: s.name,
		Pypeline:     s.pypeline,
		DispName:     h.StringOr(CardGrating, ""),
		Binning:      h.StringOr(spec1d.CardBinning, ""),
		Target:       h.StringOr(CardTargName, ""),
	}
	exptime, err1 := h.Float(spec1d.CardExpTime)
	airmass, err2 := h.Float(spec1d.CardAirmass)
	if err := errors.Join(err1, err2); err != nil {
		return nil, err
	}
	meta.ExpTime, meta.Airmass = exptime, airmass
	if h.Has(spec1d.CardRA) && h.Has(spec1d.CardDec) {
		ra, err1 := angleCard(h, spec1d.CardRA, 15)
		dec, err2 := angleCard(h, spec1d.CardDec, 1)
		if err := errors.Join(err1, err2); err != nil {
			return nil, err
		}
		meta.RA, meta.Dec = &ra, &dec
	}

	sobjs := &spec1d.SpecObjs{Meta: meta}
	perDet := make(map[int]int)
	for _, tbl := range doc.Tables {
		det, err := tbl.Header.Int(spec1d.CardDet)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", tbl.Name, err)
		}
		if det < 1 || det > s.ndet {
			return nil, fmt.Errorf("table %s: detector %d outside 1..%d", tbl.Name, det, s.ndet)
		}
		wave, err1 := tbl.Float64s(RawWave)
		counts, err2 := tbl.Float64s(RawCounts)
		ivar, err3 := tbl.Float64s(RawIvar)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("table %s: %w", tbl.Name, err)
		}
		mask := make([]bool, len(wave))
		if tbl.Has(RawMask) {
			if mask, err = tbl.Bools(RawMask); err != nil {
				return nil, fmt.Errorf("table %s: %w", tbl.Name, err)
			}
		}

		perDet[det]++
		obj := spec1d.NewSpecObj(fmt.Sprintf("SPAT%04d-SLIT0001-DET%02d", perDet[det], det), det, 0)
		err = errors.Join(
			obj.Set(spec1d.Col(spec1d.Optimal, spec1d.Wave), wave),
			obj.Set(spec1d.Col(spec1d.Optimal, spec1d.Counts), counts),
			obj.Set(spec1d.Col(spec1d.Optimal, spec1d.CountsIvar), ivar),
			obj.SetMask(spec1d.Col(spec1d.Optimal, spec1d.Mask), mask),
		)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", tbl.Name, err)
		}
		sobjs.Objs = append(sobjs.Objs, obj)
	}
	if len(sobjs.Objs) == 0 {
		return nil, errors.New("no detector tables")
	}
	return sobjs, nil
}

// angleCard reads an angle in degrees, or sexagesimal scaled by unit
// degrees (15 for hours of right ascension).
func angleCard(h *fitsfile.Header, key string, unit float64) (float64, error) {
	if v, err := h.Float(key); err == nil {
		return v, nil
	}
	str, err := h.String(key)
	if err != nil {
		return 0, err
	}
	v, err := parseSexagesimal(str)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v * unit, nil
}

func parseSexagesimal(str string) (float64, error) {
	str = strings.TrimSpace(str)
	fields := strings.FieldsFunc(str, func(r rune) bool { return r == ':' || r == ' ' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid sexagesimal %q", str)
	}
	sign := 1.0
	if strings.HasPrefix(fields[0], "-") {
		sign = -1
	}
	var v float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sexagesimal %q", str)
		}
		v += math.Abs(x) / math.Pow(60, float64(i))
	}
	return sign * v, nil
}
