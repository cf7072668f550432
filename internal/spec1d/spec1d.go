// Package spec1d is the container for extracted one-dimensional spectra.
// A SpecObjs holds the exposure metadata and one SpecObj per extracted
// object (or echelle order); columns are addressed by name, e.g. OPT_FLAM.
package spec1d

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/fitsfile"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/pkg/models"
)

// Extraction prefixes.
const (
	Optimal = "OPT"
	Boxcar  = "BOX"
)

// Extractions lists the extraction prefixes in preference order.
var Extractions = []string{Optimal, Boxcar}

// Column suffixes.
const (
	Wave       = "WAVE"
	Counts     = "COUNTS"
	CountsIvar = "COUNTS_IVAR"
	Mask       = "MASK"
	Flam       = "FLAM"
	FlamIvar   = "FLAM_IVAR"
	FlamSig    = "FLAM_SIG"
)

// Col returns the column name of an extraction, e.g. Col(Optimal, Flam) = "OPT_FLAM".
func Col(ext, suffix string) string {
	return ext + "_" + suffix
}

// Header cards.
const (
	CardSpectrograph = "PYP_SPEC"
	CardPypeline     = "PYPELINE"
	CardDispName     = "DISPNAME"
	CardExpTime      = "EXPTIME"
	CardAirmass      = "AIRMASS"
	CardBinning      = "BINNING"
	CardTarget       = "TARGET"
	CardRA           = "RA"
	CardDec          = "DEC"
	CardFluxed       = "FLUXED"
	CardSensFile     = "SENSFILE"
	CardExtCorr      = "EXT_CORR"
	CardDet          = "DET"
	CardEchOrder     = "ECH_ORD"
)

var ErrLength = errors.New("spec1d: column length mismatch")

// SpecObj is one extracted spectrum.
type SpecObj struct {
	Name     string
	Det      int
	EchOrder int

	floats map[string][]float64
	bools  map[string][]bool
	keys   []string
	n      int
}

// NewSpecObj returns an empty object.
func NewSpecObj(name string, det, echOrder int) *SpecObj {
	return &SpecObj{
		Name:     name,
		Det:      det,
		EchOrder: echOrder,
		floats:   make(map[string][]float64),
		bools:    make(map[string][]bool),
		n:        -1,
	}
}

// Len returns the number of pixels.
func (o *SpecObj) Len() int {
	if o.n < 0 {
		return 0
	}
	return o.n
}

func (o *SpecObj) checkLen(col string, n int) error {
	if o.n >= 0 && n != o.n {
		return fmt.Errorf("%w: %s has %d pixels, object %s has %d", ErrLength, col, n, o.Name, o.n)
	}
	return nil
}

func (o *SpecObj) addKey(col string) {
	for _, k := range o.keys {
		if k == col {
			return
		}
	}
	o.keys = append(o.keys, col)
}

// Get returns a float column.
func (o *SpecObj) Get(col string) ([]float64, bool) {
	v, ok := o.floats[col]
	return v, ok
}

// Set adds or overwrites a float column.
func (o *SpecObj) Set(col string, v []float64) error {
	if err := o.checkLen(col, len(v)); err != nil {
		return err
	}
	delete(o.bools, col)
	o.floats[col] = v
	o.n = len(v)
	o.addKey(col)
	return nil
}

// GetMask returns a boolean column.
func (o *SpecObj) GetMask(col string) ([]bool, bool) {
	v, ok := o.bools[col]
	return v, ok
}

// SetMask adds or overwrites a boolean column.
func (o *SpecObj) SetMask(col string, v []bool) error {
	if err := o.checkLen(col, len(v)); err != nil {
		return err
	}
	delete(o.floats, col)
	o.bools[col] = v
	o.n = len(v)
	o.addKey(col)
	return nil
}

// Has reports whether a column exists.
func (o *SpecObj) Has(col string) bool {
	_, f := o.floats[col]
	_, b := o.bools[col]
	return f || b
}

// Keys lists column names in insertion order.
func (o *SpecObj) Keys() []string {
	return append([]string(nil), o.keys...)
}

// HasExtraction reports whether the object carries wavelengths and counts
// for the extraction.
func (o *SpecObj) HasExtraction(ext string) bool {
	_, w := o.floats[Col(ext, Wave)]
	_, c := o.floats[Col(ext, Counts)]
	return w && c
}

// BadPixels returns the pixel mask of an extraction (true = unusable),
// combining the stored mask with non-finite or non-positive-ivar samples.
func (o *SpecObj) BadPixels(ext string) []bool {
	bad := make([]bool, o.Len())
	if m, ok := o.bools[Col(ext, Mask)]; ok {
		copy(bad, m)
	}
	wave := o.floats[Col(ext, Wave)]
	counts := o.floats[Col(ext, Counts)]
	ivar := o.floats[Col(ext, CountsIvar)]
	for i := range bad {
		if i < len(wave) && !(wave[i] > 0) {
			bad[i] = true
		}
		if i < len(counts) && (math.IsNaN(counts[i]) || math.IsInf(counts[i], 0)) {
			bad[i] = true
		}
		if ivar != nil && !(ivar[i] > 0) {
			bad[i] = true
		}
	}
	return bad
}

// SN returns the median signal-to-noise of the unmasked pixels of an
// extraction.
func (o *SpecObj) SN(ext string) float64 {
	counts, ok := o.floats[Col(ext, Counts)]
	ivar, iok := o.floats[Col(ext, CountsIvar)]
	if !ok || !iok {
		return 0
	}
	bad := o.BadPixels(ext)
	sn := make([]float64, 0, len(counts))
	for i := range counts {
		if !bad[i] {
			sn = append(sn, counts[i]*math.Sqrt(ivar[i]))
		}
	}
	if len(sn) == 0 {
		return 0
	}
	return fitting.Median(sn)
}

// SpecObjs is the content of a spec1d file.
type SpecObjs struct {
	Meta models.ExposureMeta
	Objs []*SpecObj
}

// FromArrays builds a container with one object per row of wave, counts
// and ivar, all on the optimal extraction. Echelle rows become orders
// numbered from 1; other rows are objects on detector 1.
func FromArrays(meta models.ExposureMeta, wave, counts, ivar [][]float64) (*SpecObjs, error) {
	if len(wave) != len(counts) || (ivar != nil && len(ivar) != len(wave)) {
		return nil, calerr.Input("from arrays: %d wave rows, %d counts rows, %d ivar rows", len(wave), len(counts), len(ivar))
	}
	sobjs := &SpecObjs{Meta: meta}
	for i := range wave {
		det, ech := 1, 0
		name := fmt.Sprintf("SPAT%04d-SLIT%04d-DET%02d", i+1, 1, det)
		if meta.Pypeline == models.PypelineEchelle {
			ech = i + 1
			name = fmt.Sprintf("OBJ0001-ORDER%04d-DET%02d", ech, det)
		}
		obj := NewSpecObj(name, det, ech)
		if err := obj.Set(Col(Optimal, Wave), wave[i]); err != nil {
			return nil, calerr.Input("%v", err)
		}
		if err := obj.Set(Col(Optimal, Counts), counts[i]); err != nil {
			return nil, calerr.Input("%v", err)
		}
		if ivar != nil {
			if err := obj.Set(Col(Optimal, CountsIvar), ivar[i]); err != nil {
				return nil, calerr.Input("%v", err)
			}
		}
		if err := obj.SetMask(Col(Optimal, Mask), make([]bool, len(wave[i]))); err != nil {
			return nil, calerr.Input("%v", err)
		}
		sobjs.Objs = append(sobjs.Objs, obj)
	}
	return sobjs, nil
}

// Dets returns the distinct detectors, sorted.
func (s *SpecObjs) Dets() []int {
	seen := make(map[int]bool)
	var dets []int
	for _, o := range s.Objs {
		if !seen[o.Det] {
			seen[o.Det] = true
			dets = append(dets, o.Det)
		}
	}
	sort.Ints(dets)
	return dets
}

// Object returns the named object or nil.
func (s *SpecObjs) Object(name string) *SpecObj {
	for _, o := range s.Objs {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// header renders the exposure metadata as header cards, merged over extra.
func (s *SpecObjs) header(extra map[string]any) fitsfile.Header {
	var h fitsfile.Header
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, extra[k], "")
	}

	m := s.Meta
	h.Set(CardSpectrograph, m.Spectrograph, "spectrograph")
	h.Set(CardPypeline, m.Pypeline, "reduction pipeline")
	if m.DispName != "" {
		h.Set(CardDispName, m.DispName, "disperser")
	}
	h.Set(CardExpTime, m.ExpTime, "exposure time [s]")
	if m.Airmass > 0 {
		h.Set(CardAirmass, m.Airmass, "")
	}
	if m.Binning != "" {
		h.Set(CardBinning, m.Binning, "spectral,spatial binning")
	}
	if m.Target != "" {
		h.Set(CardTarget, m.Target, "")
	}
	if m.RA != nil {
		h.Set(CardRA, *m.RA, "[deg]")
	}
	if m.Dec != nil {
		h.Set(CardDec, *m.Dec, "[deg]")
	}
	if m.Fluxed {
		h.Set(CardFluxed, true, "flux calibrated")
		h.Set(CardSensFile, m.SensFile, "sensitivity function")
		h.Set(CardExtCorr, m.ExtinctionCorrected, "extinction corrected")
	}
	return h
}

// WriteFile persists the container. extra holds additional primary cards.
func (s *SpecObjs) WriteFile(path string, extra map[string]any) error {
	doc := &fitsfile.Document{Primary: s.header(extra)}
	for _, o := range s.Objs {
		tbl := fitsfile.NewTable(o.Name)
		tbl.Header.Set(CardDet, o.Det, "detector")
		if o.EchOrder > 0 {
			tbl.Header.Set(CardEchOrder, o.EchOrder, "echelle order")
		}
		for _, k := range o.keys {
			var err error
			if v, ok := o.floats[k]; ok {
				err = tbl.Add(k, v)
			} else {
				err = tbl.Add(k, o.bools[k])
			}
			if err != nil {
				return fmt.Errorf("object %s: %w", o.Name, err)
			}
		}
		doc.Tables = append(doc.Tables, tbl)
	}
	if err := fitsfile.WriteFile(path, doc); err != nil {
		return fmt.Errorf("write spec1d %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a spec1d file.
func ReadFile(path string) (*SpecObjs, error) {
	doc, err := fitsfile.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, calerr.Input("spec1d file %s does not exist", path)
		}
		return nil, calerr.Input("read spec1d %s: %v", path, err)
	}
	s, err := FromDocument(doc)
	if err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	return s, nil
}

// FromDocument decodes a spec1d file already read into doc.
func FromDocument(doc *fitsfile.Document) (*SpecObjs, error) {
	var err error
	h := &doc.Primary
	s := &SpecObjs{}
	m := &s.Meta
	m.Spectrograph = h.StringOr(CardSpectrograph, "")
	m.Pypeline = h.StringOr(CardPypeline, "")
	m.DispName = h.StringOr(CardDispName, "")
	m.Binning = h.StringOr(CardBinning, "")
	m.Target = h.StringOr(CardTarget, "")
	m.SensFile = h.StringOr(CardSensFile, "")
	if m.ExpTime, err = optionalFloat(h, CardExpTime); err != nil {
		return nil, err
	}
	if m.Airmass, err = optionalFloat(h, CardAirmass); err != nil {
		return nil, err
	}
	if h.Has(CardRA) && h.Has(CardDec) {
		ra, err1 := h.Float(CardRA)
		dec, err2 := h.Float(CardDec)
		if err := errors.Join(err1, err2); err != nil {
			return nil, err
		}
		m.RA, m.Dec = &ra, &dec
	}
	if m.Fluxed, err = h.Bool(CardFluxed); err != nil {
		return nil, err
	}
	if m.ExtinctionCorrected, err = h.Bool(CardExtCorr); err != nil {
		return nil, err
	}

	for _, tbl := range doc.Tables {
		det, _ := tbl.Header.Int(CardDet)
		ech, _ := tbl.Header.Int(CardEchOrder)
		obj := NewSpecObj(tbl.Name, det, ech)
		for _, c := range tbl.Columns {
			switch d := c.Data.(type) {
			case []float64:
				err = obj.Set(c.Name, d)
			case []bool:
				err = obj.SetMask(c.Name, d)
			case []int64:
				f, _ := tbl.Float64s(c.Name)
				err = obj.Set(c.Name, f)
			}
			if err != nil {
				return nil, fmt.Errorf("object %s: %w", tbl.Name, err)
			}
		}
		s.Objs = append(s.Objs, obj)
	}
	return s, nil
}

func optionalFloat(h *fitsfile.Header, key string) (float64, error) {
	if !h.Has(key) {
		return 0, nil
	}
	return h.Float(key)
}
