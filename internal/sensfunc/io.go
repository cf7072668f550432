package sensfunc

import (
	"errors"
	"fmt"
	"os"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/fitsfile"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/pkg/models"
)

// Sensitivity file extensions and primary cards.
const (
	ExtSens   = "SENS"
	ExtCoeff  = "SENS_COEFF"
	ExtOrders = "SENS_ORDERS"

	CardAlgorithm   = "ALGORTHM"
	CardExtIncluded = "EXTINCLD"
	CardStdCal      = "STDCAL"
	CardStdRA       = "STD_RA"
	CardStdDec      = "STD_DEC"
	CardNOrders     = "NORDERS"

	// polynomial orders above this are rejected on read
	maxCoeffIndex = 64
)

// WriteTable writes a sensitivity table to path atomically.
func WriteTable(path string, tbl *models.SensitivityTable) error {
	if err := tbl.Validate(); err != nil {
		return calerr.Input("sensitivity table: %v", err)
	}
	doc := &fitsfile.Document{}
	h := &doc.Primary
	m := tbl.Meta
	h.Set(CardAlgorithm, tbl.Algorithm, "sensitivity function algorithm")
	h.Set(CardExtIncluded, tbl.ExtinctionIncluded, "zeropoints include extinction")
	h.Set(spec1d.CardSpectrograph, m.Spectrograph, "")
	h.Set(spec1d.CardPypeline, m.Pypeline, "")
	h.Set(spec1d.CardDispName, m.DispName, "")
	h.Set(spec1d.CardBinning, m.Binning, "")
	h.Set(spec1d.CardTarget, m.Target, "")
	h.Set(spec1d.CardAirmass, m.Airmass, "standard airmass")
	h.Set(spec1d.CardExpTime, m.ExpTime, "standard exposure time [s]")
	if tbl.StdCal != "" {
		h.Set(CardStdCal, tbl.StdCal, "reference standard")
		h.Set(CardStdRA, tbl.StdRA, "[deg]")
		h.Set(CardStdDec, tbl.StdDec, "[deg]")
	}
	h.Set(CardNOrders, len(tbl.Orders), "")

	var (
		order, det, ech               []int64
		wave, zp, zpData, zpIvar, tel []float64
		mask                          []bool

		cOrder, cIndex []int64
		cValue         []float64

		oOrder, oDet, oEch, oPoly          []int64
		oMin, oMax, oFitMin, oFitMax, oPWV []float64
		oFull                              []bool
	)
	for k, o := range tbl.Orders {
		for range o.Wave {
			order = append(order, int64(k))
			det = append(det, int64(o.Det))
			ech = append(ech, int64(o.EchOrder))
		}
		wave = append(wave, o.Wave...)
		zp = append(zp, o.ZeroPoint...)
		zpData = append(zpData, o.ZeroPointData...)
		zpIvar = append(zpIvar, o.ZeroPointIvar...)
		tel = append(tel, o.Telluric...)
		mask = append(mask, o.Mask...)

		for i, c := range o.Coeffs {
			cOrder = append(cOrder, int64(k))
			cIndex = append(cIndex, int64(i))
			cValue = append(cValue, c)
		}

		oOrder = append(oOrder, int64(k))
		oDet = append(oDet, int64(o.Det))
		oEch = append(oEch, int64(o.EchOrder))
		oPoly = append(oPoly, int64(o.PolyOrder))
		oMin = append(oMin, o.WaveMin())
		oMax = append(oMax, o.WaveMax())
		oFitMin = append(oFitMin, o.FitMin)
		oFitMax = append(oFitMax, o.FitMax)
		oPWV = append(oPWV, o.PWV)
		oFull = append(oFull, o.FullyMasked)
	}

	sens := fitsfile.NewTable(ExtSens)
	coeff := fitsfile.NewTable(ExtCoeff)
	orders := fitsfile.NewTable(ExtOrders)
	err := errors.Join(
		sens.Add(models.ColSensOrder, order),
		sens.Add(models.ColSensDet, det),
		sens.Add(models.ColSensEchOrder, ech),
		sens.Add(models.ColSensWave, wave),
		sens.Add(models.ColSensZeroPoint, zp),
		sens.Add(models.ColSensZeroPointData, zpData),
		sens.Add(models.ColSensZeroPointIvar, zpIvar),
		sens.Add(models.ColSensTelluric, tel),
		sens.Add(models.ColSensMask, mask),

		coeff.Add("ORDER", cOrder),
		coeff.Add("INDEX", cIndex),
		coeff.Add("VALUE", cValue),

		orders.Add("ORDER", oOrder),
		orders.Add("DET", oDet),
		orders.Add("ECH_ORDER", oEch),
		orders.Add("WAVE_MIN", oMin),
		orders.Add("WAVE_MAX", oMax),
		orders.Add("POLYORDER", oPoly),
		orders.Add("FIT_MIN", oFitMin),
		orders.Add("FIT_MAX", oFitMax),
		orders.Add("FULLMASK", oFull),
		orders.Add("PWV", oPWV),
	)
	if err != nil {
		return fmt.Errorf("build sensitivity tables: %w", err)
	}
	doc.Tables = []*fitsfile.Table{sens, coeff, orders}

	if err := fitsfile.WriteFile(path, doc); err != nil {
		return fmt.Errorf("write sensitivity file %s: %w", path, err)
	}
	return nil
}

// ReadTable reads a sensitivity file.
func ReadTable(path string) (*models.SensitivityTable, error) {
	doc, err := fitsfile.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, calerr.Input("sensitivity file %s does not exist", path)
		}
		return nil, calerr.Input("read sensitivity file %s: %v", path, err)
	}

	h := &doc.Primary
	alg, err := h.String(CardAlgorithm)
	if err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	if _, err := newFitter(alg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tbl := &models.SensitivityTable{Algorithm: alg}
	if tbl.ExtinctionIncluded, err = h.Bool(CardExtIncluded); err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	m := &tbl.Meta
	m.Spectrograph = h.StringOr(spec1d.CardSpectrograph, "")
	m.Pypeline = h.StringOr(spec1d.CardPypeline, "")
	m.DispName = h.StringOr(spec1d.CardDispName, "")
	m.Binning = h.StringOr(spec1d.CardBinning, "")
	m.Target = h.StringOr(spec1d.CardTarget, "")
	m.Airmass, _ = h.Float(spec1d.CardAirmass)
	m.ExpTime, _ = h.Float(spec1d.CardExpTime)
	tbl.StdCal = h.StringOr(CardStdCal, "")
	tbl.StdRA, _ = h.Float(CardStdRA)
	tbl.StdDec, _ = h.Float(CardStdDec)
	norders, err := h.Int(CardNOrders)
	if err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}

	if err := readOrders(doc, tbl, norders); err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	if err := tbl.Validate(); err != nil {
		return nil, calerr.Input("%s: %v", path, err)
	}
	return tbl, nil
}

func readOrders(doc *fitsfile.Document, tbl *models.SensitivityTable, norders int) error {
	sens := doc.Table(ExtSens)
	orders := doc.Table(ExtOrders)
	if sens == nil || orders == nil {
		return fmt.Errorf("missing %s or %s table", ExtSens, ExtOrders)
	}

	order, err1 := sens.Int64s(models.ColSensOrder)
	wave, err2 := sens.Float64s(models.ColSensWave)
	zp, err3 := sens.Float64s(models.ColSensZeroPoint)
	zpData, err4 := sens.Float64s(models.ColSensZeroPointData)
	zpIvar, err5 := sens.Float64s(models.ColSensZeroPointIvar)
	tel, err6 := sens.Float64s(models.ColSensTelluric)
	mask, err7 := sens.Bools(models.ColSensMask)
	oDet, err8 := orders.Int64s("DET")
	oEch, err9 := orders.Int64s("ECH_ORDER")
	oPoly, err10 := orders.Int64s("POLYORDER")
	oFull, err11 := orders.Bools("FULLMASK")
	oPWV, err12 := orders.Float64s("PWV")
	oFitMin, err13 := orders.Float64s("FIT_MIN")
	oFitMax, err14 := orders.Float64s("FIT_MAX")
	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8, err9, err10, err11, err12, err13, err14); err != nil {
		return err
	}
	if len(oDet) != norders {
		return fmt.Errorf("%s has %d rows, header declares %d orders", ExtOrders, len(oDet), norders)
	}

	tbl.Orders = make([]models.SensOrder, norders)
	for k := range tbl.Orders {
		tbl.Orders[k] = models.SensOrder{
			Det:         int(oDet[k]),
			EchOrder:    int(oEch[k]),
			PolyOrder:   int(oPoly[k]),
			FitMin:      oFitMin[k],
			FitMax:      oFitMax[k],
			PWV:         oPWV[k],
			FullyMasked: oFull[k],
		}
	}
	for i, k := range order {
		if k < 0 || int(k) >= norders {
			return fmt.Errorf("row %d refers to order %d of %d", i, k, norders)
		}
		o := &tbl.Orders[k]
		o.Wave = append(o.Wave, wave[i])
		o.ZeroPoint = append(o.ZeroPoint, zp[i])
		o.ZeroPointData = append(o.ZeroPointData, zpData[i])
		o.ZeroPointIvar = append(o.ZeroPointIvar, zpIvar[i])
		o.Telluric = append(o.Telluric, tel[i])
		o.Mask = append(o.Mask, mask[i])
	}

	if coeff := doc.Table(ExtCoeff); coeff != nil {
		cOrder, err1 := coeff.Int64s("ORDER")
		cIndex, err2 := coeff.Int64s("INDEX")
		cValue, err3 := coeff.Float64s("VALUE")
		if err := errors.Join(err1, err2, err3); err != nil {
			return err
		}
		for i, k := range cOrder {
			if k < 0 || int(k) >= norders {
				return fmt.Errorf("coefficient row %d refers to order %d of %d", i, k, norders)
			}
			idx := cIndex[i]
			if idx < 0 || idx > maxCoeffIndex {
				return fmt.Errorf("coefficient row %d has index %d", i, idx)
			}
			o := &tbl.Orders[k]
			for int64(len(o.Coeffs)) <= idx {
				o.Coeffs = append(o.Coeffs, 0)
			}
			o.Coeffs[idx] = cValue[i]
		}
	}
	return nil
}
