package sensfunc

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/fitsfile"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/standards"
	"github.com/RMahshie/fluxcal/internal/testutil"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kastStandard(t *testing.T, npix int) testutil.Spectrum {
	t.Helper()
	const airmass = 1.4
	return testutil.Spectrum{
		Meta:       testutil.Meta("shane_kast_blue", models.PypelineMultiSlit, airmass),
		Wave:       [][]float64{testutil.LinearWave(3300, 5500, npix)},
		Flam:       testutil.Feige34(t).Flux,
		ZeroPoint:  testutil.OpticalZeroPoint,
		Atmosphere: testutil.Extinction(t, "lick", airmass),
		Noise:      0.005,
		Seed:       1,
	}
}

func uvisParams() config.Params {
	return config.DefaultParams()
}

func TestUVISRecoversZeroPoint(t *testing.T) {
	dir := t.TempDir()
	std := kastStandard(t, 2000)
	std.Outliers = map[int]float64{300: 3, 800: 0.2, 1700: 4}
	specFile := std.Write(t, dir, "spec1d_std.fits")

	sf, err := New(specFile, filepath.Join(dir, "sens.fits"), uvisParams())
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, sf.State())
	assert.Equal(t, config.AlgorithmUVIS, sf.Algorithm())

	require.NoError(t, sf.Run(context.Background()))
	assert.Equal(t, StateFitted, sf.State())

	tbl := sf.Table
	require.Len(t, tbl.Orders, 1)
	assert.False(t, tbl.ExtinctionIncluded)
	assert.Equal(t, "Feige 34", tbl.StdCal)

	o := tbl.Orders[0]
	for i, w := range o.Wave {
		assert.InDelta(t, testutil.OpticalZeroPoint(w), o.ZeroPoint[i], 0.02, "wave %.1f", w)
	}
	for px := range std.Outliers {
		assert.True(t, o.Mask[px], "outlier at pixel %d not masked", px)
	}
	assert.Less(t, o.MaskedFraction(), 0.2)
	assert.Len(t, o.Coeffs, uvisParams().SensFunc.PolyOrder+1)
}

func TestUVISMasksZeroReferenceFlux(t *testing.T) {
	dir := t.TempDir()
	specFile := kastStandard(t, 2000).Write(t, dir, "spec1d_std.fits")

	refWave := testutil.LinearWave(3000, 6000, 601)
	refFlux := standards.BlackbodyFlux(refWave, 63000, 11.18)
	for i, w := range refWave {
		if w >= 4000 && w <= 4050 {
			refFlux[i] = 0
		}
	}
	star, err := standards.NewTabulated("Feige 34", testutil.Feige34RA, testutil.Feige34Dec, refWave, refFlux)
	require.NoError(t, err)

	sf, err := New(specFile, "", uvisParams(), WithStandard(star))
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))

	o := sf.Table.Orders[0]
	masked := 0
	for i, w := range o.Wave {
		if w >= 4000 && w <= 4050 {
			assert.True(t, o.Mask[i], "zero reference flux at %.1f not masked", w)
			masked++
		}
		assert.InDelta(t, testutil.OpticalZeroPoint(w), o.ZeroPoint[i], 0.02)
	}
	assert.Greater(t, masked, 0)
}

func TestUVISMaskingOptions(t *testing.T) {
	wave := []float64{4862.68, 4870, 4900, 6900, 7600, 8000, 12821.6}
	mask := make([]bool, len(wave))
	maskLines(wave, mask, true, true)
	assert.Equal(t, []bool{true, true, false, true, true, false, true}, mask)

	mask = make([]bool, len(wave))
	maskLines(wave, mask, false, false)
	assert.Equal(t, make([]bool, len(wave)), mask)
}

func TestRunTooFewSamples(t *testing.T) {
	dir := t.TempDir()
	specFile := kastStandard(t, 15).Write(t, dir, "spec1d_std.fits")

	sf, err := New(specFile, "", uvisParams())
	require.NoError(t, err)
	err = sf.Run(context.Background())
	assert.ErrorIs(t, err, calerr.ErrFit)
	assert.Equal(t, StateLoaded, sf.State())
}

func TestRunStandardNotFound(t *testing.T) {
	dir := t.TempDir()
	std := kastStandard(t, 500)
	ra, dec := 10.0, -60.0
	std.Meta.RA, std.Meta.Dec = &ra, &dec
	std.Meta.Target = "Mystery star"
	specFile := std.Write(t, dir, "spec1d_std.fits")

	sf, err := New(specFile, "", uvisParams())
	require.NoError(t, err)
	assert.ErrorIs(t, sf.Run(context.Background()), calerr.ErrStandardNotFound)
}

func TestRunHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	specFile := kastStandard(t, 500).Write(t, dir, "spec1d_std.fits")
	sf, err := New(specFile, "", uvisParams())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sf.Run(ctx), context.Canceled)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ExposureMeta)
		par    func(*config.Params)
		kind   error
	}{
		{name: "missing binning", mutate: func(m *models.ExposureMeta) { m.Binning = "" }, kind: calerr.ErrInput},
		{name: "missing airmass", mutate: func(m *models.ExposureMeta) { m.Airmass = 0 }, kind: calerr.ErrInput},
		{name: "airmass below one", mutate: func(m *models.ExposureMeta) { m.Airmass = 0.9 }, kind: calerr.ErrConfiguration},
		{name: "missing exptime", mutate: func(m *models.ExposureMeta) { m.ExpTime = 0 }, kind: calerr.ErrInput},
		{name: "missing coordinates", mutate: func(m *models.ExposureMeta) { m.RA, m.Dec = nil, nil }, kind: calerr.ErrInput},
		{name: "unknown spectrograph", mutate: func(m *models.ExposureMeta) { m.Spectrograph = "hubble_cos" }, kind: calerr.ErrInput},
		{name: "unsupported algorithm", par: func(p *config.Params) { p.SensFunc.Algorithm = "SPLINE" }, kind: calerr.ErrUnsupportedAlgorithm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			std := kastStandard(t, 100)
			std.Noise = 0
			if tt.mutate != nil {
				tt.mutate(&std.Meta)
			}
			specFile := filepath.Join(dir, "spec1d.fits")
			require.NoError(t, std.Build(t).WriteFile(specFile, nil))

			par := uvisParams()
			if tt.par != nil {
				tt.par(&par)
			}
			_, err := New(specFile, "", par)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestNewCoordinatesFromParams(t *testing.T) {
	dir := t.TempDir()
	std := kastStandard(t, 500)
	std.Meta.RA, std.Meta.Dec = nil, nil
	std.Meta.Target = ""
	specFile := std.Write(t, dir, "spec1d.fits")

	par := uvisParams()
	ra, dec := testutil.Feige34RA, testutil.Feige34Dec
	par.SensFunc.StarRA, par.SensFunc.StarDec = &ra, &dec

	sf, err := New(specFile, "", par)
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))
	assert.Equal(t, "Feige 34", sf.Table.StdCal)
}

func TestNewMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.fits"), "", uvisParams())
	assert.ErrorIs(t, err, calerr.ErrInput)
}

func TestToFileAndFromFile(t *testing.T) {
	dir := t.TempDir()
	specFile := kastStandard(t, 1000).Write(t, dir, "spec1d_std.fits")
	sensFile := filepath.Join(dir, "sens.fits")

	sf, err := New(specFile, sensFile, uvisParams())
	require.NoError(t, err)
	assert.ErrorIs(t, sf.ToFile(""), calerr.ErrInput, "unfitted")

	require.NoError(t, sf.Run(context.Background()))
	require.NoError(t, sf.ToFile(""))
	assert.Equal(t, StatePersisted, sf.State())
	require.NoError(t, sf.ToFile(""), "overwrite")

	back, err := FromFile(sensFile)
	require.NoError(t, err)
	assert.Equal(t, StateFitted, back.State())
	assert.Equal(t, config.AlgorithmUVIS, back.Algorithm())
	assert.Contains(t, back.Table.Columns(), models.ColSensZeroPoint)

	want, got := sf.Table, back.Table
	assert.Equal(t, want.Algorithm, got.Algorithm)
	assert.Equal(t, want.ExtinctionIncluded, got.ExtinctionIncluded)
	assert.Equal(t, want.StdCal, got.StdCal)
	assert.Equal(t, want.Meta.Binning, got.Meta.Binning)
	assert.Equal(t, want.Meta.Target, got.Meta.Target)
	assert.InDelta(t, want.Meta.Airmass, got.Meta.Airmass, 1e-12)
	require.Len(t, got.Orders, 1)
	assert.Equal(t, want.Orders[0].Wave, got.Orders[0].Wave)
	assert.Equal(t, want.Orders[0].ZeroPoint, got.Orders[0].ZeroPoint)
	assert.Equal(t, want.Orders[0].Mask, got.Orders[0].Mask)
	assert.Equal(t, want.Orders[0].Coeffs, got.Orders[0].Coeffs)

	poly := fitting.Legendre{Coeffs: got.Orders[0].Coeffs, Min: got.Orders[0].FitMin, Max: got.Orders[0].FitMax}
	w := got.Orders[0].Wave[500]
	assert.InDelta(t, got.Orders[0].ZeroPoint[500], poly.Eval(w), 1e-9)

	assert.ErrorIs(t, back.Run(context.Background()), calerr.ErrInput, "no spectrum to refit")
}

func TestReadTableCoefficientsByIndex(t *testing.T) {
	dir := t.TempDir()
	specFile := kastStandard(t, 1000).Write(t, dir, "spec1d_std.fits")
	sensFile := filepath.Join(dir, "sens.fits")
	sf, err := New(specFile, sensFile, uvisParams())
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))
	require.NoError(t, sf.ToFile(""))
	want := sf.Table.Orders[0].Coeffs
	require.Greater(t, len(want), 1)

	doc, err := fitsfile.ReadFile(sensFile)
	require.NoError(t, err)
	coeff := doc.Table(ExtCoeff)
	require.NotNil(t, coeff)
	order, err := coeff.Int64s("ORDER")
	require.NoError(t, err)
	index, err := coeff.Int64s("INDEX")
	require.NoError(t, err)
	value, err := coeff.Float64s("VALUE")
	require.NoError(t, err)
	n := len(order)
	rev := func(in []int64) []int64 {
		out := make([]int64, n)
		for i, v := range in {
			out[n-1-i] = v
		}
		return out
	}
	revValue := make([]float64, n)
	for i, v := range value {
		revValue[n-1-i] = v
	}
	shuffled := fitsfile.NewTable(ExtCoeff)
	require.NoError(t, shuffled.Add("ORDER", rev(order)))
	require.NoError(t, shuffled.Add("INDEX", rev(index)))
	require.NoError(t, shuffled.Add("VALUE", revValue))
	for i, tbl := range doc.Tables {
		if tbl == coeff {
			doc.Tables[i] = shuffled
		}
	}
	require.NoError(t, fitsfile.WriteFile(sensFile, doc))

	back, err := ReadTable(sensFile)
	require.NoError(t, err)
	require.Len(t, back.Orders, 1)
	assert.Equal(t, want, back.Orders[0].Coeffs)
}

func TestFromFileUnsupportedAlgorithm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sens.fits")
	wave := testutil.LinearWave(4000, 5000, 10)
	tbl := &models.SensitivityTable{
		Algorithm: "SPLINE",
		Orders: []models.SensOrder{{
			Det: 1, Wave: wave, ZeroPoint: make([]float64, 10), ZeroPointData: make([]float64, 10),
			ZeroPointIvar: make([]float64, 10), Telluric: make([]float64, 10), Mask: make([]bool, 10),
		}},
	}
	require.NoError(t, WriteTable(path, tbl))

	_, err := FromFile(path)
	assert.ErrorIs(t, err, calerr.ErrUnsupportedAlgorithm)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.fits"))
	assert.ErrorIs(t, err, calerr.ErrInput)
}

func TestSetSolution(t *testing.T) {
	dir := t.TempDir()
	meta := testutil.Meta("p200_dbsp_blue", models.PypelineMultiSlit, 1.1)
	specFile := testutil.UnitNLambda(t, dir, "spec1d.fits", meta, testutil.LinearWave(4000, 6000, 50))

	par := config.DefaultParams()
	par.SensFunc.Algorithm = config.AlgorithmIR
	sf, err := New(specFile, filepath.Join(dir, "sens.fits"), par)
	require.NoError(t, err)

	wave := testutil.LinearWave(3000, 6000, 300)
	require.NoError(t, sf.SetSolution([][]float64{wave}, [][]float64{testutil.FlatZeroPoint(wave, 1)}))
	assert.Equal(t, StateFitted, sf.State())
	assert.True(t, sf.Table.ExtinctionIncluded)
	require.NoError(t, sf.ToFile(""))

	assert.ErrorIs(t, sf.SetSolution([][]float64{wave}, nil), calerr.ErrInput)
	assert.ErrorIs(t, sf.SetSolution([][]float64{{2, 1}}, [][]float64{{0, 0}}), calerr.ErrInput)
	assert.ErrorIs(t, sf.SetSolution([][]float64{{1, 2}}, [][]float64{{0, math.NaN()}}), calerr.ErrInput)
}

func TestAlgorithms(t *testing.T) {
	assert.Equal(t, []string{config.AlgorithmIR, config.AlgorithmUVIS}, Algorithms())
	_, err := newFitter("uvis")
	assert.ErrorIs(t, err, calerr.ErrUnsupportedAlgorithm)
}

func TestStitchDetectors(t *testing.T) {
	dir := t.TempDir()
	blue := testutil.LinearWave(4000, 6000, 401)
	red := testutil.LinearWave(5800, 8000, 441)
	std := testutil.Spectrum{
		Meta:       testutil.Meta("keck_deimos", models.PypelineMultiSlit, 1.2),
		Wave:       [][]float64{blue, blue, red},
		Det:        []int{3, 3, 7},
		Flam:       testutil.Feige34(t).Flux,
		ZeroPoint:  testutil.OpticalZeroPoint,
		Noise:      0.01,
		NoiseByRow: map[int]float64{1: 0.2},
		Seed:       7,
	}
	specFile := std.Write(t, dir, "spec1d_deimos.fits")

	par := config.DefaultParams()
	par.SensFunc.MultiSpecDet = []int{3, 7}
	sf, err := New(specFile, "", par)
	require.NoError(t, err)

	require.Len(t, sf.Std.Orders, 1)
	o := sf.Std.Orders[0]
	assert.Equal(t, 3, o.Det)
	assert.True(t, fitting.StrictlyIncreasing(o.Wave))
	assert.Equal(t, 4000.0, o.Wave[0])
	assert.Equal(t, 8000.0, o.Wave[o.Len()-1])

	nBlue, nRed := 0, 0
	for _, w := range blue {
		if w < 5900 {
			nBlue++
		}
	}
	for _, w := range red {
		if w >= 5900 {
			nRed++
		}
	}
	assert.Equal(t, nBlue+nRed, o.Len())

	// the brighter of the two det 3 objects is used
	bright := std.Counts(blue)
	assert.InDelta(t, 1, o.Counts[100]/bright[100], 0.1)

	par.SensFunc.MultiSpecDet = []int{3, 5}
	_, err = New(specFile, "", par)
	assert.ErrorIs(t, err, calerr.ErrInput)
}

func TestStitchUnknownDetector(t *testing.T) {
	dir := t.TempDir()
	wave := testutil.LinearWave(4000, 6000, 401)
	std := testutil.Spectrum{
		Meta:      testutil.Meta("keck_deimos", models.PypelineMultiSlit, 1.2),
		Wave:      [][]float64{wave},
		Det:       []int{3},
		Flam:      testutil.Feige34(t).Flux,
		ZeroPoint: testutil.OpticalZeroPoint,
	}
	specFile := std.Write(t, dir, "spec1d_deimos.fits")

	for _, dets := range [][]int{{3, 9}, {0, 3}} {
		par := config.DefaultParams()
		par.SensFunc.MultiSpecDet = dets
		_, err := New(specFile, "", par)
		assert.ErrorIs(t, err, calerr.ErrConfiguration, "%v", dets)
	}
}

func TestRawDeimosStandard(t *testing.T) {
	dir := t.TempDir()
	blue := testutil.LinearWave(4000, 6000, 401)
	red := testutil.LinearWave(5800, 8000, 441)
	std := testutil.Spectrum{
		Meta:      testutil.Meta("keck_deimos", models.PypelineMultiSlit, 1.2),
		Wave:      [][]float64{blue, red},
		Det:       []int{3, 7},
		Flam:      testutil.Feige34(t).Flux,
		ZeroPoint: testutil.OpticalZeroPoint,
		Noise:     0.01,
		Seed:      5,
	}
	rawFile := std.WriteRaw(t, dir, "DE.20170425.53065.fits", "DEIMOS")

	par := irParams()
	par.SensFunc.MultiSpecDet = []int{3, 7}
	sf, err := New(rawFile, filepath.Join(dir, "sens.fits"), par)
	require.NoError(t, err)
	assert.Equal(t, config.AlgorithmIR, sf.Algorithm())
	assert.Equal(t, "keck_deimos", sf.Std.Meta.Spectrograph)

	require.Len(t, sf.Std.Orders, 1)
	o := sf.Std.Orders[0]
	assert.Equal(t, 3, o.Det)
	assert.Equal(t, 4000.0, o.Wave[0])
	assert.Equal(t, 8000.0, o.Wave[o.Len()-1])
	assert.True(t, fitting.StrictlyIncreasing(o.Wave))
}

func TestStitchNonOverlapping(t *testing.T) {
	parts := []models.SpectrumOrder{
		{Det: 2, Wave: []float64{7, 8, 9}, Counts: []float64{7, 8, 9}, Ivar: []float64{1, 1, 1}, Mask: make([]bool, 3)},
		{Det: 1, Wave: []float64{1, 2, 3}, Counts: []float64{1, 2, 3}, Ivar: []float64{1, 1, 1}, Mask: make([]bool, 3)},
	}
	out := stitch(parts)
	assert.Equal(t, 1, out.Det)
	assert.Equal(t, []float64{1, 2, 3, 7, 8, 9}, out.Wave)
	assert.Equal(t, []float64{1, 2, 3, 7, 8, 9}, out.Counts)
}

func gnirsStandard(t *testing.T) testutil.Spectrum {
	t.Helper()
	const airmass = 1.2
	return testutil.Spectrum{
		Meta: testutil.Meta("gemini_gnirs", models.PypelineEchelle, airmass),
		Wave: [][]float64{
			testutil.LinearWave(19800, 23500, 900),
			testutil.LinearWave(15000, 17800, 900),
			testutil.LinearWave(11500, 13300, 900),
		},
		Flam:       testutil.Feige34(t).Flux,
		ZeroPoint:  testutil.InfraredZeroPoint,
		Atmosphere: testutil.Telluric(t, "mko", airmass, 2.5),
		Noise:      0.01,
		Seed:       3,
	}
}

func irParams() config.Params {
	par := config.DefaultParams()
	par.SensFunc.Algorithm = config.AlgorithmIR
	return par
}

func TestIRRecoversZeroPoint(t *testing.T) {
	dir := t.TempDir()
	specFile := gnirsStandard(t).Write(t, dir, "spec1d_gnirs.fits")

	sf, err := New(specFile, filepath.Join(dir, "sens.fits"), irParams())
	require.NoError(t, err)
	require.Len(t, sf.Std.Orders, 3)
	assert.Less(t, sf.Std.Orders[0].Wave[0], sf.Std.Orders[1].Wave[0], "orders sorted blue to red")

	require.NoError(t, sf.Run(context.Background()))
	assert.True(t, sf.Table.ExtinctionIncluded)

	for _, o := range sf.Table.Orders {
		require.False(t, o.FullyMasked)
		assert.GreaterOrEqual(t, o.PWV, 0.5)
		checked := 0
		for i, w := range o.Wave {
			if o.Mask[i] || o.Telluric[i] < 0.5 {
				continue
			}
			assert.InDelta(t, testutil.InfraredZeroPoint(w), o.ZeroPoint[i], 0.1, "wave %.0f", w)
			checked++
		}
		assert.Greater(t, checked, 100)
	}

	require.NoError(t, sf.ToFile(""))
	back, err := FromFile(sf.SensFile)
	require.NoError(t, err)
	assert.True(t, back.Table.ExtinctionIncluded)
	assert.Equal(t, config.AlgorithmIR, back.Algorithm())
	assert.Equal(t, sf.Table.Orders[1].Telluric, back.Table.Orders[1].Telluric)
}

func TestIRZeroPointIvarFromCorrectedCounts(t *testing.T) {
	dir := t.TempDir()
	specFile := gnirsStandard(t).Write(t, dir, "spec1d_gnirs.fits")
	sf, err := New(specFile, "", irParams())
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))

	absorbed := 0
	for k, o := range sf.Table.Orders {
		nlam, nivar := nLambda(sf.Std.Orders[k], sf.Std.Meta.ExpTime)
		for i := range o.Wave {
			if o.ZeroPointIvar[i] == 0 {
				continue
			}
			tel := o.Telluric[i]
			ncorr := nlam[i] / tel
			g := ncorr * math.Ln10 / 2.5
			want := g * g * nivar[i] * tel * tel
			assert.InEpsilon(t, want, o.ZeroPointIvar[i], 1e-9, "order %d pixel %d", k, i)
			if tel < 0.9 {
				absorbed++
			}
		}
	}
	assert.Positive(t, absorbed, "pixels inside telluric bands")
}

func TestIRMasksLowSignalOrders(t *testing.T) {
	dir := t.TempDir()
	std := gnirsStandard(t)
	std.NoiseByRow = map[int]float64{1: 0.5}
	specFile := std.Write(t, dir, "spec1d_gnirs.fits")

	sf, err := New(specFile, "", irParams())
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))

	var masked []bool
	for _, o := range sf.Table.Orders {
		masked = append(masked, o.FullyMasked)
	}
	// orders are sorted blue to red; the noisy row is the H band
	assert.Equal(t, []bool{false, true, false}, masked)
	h := sf.Table.Orders[1]
	assert.Equal(t, 1.0, h.MaskedFraction())
}

func TestIRMasksOrdersOutsideTelluricGrid(t *testing.T) {
	dir := t.TempDir()
	std := gnirsStandard(t)
	std.Wave = append(std.Wave, testutil.LinearWave(26500, 28000, 300))
	specFile := std.Write(t, dir, "spec1d_gnirs.fits")

	sf, err := New(specFile, "", irParams())
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))
	require.Len(t, sf.Table.Orders, 4)
	assert.True(t, sf.Table.Orders[3].FullyMasked)
}

func TestIRAllOrdersMasked(t *testing.T) {
	dir := t.TempDir()
	std := gnirsStandard(t)
	std.Noise = 0.5
	specFile := std.Write(t, dir, "spec1d_gnirs.fits")

	sf, err := New(specFile, "", irParams())
	require.NoError(t, err)
	assert.ErrorIs(t, sf.Run(context.Background()), calerr.ErrFit)
}

func TestIROrderSelection(t *testing.T) {
	dir := t.TempDir()
	specFile := gnirsStandard(t).Write(t, dir, "spec1d_gnirs.fits")

	par := irParams()
	par.SensFunc.MultiSpecDet = []int{1}
	sf, err := New(specFile, "", par)
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))

	for _, o := range sf.Table.Orders {
		assert.Equal(t, o.EchOrder != 1, o.FullyMasked, "order %d", o.EchOrder)
	}
}

func TestIRStellarModelFromType(t *testing.T) {
	dir := t.TempDir()
	std := gnirsStandard(t)
	std.Flam = func(wave []float64) []float64 { return standards.BlackbodyFlux(wave, 9700, 7.5) }
	ra, dec := 10.0, -60.0
	std.Meta.RA, std.Meta.Dec = &ra, &dec
	std.Meta.Target = "HIP 1234"
	specFile := std.Write(t, dir, "spec1d_gnirs.fits")

	par := irParams()
	mag := 7.5
	par.SensFunc.StarType = "A0V"
	par.SensFunc.StarMag = &mag
	sf, err := New(specFile, "", par)
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))
	assert.Equal(t, "A0V V=7.50", sf.Table.StdCal)
	assert.InDelta(t, 10.0, sf.Table.StdRA, 1e-12)

	o := sf.Table.Orders[0]
	mid := o.Len() / 2
	for i := mid; i < o.Len(); i++ {
		if !o.Mask[i] && o.Telluric[i] > 0.5 {
			assert.InDelta(t, testutil.InfraredZeroPoint(o.Wave[i]), o.ZeroPoint[i], 0.1)
			break
		}
	}
	assert.False(t, math.IsNaN(o.ZeroPoint[mid]))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "persisted", StatePersisted.String())
	assert.Equal(t, "State(9)", State(9).String())
}
