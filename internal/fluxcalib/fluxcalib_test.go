package fluxcalib

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/sensfunc"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/internal/testutil"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatSensFile writes a sensitivity file whose zeropoints turn
// N_lambda = 1 into a constant F_lambda.
func flatSensFile(t *testing.T, dir, algorithm, specFile string) string {
	t.Helper()
	par := config.DefaultParams()
	par.SensFunc.Algorithm = algorithm
	ra, dec := testutil.Feige34RA, testutil.Feige34Dec
	par.SensFunc.StarRA, par.SensFunc.StarDec = &ra, &dec

	sensFile := filepath.Join(dir, "sens_"+algorithm+".fits")
	sf, err := sensfunc.New(specFile, sensFile, par)
	require.NoError(t, err)
	wave := testutil.LinearWave(3000, 6000, 300)
	require.NoError(t, sf.SetSolution([][]float64{wave}, [][]float64{testutil.FlatZeroPoint(wave, 1)}))
	require.NoError(t, sf.ToFile(""))
	return sensFile
}

func unitSpectrum(t *testing.T, dir string) string {
	t.Helper()
	meta := testutil.Meta("p200_dbsp_blue", models.PypelineMultiSlit, 1.1)
	meta.ExpTime = 1
	return testutil.UnitNLambda(t, dir, "spec1d_test.fits", meta, testutil.LinearWave(4000, 6000, 50))
}

func readFlam(t *testing.T, path string) ([]float64, *spec1d.SpecObjs) {
	t.Helper()
	sobjs, err := spec1d.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, sobjs.Objs)
	flam, ok := sobjs.Objs[0].Get(spec1d.Col(spec1d.Optimal, spec1d.Flam))
	require.True(t, ok, "missing flux column")
	return flam, sobjs
}

func TestDefaultExtinctionCorrection(t *testing.T) {
	t.Run("UVIS corrects by default", func(t *testing.T) {
		dir := t.TempDir()
		spec := unitSpectrum(t, dir)
		sens := flatSensFile(t, dir, config.AlgorithmUVIS, spec)

		out, err := New(config.DefaultParams().FluxCalib).Run(context.Background(), []string{spec}, []string{sens}, nil)
		require.NoError(t, err)
		require.True(t, out[0].OK(), "%v", out[0].Err)
		assert.True(t, out[0].ExtinctionCorrected)

		flam, sobjs := readFlam(t, spec)
		assert.Greater(t, flam[0], flam[len(flam)-1])
		assert.True(t, sobjs.Meta.Fluxed)
		assert.True(t, sobjs.Meta.ExtinctionCorrected)
		assert.Equal(t, "sens_UVIS.fits", sobjs.Meta.SensFile)
	})

	t.Run("IR leaves the spectrum flat", func(t *testing.T) {
		dir := t.TempDir()
		spec := unitSpectrum(t, dir)
		sens := flatSensFile(t, dir, config.AlgorithmIR, spec)

		out, err := New(config.DefaultParams().FluxCalib).Run(context.Background(), []string{spec}, []string{sens}, nil)
		require.NoError(t, err)
		require.True(t, out[0].OK(), "%v", out[0].Err)
		assert.False(t, out[0].ExtinctionCorrected)

		flam, _ := readFlam(t, spec)
		for i := range flam {
			assert.InDelta(t, 1.0, flam[i], 1e-4)
		}
	})

	t.Run("IR rejects explicit correction", func(t *testing.T) {
		dir := t.TempDir()
		spec := unitSpectrum(t, dir)
		sens := flatSensFile(t, dir, config.AlgorithmIR, spec)

		par := config.DefaultParams().FluxCalib
		yes := true
		par.ExtinctCorrect = &yes
		out, err := New(par).Run(context.Background(), []string{spec}, []string{sens}, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, out[0].Err, calerr.ErrConfiguration)

		sobjs, err := spec1d.ReadFile(spec)
		require.NoError(t, err)
		assert.False(t, sobjs.Objs[0].Has(spec1d.Col(spec1d.Optimal, spec1d.Flam)))
	})

	t.Run("UVIS explicit off stays flat", func(t *testing.T) {
		dir := t.TempDir()
		spec := unitSpectrum(t, dir)
		sens := flatSensFile(t, dir, config.AlgorithmUVIS, spec)

		par := config.DefaultParams().FluxCalib
		no := false
		par.ExtinctCorrect = &no
		out, err := New(par).Run(context.Background(), []string{spec}, []string{sens}, nil)
		require.NoError(t, err)
		require.True(t, out[0].OK())

		flam, _ := readFlam(t, spec)
		assert.InDelta(t, flam[0], flam[len(flam)-1], 1e-4)
	})
}

func TestResolveExtinctCorrect(t *testing.T) {
	yes, no := true, false
	uvis := &models.SensitivityTable{Algorithm: config.AlgorithmUVIS}
	ir := &models.SensitivityTable{Algorithm: config.AlgorithmIR, ExtinctionIncluded: true}

	tests := []struct {
		name     string
		explicit *bool
		tbl      *models.SensitivityTable
		want     bool
		wantErr  error
	}{
		{"uvis default", nil, uvis, true, nil},
		{"ir default", nil, ir, false, nil},
		{"uvis off", &no, uvis, false, nil},
		{"uvis on", &yes, uvis, true, nil},
		{"ir off", &no, ir, false, nil},
		{"ir on", &yes, ir, false, calerr.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExtinctCorrect(tt.explicit, tt.tbl)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStandardToScienceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	const stdAirmass, sciAirmass = 1.4, 1.8

	std := testutil.Spectrum{
		Meta:       testutil.Meta("shane_kast_blue", models.PypelineMultiSlit, stdAirmass),
		Wave:       [][]float64{testutil.LinearWave(3300, 5500, 2000)},
		Flam:       testutil.Feige34(t).Flux,
		ZeroPoint:  testutil.OpticalZeroPoint,
		Atmosphere: testutil.Extinction(t, "lick", stdAirmass),
		Noise:      0.005,
		Seed:       3,
	}
	stdFile := std.Write(t, dir, "spec1d_std.fits")
	sensFile := filepath.Join(dir, "sens.fits")
	sf, err := sensfunc.New(stdFile, sensFile, config.DefaultParams())
	require.NoError(t, err)
	require.NoError(t, sf.Run(context.Background()))
	require.NoError(t, sf.ToFile(""))

	sci := testutil.Spectrum{
		Meta:       testutil.Meta("shane_kast_blue", models.PypelineMultiSlit, sciAirmass),
		Wave:       [][]float64{testutil.LinearWave(3500, 5300, 900)},
		Flam:       testutil.Flat(5),
		ZeroPoint:  testutil.OpticalZeroPoint,
		Atmosphere: testutil.Extinction(t, "lick", sciAirmass),
	}
	sci.Meta.Target = "J1217+3905"
	sciFile := sci.Write(t, dir, "spec1d_sci.fits")

	outputs := []string{filepath.Join(dir, "a.fits"), filepath.Join(dir, "b.fits")}
	c := New(config.DefaultParams().FluxCalib)
	for _, out := range outputs {
		oc, err := c.Run(context.Background(), []string{sciFile}, []string{sensFile}, []string{out})
		require.NoError(t, err)
		require.True(t, oc[0].OK(), "%v", oc[0].Err)
		assert.Equal(t, 1, oc[0].Objects)
	}

	flamA, sobjs := readFlam(t, outputs[0])
	flamB, _ := readFlam(t, outputs[1])
	assert.Equal(t, flamA, flamB)
	assert.True(t, sobjs.Objs[0].Has(spec1d.Col(spec1d.Optimal, spec1d.FlamIvar)))
	assert.True(t, sobjs.Objs[0].Has(spec1d.Col(spec1d.Optimal, spec1d.FlamSig)))
	for i, f := range flamA {
		assert.InDelta(t, 5, f, 5*0.02, "pixel %d", i)
	}

	// the input file is left untouched
	orig, err := spec1d.ReadFile(sciFile)
	require.NoError(t, err)
	assert.False(t, orig.Meta.Fluxed)
}

func TestOutsideCoverageIsMasked(t *testing.T) {
	dir := t.TempDir()
	spec := unitSpectrum(t, dir)
	sens := flatSensFile(t, dir, config.AlgorithmUVIS, spec)

	meta := testutil.Meta("p200_dbsp_blue", models.PypelineMultiSlit, 1.1)
	wave := testutil.LinearWave(2500, 4000, 61)
	sci := testutil.UnitNLambda(t, dir, "spec1d_blue.fits", meta, wave)

	oc := New(config.DefaultParams().FluxCalib).CalibrateFile(context.Background(), sci, sens, sci)
	require.True(t, oc.OK(), "%v", oc.Err)

	flam, sobjs := readFlam(t, sci)
	mask, ok := sobjs.Objs[0].GetMask(spec1d.Col(spec1d.Optimal, spec1d.Mask))
	require.True(t, ok)
	for i, w := range wave {
		if w < 3000 {
			assert.Zero(t, flam[i], "wave %.0f", w)
			assert.True(t, mask[i], "wave %.0f", w)
		} else {
			assert.Greater(t, flam[i], 0.0, "wave %.0f", w)
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	spec := unitSpectrum(t, dir)
	sens := flatSensFile(t, dir, config.AlgorithmUVIS, spec)

	missing := filepath.Join(dir, "spec1d_missing.fits")
	out, err := New(config.DefaultParams().FluxCalib).Run(context.Background(),
		[]string{missing, spec}, []string{sens}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.ErrorIs(t, out[0].Err, calerr.ErrInput)
	assert.True(t, out[1].OK(), "%v", out[1].Err)
	assert.Equal(t, sens, out[1].SensFile)
}

func TestRunBlankSensFile(t *testing.T) {
	dir := t.TempDir()
	spec := unitSpectrum(t, dir)
	out, err := New(config.DefaultParams().FluxCalib).Run(context.Background(), []string{spec}, []string{""}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, out[0].Err, calerr.ErrInput)
}

func TestRunArgumentErrors(t *testing.T) {
	c := New(config.DefaultParams().FluxCalib)
	_, err := c.Run(context.Background(), []string{"a", "b", "c"}, []string{"s1", "s2"}, nil)
	assert.ErrorIs(t, err, calerr.ErrInput)
	_, err = c.Run(context.Background(), []string{"a", "b"}, []string{"s"}, []string{"o"})
	assert.ErrorIs(t, err, calerr.ErrInput)
}

func TestRunParallelWorkers(t *testing.T) {
	dir := t.TempDir()
	spec := unitSpectrum(t, dir)
	sens := flatSensFile(t, dir, config.AlgorithmIR, spec)

	meta := testutil.Meta("p200_dbsp_blue", models.PypelineMultiSlit, 1.3)
	meta.ExpTime = 1
	var science []string
	for i := range 6 {
		science = append(science, testutil.UnitNLambda(t, dir, fmt.Sprintf("spec1d_%d.fits", i), meta, testutil.LinearWave(4000, 6000, 80)))
	}

	out, err := New(config.DefaultParams().FluxCalib, WithWorkers(4)).Run(context.Background(), science, []string{sens}, nil)
	require.NoError(t, err)
	require.Len(t, out, len(science))
	for i, oc := range out {
		require.True(t, oc.OK(), "%v", oc.Err)
		assert.Equal(t, science[i], oc.Science)
		flam, _ := readFlam(t, science[i])
		assert.InDelta(t, 1.0, flam[10], 1e-4)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	spec := unitSpectrum(t, dir)
	sens := flatSensFile(t, dir, config.AlgorithmUVIS, spec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(config.DefaultParams().FluxCalib).Run(ctx, []string{spec}, []string{sens}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, out, 1)
	assert.ErrorIs(t, out[0].Err, context.Canceled)
}

func TestMatchOrder(t *testing.T) {
	tbl := &models.SensitivityTable{Orders: []models.SensOrder{
		{Det: 3}, {Det: 7}, {Det: 1, EchOrder: 4}, {Det: 1, EchOrder: 5},
	}}

	o, err := matchOrder(tbl, spec1d.NewSpecObj("a", 7, 0))
	require.NoError(t, err)
	assert.Equal(t, 7, o.Det)

	o, err = matchOrder(tbl, spec1d.NewSpecObj("b", 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, o.EchOrder)

	_, err = matchOrder(tbl, spec1d.NewSpecObj("c", 2, 0))
	assert.ErrorIs(t, err, calerr.ErrInput)

	single := &models.SensitivityTable{Orders: []models.SensOrder{{Det: 1}}}
	o, err = matchOrder(single, spec1d.NewSpecObj("d", 4, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, o.Det)
}
