package standards

import (
	"math"
	"strings"
	"testing"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestFindByCoordinates(t *testing.T) {
	s, err := FindByCoordinates(159.9042, 43.1025, DefaultTolerance)
	require.NoError(t, err)
	assert.Equal(t, "Feige 34", s.Name)

	// 10 arcmin north of Feige 66
	s, err = FindByCoordinates(189.3479, 25.0667+10.0/60, DefaultTolerance)
	require.NoError(t, err)
	assert.Equal(t, "feige66_002.fits", s.File)

	_, err = FindByCoordinates(189.3479, 25.0667+30.0/60, DefaultTolerance)
	assert.ErrorIs(t, err, calerr.ErrStandardNotFound)
}

func TestFind(t *testing.T) {
	tests := []struct {
		name    string
		ra, dec *float64
		target  string
		want    string
		wantErr bool
	}{
		{"coordinates", ptr(76.3775), ptr(52.8311), "", "G191B2B", false},
		{"name only", nil, nil, "feige-66", "Feige 66", false},
		{"name with spaces", nil, nil, " bd+28 4211 ", "BD+28 4211", false},
		{"coordinates miss falls back to name", ptr(10), ptr(10), "HZ44", "HZ 44", false},
		{"nothing matches", ptr(10), ptr(10), "", "", true},
		{"unknown name", nil, nil, "Vega", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Find(tt.ra, tt.dec, tt.target, DefaultTolerance)
			if tt.wantErr {
				assert.ErrorIs(t, err, calerr.ErrStandardNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name)
		})
	}
}

func TestSeparation(t *testing.T) {
	assert.InDelta(t, 0.0, Separation(10, 20, 10, 20), 1e-12)
	assert.InDelta(t, 1.0, Separation(10, 20, 10, 21), 1e-9)
	assert.InDelta(t, 180.0, Separation(0, 90, 0, -90), 1e-9)
	assert.InDelta(t, math.Cos(60*math.Pi/180), Separation(0, 60, 1, 60), 1e-4)
}

func TestBlackbodyNormalisation(t *testing.T) {
	f := BlackbodyFlux([]float64{vWave, 4000, 9000}, 30000, 10)
	assert.InDelta(t, 3.63e-9*1e-4/1e-17, f[0], 1e-6*f[0])
	assert.Greater(t, f[1], f[0], "hot star is bluer")
	assert.Greater(t, f[0], f[2])
}

func TestCatalogueFluxIsPositive(t *testing.T) {
	wave := []float64{3200, 5000, 9000, 22000}
	for i := range Catalogue {
		for _, v := range Catalogue[i].Flux(wave) {
			assert.Greater(t, v, 0.0, Catalogue[i].Name)
		}
	}
}

func TestTabulatedStarKeepsZeroFlux(t *testing.T) {
	s, err := ParseTable("custom", 1, 2, strings.NewReader("# wave flux\n4000 10\n4500 0\n5000 0\n5500 8\n"))
	require.NoError(t, err)

	f := s.Flux([]float64{3000, 4000, 4750, 5500, 6000})
	assert.Equal(t, []float64{0, 10, 0, 8, 0}, f)

	_, err = ParseTable("bad", 0, 0, strings.NewReader("4000\n"))
	assert.ErrorIs(t, err, calerr.ErrInput)
}

func TestTeffForType(t *testing.T) {
	teff, err := TeffForType("a0v")
	require.NoError(t, err)
	assert.Equal(t, 9700.0, teff)

	teff, err = TeffForType("G2V")
	require.NoError(t, err)
	assert.Equal(t, 5700.0, teff)

	_, err = TeffForType("WR")
	assert.ErrorIs(t, err, calerr.ErrConfiguration)
}
