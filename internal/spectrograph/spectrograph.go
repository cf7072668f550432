// Package spectrograph describes the instruments the calibration pipeline
// knows about: where they observe from, how they are reduced and the
// default calibration parameters for each.
package spectrograph

import (
	"sort"
	"strings"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/pkg/models"
)

// Telescope is the observing site of a spectrograph.
type Telescope struct {
	Name      string
	Longitude float64
	Latitude  float64
	Elevation float64
}

// Spectrograph is the per-instrument collaborator consumed by the
// calibration core.
type Spectrograph interface {
	Name() string
	Pypeline() string
	Telescope() Telescope
	// NumDetectors is the number of detectors, or orders for echelle
	// instruments.
	NumDetectors() int
	DefaultParams() config.Params
	LoadStdSpectrum(path string) (*spec1d.SpecObjs, error)
}

type spectrograph struct {
	name      string
	pypeline  string
	telescope Telescope
	ndet      int
	tweak     func(*config.Params)

	// instrument is the INSTRUME card of raw exposures read by rawStd.
	instrument string
	rawStd     rawLoader
}

func (s *spectrograph) Name() string         { return s.name }
func (s *spectrograph) Pypeline() string     { return s.pypeline }
func (s *spectrograph) Telescope() Telescope { return s.telescope }
func (s *spectrograph) NumDetectors() int    { return s.ndet }

func (s *spectrograph) DefaultParams() config.Params {
	p := config.DefaultParams()
	if s.tweak != nil {
		s.tweak(&p)
	}
	return p
}

var (
	lick    = Telescope{Name: "SHANE", Longitude: -121.6429, Latitude: 37.3414, Elevation: 1283}
	palomar = Telescope{Name: "P200", Longitude: -116.8650, Latitude: 33.3564, Elevation: 1712}
	keck    = Telescope{Name: "KECK", Longitude: -155.4781, Latitude: 19.8283, Elevation: 4160}
	gemN    = Telescope{Name: "GEMINI-N", Longitude: -155.4690, Latitude: 19.8238, Elevation: 4213}
	vlt     = Telescope{Name: "VLT", Longitude: -70.4045, Latitude: -24.6272, Elevation: 2635}
)

func irDefaults(p *config.Params) {
	p.SensFunc.Algorithm = config.AlgorithmIR
}

var registry = map[string]*spectrograph{
	"shane_kast_blue": {name: "shane_kast_blue", pypeline: models.PypelineMultiSlit, telescope: lick, ndet: 1},
	"shane_kast_red":  {name: "shane_kast_red", pypeline: models.PypelineMultiSlit, telescope: lick, ndet: 1},
	"p200_dbsp_blue":  {name: "p200_dbsp_blue", pypeline: models.PypelineMultiSlit, telescope: palomar, ndet: 1},
	"p200_dbsp_red":   {name: "p200_dbsp_red", pypeline: models.PypelineMultiSlit, telescope: palomar, ndet: 1},
	"keck_deimos": {
		name: "keck_deimos", pypeline: models.PypelineMultiSlit, telescope: keck, ndet: 8,
		tweak: func(p *config.Params) {
			p.SensFunc.MultiSpecDet = []int{3, 7}
		},
		instrument: "DEIMOS",
		rawStd:     loadDeimos,
	},
	"keck_nires":   {name: "keck_nires", pypeline: models.PypelineEchelle, telescope: keck, ndet: 5, tweak: irDefaults},
	"gemini_gnirs": {name: "gemini_gnirs", pypeline: models.PypelineEchelle, telescope: gemN, ndet: 6, tweak: irDefaults},
	"vlt_xshooter_nir": {
		name: "vlt_xshooter_nir", pypeline: models.PypelineEchelle, telescope: vlt, ndet: 16,
		tweak: func(p *config.Params) {
			irDefaults(p)
			p.SensFunc.IRPolyOrder = 6
		},
	},
}

// Load returns the named spectrograph.
func Load(name string) (Spectrograph, error) {
	s, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, calerr.Input("unknown spectrograph %q", name)
	}
	return s, nil
}

// Names lists the supported spectrographs, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
