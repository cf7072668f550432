package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/spf13/viper"
)

// Sensitivity-function algorithms.
const (
	AlgorithmUVIS = "UVIS"
	AlgorithmIR   = "IR"
)

// Params is the calibration parameter tree.
type Params struct {
	SensFunc  SensFuncParams
	FluxCalib FluxCalibParams
}

// SensFuncParams configures sensitivity-function derivation.
type SensFuncParams struct {
	Algorithm string
	// Override the standard coordinates read from the spec1d header.
	StarRA  *float64
	StarDec *float64
	// Stellar model for IR standards not in the catalogue.
	StarType string
	StarMag  *float64
	// Detectors to stitch into a single spectrum.
	MultiSpecDet []int

	PolyOrder         int
	IRPolyOrder       int
	SigRej            float64
	MaxIter           int
	MinUsable         int
	MaskHydrogenLines bool
	MaskTelluric      bool
	ExtinctFile       string

	PWVGuess            float64
	SNFloor             float64
	MinTelluricCoverage float64
}

// FluxCalibParams configures flux calibration.
type FluxCalibParams struct {
	// nil selects the default implied by the sensitivity table.
	ExtinctCorrect *bool
	ExtinctFile    string
}

// DefaultParams returns the instrument-independent defaults.
func DefaultParams() Params {
	return Params{
		SensFunc: SensFuncParams{
			Algorithm:           AlgorithmUVIS,
			PolyOrder:           5,
			IRPolyOrder:         4,
			SigRej:              3.0,
			MaxIter:             10,
			MinUsable:           20,
			MaskHydrogenLines:   true,
			MaskTelluric:        true,
			ExtinctFile:         "closest",
			PWVGuess:            2.0,
			SNFloor:             3.0,
			MinTelluricCoverage: 0.5,
		},
		FluxCalib: FluxCalibParams{
			ExtinctFile: "closest",
		},
	}
}

// Validate rejects unknown algorithms and inconsistent settings.
func (p Params) Validate() error {
	s := p.SensFunc
	switch s.Algorithm {
	case AlgorithmUVIS, AlgorithmIR:
	default:
		return calerr.UnsupportedAlgorithm("sensfunc.algorithm %q", s.Algorithm)
	}
	if (s.StarRA == nil) != (s.StarDec == nil) {
		return calerr.Configuration("sensfunc.star_ra and sensfunc.star_dec must be set together")
	}
	if s.PolyOrder < 0 || s.IRPolyOrder < 0 {
		return calerr.Configuration("polynomial orders must be non-negative")
	}
	if !(s.SigRej > 0) {
		return calerr.Configuration("sensfunc.sigrej must be positive, got %v", s.SigRej)
	}
	if s.MaxIter < 1 {
		return calerr.Configuration("sensfunc.maxiter must be at least 1, got %d", s.MaxIter)
	}
	if s.MinTelluricCoverage < 0 || s.MinTelluricCoverage > 1 {
		return calerr.Configuration("sensfunc.min_telluric_coverage must lie in [0, 1]")
	}
	if s.PWVGuess <= 0 {
		return calerr.Configuration("sensfunc.pwv_guess must be positive")
	}
	return nil
}

var paramKeys = map[string]bool{
	"sensfunc.algorithm":             true,
	"sensfunc.star_ra":               true,
	"sensfunc.star_dec":              true,
	"sensfunc.star_type":             true,
	"sensfunc.star_mag":              true,
	"sensfunc.multi_spec_det":        true,
	"sensfunc.polyorder":             true,
	"sensfunc.ir_polyorder":          true,
	"sensfunc.sigrej":                true,
	"sensfunc.maxiter":               true,
	"sensfunc.min_usable":            true,
	"sensfunc.mask_hydrogen_lines":   true,
	"sensfunc.mask_telluric":         true,
	"sensfunc.extinct_file":          true,
	"sensfunc.pwv_guess":             true,
	"sensfunc.sn_floor":              true,
	"sensfunc.min_telluric_coverage": true,
	"fluxcalib.extinct_correct":      true,
	"fluxcalib.extinct_file":         true,
}

// ParseParams overlays configuration lines ("[section]" headers and
// "key = value" pairs, '#' comments) onto base.
func ParseParams(base Params, lines []string) (Params, error) {
	m, err := parseConfigLines(lines)
	if err != nil {
		return Params{}, err
	}
	v := newParamsViper(base)
	if err := v.MergeConfigMap(m); err != nil {
		return Params{}, calerr.Configuration("merge parameters: %v", err)
	}
	return paramsFromViper(v)
}

// LoadParamsFile overlays a TOML, YAML or JSON parameter file onto base.
func LoadParamsFile(base Params, path string) (Params, error) {
	v := newParamsViper(base)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Params{}, calerr.Input("read parameter file %s: %v", path, err)
	}
	for _, key := range v.AllKeys() {
		if !paramKeys[key] {
			return Params{}, calerr.Configuration("unrecognized parameter %s in %s", key, path)
		}
	}
	return paramsFromViper(v)
}

func newParamsViper(base Params) *viper.Viper {
	v := viper.New()
	s := base.SensFunc
	v.SetDefault("sensfunc.algorithm", s.Algorithm)
	setDefaultPtr(v, "sensfunc.star_ra", s.StarRA)
	setDefaultPtr(v, "sensfunc.star_dec", s.StarDec)
	v.SetDefault("sensfunc.star_type", s.StarType)
	setDefaultPtr(v, "sensfunc.star_mag", s.StarMag)
	v.SetDefault("sensfunc.multi_spec_det", s.MultiSpecDet)
	v.SetDefault("sensfunc.polyorder", s.PolyOrder)
	v.SetDefault("sensfunc.ir_polyorder", s.IRPolyOrder)
	v.SetDefault("sensfunc.sigrej", s.SigRej)
	v.SetDefault("sensfunc.maxiter", s.MaxIter)
	v.SetDefault("sensfunc.min_usable", s.MinUsable)
	v.SetDefault("sensfunc.mask_hydrogen_lines", s.MaskHydrogenLines)
	v.SetDefault("sensfunc.mask_telluric", s.MaskTelluric)
	v.SetDefault("sensfunc.extinct_file", s.ExtinctFile)
	v.SetDefault("sensfunc.pwv_guess", s.PWVGuess)
	v.SetDefault("sensfunc.sn_floor", s.SNFloor)
	v.SetDefault("sensfunc.min_telluric_coverage", s.MinTelluricCoverage)
	if base.FluxCalib.ExtinctCorrect != nil {
		v.SetDefault("fluxcalib.extinct_correct", *base.FluxCalib.ExtinctCorrect)
	}
	v.SetDefault("fluxcalib.extinct_file", base.FluxCalib.ExtinctFile)
	return v
}

func setDefaultPtr(v *viper.Viper, key string, p *float64) {
	if p != nil {
		v.SetDefault(key, *p)
	}
}

func paramsFromViper(v *viper.Viper) (Params, error) {
	var p Params
	s := &p.SensFunc
	s.Algorithm = strings.ToUpper(v.GetString("sensfunc.algorithm"))
	s.StarRA = floatPtr(v, "sensfunc.star_ra")
	s.StarDec = floatPtr(v, "sensfunc.star_dec")
	s.StarType = v.GetString("sensfunc.star_type")
	s.StarMag = floatPtr(v, "sensfunc.star_mag")
	dets, err := intSlice(v.Get("sensfunc.multi_spec_det"))
	if err != nil {
		return Params{}, calerr.Configuration("sensfunc.multi_spec_det: %v", err)
	}
	s.MultiSpecDet = dets
	s.PolyOrder = v.GetInt("sensfunc.polyorder")
	s.IRPolyOrder = v.GetInt("sensfunc.ir_polyorder")
	s.SigRej = v.GetFloat64("sensfunc.sigrej")
	s.MaxIter = v.GetInt("sensfunc.maxiter")
	s.MinUsable = v.GetInt("sensfunc.min_usable")
	s.MaskHydrogenLines = v.GetBool("sensfunc.mask_hydrogen_lines")
	s.MaskTelluric = v.GetBool("sensfunc.mask_telluric")
	s.ExtinctFile = v.GetString("sensfunc.extinct_file")
	s.PWVGuess = v.GetFloat64("sensfunc.pwv_guess")
	s.SNFloor = v.GetFloat64("sensfunc.sn_floor")
	s.MinTelluricCoverage = v.GetFloat64("sensfunc.min_telluric_coverage")

	if v.IsSet("fluxcalib.extinct_correct") && v.Get("fluxcalib.extinct_correct") != nil {
		b := v.GetBool("fluxcalib.extinct_correct")
		p.FluxCalib.ExtinctCorrect = &b
	}
	p.FluxCalib.ExtinctFile = v.GetString("fluxcalib.extinct_file")

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func floatPtr(v *viper.Viper, key string) *float64 {
	if !v.IsSet(key) || v.Get(key) == nil {
		return nil
	}
	f := v.GetFloat64(key)
	return &f
}

func intSlice(val any) ([]int, error) {
	switch t := val.(type) {
	case nil:
		return nil, nil
	case int:
		return []int{t}, nil
	case []int:
		return append([]int(nil), t...), nil
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			case float64:
				if n != float64(int(n)) {
					return nil, fmt.Errorf("non-integer detector %v", n)
				}
				out = append(out, int(n))
			default:
				return nil, fmt.Errorf("invalid detector %v", e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid detector list %v", val)
	}
}

// parseConfigLines turns configuration lines into a nested map. Nested
// section headers ("[[sub]]") open a subsection of the current section.
func parseConfigLines(lines []string) (map[string]any, error) {
	root := make(map[string]any)
	var path []string
	for n, raw := range lines {
		line := stripComment(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			depth := 0
			for depth < len(line) && line[depth] == '[' {
				depth++
			}
			if !strings.HasSuffix(line, strings.Repeat("]", depth)) {
				return nil, calerr.Configuration("line %d: malformed section header %q", n+1, raw)
			}
			name := strings.ToLower(strings.TrimSpace(line[depth : len(line)-depth]))
			if name == "" || depth-1 > len(path) {
				return nil, calerr.Configuration("line %d: malformed section header %q", n+1, raw)
			}
			path = append(path[:depth-1], name)
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, calerr.Configuration("line %d: expected key = value, got %q", n+1, raw)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if len(path) == 0 {
			return nil, calerr.Configuration("line %d: parameter %s outside a section", n+1, key)
		}
		full := strings.Join(append(append([]string(nil), path...), key), ".")
		if !paramKeys[full] {
			return nil, calerr.Configuration("line %d: unrecognized parameter %s", n+1, full)
		}

		node := root
		for _, p := range path {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[key] = parseValue(strings.TrimSpace(value))
	}
	return root, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "", "none":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = strings.TrimSpace(s[1 : len(s)-1])
		if s == "" {
			return []any{}
		}
		return parseList(s)
	}
	if strings.Contains(s, ",") {
		return parseList(s)
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.Trim(s, `"'`)
}

func parseList(s string) []any {
	parts := strings.Split(s, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, parseValue(p))
		}
	}
	return out
}

// Lines renders the non-default values of p as configuration lines.
func (p Params) Lines() []string {
	def := DefaultParams()
	var sens, flux []string
	add := func(dst *[]string, key string, val any) {
		*dst = append(*dst, fmt.Sprintf("  %s = %s", key, formatValue(val)))
	}
	s, d := p.SensFunc, def.SensFunc
	if s.Algorithm != d.Algorithm {
		add(&sens, "algorithm", s.Algorithm)
	}
	if s.StarRA != nil && s.StarDec != nil {
		add(&sens, "star_ra", *s.StarRA)
		add(&sens, "star_dec", *s.StarDec)
	}
	if s.StarType != "" {
		add(&sens, "star_type", s.StarType)
	}
	if s.StarMag != nil {
		add(&sens, "star_mag", *s.StarMag)
	}
	if len(s.MultiSpecDet) > 0 {
		add(&sens, "multi_spec_det", s.MultiSpecDet)
	}
	if s.PolyOrder != d.PolyOrder {
		add(&sens, "polyorder", s.PolyOrder)
	}
	if p.FluxCalib.ExtinctCorrect != nil {
		add(&flux, "extinct_correct", *p.FluxCalib.ExtinctCorrect)
	}
	if p.FluxCalib.ExtinctFile != def.FluxCalib.ExtinctFile {
		add(&flux, "extinct_file", p.FluxCalib.ExtinctFile)
	}

	var out []string
	if len(sens) > 0 {
		out = append(append(out, "[sensfunc]"), sens...)
	}
	if len(flux) > 0 {
		out = append(append(out, "[fluxcalib]"), flux...)
	}
	return out
}

func formatValue(val any) string {
	switch t := val.(type) {
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []int:
		parts := make([]string, len(t))
		for i, v := range t {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

// Keys returns the recognized parameter keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(paramKeys))
	for k := range paramKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
