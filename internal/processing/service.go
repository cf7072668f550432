package processing

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/fitting"
	"github.com/RMahshie/fluxcal/internal/fluxcalib"
	"github.com/RMahshie/fluxcal/internal/inputfiles"
	"github.com/RMahshie/fluxcal/internal/qa"
	"github.com/RMahshie/fluxcal/internal/repository"
	"github.com/RMahshie/fluxcal/internal/sensfunc"
	"github.com/RMahshie/fluxcal/internal/spectrograph"
	"github.com/RMahshie/fluxcal/internal/storage"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Storage key prefixes of run products.
const (
	SensFuncPrefix = "sensfunc/"
	QAPrefix       = "qa/"
	FluxedPrefix   = "fluxed/"
)

type CalibrationService interface {
	ProcessRun(ctx context.Context, runID uuid.UUID) error
	ProcessSensFunc(ctx context.Context, runID uuid.UUID) error
	ProcessFluxCalib(ctx context.Context, runID uuid.UUID) error
}

type calibrationService struct {
	store      storage.FileStore
	repository repository.CalibrationRepository
	paramsFile string // optional site-wide parameter file
	workers    int
}

func NewCalibrationService(store storage.FileStore, repo repository.CalibrationRepository, paramsFile string, workers int) CalibrationService {
	if workers < 1 {
		workers = 1
	}
	return &calibrationService{
		store:      store,
		repository: repo,
		paramsFile: paramsFile,
		workers:    workers,
	}
}

// ProcessRun dispatches on the run kind.
func (s *calibrationService) ProcessRun(ctx context.Context, runID uuid.UUID) error {
	run, err := s.repository.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Kind {
	case models.RunKindSensFunc:
		return s.ProcessSensFunc(ctx, runID)
	case models.RunKindFluxCalib:
		return s.ProcessFluxCalib(ctx, runID)
	}
	return fmt.Errorf("unknown run kind %q", run.Kind)
}

// fail records a failed run. The run status carries the failure, so
// callers return nil afterwards.
func (s *calibrationService) fail(ctx context.Context, runID uuid.UUID, msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	log.Warn().Str("runID", runID.String()).Str("kind", calerr.Kind(err)).Msg(msg)
	if uerr := s.repository.UpdateError(ctx, runID, msg); uerr != nil {
		log.Error().Err(uerr).Str("runID", runID.String()).Msg("Failed to record run error")
	}
}

// params resolves the parameters of a run: spectrograph defaults, the
// site-wide parameter file, then the run's own overrides.
func (s *calibrationService) params(specName string, run *models.CalibrationRun) (config.Params, error) {
	par := config.DefaultParams()
	if specName != "" {
		spec, err := spectrograph.Load(specName)
		if err != nil {
			return config.Params{}, err
		}
		par = spec.DefaultParams()
	}
	if s.paramsFile != "" {
		var err error
		if par, err = config.LoadParamsFile(par, s.paramsFile); err != nil {
			return config.Params{}, err
		}
	}
	if run.Params != nil && strings.TrimSpace(*run.Params) != "" {
		var err error
		if par, err = config.ParseParams(par, strings.Split(*run.Params, "\n")); err != nil {
			return config.Params{}, err
		}
	}
	if run.Algorithm != "" {
		par.SensFunc.Algorithm = strings.ToUpper(run.Algorithm)
	}
	return par, par.Validate()
}

// fetch downloads key into dir and returns the local path.
func (s *calibrationService) fetch(ctx context.Context, dir, key string) (string, error) {
	data, err := s.store.Download(ctx, key)
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", err
	}
	return local, nil
}

func (s *calibrationService) ProcessSensFunc(ctx context.Context, runID uuid.UUID) error {
	// Step 1: Update to processing status
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 10); err != nil {
		return err
	}

	// Step 2: Get run details
	run, err := s.repository.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.InputKey == nil {
		s.fail(ctx, runID, "Run has no standard star spectrum", nil)
		return nil
	}

	// Step 3: Download the standard
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 20); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp("", "fluxcal-"+runID.String())
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	specFile, err := s.fetch(ctx, workDir, *run.InputKey)
	if err != nil {
		s.fail(ctx, runID, "Failed to download standard star spectrum", err)
		return nil
	}

	// Step 4: Resolve parameters from the spectrograph of the standard
	std, err := spectrograph.ReadStandard(specFile)
	if err != nil {
		s.fail(ctx, runID, "Invalid standard star spectrum", err)
		return nil
	}
	par, err := s.params(std.Meta.Spectrograph, run)
	if err != nil {
		s.fail(ctx, runID, "Invalid parameters", err)
		return nil
	}

	// Step 5: Fit
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 40); err != nil {
		return err
	}
	sensFile := filepath.Join(workDir, "sens_"+runID.String()+".fits")
	sf, err := sensfunc.New(specFile, sensFile, par)
	if err != nil {
		s.fail(ctx, runID, "Failed to load standard", err)
		return nil
	}
	if err := sf.Run(ctx); err != nil {
		s.fail(ctx, runID, "Sensitivity function fit failed", err)
		return nil
	}
	if err := sf.ToFile(""); err != nil {
		s.fail(ctx, runID, "Failed to write sensitivity function", err)
		return nil
	}

	// Step 6: Upload products
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 80); err != nil {
		return err
	}
	sensKey := SensFuncPrefix + runID.String() + ".fits"
	data, err := os.ReadFile(sf.SensFile)
	if err != nil {
		s.fail(ctx, runID, "Failed to read sensitivity function", err)
		return nil
	}
	if err := storage.UploadBytes(ctx, s.store, sensKey, data); err != nil {
		s.fail(ctx, runID, "Failed to upload sensitivity function", err)
		return nil
	}

	var qaKey *string
	var png bytes.Buffer
	if err := qa.WritePNG(&png, sf.Table); err != nil {
		log.Warn().Err(err).Str("runID", runID.String()).Msg("QA plot failed")
	} else {
		key := QAPrefix + runID.String() + ".png"
		if err := storage.UploadBytes(ctx, s.store, key, png.Bytes()); err != nil {
			log.Warn().Err(err).Str("runID", runID.String()).Msg("QA plot upload failed")
		} else {
			qaKey = &key
		}
	}

	// Step 7: Store results
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 90); err != nil {
		return err
	}
	result := &models.SensFuncResult{
		ID:                 uuid.NewString(),
		RunID:              run.ID,
		Algorithm:          sf.Table.Algorithm,
		Target:             sf.Table.Meta.Target,
		StdCal:             sf.Table.StdCal,
		Airmass:            sf.Table.Meta.Airmass,
		ExtinctionIncluded: sf.Table.ExtinctionIncluded,
		SensKey:            sensKey,
		QAKey:              qaKey,
		Orders:             Summarize(sf.Table),
	}
	if err := s.repository.StoreSensFuncResult(ctx, result); err != nil {
		return err
	}
	if err := s.repository.SetOutputKey(ctx, runID, sensKey); err != nil {
		return err
	}

	// Step 8: Mark complete
	return s.repository.UpdateStatus(ctx, runID, models.StatusCompleted, 100)
}

// Summarize condenses every order of tbl.
func Summarize(tbl *models.SensitivityTable) []models.OrderSummary {
	out := make([]models.OrderSummary, len(tbl.Orders))
	for i := range tbl.Orders {
		o := &tbl.Orders[i]
		out[i] = models.OrderSummary{
			Det:            o.Det,
			EchOrder:       o.EchOrder,
			WaveMin:        o.WaveMin(),
			WaveMax:        o.WaveMax(),
			MaskedFraction: o.MaskedFraction(),
			FullyMasked:    o.FullyMasked,
		}
		if !o.FullyMasked && o.Len() > 0 {
			out[i].MedianZeroPoint = fitting.Median(o.ZeroPoint)
			keep := make([]bool, o.Len())
			for k, m := range o.Mask {
				keep[k] = !m && o.ZeroPointIvar[k] > 0
			}
			if zp := fitting.WeightedMean(o.ZeroPointData, o.ZeroPointIvar, keep); !math.IsNaN(zp) {
				out[i].WeightedZeroPoint = zp
			}
		}
	}
	return out
}

func (s *calibrationService) ProcessFluxCalib(ctx context.Context, runID uuid.UUID) error {
	// Step 1: Update to processing status
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 10); err != nil {
		return err
	}

	// Step 2: Get run details and parse the manifest
	run, err := s.repository.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Manifest == nil {
		s.fail(ctx, runID, "Run has no flux manifest", nil)
		return nil
	}
	manifest, err := inputfiles.Parse(strings.NewReader(*run.Manifest),
		inputfiles.WithExists(func(key string) bool {
			ok, err := s.store.Exists(ctx, key)
			return err == nil && ok
		}))
	if err != nil {
		s.fail(ctx, runID, "Invalid flux manifest", err)
		return nil
	}
	par, err := s.params("", run)
	if err == nil {
		par, err = manifest.Params(par)
	}
	if err != nil {
		s.fail(ctx, runID, "Invalid parameters", err)
		return nil
	}
	pairs := manifest.Pairs()

	// Step 3: Download inputs
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 20); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp("", "fluxcal-"+runID.String())
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	local := make(map[string]string)
	fetchErr := make(map[string]error)
	get := func(key string) {
		if key == "" {
			return
		}
		if _, done := local[key]; done {
			return
		}
		if _, failed := fetchErr[key]; failed {
			return
		}
		p, err := s.fetch(ctx, workDir, key)
		if err != nil {
			fetchErr[key] = calerr.Input("download %s: %v", key, err)
			return
		}
		local[key] = p
	}
	for _, p := range pairs {
		get(p.Science)
		get(p.SensFile)
	}

	// Step 4: Calibrate the exposures whose inputs are available
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 50); err != nil {
		return err
	}
	outcomes := make([]models.ExposureOutcome, len(pairs))
	var sci, sens, outs []string
	var idx []int
	for i, p := range pairs {
		outcomes[i] = models.ExposureOutcome{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			ScienceKey: p.Science,
			SensKey:    p.SensFile,
		}
		if err := firstErr(fetchErr[p.Science], fetchErr[p.SensFile]); err != nil {
			setFailure(&outcomes[i], err)
			continue
		}
		idx = append(idx, i)
		sci = append(sci, local[p.Science])
		sens = append(sens, local[p.SensFile])
		outs = append(outs, filepath.Join(workDir, "out", fmt.Sprintf("%04d_%s", i, path.Base(p.Science))))
	}
	if len(sci) > 0 {
		if err := os.MkdirAll(filepath.Join(workDir, "out"), 0o755); err != nil {
			return err
		}
		cal := fluxcalib.New(par.FluxCalib, fluxcalib.WithWorkers(s.workers))
		results, err := cal.Run(ctx, sci, sens, outs)
		if err != nil {
			s.fail(ctx, runID, "Flux calibration aborted", err)
			return nil
		}
		for j, res := range results {
			oc := &outcomes[idx[j]]
			if !res.OK() {
				setFailure(oc, res.Err)
				continue
			}
			oc.ExtinctionCorrected = res.ExtinctionCorrected
			oc.Status = models.StatusCalibrated
		}
	}

	// Step 5: Upload products and store outcomes
	if err := s.repository.UpdateStatus(ctx, runID, models.StatusProcessing, 80); err != nil {
		return err
	}
	calibrated := 0
	for j, i := range idx {
		oc := &outcomes[i]
		if oc.Status != models.StatusCalibrated {
			continue
		}
		key := fmt.Sprintf("%s%s/%04d_%s", FluxedPrefix, runID, i, path.Base(oc.ScienceKey))
		data, err := os.ReadFile(outs[j])
		if err == nil {
			err = storage.UploadBytes(ctx, s.store, key, data)
		}
		if err != nil {
			setFailure(oc, fmt.Errorf("upload %s: %w", key, err))
			continue
		}
		oc.OutputKey = &key
		calibrated++
	}
	for i := range outcomes {
		if err := s.repository.StoreExposureOutcome(ctx, &outcomes[i]); err != nil {
			return err
		}
	}

	// Step 6: Mark complete
	log.Info().
		Str("runID", runID.String()).
		Int("exposures", len(outcomes)).
		Int("calibrated", calibrated).
		Msg("Flux calibration run finished")
	if calibrated == 0 {
		s.fail(ctx, runID, "No exposure was calibrated", nil)
		return nil
	}
	if err := s.repository.SetOutputKey(ctx, runID, FluxedPrefix+runID.String()+"/"); err != nil {
		return err
	}
	return s.repository.UpdateStatus(ctx, runID, models.StatusCompleted, 100)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func setFailure(oc *models.ExposureOutcome, err error) {
	kind, msg := calerr.Kind(err), err.Error()
	oc.Status = models.StatusFailed
	oc.ErrorKind = &kind
	oc.ErrorMsg = &msg
}
