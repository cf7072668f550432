package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/inputfiles"
	"github.com/RMahshie/fluxcal/internal/processing"
	"github.com/RMahshie/fluxcal/internal/repository"
	"github.com/RMahshie/fluxcal/internal/storage"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FITS files are a whole number of blocks.
const fitsBlock = 2880

const urlExpiry = 15 * time.Minute

// RunHandler handles calibration run HTTP requests
type RunHandler struct {
	repo          repository.CalibrationRepository
	store         storage.FileStore
	processingSvc processing.CalibrationService
}

// NewRunHandler creates a new run handler
func NewRunHandler(repo repository.CalibrationRepository, store storage.FileStore, processingSvc processing.CalibrationService) *RunHandler {
	return &RunHandler{
		repo:          repo,
		store:         store,
		processingSvc: processingSvc,
	}
}

func checkFileSize(size int64) error {
	if size < fitsBlock || size%fitsBlock != 0 {
		return huma.Error400BadRequest(fmt.Sprintf("File size %d is not a whole number of %d-byte FITS blocks", size, fitsBlock), nil)
	}
	return nil
}

// CreateSensFunc creates a sensitivity-function run and returns an upload URL for the standard
func (h *RunHandler) CreateSensFunc(ctx context.Context, req *models.CreateSensFuncRequest) (*models.CreateRunResponse, error) {
	log.Info().Int64("fileSize", req.Body.FileSize).Str("algorithm", req.Body.Algorithm).Msg("Creating sensitivity function run")

	if err := checkFileSize(req.Body.FileSize); err != nil {
		return nil, err
	}

	par := config.DefaultParams()
	par.SensFunc.Algorithm = strings.ToUpper(req.Body.Algorithm)
	if strings.TrimSpace(req.Body.Params) != "" {
		var err error
		if par, err = config.ParseParams(par, strings.Split(req.Body.Params, "\n")); err != nil {
			return nil, huma.Error400BadRequest("Invalid parameters", err)
		}
	}
	if err := par.Validate(); err != nil {
		return nil, huma.Error400BadRequest("Invalid parameters", err)
	}

	runID := uuid.New()
	inputKey := fmt.Sprintf("spec1d/%s.fits", runID)
	uploadURL, err := h.store.GenerateUploadURL(ctx, inputKey, storage.ContentTypeFITS)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to prepare upload", err)
	}

	run := &models.CalibrationRun{
		ID:        runID.String(),
		Kind:      models.RunKindSensFunc,
		Status:    models.StatusPending,
		Algorithm: par.SensFunc.Algorithm,
		InputKey:  &inputKey,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if req.Body.Params != "" {
		run.Params = &req.Body.Params
	}
	if err := h.repo.Create(ctx, run); err != nil {
		return nil, huma.Error500InternalServerError("Failed to create run", err)
	}

	log.Info().Str("runID", run.ID).Str("inputKey", inputKey).Msg("Sensitivity function run created")
	return &models.CreateRunResponse{
		Body: models.CreateRunResponseBody{
			ID:        run.ID,
			UploadURL: uploadURL,
			ExpiresIn: int(urlExpiry.Seconds()),
		},
	}, nil
}

// CreateFluxCal validates a flux manifest and creates a flux-calibration run
func (h *RunHandler) CreateFluxCal(ctx context.Context, req *models.CreateFluxCalRequest) (*models.CreateFluxCalResponse, error) {
	manifest, err := inputfiles.Parse(strings.NewReader(req.Body.Manifest),
		inputfiles.WithExists(func(key string) bool {
			ok, err := h.store.Exists(ctx, key)
			return err == nil && ok
		}))
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid flux manifest", err)
	}
	if _, err := manifest.Params(config.DefaultParams()); err != nil {
		return nil, huma.Error400BadRequest("Invalid parameters", err)
	}
	science := manifest.Filenames()
	for _, key := range append(append([]string(nil), science...), manifest.Sensfiles()...) {
		if _, err := storage.CleanKey(key); err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("Invalid file key %q", key), err)
		}
	}

	run := &models.CalibrationRun{
		ID:        uuid.New().String(),
		Kind:      models.RunKindFluxCalib,
		Status:    models.StatusPending,
		Manifest:  &req.Body.Manifest,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := h.repo.Create(ctx, run); err != nil {
		return nil, huma.Error500InternalServerError("Failed to create run", err)
	}

	log.Info().Str("runID", run.ID).Int("exposures", len(science)).Msg("Flux calibration run created")
	return &models.CreateFluxCalResponse{
		Body: models.CreateFluxCalResponseBody{
			ID:        run.ID,
			Science:   science,
			SensFiles: manifest.Sensfiles(),
		},
	}, nil
}

// CreateUpload returns a pre-signed URL for uploading a science or sensitivity file
func (h *RunHandler) CreateUpload(ctx context.Context, req *models.CreateUploadRequest) (*models.CreateUploadResponse, error) {
	if err := checkFileSize(req.Body.FileSize); err != nil {
		return nil, err
	}
	key, err := storage.CleanKey(req.Body.Key)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid file key", err)
	}
	uploadURL, err := h.store.GenerateUploadURL(ctx, key, storage.ContentTypeFITS)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to prepare upload", err)
	}

	resp := &models.CreateUploadResponse{}
	resp.Body.Key = key
	resp.Body.UploadURL = uploadURL
	resp.Body.ExpiresIn = int(urlExpiry.Seconds())
	return resp, nil
}

func (h *RunHandler) getRun(ctx context.Context, id string) (uuid.UUID, *models.CalibrationRun, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, nil, huma.Error400BadRequest("Invalid run ID", err)
	}
	run, err := h.repo.GetByID(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return uuid.Nil, nil, huma.Error404NotFound("Run not found", err)
	}
	if err != nil {
		return uuid.Nil, nil, huma.Error500InternalServerError("Failed to get run", err)
	}
	return runID, run, nil
}

// GetRunStatus returns the current status of a run
func (h *RunHandler) GetRunStatus(ctx context.Context, req *models.GetRunStatusRequest) (*models.GetRunStatusResponse, error) {
	_, run, err := h.getRun(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	body := models.GetRunStatusResponseBody{
		ID:       run.ID,
		Kind:     run.Kind,
		Status:   run.Status,
		Progress: run.Progress,
		Message:  generateStatusMessage(run.Kind, run.Status, run.Progress),
	}
	if run.ErrorMsg != nil {
		body.Error = *run.ErrorMsg
	}
	return &models.GetRunStatusResponse{Body: body}, nil
}

// GetRunResults returns the products of a completed run
func (h *RunHandler) GetRunResults(ctx context.Context, req *models.GetRunResultsRequest) (*models.GetRunResultsResponse, error) {
	runID, run, err := h.getRun(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.StatusCompleted {
		return nil, huma.Error409Conflict("Run not yet completed",
			fmt.Errorf("run status is %s", run.Status))
	}

	body := models.GetRunResultsResponseBody{
		ID:        run.ID,
		Kind:      run.Kind,
		CreatedAt: run.CreatedAt,
	}
	switch run.Kind {
	case models.RunKindSensFunc:
		result, err := h.repo.GetSensFuncResult(ctx, runID)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to get results", err)
		}
		body.SensFunc = result
		if body.DownloadURL, err = h.store.GenerateDownloadURL(ctx, result.SensKey); err != nil {
			return nil, huma.Error500InternalServerError("Failed to prepare download", err)
		}
	case models.RunKindFluxCalib:
		if body.Exposures, err = h.repo.ListExposureOutcomes(ctx, runID); err != nil {
			return nil, huma.Error500InternalServerError("Failed to get results", err)
		}
	}
	return &models.GetRunResultsResponse{Body: body}, nil
}

// StartProcessing starts processing a run whose inputs are uploaded
func (h *RunHandler) StartProcessing(ctx context.Context, req *models.StartProcessingRequest) (*models.StartProcessingResponse, error) {
	runID, run, err := h.getRun(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.StatusPending {
		return nil, huma.Error409Conflict("Run already started",
			fmt.Errorf("run status is %s", run.Status))
	}
	if run.InputKey != nil {
		ok, err := h.store.Exists(ctx, *run.InputKey)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to check upload", err)
		}
		if !ok {
			return nil, huma.Error409Conflict("Standard star spectrum not uploaded yet", nil)
		}
	}

	// Start processing in background (don't wait for completion)
	log.Info().Str("runID", runID.String()).Str("kind", run.Kind).Msg("Starting background processing goroutine")
	go func() {
		if err := h.processingSvc.ProcessRun(context.Background(), runID); err != nil {
			log.Error().Err(err).Str("runID", runID.String()).Msg("Processing failed")
			if uerr := h.repo.UpdateError(context.Background(), runID, fmt.Sprintf("Processing failed: %v", err)); uerr != nil {
				log.Error().Err(uerr).Str("runID", runID.String()).Msg("Failed to record run error")
			}
		}
	}()

	resp := &models.StartProcessingResponse{}
	resp.Body.Message = "Processing started successfully"
	return resp, nil
}

// generateStatusMessage creates a human-readable status message
func generateStatusMessage(kind, status string, progress int) string {
	switch status {
	case models.StatusPending:
		return "Run queued for processing..."
	case models.StatusProcessing:
		switch {
		case progress < 20:
			return "Starting run..."
		case progress < 40:
			return "Downloading input files..."
		case progress < 80:
			if kind == models.RunKindFluxCalib {
				return "Flux calibrating exposures..."
			}
			return "Fitting sensitivity function..."
		default:
			return "Uploading products..."
		}
	case models.StatusCompleted:
		return "Run complete!"
	case models.StatusFailed:
		return "Run failed."
	default:
		return "Unknown status"
	}
}
