package repository

import (
	"context"
	"errors"

	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a run or result does not exist.
var ErrNotFound = errors.New("repository: not found")

// RunRepository defines the interface for calibration run operations
type RunRepository interface {
	Create(ctx context.Context, run *models.CalibrationRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CalibrationRun, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error
	UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error
	SetOutputKey(ctx context.Context, id uuid.UUID, key string) error
}

// ResultRepository defines the interface for calibration result operations
type ResultRepository interface {
	StoreSensFuncResult(ctx context.Context, result *models.SensFuncResult) error
	GetSensFuncResult(ctx context.Context, runID uuid.UUID) (*models.SensFuncResult, error)
	StoreExposureOutcome(ctx context.Context, outcome *models.ExposureOutcome) error
	ListExposureOutcomes(ctx context.Context, runID uuid.UUID) ([]models.ExposureOutcome, error)
}

// CalibrationRepository combines run and result operations
type CalibrationRepository interface {
	RunRepository
	ResultRepository
}
