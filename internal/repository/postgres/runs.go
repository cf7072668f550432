package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RMahshie/fluxcal/internal/repository"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/google/uuid"
)

// CalibrationRepository implements repository.CalibrationRepository for PostgreSQL
type CalibrationRepository struct {
	db *sql.DB
}

// NewCalibrationRepository creates a new PostgreSQL calibration repository
func NewCalibrationRepository(db *sql.DB) repository.CalibrationRepository {
	return &CalibrationRepository{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, repository.ErrNotFound)
	}
	return err
}

// Create inserts a new run record
func (r *CalibrationRepository) Create(ctx context.Context, run *models.CalibrationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = models.StatusPending
	}

	query := `
		INSERT INTO calibration_runs (id, kind, status, progress, algorithm, input_key, params, manifest, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Kind,
		run.Status,
		run.Progress,
		run.Algorithm,
		run.InputKey,
		run.Params,
		run.Manifest,
		run.CreatedAt,
		run.UpdatedAt)
	return err
}

// GetByID retrieves a run by ID
func (r *CalibrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CalibrationRun, error) {
	query := `
		SELECT id, kind, status, progress, algorithm, input_key, params, manifest, output_key,
		       error_message, created_at, updated_at, completed_at
		FROM calibration_runs
		WHERE id = $1`

	var run models.CalibrationRun
	var inputKey, params, manifest, outputKey, errorMsg sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Kind,
		&run.Status,
		&run.Progress,
		&run.Algorithm,
		&inputKey,
		&params,
		&manifest,
		&outputKey,
		&errorMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
		&completedAt)
	if err != nil {
		return nil, notFound(err, "run "+id.String())
	}

	run.InputKey = nullString(inputKey)
	run.Params = nullString(params)
	run.Manifest = nullString(manifest)
	run.OutputKey = nullString(outputKey)
	run.ErrorMsg = nullString(errorMsg)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// UpdateStatus updates the status and progress of a run
func (r *CalibrationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error {
	query := `
		UPDATE calibration_runs
		SET status = $1, progress = $2, updated_at = NOW(),
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
		WHERE id = $3`

	_, err := r.db.ExecContext(ctx, query, status, progress, id)
	return err
}

// UpdateError marks a run failed with the given message
func (r *CalibrationRepository) UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error {
	query := `
		UPDATE calibration_runs
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2`

	_, err := r.db.ExecContext(ctx, query, errorMsg, id)
	return err
}

// SetOutputKey records the storage key of the run's main product
func (r *CalibrationRepository) SetOutputKey(ctx context.Context, id uuid.UUID, key string) error {
	query := `UPDATE calibration_runs SET output_key = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, key, id)
	return err
}

// StoreSensFuncResult stores the summary of a sensitivity-function run
func (r *CalibrationRepository) StoreSensFuncResult(ctx context.Context, result *models.SensFuncResult) error {
	orders, err := json.Marshal(result.Orders)
	if err != nil {
		return fmt.Errorf("failed to marshal orders: %w", err)
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO sensfunc_results (id, run_id, algorithm, target, std_cal, airmass, extinction_included, sens_key, qa_key, orders, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		result.ID,
		result.RunID,
		result.Algorithm,
		result.Target,
		result.StdCal,
		result.Airmass,
		result.ExtinctionIncluded,
		result.SensKey,
		result.QAKey,
		string(orders),
		result.CreatedAt)
	return err
}

// GetSensFuncResult retrieves the summary of a sensitivity-function run
func (r *CalibrationRepository) GetSensFuncResult(ctx context.Context, runID uuid.UUID) (*models.SensFuncResult, error) {
	query := `
		SELECT id, run_id, algorithm, target, std_cal, airmass, extinction_included, sens_key, qa_key, orders, created_at
		FROM sensfunc_results
		WHERE run_id = $1`

	var result models.SensFuncResult
	var qaKey sql.NullString
	var orders []byte

	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&result.ID,
		&result.RunID,
		&result.Algorithm,
		&result.Target,
		&result.StdCal,
		&result.Airmass,
		&result.ExtinctionIncluded,
		&result.SensKey,
		&qaKey,
		&orders,
		&result.CreatedAt)
	if err != nil {
		return nil, notFound(err, "sensfunc result of run "+runID.String())
	}

	result.QAKey = nullString(qaKey)
	if err := json.Unmarshal(orders, &result.Orders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orders: %w", err)
	}
	return &result, nil
}

// StoreExposureOutcome stores the outcome of one calibrated exposure
func (r *CalibrationRepository) StoreExposureOutcome(ctx context.Context, outcome *models.ExposureOutcome) error {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO exposure_outcomes (id, run_id, science_key, sens_key, output_key, status, error_kind, error_message, extinction_corrected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		outcome.ID,
		outcome.RunID,
		outcome.ScienceKey,
		outcome.SensKey,
		outcome.OutputKey,
		outcome.Status,
		outcome.ErrorKind,
		outcome.ErrorMsg,
		outcome.ExtinctionCorrected,
		outcome.CreatedAt)
	return err
}

// ListExposureOutcomes retrieves the exposure outcomes of a run in creation order
func (r *CalibrationRepository) ListExposureOutcomes(ctx context.Context, runID uuid.UUID) ([]models.ExposureOutcome, error) {
	query := `
		SELECT id, run_id, science_key, sens_key, output_key, status, error_kind, error_message, extinction_corrected, created_at
		FROM exposure_outcomes
		WHERE run_id = $1
		ORDER BY created_at, science_key`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.ExposureOutcome
	for rows.Next() {
		var o models.ExposureOutcome
		var outputKey, errorKind, errorMsg sql.NullString

		if err := rows.Scan(
			&o.ID,
			&o.RunID,
			&o.ScienceKey,
			&o.SensKey,
			&outputKey,
			&o.Status,
			&errorKind,
			&errorMsg,
			&o.ExtinctionCorrected,
			&o.CreatedAt); err != nil {
			return nil, err
		}
		o.OutputKey = nullString(outputKey)
		o.ErrorKind = nullString(errorKind)
		o.ErrorMsg = nullString(errorMsg)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
