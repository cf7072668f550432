package api

import (
	"context"
	"net/http"
	"time"

	"github.com/RMahshie/fluxcal/internal/api/handlers"
	"github.com/RMahshie/fluxcal/internal/processing"
	"github.com/RMahshie/fluxcal/internal/repository"
	"github.com/RMahshie/fluxcal/internal/storage"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/danielgtaylor/huma/v2"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// RegisterRoutes sets up all API routes
func RegisterRoutes(api huma.API, store storage.FileStore, repo repository.CalibrationRepository, processingSvc processing.CalibrationService) {
	runHandler := handlers.NewRunHandler(repo, store, processingSvc)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service",
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		resp := &models.HealthResponse{}
		resp.Body.Status = "healthy"
		resp.Body.Version = Version
		resp.Body.Time = time.Now()
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "createSensFunc",
		Method:      http.MethodPost,
		Path:        "/api/sensfuncs",
		Summary:     "Create a sensitivity function run",
		Description: "Creates a sensitivity function run and returns an upload URL for the standard star spec1d file",
		Tags:        []string{"SensFunc"},
	}, runHandler.CreateSensFunc)

	huma.Register(api, huma.Operation{
		OperationID: "createFluxCal",
		Method:      http.MethodPost,
		Path:        "/api/fluxcals",
		Summary:     "Create a flux calibration run",
		Description: "Validates a flux manifest and creates a flux calibration run",
		Tags:        []string{"FluxCalib"},
	}, runHandler.CreateFluxCal)

	huma.Register(api, huma.Operation{
		OperationID: "createUpload",
		Method:      http.MethodPost,
		Path:        "/api/uploads",
		Summary:     "Create an upload URL",
		Description: "Returns a pre-signed URL for uploading a science or sensitivity file",
		Tags:        []string{"FluxCalib"},
	}, runHandler.CreateUpload)

	huma.Register(api, huma.Operation{
		OperationID: "startProcessing",
		Method:      http.MethodPost,
		Path:        "/api/runs/{id}/process",
		Summary:     "Start processing a run",
		Description: "Starts processing once the run inputs are uploaded",
		Tags:        []string{"Runs"},
	}, runHandler.StartProcessing)

	huma.Register(api, huma.Operation{
		OperationID: "getRunStatus",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}/status",
		Summary:     "Get run status",
		Description: "Returns the current status and progress of a run",
		Tags:        []string{"Runs"},
	}, runHandler.GetRunStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getRunResults",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}/results",
		Summary:     "Get run results",
		Description: "Returns the sensitivity function summary or the per-exposure outcomes of a completed run",
		Tags:        []string{"Runs"},
	}, runHandler.GetRunResults)
}
