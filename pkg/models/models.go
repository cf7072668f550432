package models

import (
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Body struct {
		Status  string    `json:"status" example:"healthy" doc:"Service health status"`
		Version string    `json:"version" example:"1.0.0" doc:"API version"`
		Time    time.Time `json:"time" doc:"Current server time"`
	}
}

// CreateSensFuncRequestBody is the body of a sensitivity-function run request
type CreateSensFuncRequestBody struct {
	Algorithm string `json:"algorithm" enum:"UVIS,IR" required:"true" doc:"Sensitivity function algorithm"`
	FileSize  int64  `json:"file_size" minimum:"2880" maximum:"209715200" required:"true" doc:"Standard star spec1d file size in bytes"`
	Params    string `json:"params,omitempty" maxLength:"4096" doc:"Parameter overrides, e.g. '[sensfunc]\nstar_ra = 159.9'"`
}

// CreateSensFuncRequest represents a request to create a sensitivity-function run
type CreateSensFuncRequest struct {
	Body CreateSensFuncRequestBody
}

// CreateRunResponseBody is the body of the create run response
type CreateRunResponseBody struct {
	ID        string `json:"id" doc:"Run unique identifier"`
	UploadURL string `json:"upload_url,omitempty" doc:"Pre-signed URL for the input upload"`
	ExpiresIn int    `json:"expires_in,omitempty" doc:"URL expiration time in seconds"`
}

// CreateRunResponse represents the response from creating a run
type CreateRunResponse struct {
	Body CreateRunResponseBody
}

// CreateFluxCalRequestBody is the body of a flux-calibration run request
type CreateFluxCalRequestBody struct {
	Manifest string `json:"manifest" minLength:"10" maxLength:"65536" required:"true" doc:"Flux manifest; paths are storage key prefixes"`
}

// CreateFluxCalRequest represents a request to create a flux-calibration run
type CreateFluxCalRequest struct {
	Body CreateFluxCalRequestBody
}

// CreateFluxCalResponseBody is the body of the create flux-calibration response
type CreateFluxCalResponseBody struct {
	ID        string   `json:"id" doc:"Run unique identifier"`
	Science   []string `json:"science" doc:"Resolved science file keys"`
	SensFiles []string `json:"sensfiles" doc:"Resolved non-blank sensitivity file keys"`
}

// CreateFluxCalResponse represents the response from creating a flux-calibration run
type CreateFluxCalResponse struct {
	Body CreateFluxCalResponseBody
}

// CreateUploadRequest represents a request for a pre-signed upload URL
type CreateUploadRequest struct {
	Body struct {
		Key      string `json:"key" minLength:"1" maxLength:"512" pattern:"^[A-Za-z0-9._/-]+\\.fits$" required:"true" doc:"Storage key of the FITS file"`
		FileSize int64  `json:"file_size" minimum:"2880" maximum:"209715200" required:"true" doc:"File size in bytes"`
	}
}

// CreateUploadResponse represents a pre-signed upload URL
type CreateUploadResponse struct {
	Body struct {
		Key       string `json:"key" doc:"Storage key"`
		UploadURL string `json:"upload_url" doc:"Pre-signed URL"`
		ExpiresIn int    `json:"expires_in" doc:"URL expiration time in seconds"`
	}
}

// GetRunStatusRequest represents a request to get run status
type GetRunStatusRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// GetRunStatusResponseBody is the body of the status response
type GetRunStatusResponseBody struct {
	ID       string `json:"id" doc:"Run ID"`
	Kind     string `json:"kind" enum:"sensfunc,fluxcalib" doc:"Run kind"`
	Status   string `json:"status" enum:"pending,processing,completed,failed" doc:"Run status"`
	Progress int    `json:"progress" minimum:"0" maximum:"100" doc:"Run progress percentage"`
	Message  string `json:"message,omitempty" doc:"Human-readable status message"`
	Error    string `json:"error,omitempty" doc:"Failure reason"`
}

// GetRunStatusResponse represents the current status of a run
type GetRunStatusResponse struct {
	Body GetRunStatusResponseBody
}

// GetRunResultsRequest represents a request to get run results
type GetRunResultsRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// GetRunResultsResponseBody is the body of the results response
type GetRunResultsResponseBody struct {
	ID          string            `json:"id" doc:"Run ID"`
	Kind        string            `json:"kind" doc:"Run kind"`
	SensFunc    *SensFuncResult   `json:"sensfunc,omitempty" doc:"Sensitivity function summary"`
	Exposures   []ExposureOutcome `json:"exposures,omitempty" doc:"Per-exposure flux calibration outcomes"`
	DownloadURL string            `json:"download_url,omitempty" doc:"Pre-signed URL of the sensitivity file"`
	CreatedAt   time.Time         `json:"created_at" doc:"Run creation timestamp"`
}

// GetRunResultsResponse represents the complete run results
type GetRunResultsResponse struct {
	Body GetRunResultsResponseBody
}

// StartProcessingRequest represents a request to start processing a run
type StartProcessingRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// StartProcessingResponse represents the response from starting processing
type StartProcessingResponse struct {
	Body struct {
		Message string `json:"message" doc:"Confirmation message"`
	}
}
