package models

import "time"

// Run kinds.
const (
	RunKindSensFunc  = "sensfunc"
	RunKindFluxCalib = "fluxcalib"
)

// Run and exposure statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCalibrated = "calibrated"
)

// CalibrationRun represents one sensitivity-function or flux-calibration job (for internal use)
type CalibrationRun struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Algorithm string  `json:"algorithm,omitempty"`
	InputKey  *string `json:"input_key,omitempty"`
	// Params holds parameter overrides in manifest configuration syntax.
	Params      *string    `json:"params,omitempty"`
	Manifest    *string    `json:"manifest,omitempty"`
	OutputKey   *string    `json:"output_key,omitempty"`
	ErrorMsg    *string    `json:"error_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OrderSummary condenses one order of a sensitivity table
type OrderSummary struct {
	Det             int     `json:"det" doc:"Detector index"`
	EchOrder        int     `json:"ech_order,omitempty" doc:"Echelle order number"`
	WaveMin         float64 `json:"wave_min" doc:"Bluest wavelength in Angstrom"`
	WaveMax         float64 `json:"wave_max" doc:"Reddest wavelength in Angstrom"`
	MedianZeroPoint float64 `json:"median_zeropoint" doc:"Median fitted zeropoint in magnitudes"`
	// WeightedZeroPoint is the inverse-variance weighted mean of the
	// measured zeropoints over unmasked samples.
	WeightedZeroPoint float64 `json:"weighted_zeropoint,omitempty" doc:"Weighted mean measured zeropoint in magnitudes"`
	MaskedFraction    float64 `json:"masked_fraction" doc:"Fraction of masked samples"`
	FullyMasked       bool    `json:"fully_masked" doc:"Order was not fit"`
}

// SensFuncResult represents the stored outcome of a sensitivity-function run
type SensFuncResult struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"run_id"`
	Algorithm          string         `json:"algorithm"`
	Target             string         `json:"target"`
	StdCal             string         `json:"std_cal,omitempty"`
	Airmass            float64        `json:"airmass"`
	ExtinctionIncluded bool           `json:"extinction_included"`
	SensKey            string         `json:"sens_key"`
	QAKey              *string        `json:"qa_key,omitempty"`
	Orders             []OrderSummary `json:"orders"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ExposureOutcome is the independent result of calibrating one science exposure
type ExposureOutcome struct {
	ID                  string    `json:"id"`
	RunID               string    `json:"run_id"`
	ScienceKey          string    `json:"science_key"`
	SensKey             string    `json:"sens_key,omitempty"`
	OutputKey           *string   `json:"output_key,omitempty"`
	Status              string    `json:"status" enum:"calibrated,failed"`
	ErrorKind           *string   `json:"error_kind,omitempty"`
	ErrorMsg            *string   `json:"error_message,omitempty"`
	ExtinctionCorrected bool      `json:"extinction_corrected"`
	CreatedAt           time.Time `json:"created_at"`
}
