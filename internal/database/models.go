package database

import "time"

// Run statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MeasurementRun records one compile-and-measure job: which model came
// in (by digest), how it was calibrated, and what the device reported.
type MeasurementRun struct {
	ID            string             `json:"id"`
	ModelDigest   string             `json:"model_digest"`
	AccuracyLevel string             `json:"accuracy_level"`
	Status        string             `json:"status"`
	Report        map[string]float64 `json:"report,omitempty"`
	Error         string             `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}
