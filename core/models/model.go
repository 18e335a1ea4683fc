package models

import (
	"io"
	"time"
)

// ModelRecord is the job ledger's unit: the identity of one submitted training job.
// Records are insert-only; status is never stored here.
type ModelRecord struct {
	ID            string
	OwnerID       string
	ModelName     string // also the trigger token for every prompt
	ProviderJobID string
	CreatedAt     time.Time
}

// ModelStatus is the client-visible status vocabulary
type ModelStatus string

const (
	ModelStatusTraining ModelStatus = "training"
	ModelStatusReady    ModelStatus = "ready"
	ModelStatusFailed   ModelStatus = "failed"
	// ModelStatusUnknown is reported when the live status query for a job fails.
	ModelStatusUnknown ModelStatus = "unknown"
)

// ModelView is a ledger record joined with its live status
type ModelView struct {
	ID        string      `json:"id"`
	ModelName string      `json:"model_name"`
	Status    ModelStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
}

// TrainingAsset is one user-supplied image awaiting packaging.
// Filename is the original name and is never written into the archive.
type TrainingAsset struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}
