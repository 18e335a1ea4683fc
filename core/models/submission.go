package models

import "time"

// SubmissionState tracks how far a submission got through the provisioning pipeline
type SubmissionState string

const (
	SubmissionPending         SubmissionState = "pending"
	SubmissionUploaded        SubmissionState = "uploaded"
	SubmissionModelCreated    SubmissionState = "model_created"
	SubmissionTrainingStarted SubmissionState = "training_started"
	SubmissionConfirmed       SubmissionState = "confirmed"
	SubmissionFailed          SubmissionState = "failed"
)

// Submission is the provisional record written before any remote call.
// Each completed pipeline step is saved on it so a retry can resume, and a
// failed submission still names the remote resources it left behind.
type Submission struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	ModelName   string          `json:"model_name"`
	State       SubmissionState `json:"state"`
	ArchiveURL  string          `json:"archive_url,omitempty"`
	Destination string          `json:"destination,omitempty"`
	TrainingID  string          `json:"training_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the submission will not progress any further
func (s *Submission) Terminal() bool {
	return s.State == SubmissionConfirmed || s.State == SubmissionFailed
}
