package repository

import (
	"context"
	"database/sql"
	"time"

	"model-orchestrator/core/models"

	"emperror.dev/errors"
	"github.com/google/uuid"
)

// SubmissionRepository stores provisional submission records
type SubmissionRepository struct {
	db *DB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// CreateSubmission inserts a new submission in the pending state
func (r *SubmissionRepository) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	query := `
		INSERT INTO submissions (id, owner_id, model_name, state, archive_url, destination,
		                         training_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.State == "" {
		sub.State = models.SubmissionPending
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.rebind(query),
		sub.ID,
		sub.OwnerID,
		sub.ModelName,
		string(sub.State),
		sub.ArchiveURL,
		sub.Destination,
		sub.TrainingID,
		sub.Error,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// the id may belong to another owner, so say nothing about it
			return models.Invalid("submission id already in use")
		}
		return errors.WrapWithDetails(err, "failed to insert submission", "submission", sub.ID)
	}

	return nil
}

// GetSubmission loads one of the owner's submissions
func (r *SubmissionRepository) GetSubmission(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	query := `
		SELECT id, owner_id, model_name, state, archive_url, destination,
		       training_id, error_message, created_at, updated_at
		FROM submissions
		WHERE id = $1 AND owner_id = $2
	`

	var sub models.Submission
	var state string
	var createdAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, r.db.rebind(query), id, ownerID).Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.ModelName,
		&state,
		&sub.ArchiveURL,
		&sub.Destination,
		&sub.TrainingID,
		&sub.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.WithDetails(errors.WithStack(models.ErrNotFound), "submission", id)
		}
		return nil, errors.WrapWithDetails(err, "failed to get submission", "submission", id)
	}

	sub.State = models.SubmissionState(state)
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	sub.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &sub, nil
}

// UpdateSubmission saves the submission's progress
func (r *SubmissionRepository) UpdateSubmission(ctx context.Context, sub *models.Submission) error {
	query := `
		UPDATE submissions
		SET state = $1, archive_url = $2, destination = $3, training_id = $4,
		    error_message = $5, updated_at = $6
		WHERE id = $7 AND owner_id = $8
	`

	sub.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.rebind(query),
		string(sub.State),
		sub.ArchiveURL,
		sub.Destination,
		sub.TrainingID,
		sub.Error,
		sub.UpdatedAt.UnixMilli(),
		sub.ID,
		sub.OwnerID,
	)
	if err != nil {
		return errors.WrapWithDetails(err, "failed to update submission", "submission", sub.ID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.WithDetails(errors.WithStack(models.ErrNotFound), "submission", sub.ID)
	}

	return nil
}
