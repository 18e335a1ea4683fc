package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"model-orchestrator/core/models"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ModelRepository is the job ledger: it maps owners and model names to provider job ids
type ModelRepository struct {
	db *DB
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{db: db}
}

// CreateModel inserts a ledger record. ID and CreatedAt are assigned when empty.
func (r *ModelRepository) CreateModel(ctx context.Context, record *models.ModelRecord) error {
	query := `
		INSERT INTO models (id, owner_id, model_name, provider_job_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.rebind(query),
		record.ID,
		record.OwnerID,
		record.ModelName,
		record.ProviderJobID,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithDetails(errors.WithStack(models.ErrNameTaken), "owner", record.OwnerID, "model", record.ModelName)
		}
		return errors.WrapWithDetails(err, "failed to insert model record", "owner", record.OwnerID, "model", record.ModelName)
	}

	return nil
}

// ListModelsByOwner returns every record the owner has, oldest first
func (r *ModelRepository) ListModelsByOwner(ctx context.Context, ownerID string) ([]models.ModelRecord, error) {
	query := `
		SELECT id, owner_id, model_name, provider_job_id, created_at
		FROM models
		WHERE owner_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), ownerID)
	if err != nil {
		return nil, errors.WrapWithDetails(err, "failed to list model records", "owner", ownerID)
	}
	defer rows.Close()

	records := []models.ModelRecord{}
	for rows.Next() {
		record, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, errors.Wrap(rows.Err(), "failed to read model records")
}

// GetModelByName looks up one of the owner's records by model name
func (r *ModelRepository) GetModelByName(ctx context.Context, ownerID, modelName string) (*models.ModelRecord, error) {
	query := `
		SELECT id, owner_id, model_name, provider_job_id, created_at
		FROM models
		WHERE owner_id = $1 AND model_name = $2
	`

	record, err := scanModel(r.db.QueryRowContext(ctx, r.db.rebind(query), ownerID, modelName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetails(errors.WithStack(models.ErrNotFound), "owner", ownerID, "model", modelName)
	}
	return record, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(s scanner) (*models.ModelRecord, error) {
	var record models.ModelRecord
	var createdAt int64

	err := s.Scan(
		&record.ID,
		&record.OwnerID,
		&record.ModelName,
		&record.ProviderJobID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan model record")
	}

	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &record, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc reports constraint failures only through the message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
