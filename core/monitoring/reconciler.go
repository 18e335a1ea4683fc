package monitoring

import (
	"context"
	"time"

	"model-orchestrator/core/models"
	"model-orchestrator/providers/replicate"

	"emperror.dev/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusSource reports the live state of a training run
type StatusSource interface {
	GetTraining(ctx context.Context, trainingID string) (*replicate.Training, error)
}

// Ledger lists an owner's recorded training jobs
type Ledger interface {
	ListModelsByOwner(ctx context.Context, ownerID string) ([]models.ModelRecord, error)
	GetModelByName(ctx context.Context, ownerID, modelName string) (*models.ModelRecord, error)
}

// Reconciler joins ledger records with live provider status. Nothing is cached:
// every call queries the provider once per record.
type Reconciler struct {
	ledger      Ledger
	source      StatusSource
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewReconciler creates a new status reconciler
func NewReconciler(ledger Ledger, source StatusSource, concurrency int, timeout time.Duration, logger *zap.Logger) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reconciler{
		ledger:      ledger,
		source:      source,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}
}

// FoldStatus maps a provider status onto the three user-facing states
func FoldStatus(raw string) models.ModelStatus {
	switch raw {
	case "succeeded":
		return models.ModelStatusReady
	case "failed":
		return models.ModelStatusFailed
	default:
		return models.ModelStatusTraining
	}
}

// ListModelsWithStatus returns the owner's models in ledger order with live status.
// A failed status query marks only that entry unknown; a failed ledger read fails the call.
func (r *Reconciler) ListModelsWithStatus(ctx context.Context, ownerID string) ([]models.ModelView, error) {
	records, err := r.ledger.ListModelsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	views := make([]models.ModelView, len(records))
	if len(records) == 0 {
		return views, nil
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i := range records {
		i := i
		g.Go(func() error {
			views[i] = r.view(ctx, records[i])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "status listing interrupted")
	}
	return views, nil
}

// ModelStatus returns the live status of one of the owner's models
func (r *Reconciler) ModelStatus(ctx context.Context, ownerID, modelName string) (*models.ModelView, error) {
	record, err := r.ledger.GetModelByName(ctx, ownerID, modelName)
	if err != nil {
		return nil, err
	}

	raw, err := r.query(ctx, record.ProviderJobID)
	if err != nil {
		return nil, err
	}
	return &models.ModelView{ID: record.ID, ModelName: record.ModelName, Status: FoldStatus(raw)}, nil
}

func (r *Reconciler) view(ctx context.Context, record models.ModelRecord) models.ModelView {
	view := models.ModelView{ID: record.ID, ModelName: record.ModelName}

	raw, err := r.query(ctx, record.ProviderJobID)
	if err != nil {
		r.logger.Warn("status query failed",
			zap.String("model", record.ModelName),
			zap.String("training", record.ProviderJobID),
			zap.Error(err),
		)
		view.Status = models.ModelStatusUnknown
		view.Error = err.Error()
		return view
	}

	view.Status = FoldStatus(raw)
	return view
}

func (r *Reconciler) query(ctx context.Context, trainingID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	training, err := r.source.GetTraining(ctx, trainingID)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
			err = errors.WithDetails(errors.WithStack(models.ErrTimeout), "training", trainingID)
		}
		return "", err
	}
	return training.Status, nil
}
