package training

import (
	"context"
	"fmt"
	"strings"
	"time"

	"model-orchestrator/core/models"
	"model-orchestrator/core/packager"
	"model-orchestrator/providers/replicate"
	"model-orchestrator/storage"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// ModelPrefix is prepended to every model name to form the provider-side model name
const ModelPrefix = "flux-"

// DefaultBlobTimeout bounds each blob store call when Config.BlobTimeout is unset
const DefaultBlobTimeout = 2 * time.Minute

// Provider is the subset of the training provider the submitter needs
type Provider interface {
	CreateModel(ctx context.Context, req replicate.CreateModelRequest) (*replicate.Model, error)
	CreateTraining(ctx context.Context, req replicate.CreateTrainingRequest) (*replicate.Training, error)
}

// Ledger records which provider job belongs to which owner and model name
type Ledger interface {
	CreateModel(ctx context.Context, record *models.ModelRecord) error
	GetModelByName(ctx context.Context, ownerID, modelName string) (*models.ModelRecord, error)
}

// Submissions persists submission progress
type Submissions interface {
	CreateSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, ownerID, id string) (*models.Submission, error)
	UpdateSubmission(ctx context.Context, sub *models.Submission) error
}

// Config holds the provider-side settings for new models
type Config struct {
	// ServiceAccount owns every model created at the provider
	ServiceAccount string
	Hardware       string
	Visibility     string
	// BlobTimeout bounds the archive upload and the public URL lookup separately
	BlobTimeout time.Duration
}

// SubmitRequest is one training submission
type SubmitRequest struct {
	OwnerID   string
	Contact   string
	ModelName string
	// SubmissionID is optional. Reusing it resumes an earlier attempt.
	SubmissionID string
	Archive      []byte
}

// SubmitResult describes a started training run
type SubmitResult struct {
	TrainingID   string
	TrainingURL  string
	ArchiveURL   string
	SubmissionID string
	Record       *models.ModelRecord
}

// PartialError reports a training run that was started but could not be recorded in the ledger
type PartialError struct {
	TrainingID   string
	SubmissionID string
	// Resumable is set when the training id was saved on the submission, so a retry
	// with the same submission id records the run instead of starting another one
	Resumable bool
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("training %s started but not recorded: %v", e.TrainingID, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) Is(target error) bool { return target == models.ErrPartialPipeline }

// Submitter drives the upload, create-model, create-training, record pipeline
type Submitter struct {
	store       storage.ArchiveStore
	provider    Provider
	ledger      Ledger
	submissions Submissions
	cfg         Config
	logger      *zap.Logger
}

// NewSubmitter creates a new submitter
func NewSubmitter(
	store storage.ArchiveStore,
	provider Provider,
	ledger Ledger,
	submissions Submissions,
	cfg Config,
	logger *zap.Logger,
) *Submitter {
	if cfg.Hardware == "" {
		cfg.Hardware = "gpu-t4"
	}
	if cfg.Visibility == "" {
		cfg.Visibility = "private"
	}
	if cfg.BlobTimeout <= 0 {
		cfg.BlobTimeout = DefaultBlobTimeout
	}
	return &Submitter{
		store:       store,
		provider:    provider,
		ledger:      ledger,
		submissions: submissions,
		cfg:         cfg,
		logger:      logger,
	}
}

// ValidateModelName checks a user-chosen model name
func ValidateModelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return models.Invalid("model name is required")
	}
	if strings.Contains(name, "/") {
		return models.Invalid("model name must not contain '/'")
	}
	return nil
}

// ProviderModelName is the name the model is registered under at the provider
func ProviderModelName(modelName string) string {
	return ModelPrefix + modelName
}

// SubmitImages packages the images and submits them for training
func (s *Submitter) SubmitImages(ctx context.Context, req SubmitRequest, assets []models.TrainingAsset) (*SubmitResult, error) {
	if len(assets) == 0 {
		return nil, models.Invalid("at least one image is required")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	archive, err := packager.Package(req.ModelName, assets)
	if err != nil {
		return nil, err
	}
	req.Archive = archive

	return s.Submit(ctx, req)
}

// Submit runs the pipeline for an already packaged archive. Steps run strictly in
// order and are never rolled back; each completed step is saved on the submission.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if len(req.Archive) == 0 {
		return nil, models.Invalid("archive is empty")
	}

	sub, err := s.openSubmission(ctx, req)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("submission", sub.ID),
		zap.String("owner", req.OwnerID),
		zap.String("model", req.ModelName),
	)

	existing, err := s.ledger.GetModelByName(ctx, req.OwnerID, req.ModelName)
	switch {
	case err == nil && sub.TrainingID != "" && existing.ProviderJobID == sub.TrainingID:
		// recorded on an earlier attempt
		return s.confirm(ctx, logger, sub, existing), nil
	case err == nil:
		return nil, s.fail(ctx, logger, sub, errors.WithDetails(errors.WithStack(models.ErrNameTaken), "model", req.ModelName))
	case !errors.Is(err, models.ErrNotFound):
		return nil, s.fail(ctx, logger, sub, err)
	}

	if sub.ArchiveURL == "" {
		filename := packager.ArchiveFilename(req.ModelName)
		err := s.withBlobTimeout(ctx, "upload", func(ctx context.Context) error {
			_, err := s.store.Upload(ctx, req.OwnerID, filename, req.Archive)
			return err
		})
		if err != nil {
			return nil, s.fail(ctx, logger, sub, err)
		}

		var locator string
		err = s.withBlobTimeout(ctx, "public_url", func(ctx context.Context) error {
			var err error
			locator, err = s.store.PublicURL(ctx, req.OwnerID, filename)
			return err
		})
		if err != nil {
			return nil, s.fail(ctx, logger, sub, err)
		}

		sub.ArchiveURL = locator
		if err := s.advance(ctx, sub, models.SubmissionUploaded); err != nil {
			return nil, err
		}
		logger.Info("archive stored", zap.String("archive_url", locator))
	}

	if sub.Destination == "" {
		name := ProviderModelName(req.ModelName)
		_, err := s.provider.CreateModel(ctx, replicate.CreateModelRequest{
			Owner:       s.cfg.ServiceAccount,
			Name:        name,
			Description: fmt.Sprintf("A fine-tuned flux.1 model of %s by %s", req.ModelName, req.Contact),
			Visibility:  s.cfg.Visibility,
			Hardware:    s.cfg.Hardware,
		})
		if err != nil {
			return nil, s.fail(ctx, logger, sub, err)
		}

		sub.Destination = replicate.Destination(s.cfg.ServiceAccount, name)
		if err := s.advance(ctx, sub, models.SubmissionModelCreated); err != nil {
			return nil, err
		}
		logger.Info("provider model created", zap.String("destination", sub.Destination))
	}

	if sub.TrainingID == "" {
		training, err := s.provider.CreateTraining(ctx, replicate.CreateTrainingRequest{
			Destination: sub.Destination,
			Input: replicate.TrainingInput{
				InputImages: sub.ArchiveURL,
				TriggerWord: req.ModelName,
			},
		})
		if err != nil {
			return nil, s.fail(ctx, logger, sub, err)
		}

		sub.TrainingID = training.ID
		logger.Info("training started", zap.String("training", training.ID))
		if err := s.advance(ctx, sub, models.SubmissionTrainingStarted); err != nil {
			// the ledger insert below is now the only place the run can be tracked
			logger.Warn("failed to save training id on submission", zap.String("training", training.ID), zap.Error(err))
		}
	}

	record := &models.ModelRecord{
		OwnerID:       req.OwnerID,
		ModelName:     req.ModelName,
		ProviderJobID: sub.TrainingID,
	}
	if err := s.ledger.CreateModel(ctx, record); err != nil {
		partial := &PartialError{TrainingID: sub.TrainingID, SubmissionID: sub.ID, Err: err}
		partial.Resumable = s.recordFailure(ctx, logger, sub, partial)
		return nil, partial
	}

	return s.confirm(ctx, logger, sub, record), nil
}

// Submission returns one of the owner's submissions
func (s *Submitter) Submission(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	return s.submissions.GetSubmission(ctx, ownerID, id)
}

func validateRequest(req SubmitRequest) error {
	if req.OwnerID == "" {
		return models.Invalid("owner is required")
	}
	if strings.TrimSpace(req.Contact) == "" {
		return models.Invalid("contact is required")
	}
	return ValidateModelName(req.ModelName)
}

func (s *Submitter) openSubmission(ctx context.Context, req SubmitRequest) (*models.Submission, error) {
	if req.SubmissionID != "" {
		sub, err := s.submissions.GetSubmission(ctx, req.OwnerID, req.SubmissionID)
		switch {
		case err == nil:
			if sub.ModelName != req.ModelName {
				return nil, models.Invalid("submission belongs to a different model")
			}
			if sub.State == models.SubmissionFailed {
				sub.State = progressState(sub)
				sub.Error = ""
			}
			return sub, nil
		case !errors.Is(err, models.ErrNotFound):
			return nil, err
		}
	}

	sub := &models.Submission{
		ID:        req.SubmissionID,
		OwnerID:   req.OwnerID,
		ModelName: req.ModelName,
		State:     models.SubmissionPending,
	}
	if err := s.submissions.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// progressState is the furthest state the submission's recorded fields prove it reached
func progressState(sub *models.Submission) models.SubmissionState {
	switch {
	case sub.TrainingID != "":
		return models.SubmissionTrainingStarted
	case sub.Destination != "":
		return models.SubmissionModelCreated
	case sub.ArchiveURL != "":
		return models.SubmissionUploaded
	}
	return models.SubmissionPending
}

func (s *Submitter) advance(ctx context.Context, sub *models.Submission, state models.SubmissionState) error {
	sub.State = state
	return errors.WithDetails(s.submissions.UpdateSubmission(ctx, sub), "state", string(state))
}

// withBlobTimeout runs a blob store call under the blob timeout; expiry is reported as ErrTimeout
func (s *Submitter) withBlobTimeout(ctx context.Context, step string, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BlobTimeout)
	defer cancel()

	err := call(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
		return errors.WithDetails(errors.WithStack(models.ErrTimeout), "step", step, "timeout", s.cfg.BlobTimeout.String())
	}
	return err
}

// fail records err on the submission and returns it. The fields already set on the
// submission name whatever remote resources were created before the failure.
func (s *Submitter) fail(ctx context.Context, logger *zap.Logger, sub *models.Submission, err error) error {
	s.recordFailure(ctx, logger, sub, err)
	return err
}

// recordFailure marks the submission failed and reports whether that was saved
func (s *Submitter) recordFailure(ctx context.Context, logger *zap.Logger, sub *models.Submission, err error) bool {
	stage := sub.State
	sub.State = models.SubmissionFailed
	sub.Error = fmt.Sprintf("after %s: %v", stage, err)

	logger.Error("submission failed",
		zap.String("stage", string(stage)),
		zap.String("training", sub.TrainingID),
		zap.Error(err),
	)

	if updateErr := s.submissions.UpdateSubmission(ctx, sub); updateErr != nil {
		logger.Error("failed to record submission failure", zap.Error(updateErr))
		return false
	}
	return true
}

func (s *Submitter) confirm(ctx context.Context, logger *zap.Logger, sub *models.Submission, record *models.ModelRecord) *SubmitResult {
	if sub.State != models.SubmissionConfirmed {
		sub.State = models.SubmissionConfirmed
		sub.Error = ""
		if err := s.submissions.UpdateSubmission(ctx, sub); err != nil {
			// the ledger record is authoritative; a retry re-confirms from it
			logger.Warn("failed to mark submission confirmed", zap.Error(err))
		}
	}

	logger.Info("training recorded", zap.String("training", record.ProviderJobID), zap.String("record", record.ID))
	return &SubmitResult{
		TrainingID:   record.ProviderJobID,
		TrainingURL:  replicate.TrainingURL(record.ProviderJobID),
		ArchiveURL:   sub.ArchiveURL,
		SubmissionID: sub.ID,
		Record:       record,
	}
}
