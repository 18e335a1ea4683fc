package training

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"model-orchestrator/core/models"
	"model-orchestrator/providers/replicate"
	"model-orchestrator/storage"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	uploads map[string][]byte
	err     error
	urlErr  error
	// block makes Upload wait for its context to end
	block          bool
	uploadDeadline bool
}

func (f *fakeStore) Upload(ctx context.Context, ownerID, filename string, blob []byte) (string, error) {
	_, f.uploadDeadline = ctx.Deadline()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	key := storage.ObjectKey(ownerID, filename)
	f.uploads[key] = blob
	return key, nil
}

func (f *fakeStore) PublicURL(ctx context.Context, ownerID, filename string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://blob.example/" + storage.ObjectKey(ownerID, filename), nil
}

type fakeProvider struct {
	modelCalls    []replicate.CreateModelRequest
	trainingCalls []replicate.CreateTrainingRequest
	modelErr      error
	trainingErr   error
	trainingID    string
}

func (f *fakeProvider) CreateModel(ctx context.Context, req replicate.CreateModelRequest) (*replicate.Model, error) {
	f.modelCalls = append(f.modelCalls, req)
	if f.modelErr != nil {
		return nil, f.modelErr
	}
	return &replicate.Model{Owner: req.Owner, Name: req.Name}, nil
}

func (f *fakeProvider) CreateTraining(ctx context.Context, req replicate.CreateTrainingRequest) (*replicate.Training, error) {
	f.trainingCalls = append(f.trainingCalls, req)
	if f.trainingErr != nil {
		return nil, f.trainingErr
	}
	return &replicate.Training{ID: f.trainingID, Status: "starting"}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records []*models.ModelRecord
	err     error
}

func (f *fakeLedger) CreateModel(ctx context.Context, record *models.ModelRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	record.ID = uuid.NewString()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeLedger) GetModelByName(ctx context.Context, ownerID, modelName string) (*models.ModelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.OwnerID == ownerID && r.ModelName == modelName {
			return r, nil
		}
	}
	return nil, errors.WithStack(models.ErrNotFound)
}

type fakeSubmissions struct {
	byID map[string]models.Submission
	// failOn makes updates into these states fail without saving
	failOn map[models.SubmissionState]bool
}

func (f *fakeSubmissions) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, ok := f.byID[sub.ID]; ok {
		return models.Invalid("submission id already in use")
	}
	f.byID[sub.ID] = *sub
	return nil
}

func (f *fakeSubmissions) GetSubmission(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	sub, ok := f.byID[id]
	if !ok || sub.OwnerID != ownerID {
		return nil, errors.WithStack(models.ErrNotFound)
	}
	return &sub, nil
}

func (f *fakeSubmissions) UpdateSubmission(ctx context.Context, sub *models.Submission) error {
	if f.failOn[sub.State] {
		return errors.New("db blip")
	}
	f.byID[sub.ID] = *sub
	return nil
}

type harness struct {
	store       *fakeStore
	provider    *fakeProvider
	ledger      *fakeLedger
	submissions *fakeSubmissions
	submitter   *Submitter
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		store:       &fakeStore{uploads: map[string][]byte{}},
		provider:    &fakeProvider{trainingID: "tr_99"},
		ledger:      &fakeLedger{},
		submissions: &fakeSubmissions{byID: map[string]models.Submission{}, failOn: map[models.SubmissionState]bool{}},
	}
	h.submitter = NewSubmitter(h.store, h.provider, h.ledger, h.submissions,
		Config{ServiceAccount: "acct"}, zaptest.NewLogger(t))
	return h
}

func photos(n int) []models.TrainingAsset {
	assets := make([]models.TrainingAsset, n)
	for i := range assets {
		assets[i] = models.TrainingAsset{
			Filename: "IMG.jpg",
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("jpeg-bytes")), nil
			},
		}
	}
	return assets
}

func validRequest() SubmitRequest {
	return SubmitRequest{OwnerID: "u1", Contact: "a@b.c", ModelName: "alex21"}
}

func TestSubmitImagesHappyPath(t *testing.T) {
	h := newHarness(t)

	result, err := h.submitter.SubmitImages(context.Background(), validRequest(), photos(12))
	require.NoError(t, err)

	assert.Equal(t, "tr_99", result.TrainingID)
	assert.Equal(t, "https://replicate.com/p/tr_99", result.TrainingURL)
	assert.Equal(t, "https://blob.example/models/u1/alex21.zip", result.ArchiveURL)

	require.Contains(t, h.store.uploads, "models/u1/alex21.zip")

	require.Len(t, h.provider.modelCalls, 1)
	model := h.provider.modelCalls[0]
	assert.Equal(t, "acct", model.Owner)
	assert.Equal(t, "flux-alex21", model.Name)
	assert.Equal(t, "A fine-tuned flux.1 model of alex21 by a@b.c", model.Description)
	assert.Equal(t, "private", model.Visibility)
	assert.Equal(t, "gpu-t4", model.Hardware)

	require.Len(t, h.provider.trainingCalls, 1)
	training := h.provider.trainingCalls[0]
	assert.Equal(t, "acct/flux-alex21", training.Destination)
	assert.Equal(t, "alex21", training.Input.TriggerWord)
	assert.Equal(t, result.ArchiveURL, training.Input.InputImages)

	require.Len(t, h.ledger.records, 1)
	assert.Equal(t, models.ModelRecord{
		ID:            h.ledger.records[0].ID,
		OwnerID:       "u1",
		ModelName:     "alex21",
		ProviderJobID: "tr_99",
	}, *h.ledger.records[0])

	sub, err := h.submitter.Submission(context.Background(), "u1", result.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionConfirmed, sub.State)
}

func TestSubmitImagesRequiresImages(t *testing.T) {
	h := newHarness(t)

	_, err := h.submitter.SubmitImages(context.Background(), validRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Empty(t, h.store.uploads)
	assert.Empty(t, h.provider.modelCalls)
	assert.Empty(t, h.provider.trainingCalls)
	assert.Empty(t, h.ledger.records)
	assert.Empty(t, h.submissions.byID)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty archive", SubmitRequest{OwnerID: "u1", Contact: "a@b.c", ModelName: "alex21"}},
		{"missing owner", SubmitRequest{Contact: "a@b.c", ModelName: "alex21", Archive: []byte("zip")}},
		{"missing contact", SubmitRequest{OwnerID: "u1", ModelName: "alex21", Archive: []byte("zip")}},
		{"empty name", SubmitRequest{OwnerID: "u1", Contact: "a@b.c", Archive: []byte("zip")}},
		{"slash in name", SubmitRequest{OwnerID: "u1", Contact: "a@b.c", ModelName: "a/b", Archive: []byte("zip")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.submitter.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Empty(t, h.provider.modelCalls)
			assert.Empty(t, h.submissions.byID)
		})
	}
}

func TestSubmitUploadFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("bucket unavailable")

	_, err := h.submitter.SubmitImages(context.Background(), validRequest(), photos(1))
	require.Error(t, err)

	assert.Empty(t, h.provider.modelCalls)
	assert.Empty(t, h.ledger.records)
}

func TestSubmitPublicURLFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.store.urlErr = errors.New("no public url")

	_, err := h.submitter.SubmitImages(context.Background(), validRequest(), photos(1))
	require.Error(t, err)
	assert.Empty(t, h.provider.modelCalls)
}

func TestSubmitTrainingFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.provider.trainingErr = errors.WithStack(models.ErrUpstream)

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUpstream)

	assert.Len(t, h.provider.modelCalls, 1)
	assert.Empty(t, h.ledger.records)

	sub := h.submissions.byID["sub-1"]
	assert.Equal(t, models.SubmissionFailed, sub.State)
	assert.Equal(t, "acct/flux-alex21", sub.Destination)
	assert.Contains(t, sub.Error, "model_created")
}

func TestSubmitRetryResumesAfterLastStep(t *testing.T) {
	h := newHarness(t)
	h.provider.trainingErr = errors.WithStack(models.ErrTimeout)

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(3))
	require.Error(t, err)
	assert.True(t, models.Retryable(err))

	h.provider.trainingErr = nil
	result, err := h.submitter.SubmitImages(context.Background(), req, photos(3))
	require.NoError(t, err)

	assert.Len(t, h.provider.modelCalls, 1, "create-model must not be repeated")
	assert.Len(t, h.provider.trainingCalls, 2)
	assert.Equal(t, "tr_99", result.TrainingID)
	assert.Equal(t, "sub-1", result.SubmissionID)
	assert.Len(t, h.ledger.records, 1)
	assert.Equal(t, models.SubmissionConfirmed, h.submissions.byID["sub-1"].State)
}

func TestSubmitLedgerFailureCarriesTrainingID(t *testing.T) {
	h := newHarness(t)
	h.ledger.err = errors.New("database is down")

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPartialPipeline)

	var partial *PartialError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "tr_99", partial.TrainingID)
	assert.Equal(t, "sub-1", partial.SubmissionID)
	assert.True(t, partial.Resumable)

	sub := h.submissions.byID["sub-1"]
	assert.Equal(t, models.SubmissionFailed, sub.State)
	assert.Equal(t, "tr_99", sub.TrainingID)

	// once the ledger is back a retry only writes the record
	h.ledger.err = nil
	result, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.NoError(t, err)
	assert.Equal(t, "tr_99", result.TrainingID)
	assert.Len(t, h.provider.trainingCalls, 1)
	assert.Len(t, h.ledger.records, 1)
}

func TestSubmitReplayOfConfirmedSubmission(t *testing.T) {
	h := newHarness(t)

	req := validRequest()
	req.SubmissionID = "sub-1"
	first, err := h.submitter.SubmitImages(context.Background(), req, photos(1))
	require.NoError(t, err)

	second, err := h.submitter.SubmitImages(context.Background(), req, photos(1))
	require.NoError(t, err)

	assert.Equal(t, first.TrainingID, second.TrainingID)
	assert.Len(t, h.provider.modelCalls, 1)
	assert.Len(t, h.provider.trainingCalls, 1)
	assert.Len(t, h.ledger.records, 1)
}

func TestSubmitNameTaken(t *testing.T) {
	h := newHarness(t)

	_, err := h.submitter.SubmitImages(context.Background(), validRequest(), photos(1))
	require.NoError(t, err)

	_, err = h.submitter.SubmitImages(context.Background(), validRequest(), photos(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNameTaken)
	assert.Len(t, h.provider.modelCalls, 1)

	// the same name is free for another owner
	other := validRequest()
	other.OwnerID = "u2"
	_, err = h.submitter.SubmitImages(context.Background(), other, photos(1))
	require.NoError(t, err)
}

func TestSubmitResumeRejectsDifferentModel(t *testing.T) {
	h := newHarness(t)
	h.provider.trainingErr = errors.New("boom")

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(1))
	require.Error(t, err)

	req.ModelName = "someone-else"
	_, err = h.submitter.SubmitImages(context.Background(), req, photos(1))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSubmitUploadHasDeadline(t *testing.T) {
	h := newHarness(t)

	_, err := h.submitter.SubmitImages(context.Background(), validRequest(), photos(1))
	require.NoError(t, err)
	assert.True(t, h.store.uploadDeadline)
}

func TestSubmitStalledUploadTimesOut(t *testing.T) {
	h := newHarness(t)
	h.store.block = true
	h.submitter = NewSubmitter(h.store, h.provider, h.ledger, h.submissions,
		Config{ServiceAccount: "acct", BlobTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.True(t, models.Retryable(err))

	assert.Empty(t, h.provider.modelCalls)
	assert.Equal(t, models.SubmissionFailed, h.submissions.byID["sub-1"].State)
}

func TestSubmitRecordsRunWhenTrainingIDCannotBeSaved(t *testing.T) {
	h := newHarness(t)
	h.submissions.failOn[models.SubmissionTrainingStarted] = true

	req := validRequest()
	req.SubmissionID = "sub-1"
	result, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.NoError(t, err)
	assert.Equal(t, "tr_99", result.TrainingID)
	require.Len(t, h.ledger.records, 1)
	assert.Equal(t, "tr_99", h.ledger.records[0].ProviderJobID)

	// a retry never starts a second run
	_, _ = h.submitter.SubmitImages(context.Background(), req, photos(2))
	assert.Len(t, h.provider.trainingCalls, 1)
	assert.Len(t, h.ledger.records, 1)
}

func TestSubmitRetryAfterTrainingIDAndLedgerFailures(t *testing.T) {
	h := newHarness(t)
	h.submissions.failOn[models.SubmissionTrainingStarted] = true
	h.ledger.err = errors.New("database is down")

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.Error(t, err)

	var partial *PartialError
	require.True(t, errors.As(err, &partial))
	assert.True(t, partial.Resumable)
	assert.Equal(t, "tr_99", h.submissions.byID["sub-1"].TrainingID)

	h.ledger.err = nil
	result, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.NoError(t, err)
	assert.Equal(t, "tr_99", result.TrainingID)
	assert.Len(t, h.provider.trainingCalls, 1)
	assert.Len(t, h.ledger.records, 1)
}

func TestSubmitPartialFailureNotResumable(t *testing.T) {
	h := newHarness(t)
	h.submissions.failOn[models.SubmissionTrainingStarted] = true
	h.submissions.failOn[models.SubmissionFailed] = true
	h.ledger.err = errors.New("database is down")

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPartialPipeline)

	var partial *PartialError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "tr_99", partial.TrainingID)
	assert.False(t, partial.Resumable)
}

func TestSubmitSubmissionIDOfAnotherOwner(t *testing.T) {
	h := newHarness(t)

	req := validRequest()
	req.SubmissionID = "sub-1"
	_, err := h.submitter.SubmitImages(context.Background(), req, photos(1))
	require.NoError(t, err)

	other := SubmitRequest{OwnerID: "u2", Contact: "x@y.z", ModelName: "jo", SubmissionID: "sub-1"}
	_, err = h.submitter.SubmitImages(context.Background(), other, photos(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Len(t, h.provider.modelCalls, 1)
	assert.Equal(t, "u1", h.submissions.byID["sub-1"].OwnerID)
}
