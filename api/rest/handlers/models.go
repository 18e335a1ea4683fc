package handlers

import (
	"context"
	"net/http"
	"strings"

	"model-orchestrator/core/models"
	"model-orchestrator/core/packager"
	"model-orchestrator/core/training"

	"emperror.dev/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxUploadBytes   = 256 << 20
	multipartMemory  = 32 << 20
	idempotencyKeyHd = "Idempotency-Key"
)

// Submitter starts training runs and reports submission progress
type Submitter interface {
	SubmitImages(ctx context.Context, req training.SubmitRequest, assets []models.TrainingAsset) (*training.SubmitResult, error)
	Submission(ctx context.Context, ownerID, id string) (*models.Submission, error)
}

// StatusLister lists an owner's models with live status
type StatusLister interface {
	ListModelsWithStatus(ctx context.Context, ownerID string) ([]models.ModelView, error)
}

// ModelHandler handles model submission and listing requests
type ModelHandler struct {
	submitter Submitter
	status    StatusLister
	logger    *zap.Logger
}

// NewModelHandler creates a new model handler
func NewModelHandler(submitter Submitter, status StatusLister, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{submitter: submitter, status: status, logger: logger}
}

// SubmitModelResponse is returned once training has started
type SubmitModelResponse struct {
	TrainingID   string `json:"trainingId"`
	TrainingURL  string `json:"trainingUrl"`
	ArchiveURL   string `json:"archiveUrl"`
	SubmissionID string `json:"submissionId"`
}

// ListModelsResponse wraps the owner's models
type ListModelsResponse struct {
	Models []models.ModelView `json:"models"`
}

// SubmitModel handles POST /v1/models
func (h *ModelHandler) SubmitModel(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	contact := id.Email
	if contact == "" {
		contact = r.FormValue("email")
	}

	submissionID := r.FormValue("submissionId")
	if submissionID == "" {
		submissionID = strings.TrimSpace(r.Header.Get(idempotencyKeyHd))
	}

	req := training.SubmitRequest{
		OwnerID:      id.OwnerID,
		Contact:      contact,
		ModelName:    strings.TrimSpace(r.FormValue("modelName")),
		SubmissionID: submissionID,
	}
	assets := packager.MultipartAssets(r.MultipartForm.File["images"])

	result, err := h.submitter.SubmitImages(r.Context(), req, assets)
	if err != nil {
		var partial *training.PartialError
		if errors.As(err, &partial) {
			h.logger.Error("training started but not recorded",
				zap.String("owner", id.OwnerID),
				zap.String("training", partial.TrainingID),
				zap.String("submission", partial.SubmissionID),
				zap.Bool("resumable", partial.Resumable),
				zap.Error(err),
			)
			status, message := statusFor(err)
			body := map[string]string{"error": message, "submissionId": partial.SubmissionID}
			if !partial.Resumable {
				body["error"] = "Training started but could not be recorded; do not resubmit, report the training id"
				body["trainingId"] = partial.TrainingID
			}
			writeJSON(w, status, body)
			return
		}
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitModelResponse{
		TrainingID:   result.TrainingID,
		TrainingURL:  result.TrainingURL,
		ArchiveURL:   result.ArchiveURL,
		SubmissionID: result.SubmissionID,
	})
}

// ListModels handles GET /v1/models
func (h *ModelHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	views, err := h.status.ListModelsWithStatus(r.Context(), id.OwnerID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ListModelsResponse{Models: views})
}

// GetSubmission handles GET /v1/submissions/{id}
func (h *ModelHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	sub, err := h.submitter.Submission(r.Context(), id.OwnerID, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}
