package handlers

import (
	"encoding/json"
	"net/http"

	"model-orchestrator/api/rest/middleware"
	"model-orchestrator/core/models"

	"emperror.dev/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error class onto an HTTP status and a message safe to show the caller
func statusFor(err error) (int, string) {
	if msg, ok := models.ValidationMessage(err); ok {
		return http.StatusBadRequest, msg
	}

	switch {
	case errors.Is(err, models.ErrPartialPipeline):
		return http.StatusBadGateway, "Training started but could not be recorded; retry with the same submission id"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, models.ErrNameTaken):
		return http.StatusConflict, "Model name already in use"
	case errors.Is(err, models.ErrModelNotReady):
		return http.StatusConflict, "Model is not ready"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout, "Upstream request timed out; try again"
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway, "Upstream service failed"
	}
	return http.StatusInternalServerError, "Internal error"
}

// respondError logs err with its details and writes the mapped response
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, message := statusFor(err)

	fields := []zap.Field{
		zap.String("request_id", chimw.GetReqID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if details := errors.GetDetails(err); len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}

	writeError(w, status, message)
}

func identity(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok || id.OwnerID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return middleware.Identity{}, false
	}
	return id, true
}
