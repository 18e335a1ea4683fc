package routes

import (
	"net/http"

	"model-orchestrator/api/rest/handlers"
	"model-orchestrator/api/rest/middleware"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Services are the handlers' collaborators
type Services struct {
	Submitter handlers.Submitter
	Status    handlers.StatusLister
	Renderer  handlers.Renderer
	Enhancer  handlers.PromptEnhancer
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, svc Services, auth func(http.Handler) http.Handler, logger *zap.Logger) {
	r.Use(chimw.RequestID, chimw.RealIP, middleware.RequestLogger(logger), chimw.Recoverer)

	modelHandler := handlers.NewModelHandler(svc.Submitter, svc.Status, logger)
	renderingHandler := handlers.NewRenderingHandler(svc.Renderer, svc.Enhancer, logger)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth)

	// Model endpoints
	api.HandleFunc("/models", modelHandler.SubmitModel).Methods("POST")
	api.HandleFunc("/models", modelHandler.ListModels).Methods("GET")
	api.HandleFunc("/models/{name}/images", renderingHandler.GenerateImage).Methods("POST")
	api.HandleFunc("/submissions/{id}", modelHandler.GetSubmission).Methods("GET")

	// Prompt endpoints
	api.HandleFunc("/prompts/enhance", renderingHandler.EnhancePrompt).Methods("POST")
}
