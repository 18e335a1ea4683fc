package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Renderer generates images from trained models
type Renderer interface {
	Generate(ctx context.Context, ownerID, modelName, prompt string) (string, error)
}

// PromptEnhancer rewrites prompts around a trigger token
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt, trigger string) (string, error)
}

// RenderingHandler handles image generation and prompt requests
type RenderingHandler struct {
	renderer Renderer
	enhancer PromptEnhancer
	logger   *zap.Logger
}

// NewRenderingHandler creates a new rendering handler
func NewRenderingHandler(renderer Renderer, enhancer PromptEnhancer, logger *zap.Logger) *RenderingHandler {
	return &RenderingHandler{renderer: renderer, enhancer: enhancer, logger: logger}
}

// GenerateImageRequest is the body of an image request
type GenerateImageRequest struct {
	Prompt string `json:"prompt"`
}

// EnhancePromptRequest is the body of a prompt rewrite request
type EnhancePromptRequest struct {
	Prompt    string `json:"prompt"`
	ModelName string `json:"model_name"`
}

// GenerateImage handles POST /v1/models/{name}/images
func (h *RenderingHandler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req GenerateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	imageURL, err := h.renderer.Generate(r.Context(), id.OwnerID, mux.Vars(r)["name"], req.Prompt)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"imageUrl": imageURL})
}

// EnhancePrompt handles POST /v1/prompts/enhance
func (h *RenderingHandler) EnhancePrompt(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	var req EnhancePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	prompt, err := h.enhancer.Enhance(r.Context(), req.Prompt, req.ModelName)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}
