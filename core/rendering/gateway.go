package rendering

import (
	"context"
	"strings"
	"time"
	"unicode"

	"model-orchestrator/core/models"
	"model-orchestrator/core/training"
	"model-orchestrator/providers/replicate"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// StatusChecker reports the live status of one of an owner's models
type StatusChecker interface {
	ModelStatus(ctx context.Context, ownerID, modelName string) (*models.ModelView, error)
}

// Predictor runs inference against a trained model
type Predictor interface {
	CreatePrediction(ctx context.Context, owner, name string, input map[string]interface{}) (*replicate.Prediction, error)
	GetPrediction(ctx context.Context, predictionID string) (*replicate.Prediction, error)
}

// GatewayConfig configures a Gateway
type GatewayConfig struct {
	// ServiceAccount owns the trained models at the provider
	ServiceAccount string
	// Timeout bounds a whole generation, polling included
	Timeout      time.Duration
	PollInterval time.Duration
}

// Gateway renders images from an owner's trained models
type Gateway struct {
	status    StatusChecker
	predictor Predictor
	cfg       GatewayConfig
	logger    *zap.Logger
}

// NewGateway creates a new rendering gateway
func NewGateway(status StatusChecker, predictor Predictor, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Gateway{status: status, predictor: predictor, cfg: cfg, logger: logger}
}

// ThreadTrigger makes sure the prompt names the model's trigger token, prepending it when absent
func ThreadTrigger(prompt, trigger string) string {
	prompt = strings.TrimSpace(prompt)
	if trigger == "" || hasWord(prompt, trigger) {
		return prompt
	}
	if prompt == "" {
		return trigger
	}
	return trigger + " " + prompt
}

// hasWord reports whether word appears in text as a whole word, ignoring surrounding punctuation
func hasWord(text, word string) bool {
	for _, field := range strings.Fields(text) {
		if field == word || strings.TrimFunc(field, unicode.IsPunct) == word {
			return true
		}
	}
	return false
}

// Generate renders prompt with the owner's model and returns the output image URL.
// The model must be ready.
func (g *Gateway) Generate(ctx context.Context, ownerID, modelName, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", models.Invalid("prompt is required")
	}
	if err := training.ValidateModelName(modelName); err != nil {
		return "", err
	}

	view, err := g.status.ModelStatus(ctx, ownerID, modelName)
	if err != nil {
		return "", err
	}
	if view.Status != models.ModelStatusReady {
		return "", errors.WithDetails(errors.WithStack(models.ErrModelNotReady), "model", modelName, "status", string(view.Status))
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	name := training.ProviderModelName(modelName)
	input := map[string]interface{}{"prompt": ThreadTrigger(prompt, modelName)}

	prediction, err := g.predictor.CreatePrediction(ctx, g.cfg.ServiceAccount, name, input)
	if err != nil {
		return "", err
	}

	logger := g.logger.With(zap.String("model", modelName), zap.String("prediction", prediction.ID))
	logger.Info("prediction created", zap.String("status", prediction.Status))

	prediction, err = g.wait(ctx, prediction)
	if err != nil {
		return "", err
	}

	if prediction.Status != "succeeded" {
		return "", errors.WithDetails(
			errors.Wrapf(models.ErrUpstream, "prediction %s", prediction.Status),
			"prediction", prediction.ID,
			"error", prediction.Error,
		)
	}

	url, ok := prediction.OutputURL()
	if !ok {
		return "", errors.WithDetails(errors.Wrap(models.ErrUpstream, "prediction has no output"), "prediction", prediction.ID)
	}

	logger.Info("prediction succeeded")
	return url, nil
}

func (g *Gateway) wait(ctx context.Context, prediction *replicate.Prediction) (*replicate.Prediction, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for !prediction.Terminal() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.WithDetails(errors.WithStack(models.ErrTimeout), "prediction", prediction.ID)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		next, err := g.predictor.GetPrediction(ctx, prediction.ID)
		if err != nil {
			return nil, err
		}
		prediction = next
	}
	return prediction, nil
}
