package rendering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"model-orchestrator/core/models"
	"model-orchestrator/internal/logging"

	"emperror.dev/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultAssistantURL is the OpenAI chat completions endpoint
const DefaultAssistantURL = "https://api.openai.com/v1/chat/completions"

const systemPrompt = `You are a prompt engineer for image generation. Provide very long and detailed prompts to generate high-quality images of a person in different scenarios. Always name the person with the trigger word %q so the image model can identify them. Make this prompt better: %s. Keep the trigger word in the prompt referring to the person and elaborate on every detail to get the most realistic images. Return only the prompt, with no explanation, greeting or description.`

// AssistantConfig configures a PromptAssistant
type AssistantConfig struct {
	URL      string
	APIKey   string
	Model    string
	Timeout  time.Duration
	RetryMax int
	Logger   *zap.Logger
}

// PromptAssistant rewrites short prompts into detailed ones with a chat model
type PromptAssistant struct {
	client *retryablehttp.Client
	cfg    AssistantConfig
}

// NewPromptAssistant creates a new prompt assistant
func NewPromptAssistant(cfg AssistantConfig) *PromptAssistant {
	if cfg.URL == "" {
		cfg.URL = DefaultAssistantURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.Logger = logging.Retryable(cfg.Logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &PromptAssistant{client: client, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Enhance rewrites prompt into a detailed one. The result always contains the trigger token.
func (a *PromptAssistant) Enhance(ctx context.Context, prompt, trigger string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", models.Invalid("prompt is required")
	}
	if strings.TrimSpace(trigger) == "" {
		return "", models.Invalid("model name is required")
	}
	if a.cfg.APIKey == "" {
		return "", errors.New("prompt assistant is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, trigger, prompt)},
		},
		Temperature: 1,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", errors.WithStack(models.ErrTimeout)
		}
		return "", errors.WithDetails(errors.Wrapf(models.ErrUpstream, "chat completion request failed: %s", err), "url", a.cfg.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", errors.WithDetails(
			errors.Wrapf(models.ErrUpstream, "chat completion returned %d", resp.StatusCode),
			"statusCode", resp.StatusCode,
			"body", string(body),
		)
	}

	var response chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", errors.Wrap(models.ErrUpstream, "malformed chat completion response")
	}
	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		return "", errors.Wrap(models.ErrUpstream, "no choices returned")
	}

	return ThreadTrigger(response.Choices[0].Message.Content, trigger), nil
}
