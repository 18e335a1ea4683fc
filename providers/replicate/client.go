package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"model-orchestrator/core/models"
	"model-orchestrator/internal/logging"

	"emperror.dev/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// The LoRA trainer every fine-tune runs against
const (
	TrainerOwner   = "ostris"
	TrainerModel   = "flux-dev-lora-trainer"
	TrainerVersion = "d995297071a44dcb72244e6c19462111649ec86a9646c32df56daa7f14801944"
)

// DefaultBaseURL is the public API endpoint
const DefaultBaseURL = "https://api.replicate.com"

const webURL = "https://replicate.com"

// maxErrorBody caps how much of an error response is kept in error details
const maxErrorBody = 2048

// Config configures a Client
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	RetryMax int
	Logger   *zap.Logger
}

// Client talks to a Replicate-compatible training provider.
// Reads go through a retrying client; writes are sent exactly once.
type Client struct {
	reads   *retryablehttp.Client
	writes  *retryablehttp.Client
	baseURL string
	token   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a new provider client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		reads:   newHTTPClient(cfg.Logger, cfg.RetryMax),
		writes:  newHTTPClient(cfg.Logger, 0),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

func newHTTPClient(logger *zap.Logger, retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logging.Retryable(logger)
	// hand the final response back so status and body reach the caller
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// TrainingURL is the provider's web page for a training run
func TrainingURL(trainingID string) string {
	return webURL + "/p/" + trainingID
}

// Destination formats a model reference as owner/name
func Destination(owner, name string) string {
	return owner + "/" + name
}

// CreateModelRequest describes a model resource to register
type CreateModelRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
	Hardware    string `json:"hardware"`
}

// Model is a registered model resource
type Model struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Visibility string `json:"visibility"`
}

// TrainingInput is the trainer's input payload
type TrainingInput struct {
	InputImages string `json:"input_images"`
	TriggerWord string `json:"trigger_word"`
}

// CreateTrainingRequest starts a training run that publishes into Destination
type CreateTrainingRequest struct {
	Destination string        `json:"destination"`
	Input       TrainingInput `json:"input"`
}

// Training is a training run as reported by the provider
type Training struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
}

// Prediction is a single inference run
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the prediction has stopped running
func (p *Prediction) Terminal() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// OutputURL returns the first output URL. Output is either a single URL or a list of them.
func (p *Prediction) OutputURL() (string, bool) {
	if len(p.Output) == 0 {
		return "", false
	}

	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return single, true
	}

	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		return list[0], true
	}
	return "", false
}

// CreateModel registers a new model resource
func (c *Client) CreateModel(ctx context.Context, req CreateModelRequest) (*Model, error) {
	var model Model
	if err := c.do(ctx, http.MethodPost, "/v1/models", req, &model, nil); err != nil {
		return nil, errors.WithDetails(err, "destination", Destination(req.Owner, req.Name))
	}
	return &model, nil
}

// CreateTraining starts a training run on the fixed trainer version
func (c *Client) CreateTraining(ctx context.Context, req CreateTrainingRequest) (*Training, error) {
	path := "/v1/models/" + TrainerOwner + "/" + TrainerModel + "/versions/" + TrainerVersion + "/trainings"

	var training Training
	if err := c.do(ctx, http.MethodPost, path, req, &training, nil); err != nil {
		return nil, errors.WithDetails(err, "destination", req.Destination)
	}
	if training.ID == "" {
		return nil, errors.WithDetails(errors.Wrap(models.ErrUpstream, "training response has no id"), "destination", req.Destination)
	}
	return &training, nil
}

// GetTraining fetches the live state of a training run
func (c *Client) GetTraining(ctx context.Context, trainingID string) (*Training, error) {
	var training Training
	if err := c.do(ctx, http.MethodGet, "/v1/trainings/"+url.PathEscape(trainingID), nil, &training, nil); err != nil {
		return nil, errors.WithDetails(err, "training", trainingID)
	}
	return &training, nil
}

// CreatePrediction runs the latest version of owner/name. The provider holds the
// request open until the prediction finishes or its wait window elapses.
func (c *Client) CreatePrediction(ctx context.Context, owner, name string, input map[string]interface{}) (*Prediction, error) {
	path := "/v1/models/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/predictions"
	body := map[string]interface{}{"input": input}
	headers := http.Header{"Prefer": []string{"wait"}}

	var prediction Prediction
	if err := c.do(ctx, http.MethodPost, path, body, &prediction, headers); err != nil {
		return nil, errors.WithDetails(err, "model", Destination(owner, name))
	}
	return &prediction, nil
}

// GetPrediction fetches the current state of a prediction
func (c *Client) GetPrediction(ctx context.Context, predictionID string) (*Prediction, error) {
	var prediction Prediction
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(predictionID), nil, &prediction, nil); err != nil {
		return nil, errors.WithDetails(err, "prediction", predictionID)
	}
	return &prediction, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, headers http.Header) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.reads
	if method != http.MethodGet {
		client = c.writes
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.WithDetails(errors.WithStack(models.ErrTimeout), "method", method, "path", path, "timeout", c.timeout.String())
		}
		return errors.WithDetails(errors.Wrapf(models.ErrUpstream, "provider request failed: %s", err), "method", method, "path", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.WithDetails(errors.WithStack(models.ErrTimeout), "method", method, "path", path)
		}
		return errors.WithDetails(errors.Wrapf(models.ErrUpstream, "failed to read provider response: %s", err), "method", method, "path", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider returned error status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return errors.WithDetails(
			errors.Wrapf(models.ErrUpstream, "%s %s returned %d", method, path, resp.StatusCode),
			"statusCode", resp.StatusCode,
			"body", truncate(string(raw), maxErrorBody),
		)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.WithDetails(errors.Wrap(models.ErrUpstream, "malformed provider response"), "method", method, "path", path)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
