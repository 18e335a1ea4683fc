package config

import (
	"time"

	"emperror.dev/errors"
	"github.com/kelseyhightower/envconfig"
)

// Blob backends
const (
	BlobBackendS3    = "s3"
	BlobBackendMinIO = "minio"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Database
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"postgres://localhost/model_orchestrator?sslmode=disable"`

	// Blob storage
	BlobBackend       string        `envconfig:"BLOB_BACKEND" default:"s3"`
	BlobPublicBaseURL string        `envconfig:"BLOB_PUBLIC_BASE_URL"`
	BlobTimeout       time.Duration `envconfig:"BLOB_TIMEOUT" default:"2m"`
	S3Bucket          string        `envconfig:"S3_BUCKET" default:"training-archives"`
	AWSRegion         string        `envconfig:"AWS_REGION" default:"us-east-1"`
	S3Endpoint        string        `envconfig:"S3_ENDPOINT"`
	S3UsePathStyle    bool          `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	MinioEndpoint     string        `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinioAccessKey    string        `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	MinioSecretKey    string        `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	MinioBucket       string        `envconfig:"MINIO_BUCKET" default:"training-archives"`
	MinioUseSSL       bool          `envconfig:"MINIO_USE_SSL" default:"false"`

	// Training provider
	ReplicateAPIURL   string        `envconfig:"REPLICATE_API_URL" default:"https://api.replicate.com"`
	ReplicateAPIToken string        `envconfig:"REPLICATE_API_TOKEN"`
	ReplicateAccount  string        `envconfig:"REPLICATE_USER_NAME" default:"notnick2"`
	ReplicateHardware string        `envconfig:"REPLICATE_HARDWARE" default:"gpu-t4"`
	ProviderTimeout   time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	ProviderRetryMax  int           `envconfig:"PROVIDER_RETRY_MAX" default:"3"`
	StatusConcurrency int           `envconfig:"STATUS_CONCURRENCY" default:"8"`
	RenderTimeout     time.Duration `envconfig:"RENDER_TIMEOUT" default:"2m"`

	// Prompt assistant
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIURL    string `envconfig:"OPENAI_URL" default:"https://api.openai.com/v1/chat/completions"`

	// Identity
	JWKSURL     string `envconfig:"JWT_JWKS_URL"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	JWTIssuer   string `envconfig:"JWT_ISSUER"`
	JWTAudience string `envconfig:"JWT_AUDIENCE"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	switch c.BlobBackend {
	case BlobBackendS3, BlobBackendMinIO:
	default:
		return errors.Errorf("BLOB_BACKEND must be %q or %q, got %q", BlobBackendS3, BlobBackendMinIO, c.BlobBackend)
	}
	if c.StatusConcurrency < 1 {
		return errors.New("STATUS_CONCURRENCY must be at least 1")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.BlobTimeout <= 0 {
		return errors.New("BLOB_TIMEOUT must be positive")
	}
	if c.ProviderRetryMax < 0 {
		return errors.New("PROVIDER_RETRY_MAX must not be negative")
	}
	if c.ReplicateAccount == "" {
		return errors.New("REPLICATE_USER_NAME is required")
	}
	return nil
}

// AuthConfigured reports whether bearer tokens can be verified
func (c *Config) AuthConfigured() bool {
	return c.JWKSURL != "" || c.JWTSecret != ""
}
