package main

import (
	"context"

	"model-orchestrator/config"
	"model-orchestrator/core/monitoring"
	"model-orchestrator/core/rendering"
	"model-orchestrator/core/repository"
	"model-orchestrator/core/training"
	"model-orchestrator/providers/replicate"
	"model-orchestrator/storage"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// app holds the wired services shared by the commands
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	db          *repository.DB
	ledger      *repository.ModelRepository
	submissions *repository.SubmissionRepository
	provider    *replicate.Client
	reconciler  *monitoring.Reconciler
}

func newApp(ctx context.Context, rt *runtime) (*app, error) {
	cfg := rt.cfg

	db, err := repository.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("database connected", zap.String("driver", cfg.DatabaseDriver))

	provider := replicate.NewClient(replicate.Config{
		BaseURL:  cfg.ReplicateAPIURL,
		Token:    cfg.ReplicateAPIToken,
		Timeout:  cfg.ProviderTimeout,
		RetryMax: cfg.ProviderRetryMax,
		Logger:   rt.logger.Named("replicate"),
	})

	ledger := repository.NewModelRepository(db)

	return &app{
		cfg:         cfg,
		logger:      rt.logger,
		db:          db,
		ledger:      ledger,
		submissions: repository.NewSubmissionRepository(db),
		provider:    provider,
		reconciler:  monitoring.NewReconciler(ledger, provider, cfg.StatusConcurrency, cfg.ProviderTimeout, rt.logger.Named("reconciler")),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
}

func (a *app) archiveStore(ctx context.Context) (storage.ArchiveStore, error) {
	logger := a.logger.Named("storage")

	switch a.cfg.BlobBackend {
	case config.BlobBackendS3:
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:        a.cfg.S3Bucket,
			Region:        a.cfg.AWSRegion,
			Endpoint:      a.cfg.S3Endpoint,
			UsePathStyle:  a.cfg.S3UsePathStyle,
			PublicBaseURL: a.cfg.BlobPublicBaseURL,
		}, logger)
	case config.BlobBackendMinIO:
		return storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:      a.cfg.MinioEndpoint,
			AccessKey:     a.cfg.MinioAccessKey,
			SecretKey:     a.cfg.MinioSecretKey,
			Bucket:        a.cfg.MinioBucket,
			Region:        a.cfg.AWSRegion,
			UseSSL:        a.cfg.MinioUseSSL,
			PublicBaseURL: a.cfg.BlobPublicBaseURL,
		}, logger)
	}
	return nil, errors.Errorf("unknown blob backend %q", a.cfg.BlobBackend)
}

func (a *app) submitter(ctx context.Context) (*training.Submitter, error) {
	store, err := a.archiveStore(ctx)
	if err != nil {
		return nil, err
	}

	return training.NewSubmitter(store, a.provider, a.ledger, a.submissions, training.Config{
		ServiceAccount: a.cfg.ReplicateAccount,
		Hardware:       a.cfg.ReplicateHardware,
		BlobTimeout:    a.cfg.BlobTimeout,
	}, a.logger.Named("submitter")), nil
}

func (a *app) gateway() *rendering.Gateway {
	return rendering.NewGateway(a.reconciler, a.provider, rendering.GatewayConfig{
		ServiceAccount: a.cfg.ReplicateAccount,
		Timeout:        a.cfg.RenderTimeout,
	}, a.logger.Named("rendering"))
}

func (a *app) assistant() *rendering.PromptAssistant {
	return rendering.NewPromptAssistant(rendering.AssistantConfig{
		URL:      a.cfg.OpenAIURL,
		APIKey:   a.cfg.OpenAIAPIKey,
		Model:    a.cfg.OpenAIModel,
		Timeout:  a.cfg.ProviderTimeout,
		RetryMax: a.cfg.ProviderRetryMax,
		Logger:   a.logger.Named("assistant"),
	})
}
