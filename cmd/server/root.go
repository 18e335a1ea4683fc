package main

import (
	"model-orchestrator/config"
	"model-orchestrator/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runtime is filled in by the root command before any subcommand runs
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	rt := &runtime{}

	cmd := &cobra.Command{
		Use:   "model-orchestrator",
		Short: "Fine-tune personal image models on a remote GPU provider",
		Long: `model-orchestrator packages a user's photos, stores them, starts a LoRA
fine-tune at a Replicate-compatible provider and tracks the resulting models.

Configuration is read from the environment; a .env file in the working
directory is loaded first when present.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			rt.cfg = cfg
			rt.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.AddCommand(
		newServeCmd(rt),
		newMigrateCmd(rt),
		newSubmitCmd(rt),
		newModelsCmd(rt),
	)

	return cmd
}
