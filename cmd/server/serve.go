package main

import (
	"context"
	"net/http"
	"time"

	"model-orchestrator/api/rest/middleware"
	"model-orchestrator/api/rest/routes"

	"emperror.dev/errors"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var (
		port    string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Example: `  # Start on SERVER_PORT (default 8080)
  model-orchestrator serve

  # Create tables first, listen on 3000
  model-orchestrator serve --migrate --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := rt.logger
			if port == "" {
				port = rt.cfg.ServerPort
			}

			a, err := newApp(ctx, rt)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.db.RunMigrations(ctx); err != nil {
					return err
				}
			}

			submitter, err := a.submitter(ctx)
			if err != nil {
				return err
			}

			if !rt.cfg.AuthConfigured() {
				return errors.New("JWT_JWKS_URL or JWT_SECRET must be set")
			}
			auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
				JWKSURL:  rt.cfg.JWKSURL,
				Secret:   rt.cfg.JWTSecret,
				Issuer:   rt.cfg.JWTIssuer,
				Audience: rt.cfg.JWTAudience,
			}, logger.Named("auth"))
			if err != nil {
				return err
			}
			defer auth.Close()

			r := mux.NewRouter()
			routes.SetupRoutes(r, routes.Services{
				Submitter: submitter,
				Status:    a.reconciler,
				Renderer:  a.gateway(),
				Enhancer:  a.assistant(),
			}, auth.Middleware, logger.Named("http"))

			server := &http.Server{
				Addr:              ":" + port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("starting server", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return errors.Wrap(err, "server forced to shutdown")
				}
				logger.Info("server exited")
				return nil
			case err := <-serverErr:
				return errors.Wrap(err, "server failed")
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (defaults to SERVER_PORT)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Run database migrations before serving")

	return cmd
}
