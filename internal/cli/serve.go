package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/toolgate/internal/config"
	"github.com/AlexKimmel/toolgate/internal/obs"
	"github.com/AlexKimmel/toolgate/internal/server"
)

func newServeCmd(cfgFile *string, info BuildInfo) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := obs.SetupLogger(cfg.Observability.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, server.Options{
				Config:  cfg,
				Logger:  logger,
				Version: info.Version,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				_ = srv.Shutdown(context.Background())
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
				return err
			}
			if err := <-errCh; err != nil {
				return err
			}
			logger.Info().Msg("bye")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
