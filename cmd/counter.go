package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"quotaguard/internal/config"
	"quotaguard/internal/counter"
	"quotaguard/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// counterCommand constructs the 'counter' subcommand that runs the central
// counter service's HTTP surface until interrupted (spec.md §4.2).
func counterCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Starts the counter HTTP service",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := counter.New(counter.NewLimits(cfg))

			server, err := counter.NewServer(svc, counter.NewOptions(cfg))
			if err != nil {
				logger.Fatal(ctx, "could not create counter webserver", zap.Error(err))
			}

			go func() {
				logger.Info(ctx, "starting counter webserver...")
				if err := server.ListenAndServe(); err != nil {
					if !errors.Is(err, http.ErrServerClosed) {
						logger.Error(ctx, "could not start counter webserver", zap.Error(err))
					}
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
			defer cancel()

			logger.Info(ctx, "stopping counter webserver...")
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error(ctx, "could not stop counter webserver", zap.Error(err))
			}
		},
	}

	return cmd
}
