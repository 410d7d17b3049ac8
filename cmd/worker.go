package main

import (
	"context"
	"os/signal"
	"syscall"

	"quotaguard/internal/client"
	"quotaguard/internal/config"
	"quotaguard/internal/provider"
	"quotaguard/internal/worker"
	"quotaguard/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// workerCommand constructs the 'worker' subcommand that runs the pipeline
// skeleton for all three budget groups (chat, embedding, transcription)
// until interrupted (spec.md §4.5). Each job kind is dispatched to its own
// river.Worker, but all three share one process and one river.Client, the
// way the reference runs a single worker.Start per service instance.
func workerCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs the job pipeline: chat, embedding, and transcription workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore := getAuditStore(ctx, cfg)
			defer closeStore()

			httpClient := provider.NewHTTPClient(
				client.DefaultHTTPClient(cfg.Client.HTTPTimeout),
				cfg.Provider.ChatEndpoint,
				cfg.Provider.EmbeddingEndpoint,
				cfg.Provider.TranscriptionEndpoint,
				cfg.Provider.Deployment,
				cfg.Provider.APIKey,
			)

			reservations := client.New(client.DefaultHTTPClient(cfg.Client.HTTPTimeout), cfg.Client.BaseURL, cfg.Client.AppID)

			workerClient, err := worker.Start(ctx, store.Pool(), worker.Deps{
				Reservations:  reservations,
				Chat:          httpClient,
				Embedding:     httpClient.AsEmbedding(),
				Transcription: httpClient.AsTranscription(),
				Audit:         store,
			}, worker.NewOptions(cfg))
			if err != nil {
				logger.Fatal(ctx, "could not start worker", zap.Error(err))
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
			defer cancel()

			logger.Info(ctx, "stopping worker...")
			if err := workerClient.Stop(shutdownCtx); err != nil {
				logger.Warn(ctx, "could not stop worker", zap.Error(err))
			}
		},
	}

	return cmd
}
