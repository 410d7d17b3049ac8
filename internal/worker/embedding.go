package worker

import (
	"context"
	"errors"
	"fmt"

	"quotaguard/internal/backoff"
	"quotaguard/internal/client"
	"quotaguard/internal/provider"
	"quotaguard/pkg/logger"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// EmbeddingWorker mirrors ChatWorker's pipeline for the embedding budget
// group (spec.md §4.5), excluding completion tokens from its cost estimate
// since an embedding call never returns generated tokens.
type EmbeddingWorker struct {
	river.WorkerDefaults[EmbeddingJobArgs]

	reservations *client.Client
	provider     provider.Embedding
	coordinator  *backoff.Coordinator
	maxAttempts  int
	output       Inserter
	audit        AuditRecorder
	pacer        *Pacer
}

// NewEmbeddingWorker constructs an EmbeddingWorker.
func NewEmbeddingWorker(reservations *client.Client, prov provider.Embedding, coordinator *backoff.Coordinator, maxAttempts int, audit AuditRecorder, pacer *Pacer) *EmbeddingWorker {
	return &EmbeddingWorker{
		reservations: reservations,
		provider:     prov,
		coordinator:  coordinator,
		maxAttempts:  maxAttempts,
		audit:        audit,
		pacer:        pacer,
	}
}

// SetOutput wires the output-queue inserter once it becomes available.
func (w *EmbeddingWorker) SetOutput(ins Inserter) { w.output = ins }

// Work implements river.Worker.
func (w *EmbeddingWorker) Work(ctx context.Context, job *river.Job[EmbeddingJobArgs]) error {
	ctx = logger.WithFields(ctx, zap.Int64("jobID", job.ID), zap.String("appID", job.Args.AppID))

	amount := provider.EstimateTokens(job.Args.Input)

	var handle string
	var res provider.EmbeddingResponse

	err := w.coordinator.Run(ctx, w.maxAttempts, func(ctx context.Context) error {
		lockRes, err := w.reservations.Lock(ctx, client.GroupEmbedding, amount)
		if err != nil {
			return fmt.Errorf("could not lock embedding budget: %w", err)
		}
		if !lockRes.Allowed {
			recordDenial(ctx, w.audit, job.Args.AppID, "embedding", amount)

			return &backoff.QuotaExceededError{Message: lockRes.DenialMessage, Group: "embedding"}
		}
		handle = lockRes.Handle

		invokeRes, invokeErr := w.provider.Invoke(ctx, provider.EmbeddingRequest{Model: job.Args.Model, Input: job.Args.Input})
		if invokeErr != nil {
			_ = w.reservations.Release(ctx, client.GroupEmbedding, handle)

			return fmt.Errorf("provider invocation failed: %w", invokeErr)
		}

		if reportErr := w.reservations.Report(ctx, client.GroupEmbedding, handle, invokeRes.PromptTokens, 0); reportErr != nil {
			logger.Warn(ctx, "could not report embedding usage", zap.Error(reportErr))
		}
		recordUsage(ctx, w.audit, job.Args.AppID, "embedding", invokeRes.PromptTokens, 0)

		res = invokeRes

		return nil
	})
	if err != nil {
		var quotaErr *backoff.QuotaExceededError
		if errors.As(err, &quotaErr) {
			return fmt.Errorf("quota not available after retries: %w", err)
		}

		w.pacer.Shrink()

		return err
	}

	if w.output != nil {
		if _, insErr := w.output.Insert(ctx, EmbeddingResultArgs{AppID: job.Args.AppID, Vector: res.Vector}, nil); insErr != nil {
			logger.Error(ctx, "could not emit embedding result", zap.Error(insErr))
		}
	}

	w.pacer.Shrink()

	return nil
}
