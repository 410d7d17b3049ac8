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

// TranscriptionWorker mirrors ChatWorker's pipeline for the transcription
// budget group. Transcription has no token cost (spec.md §4.5): each file is
// one request, so Lock is called with a zero token count and the request
// counter alone gates admission.
type TranscriptionWorker struct {
	river.WorkerDefaults[TranscriptionJobArgs]

	reservations *client.Client
	provider     provider.Transcription
	coordinator  *backoff.Coordinator
	maxAttempts  int
	output       Inserter
	audit        AuditRecorder
	pacer        *Pacer
}

// NewTranscriptionWorker constructs a TranscriptionWorker.
func NewTranscriptionWorker(reservations *client.Client, prov provider.Transcription, coordinator *backoff.Coordinator, maxAttempts int, audit AuditRecorder, pacer *Pacer) *TranscriptionWorker {
	return &TranscriptionWorker{
		reservations: reservations,
		provider:     prov,
		coordinator:  coordinator,
		maxAttempts:  maxAttempts,
		audit:        audit,
		pacer:        pacer,
	}
}

// SetOutput wires the output-queue inserter once it becomes available.
func (w *TranscriptionWorker) SetOutput(ins Inserter) { w.output = ins }

// Work implements river.Worker.
func (w *TranscriptionWorker) Work(ctx context.Context, job *river.Job[TranscriptionJobArgs]) error {
	ctx = logger.WithFields(ctx, zap.Int64("jobID", job.ID), zap.String("appID", job.Args.AppID))

	var handle string
	var res provider.TranscriptionResponse

	err := w.coordinator.Run(ctx, w.maxAttempts, func(ctx context.Context) error {
		lockRes, err := w.reservations.Lock(ctx, client.GroupTranscription, 0)
		if err != nil {
			return fmt.Errorf("could not lock transcription budget: %w", err)
		}
		if !lockRes.Allowed {
			recordDenial(ctx, w.audit, job.Args.AppID, "transcription", 0)

			return &backoff.QuotaExceededError{Message: lockRes.DenialMessage, Group: "transcription"}
		}
		handle = lockRes.Handle

		invokeRes, invokeErr := w.provider.Invoke(ctx, provider.TranscriptionRequest{
			Model:       job.Args.Model,
			Audio:       job.Args.Audio,
			ContentType: job.Args.ContentType,
		})
		if invokeErr != nil {
			_ = w.reservations.Release(ctx, client.GroupTranscription, handle)

			return fmt.Errorf("provider invocation failed: %w", invokeErr)
		}

		if reportErr := w.reservations.Report(ctx, client.GroupTranscription, handle, 0, 0); reportErr != nil {
			logger.Warn(ctx, "could not report transcription usage", zap.Error(reportErr))
		}
		recordUsage(ctx, w.audit, job.Args.AppID, "transcription", 0, 0)

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
		if _, insErr := w.output.Insert(ctx, TranscriptionResultArgs{AppID: job.Args.AppID, Text: res.Text}, nil); insErr != nil {
			logger.Error(ctx, "could not emit transcription result", zap.Error(insErr))
		}
	}

	w.pacer.Shrink()

	return nil
}
