package worker

import (
	"context"
	"time"

	"quotaguard/internal/audit"
	"quotaguard/pkg/logger"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// Inserter is the subset of *river.Client[pgx.Tx] the worker pipeline needs
// to emit a result onto the output queue. Accepting an interface instead of
// the concrete client lets chat.go/embedding.go/transcription.go be built
// and tested before the river.Client that will eventually own them exists
// (see worker.go's Start, which wires the real client in after construction).
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*river.JobInsertResult, error)
}

// AuditRecorder is the subset of *audit.Store the worker pipeline depends on.
// A nil AuditRecorder is valid: audit recording is best-effort and never
// gates a reservation decision (SPEC_FULL.md §4).
type AuditRecorder interface {
	Record(ctx context.Context, sample audit.Sample) error
}

// recordUsage writes an allowed usage sample, logging (not failing) on error.
func recordUsage(ctx context.Context, rec AuditRecorder, appID, group string, promptTokens, outputTokens int) {
	if rec == nil {
		return
	}

	err := rec.Record(ctx, audit.Sample{
		AppID:        appID,
		Group:        group,
		PromptTokens: promptTokens,
		OutputTokens: outputTokens,
		Allowed:      true,
		RecordedAt:   time.Now(),
	})
	if err != nil {
		logger.Warn(ctx, "could not record usage sample", zap.Error(err))
	}
}

// recordDenial writes a denied usage sample for the amount that was refused.
func recordDenial(ctx context.Context, rec AuditRecorder, appID, group string, amount int) {
	if rec == nil {
		return
	}

	err := rec.Record(ctx, audit.Sample{
		AppID:        appID,
		Group:        group,
		PromptTokens: amount,
		Allowed:      false,
		RecordedAt:   time.Now(),
	})
	if err != nil {
		logger.Warn(ctx, "could not record denial sample", zap.Error(err))
	}
}
