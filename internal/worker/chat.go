package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quotaguard/internal/backoff"
	"quotaguard/internal/client"
	"quotaguard/internal/provider"
	"quotaguard/pkg/logger"
	"quotaguard/pkg/serrors"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// ChatWorker processes chat-completion jobs: estimate cost, lock tokens and
// a request slot, invoke the provider under the backoff coordinator, settle
// or release, and emit the result to the output queue (spec.md §4.5).
type ChatWorker struct {
	river.WorkerDefaults[ChatJobArgs]

	reservations *client.Client
	provider     provider.Chat
	coordinator  *backoff.Coordinator
	maxAttempts  int
	output       Inserter
	audit        AuditRecorder
	pacer        *Pacer
}

// NewChatWorker constructs a ChatWorker. output may be nil until SetOutput
// is called once the river client exists (see Start).
func NewChatWorker(reservations *client.Client, prov provider.Chat, coordinator *backoff.Coordinator, maxAttempts int, audit AuditRecorder, pacer *Pacer) *ChatWorker {
	return &ChatWorker{
		reservations: reservations,
		provider:     prov,
		coordinator:  coordinator,
		maxAttempts:  maxAttempts,
		audit:        audit,
		pacer:        pacer,
	}
}

// SetOutput wires the output-queue inserter once it becomes available.
func (w *ChatWorker) SetOutput(ins Inserter) { w.output = ins }

// Work implements river.Worker.
func (w *ChatWorker) Work(ctx context.Context, job *river.Job[ChatJobArgs]) error {
	ctx = logger.WithFields(ctx, zap.Int64("jobID", job.ID), zap.String("appID", job.Args.AppID))

	messages := decodeChatMessages(job.Args.Messages)
	amount := estimateChatCost(messages)

	var handle string
	var res provider.ChatResponse

	err := w.coordinator.Run(ctx, w.maxAttempts, func(ctx context.Context) error {
		lockRes, err := w.reservations.Lock(ctx, client.GroupCompletion, amount)
		if err != nil {
			return fmt.Errorf("could not lock completion budget: %w", err)
		}
		if !lockRes.Allowed {
			recordDenial(ctx, w.audit, job.Args.AppID, "completion", amount)

			return &backoff.QuotaExceededError{Message: lockRes.DenialMessage, Group: "completion"}
		}
		handle = lockRes.Handle

		invokeRes, invokeErr := w.provider.Invoke(ctx, provider.ChatRequest{Model: job.Args.Model, Messages: messages})
		if invokeErr != nil {
			_ = w.reservations.Release(ctx, client.GroupCompletion, handle)

			return fmt.Errorf("provider invocation failed: %w", invokeErr)
		}

		if reportErr := w.reservations.Report(ctx, client.GroupCompletion, handle,
			invokeRes.PromptTokens, invokeRes.CompletionTokens); reportErr != nil {
			logger.Warn(ctx, "could not report completion usage", zap.Error(reportErr))
		}
		recordUsage(ctx, w.audit, job.Args.AppID, "completion", invokeRes.PromptTokens, invokeRes.CompletionTokens)

		res = invokeRes

		return nil
	})
	if err != nil {
		var quotaErr *backoff.QuotaExceededError
		if errors.As(err, &quotaErr) {
			// backoff coordinator exhausted its attempts: abandon so the
			// broker redelivers (spec.md §4.5 step 4).
			return fmt.Errorf("quota not available after retries: %w", err)
		}

		var semErr *serrors.Error
		if errors.As(err, &semErr) && errors.Is(semErr, serrors.ErrValidation) {
			return river.JobCancel(err) //nolint: wrapcheck
		}

		w.pacer.Shrink()

		return err
	}

	if w.output != nil {
		if _, insErr := w.output.Insert(ctx, ChatResultArgs{AppID: job.Args.AppID, Content: res.Content}, nil); insErr != nil {
			logger.Error(ctx, "could not emit chat result", zap.Error(insErr))
		}
	}

	w.pacer.Shrink()

	return nil
}

// decodeChatMessages turns the wire "role: content" lines back into
// provider.ChatMessage values.
func decodeChatMessages(lines []string) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(lines))
	for _, l := range lines {
		role, content, found := strings.Cut(l, ": ")
		if !found {
			out = append(out, provider.ChatMessage{Role: "user", Content: l})

			continue
		}
		out = append(out, provider.ChatMessage{Role: role, Content: content})
	}

	return out
}

// estimateChatCost sums the heuristic token estimate across every message
// plus a fixed allowance for the (unknown at lock time) completion output.
func estimateChatCost(messages []provider.ChatMessage) int {
	const completionAllowance = 512

	total := completionAllowance
	for _, m := range messages {
		total += provider.EstimateTokens(m.Content)
	}

	return total
}
