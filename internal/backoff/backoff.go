// Package backoff implements the backoff coordinator: the wrapper that makes
// the reservation client usable from a worker without every call site having
// to know how to react to a quota denial (spec.md §4.4). It encapsulates one
// rule: if a provider call fails because the counter refused the
// reservation, do not retry immediately — sleep until the window rolls, then
// retry.
//
// Grounded on the poll/backoff loop of internal/scanner/scanner.go's
// submitURLAndPoll (the cancellation-aware select/time.After pattern) and on
// the admission-wrapper vocabulary of mako10k-llmcmd's internal/llm/broker.go
// (a typed error distinguishing the coordinator's own causes from a provider
// fault, mirroring that package's BrokerError).
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotaguard/pkg/logger"

	"go.uber.org/zap"
)

// QuotaExceededError signals that a provider call failed because the
// counter denied the reservation rather than because the provider itself
// failed. Callers that want a retriable quota denial (as opposed to any
// other error) construct one of these from the quota-denial signature the
// reservation client surfaces.
type QuotaExceededError struct {
	// Message is the counter's denial message (e.g. "token limit would be
	// exceeded"), preserved for logging.
	Message string
	// Group identifies which budget group denied the reservation, so Run
	// knows which counter group to query status() on for the sleep duration.
	Group string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded (%s): %s", e.Group, e.Message)
}

// StatusReader is the subset of the reservation client the coordinator needs
// to compute a sleep duration: how many seconds remain until the denying
// group's window resets.
type StatusReader interface {
	SecondsUntilReset(ctx context.Context, group string) (int, error)
}

// Coordinator runs provider calls under the sleep-until-reset retry policy.
type Coordinator struct {
	status StatusReader
	// buffer is the small fixed buffer added on top of seconds_until_reset
	// before retrying, to absorb clock skew between the counter and the
	// caller (spec.md §4.4's "small_buffer").
	buffer time.Duration
	// sleep is overridable for deterministic tests; defaults to a
	// context-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Coordinator that queries status via statusReader and adds
// buffer on top of every computed sleep duration.
func New(statusReader StatusReader, buffer time.Duration) *Coordinator {
	return &Coordinator{status: statusReader, buffer: buffer, sleep: contextSleep}
}

// Run executes fn, retrying up to maxAttempts total attempts when fn fails
// with a *QuotaExceededError: the coordinator queries how many seconds
// remain in the denying group's window, sleeps seconds_until_reset+buffer,
// and tries again. Any other error is propagated immediately. The sleep
// duration is re-queried on every retry rather than cached, since the window
// may have rolled during a preceding retry's own work; there is no
// exponential component because the coordinator targets the exact end of the
// current window, not a growing backoff curve.
func (c *Coordinator) Run(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var quotaErr *QuotaExceededError
		if !errors.As(lastErr, &quotaErr) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		secs, err := c.status.SecondsUntilReset(ctx, quotaErr.Group)
		if err != nil {
			// cannot compute a sensible sleep; propagate the original denial
			// rather than loop with no information.
			return lastErr
		}

		d := time.Duration(secs)*time.Second + c.buffer
		logger.Info(ctx, "quota denied, sleeping until window reset",
			zap.String("group", quotaErr.Group), zap.Duration("sleep", d), zap.Int("attempt", attempt))

		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}

	return lastErr
}

// contextSleep sleeps for d or returns ctx.Err() if ctx is cancelled first.
func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
