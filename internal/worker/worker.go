// Package worker wires up and runs the background workers that drain the
// input queue, reserve budget through the counter service, invoke the model
// provider, and emit results to the output queue (spec.md §4.5), using the
// river queue backed by PostgreSQL. It is grounded on the reference worker
// package's Options/NewOptions/Start shape, generalized from a single
// url-scan worker to the three budget-group workers this domain needs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quotaguard/internal/backoff"
	"quotaguard/internal/client"
	"quotaguard/internal/config"
	"quotaguard/internal/provider"
	"quotaguard/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap/exp/zapslog"
)

// Options contain runtime settings for the background workers.
type Options struct {
	InputQueue      string
	OutputQueue     string
	JobTimeout      time.Duration
	MaxAttempts     int
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	BackoffBuffer   time.Duration
}

// NewOptions translates the application's config into worker Options.
func NewOptions(cfg *config.Config) Options {
	return Options{
		InputQueue:      cfg.Queue.InputQueue,
		OutputQueue:     cfg.Queue.OutputQueue,
		JobTimeout:      cfg.Worker.JobTimeout,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		PollIntervalMin: cfg.Worker.PollIntervalMin,
		PollIntervalMax: cfg.Worker.PollIntervalMax,
		BackoffBuffer:   cfg.Counter.BackoffBuffer,
	}
}

// Deps bundles the collaborators the three budget-group workers need. Any of
// the provider fields may be nil if that budget group is not in use; Audit
// may be nil to disable best-effort usage recording entirely.
type Deps struct {
	Reservations  *client.Client
	Chat          provider.Chat
	Embedding     provider.Embedding
	Transcription provider.Transcription
	Audit         AuditRecorder
}

// Start initializes the river client, registers one worker per budget group,
// and begins processing jobs from options.InputQueue. The output queue is
// the same river.Client under a different queue name (river.InsertOpts.Queue),
// so a single riverpgxv5 driver instance backs both directions of spec.md
// §4.5's pipeline. Callers stop processing by canceling ctx and should then
// call riverClient.Stop.
func Start(ctx context.Context, dbPool *pgxpool.Pool, deps Deps, options Options) (*river.Client[pgx.Tx], error) {
	buffer := options.BackoffBuffer
	if buffer <= 0 {
		buffer = 3 * time.Second
	}
	coordinator := backoff.New(statusReaderFor(deps.Reservations), buffer)
	pacer := NewPacer(options.PollIntervalMin, options.PollIntervalMax)

	workers := river.NewWorkers()

	var chatWorker *ChatWorker
	if deps.Chat != nil {
		chatWorker = NewChatWorker(deps.Reservations, deps.Chat, coordinator, options.MaxAttempts, deps.Audit, pacer)
		river.AddWorker(workers, chatWorker)
	}

	var embeddingWorker *EmbeddingWorker
	if deps.Embedding != nil {
		embeddingWorker = NewEmbeddingWorker(deps.Reservations, deps.Embedding, coordinator, options.MaxAttempts, deps.Audit, pacer)
		river.AddWorker(workers, embeddingWorker)
	}

	var transcriptionWorker *TranscriptionWorker
	if deps.Transcription != nil {
		transcriptionWorker = NewTranscriptionWorker(deps.Reservations, deps.Transcription, coordinator, options.MaxAttempts, deps.Audit, pacer)
		river.AddWorker(workers, transcriptionWorker)
	}

	// Only River's default queue and the input queue are fetched from: the output queue carries
	// *ResultArgs jobs this process has no Worker registered for (a
	// downstream consumer owns them), so it must never be polled here.
	queues := map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: 1},
	}
	if options.InputQueue != "" && options.InputQueue != river.QueueDefault {
		queues[options.InputQueue] = river.QueueConfig{MaxWorkers: 1}
	}

	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues:     queues,
		JobTimeout: options.JobTimeout,
		Workers:    workers,
		Logger:     slog.New(zapslog.NewHandler(logger.Get(ctx).Core())),
	})
	if err != nil {
		return nil, fmt.Errorf("could not create river queue client: %w", err)
	}

	// Each worker emits its result onto the same client, under the output
	// queue name, so the inserter can only be supplied once the client exists.
	inserter := outputInserter{client: riverClient, queue: options.OutputQueue}
	if chatWorker != nil {
		chatWorker.SetOutput(inserter)
	}
	if embeddingWorker != nil {
		embeddingWorker.SetOutput(inserter)
	}
	if transcriptionWorker != nil {
		transcriptionWorker.SetOutput(inserter)
	}

	if err := riverClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("could not start river queue client: %w", err)
	}

	return riverClient, nil
}

// outputInserter adapts *river.Client[pgx.Tx] to the Inserter interface,
// pinning every insert to the configured output queue.
type outputInserter struct {
	client *river.Client[pgx.Tx]
	queue  string
}

func (o outputInserter) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*river.JobInsertResult, error) {
	if opts == nil {
		opts = &river.InsertOpts{}
	}
	if opts.Queue == "" {
		opts.Queue = o.queue
	}

	res, err := o.client.Insert(ctx, args, opts)
	if err != nil {
		return nil, fmt.Errorf("could not insert output job: %w", err)
	}

	return res, nil
}

// statusReader adapts *client.Client to backoff.StatusReader.
type statusReader struct {
	reservations *client.Client
}

func statusReaderFor(c *client.Client) statusReader { return statusReader{reservations: c} }

func (s statusReader) SecondsUntilReset(ctx context.Context, group string) (int, error) {
	st, err := s.reservations.Status(ctx, client.Group(group))
	if err != nil {
		return 0, fmt.Errorf("could not fetch status for backoff: %w", err)
	}

	return st.ResetTimeSeconds, nil
}
