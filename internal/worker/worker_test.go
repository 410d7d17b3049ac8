package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quotaguard/internal/backoff"
	"quotaguard/internal/client"
	"quotaguard/internal/provider"
	"quotaguard/pkg/logger"
	"quotaguard/internal/worker"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.DevelopmentEnvironment)
	m.Run()
}

// fakeCounter is a minimal in-memory stand-in for the counter service's
// /lock, /report, /release, /status endpoints, exercised through a real
// client.Client over httptest so the worker pipeline runs end to end.
type fakeCounter struct {
	allow     bool
	resetSecs int
}

func newFakeCounterServer(fc *fakeCounter) *httptest.Server {
	mux := http.NewServeMux()

	lock := func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AppID      string `json:"app_id"`
			TokenCount int    `json:"token_count"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if !fc.allow {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"allowed":             false,
				"seconds_until_reset": fc.resetSecs,
				"error":               "token limit would be exceeded",
			})

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":         true,
			"request_id":      "tok-1",
			"rate_request_id": "req-1",
		})
	}
	report := func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}
	release := func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}
	status := func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"reset_time_seconds": fc.resetSecs})
	}

	mux.HandleFunc("POST /lock", lock)
	mux.HandleFunc("POST /report", report)
	mux.HandleFunc("POST /release", release)
	mux.HandleFunc("GET /status", status)
	mux.HandleFunc("POST /embedding/lock", lock)
	mux.HandleFunc("POST /embedding/report", report)
	mux.HandleFunc("POST /embedding/release", release)
	mux.HandleFunc("GET /embedding/status", status)
	mux.HandleFunc("POST /transcription/lock", lock)
	mux.HandleFunc("POST /transcription/report", report)
	mux.HandleFunc("POST /transcription/release", release)
	mux.HandleFunc("GET /transcription/status", status)

	return httptest.NewServer(mux)
}

type recordingStatusReader struct{ resetSecs int }

func (r recordingStatusReader) SecondsUntilReset(context.Context, string) (int, error) {
	return r.resetSecs, nil
}

type fakeChatProvider struct {
	resp provider.ChatResponse
	err  error
}

func (f fakeChatProvider) Invoke(context.Context, provider.ChatRequest) (provider.ChatResponse, error) {
	return f.resp, f.err
}

type fakeEmbeddingProvider struct {
	resp provider.EmbeddingResponse
	err  error
}

func (f fakeEmbeddingProvider) Invoke(context.Context, provider.EmbeddingRequest) (provider.EmbeddingResponse, error) {
	return f.resp, f.err
}

type fakeTranscriptionProvider struct {
	resp provider.TranscriptionResponse
	err  error
}

func (f fakeTranscriptionProvider) Invoke(context.Context, provider.TranscriptionRequest) (provider.TranscriptionResponse, error) {
	return f.resp, f.err
}

type fakeInserter struct {
	inserted []river.JobArgs
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*river.JobInsertResult, error) {
	f.inserted = append(f.inserted, args)

	return &river.JobInsertResult{}, nil
}

func makeChatJob(id int64, args worker.ChatJobArgs) *river.Job[worker.ChatJobArgs] {
	return &river.Job[worker.ChatJobArgs]{JobRow: &rivertype.JobRow{ID: id}, Args: args}
}

func makeEmbeddingJob(id int64, args worker.EmbeddingJobArgs) *river.Job[worker.EmbeddingJobArgs] {
	return &river.Job[worker.EmbeddingJobArgs]{JobRow: &rivertype.JobRow{ID: id}, Args: args}
}

func makeTranscriptionJob(id int64, args worker.TranscriptionJobArgs) *river.Job[worker.TranscriptionJobArgs] {
	return &river.Job[worker.TranscriptionJobArgs]{JobRow: &rivertype.JobRow{ID: id}, Args: args}
}

func TestChatWorker_Work_Success(t *testing.T) {
	fc := &fakeCounter{allow: true}
	srv := newFakeCounterServer(fc)
	defer srv.Close()

	reservations := client.New(srv.Client(), srv.URL, "app-1")
	coordinator := backoff.New(recordingStatusReader{}, 0)
	prov := fakeChatProvider{resp: provider.ChatResponse{Content: "hi", PromptTokens: 3, CompletionTokens: 2}}
	ins := &fakeInserter{}

	w := worker.NewChatWorker(reservations, prov, coordinator, 1, nil, worker.NewPacer(time.Millisecond, time.Second))
	w.SetOutput(ins)

	err := w.Work(context.Background(), makeChatJob(1, worker.ChatJobArgs{AppID: "app-1", Model: "gpt", Messages: []string{"user: hello"}}))
	require.NoError(t, err)
	require.Len(t, ins.inserted, 1)
	require.Equal(t, worker.ChatResultArgs{AppID: "app-1", Content: "hi"}, ins.inserted[0])
}

func TestChatWorker_Work_DeniedExhaustsAttempts(t *testing.T) {
	fc := &fakeCounter{allow: false, resetSecs: 0}
	srv := newFakeCounterServer(fc)
	defer srv.Close()

	reservations := client.New(srv.Client(), srv.URL, "app-1")
	coordinator := backoff.New(recordingStatusReader{resetSecs: 0}, 0)
	prov := fakeChatProvider{resp: provider.ChatResponse{Content: "unreachable"}}
	ins := &fakeInserter{}

	w := worker.NewChatWorker(reservations, prov, coordinator, 2, nil, worker.NewPacer(time.Millisecond, time.Second))
	w.SetOutput(ins)

	err := w.Work(context.Background(), makeChatJob(2, worker.ChatJobArgs{AppID: "app-1", Messages: []string{"user: hello"}}))
	require.Error(t, err)
	require.Empty(t, ins.inserted)
}

func TestChatWorker_Work_ProviderErrorReleasesReservation(t *testing.T) {
	fc := &fakeCounter{allow: true}
	srv := newFakeCounterServer(fc)
	defer srv.Close()

	reservations := client.New(srv.Client(), srv.URL, "app-1")
	coordinator := backoff.New(recordingStatusReader{}, 0)

	w := worker.NewChatWorker(reservations, fakeChatProvider{err: errBoom}, coordinator, 1, nil, worker.NewPacer(time.Millisecond, time.Second))

	err := w.Work(context.Background(), makeChatJob(3, worker.ChatJobArgs{AppID: "app-1", Messages: []string{"user: hi"}}))
	require.Error(t, err)
}

func TestEmbeddingWorker_Work_Success(t *testing.T) {
	fc := &fakeCounter{allow: true}
	srv := newFakeCounterServer(fc)
	defer srv.Close()

	reservations := client.New(srv.Client(), srv.URL, "app-1")
	coordinator := backoff.New(recordingStatusReader{}, 0)
	prov := fakeEmbeddingProvider{resp: provider.EmbeddingResponse{Vector: []float32{0.1, 0.2}, PromptTokens: 4}}
	ins := &fakeInserter{}

	w := worker.NewEmbeddingWorker(reservations, prov, coordinator, 1, nil, worker.NewPacer(time.Millisecond, time.Second))
	w.SetOutput(ins)

	err := w.Work(context.Background(), makeEmbeddingJob(1, worker.EmbeddingJobArgs{AppID: "app-1", Input: "hello world"}))
	require.NoError(t, err)
	require.Len(t, ins.inserted, 1)
}

func TestTranscriptionWorker_Work_Success(t *testing.T) {
	fc := &fakeCounter{allow: true}
	srv := newFakeCounterServer(fc)
	defer srv.Close()

	reservations := client.New(srv.Client(), srv.URL, "app-1")
	coordinator := backoff.New(recordingStatusReader{}, 0)
	prov := fakeTranscriptionProvider{resp: provider.TranscriptionResponse{Text: "hello"}}
	ins := &fakeInserter{}

	w := worker.NewTranscriptionWorker(reservations, prov, coordinator, 1, nil, worker.NewPacer(time.Millisecond, time.Second))
	w.SetOutput(ins)

	err := w.Work(context.Background(), makeTranscriptionJob(1, worker.TranscriptionJobArgs{AppID: "app-1", Audio: []byte("raw"), ContentType: "audio/wav"}))
	require.NoError(t, err)
	require.Len(t, ins.inserted, 1)
	require.Equal(t, worker.TranscriptionResultArgs{AppID: "app-1", Text: "hello"}, ins.inserted[0])
}

func TestPacer_ShrinkAndGrow(t *testing.T) {
	p := worker.NewPacer(100*time.Millisecond, 800*time.Millisecond)
	require.Equal(t, 100*time.Millisecond, p.Current())

	p.Grow()
	require.Equal(t, 200*time.Millisecond, p.Current())

	p.Grow()
	p.Grow()
	p.Grow()
	require.Equal(t, 800*time.Millisecond, p.Current(), "grow should cap at max")

	p.Shrink()
	require.Equal(t, 400*time.Millisecond, p.Current())

	for i := 0; i < 10; i++ {
		p.Shrink()
	}
	require.Equal(t, 100*time.Millisecond, p.Current(), "shrink should floor at min")
}

var errBoom = &providerError{"boom"}

type providerError struct{ s string }

func (e *providerError) Error() string { return e.s }
