package counter

import (
	_ "embed"
	"fmt"
	"net/http"
	"quotaguard/internal/config"
	"quotaguard/pkg/controller"
	"quotaguard/pkg/metrics"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggest/swgui/v5emb"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// spec is the embedded, hand-authored OpenAPI document describing the HTTP
// surface implemented in handler.go. There is no code-generation step here:
// the reference's ogen-generated internal/api/specs/v1specs package was not
// present in the retrieved example and the document below is served purely
// for documentation/swagger-ui purposes (see DESIGN.md).
//
//go:embed openapi.yaml
var spec []byte

// Options configures the counter's HTTP server.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration
	MaxHeaderBytes    int
	MetricsPath       string
}

// NewOptions translates the application's config into server Options.
func NewOptions(cfg *config.Config) Options {
	return Options{
		Addr:              cfg.HTTP.Addr,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
		MetricsPath:       cfg.HTTP.MetricsPath,
	}
}

// NewLimits translates the application's config into Service Limits.
func NewLimits(cfg *config.Config) Limits {
	return Limits{
		CompletionTokens:      cfg.Budgets.Completion.TokensPerMinute,
		CompletionRequests:    cfg.Budgets.Completion.RequestsPerMinute,
		EmbeddingTokens:       cfg.Budgets.Embedding.TokensPerMinute,
		EmbeddingRequests:     cfg.Budgets.Embedding.RequestsPerMinute,
		TranscriptionRequests: cfg.Budgets.Transcription.RequestsPerMinute,
	}
}

// NewServer wires up and returns a configured *http.Server backed by svc. It
// mirrors the reference api.NewServer: a Prometheus metrics endpoint, an
// OpenTelemetry meter provider feeding the same registry, the embedded OpenAPI
// document with a browsable swagger UI, the counter's own JSON handlers, and
// the CORS/logging middleware stack.
func NewServer(svc *Service, opts Options) (*http.Server, error) {
	mux := http.NewServeMux()

	mux.Handle(opts.MetricsPath, promhttp.Handler())

	exp, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, fmt.Errorf("could not create otel exporter: %w", err)
	}
	_ = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))

	mux.HandleFunc("/specs/v1.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(spec)
	})
	mux.Handle("/docs/", v5emb.New("quotaguard counter", "/specs/v1.yaml", "/docs/"))

	completionAllow := prometheus.WrapRegistererWith(prometheus.Labels{}, prometheus.DefaultRegisterer)
	registerRoutes(mux, svc, completionAllow)

	mux.Handle("/debug/pprof/", controller.PprofMux())

	handler := controller.WithCORS(mux)
	handler = controller.WithLogger(handler)

	return &http.Server{
		Addr:              opts.Addr,
		Handler:           http.TimeoutHandler(handler, opts.RequestTimeout, `{"error":"request timed out"}`),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		MaxHeaderBytes:    opts.MaxHeaderBytes,
	}, nil
}

// registerRoutes mounts the three budget groups' lock/report/release/status
// endpoints plus /health onto mux.
func registerRoutes(mux *http.ServeMux, svc *Service, reg prometheus.Registerer) {
	completionMetric := metrics.NewCounter(reg, "completion")
	embeddingMetric := metrics.NewCounter(reg, "embedding")
	transcriptionMetric := metrics.NewCounter(reg, "transcription")

	mux.HandleFunc("POST /lock", handlePairedLock(completionMetric, svc.CompletionLock))
	mux.HandleFunc("POST /report", handlePairedReport(svc.CompletionReport, true))
	mux.HandleFunc("POST /release", handlePairedRelease(svc.CompletionRelease))
	mux.HandleFunc("GET /status", handlePairedStatus(svc.CompletionStatus))

	mux.HandleFunc("POST /embedding/lock", handlePairedLock(embeddingMetric, svc.EmbeddingLock))
	mux.HandleFunc("POST /embedding/report", handlePairedReport(
		func(handle string, tokenUsed int) { svc.EmbeddingReport(handle, tokenUsed) }, false))
	mux.HandleFunc("POST /embedding/release", handlePairedRelease(svc.EmbeddingRelease))
	mux.HandleFunc("GET /embedding/status", handlePairedStatus(svc.EmbeddingStatus))

	mux.HandleFunc("POST /transcription/lock", handleTranscriptionLock(transcriptionMetric, svc.TranscriptionLock))
	mux.HandleFunc("POST /transcription/report", handleTranscriptionReport(
		func(handle string) { svc.TranscriptionReport(handle) }))
	mux.HandleFunc("POST /transcription/release", handleTranscriptionRelease(svc.TranscriptionRelease))
	mux.HandleFunc("GET /transcription/status", handleTranscriptionStatus(svc.TranscriptionStatus))

	mux.HandleFunc("GET /health", handleHealth)
}
