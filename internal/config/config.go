// Package config defines the application configuration structure shared by
// every subcommand (counter, worker, migrate) and the way it is loaded: a
// YAML file layered with environment variable overrides, per
// github.com/ilyakaznacheev/cleanenv, matching the reference's single Config
// type loaded once at process start.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root configuration structure. Each subcommand reads only the
// sections it needs; unused sections still load so operators can keep one
// config file across counter/worker/migrate deployments.
type Config struct {
	// Environment specifies the current running environment (development, production, etc.)
	Environment string `env:"ENVIRONMENT" env-default:"development" yaml:"environment"`

	// HTTP contains the counter service's HTTP server configuration.
	HTTP struct {
		Addr              string        `env:"HTTP_ADDR"                 env-default:":8080" yaml:"addr"`
		ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT"         env-default:"1m"     yaml:"readTimeout"`
		ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT"  env-default:"10s"    yaml:"readHeaderTimeout"`
		WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT"        env-default:"2m"     yaml:"writeTimeout"`
		IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT"         env-default:"2m"     yaml:"idleTimeout"`
		RequestTimeout    time.Duration `env:"HTTP_REQUEST_TIMEOUT"      env-default:"10s"    yaml:"requestTimeout"`
		MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES"     env-default:"0"      yaml:"maxHeaderBytes"`
		MetricsPath       string        `env:"HTTP_METRICS_PATH"         env-default:"/metrics" yaml:"metricsPath"`
	} `yaml:"http"`

	// Budgets holds the per-minute limit of every tumbling-window budget the
	// counter owns (SPEC_FULL.md §6 configuration surface).
	Budgets struct {
		Completion struct {
			TokensPerMinute   int `env:"BUDGETS_COMPLETION_TOKENS_PER_MINUTE"   env-default:"350000" yaml:"tokensPerMinute"`
			RequestsPerMinute int `env:"BUDGETS_COMPLETION_REQUESTS_PER_MINUTE" env-default:"600"    yaml:"requestsPerMinute"`
		} `yaml:"completion"`
		Embedding struct {
			TokensPerMinute   int `env:"BUDGETS_EMBEDDING_TOKENS_PER_MINUTE"   env-default:"1000000" yaml:"tokensPerMinute"`
			RequestsPerMinute int `env:"BUDGETS_EMBEDDING_REQUESTS_PER_MINUTE" env-default:"3000"    yaml:"requestsPerMinute"`
		} `yaml:"embedding"`
		Transcription struct {
			RequestsPerMinute int `env:"BUDGETS_TRANSCRIPTION_REQUESTS_PER_MINUTE" env-default:"15" yaml:"requestsPerMinute"`
		} `yaml:"transcription"`
	} `yaml:"budgets"`

	// Counter holds settings specific to the counter process beyond its HTTP
	// server (the backoff buffer it has no say in computing, but whose default
	// the client reads from the same file for convenience of a single source
	// of truth).
	Counter struct {
		// BackoffBuffer is the small fixed buffer (spec.md §4.4's "small_buffer")
		// added on top of seconds_until_reset before a client retries.
		BackoffBuffer time.Duration `env:"COUNTER_BACKOFF_BUFFER" env-default:"3s" yaml:"backoffBuffer"`
	} `yaml:"counter"`

	// Client holds the reservation client's settings (spec.md §4.3).
	Client struct {
		BaseURL     string        `env:"CLIENT_BASE_URL"     env-default:"http://localhost:8080" yaml:"baseURL"`
		AppID       string        `env:"CLIENT_APP_ID"       yaml:"appID"`
		HTTPTimeout time.Duration `env:"CLIENT_HTTP_TIMEOUT" env-default:"10s" yaml:"httpTimeout"`
	} `yaml:"client"`

	// Provider holds the external model providers' endpoints (spec.md's
	// "external collaborator", out of scope to implement but configurable to
	// point the worker's provider clients at).
	Provider struct {
		ChatEndpoint          string `env:"PROVIDER_CHAT_ENDPOINT"          yaml:"chatEndpoint"`
		EmbeddingEndpoint     string `env:"PROVIDER_EMBEDDING_ENDPOINT"     yaml:"embeddingEndpoint"`
		TranscriptionEndpoint string `env:"PROVIDER_TRANSCRIPTION_ENDPOINT" yaml:"transcriptionEndpoint"`
		Deployment            string `env:"PROVIDER_DEPLOYMENT"             yaml:"deployment"`
		APIKey                string `env:"PROVIDER_API_KEY"                yaml:"apiKey"`
	} `yaml:"provider"`

	// Queue holds the River job-queue names this module binds the spec's
	// abstract "at-least-once message bus" collaborator to. River connects
	// through the Database settings below; DSN is not read by the worker.
	Queue struct {
		DSN         string `env:"QUEUE_DSN"          env-default:"postgres://localhost:5432/quotaguard?sslmode=disable" yaml:"dsn"`
		InputQueue  string `env:"QUEUE_INPUT_QUEUE"  env-default:"quotaguard_jobs"  yaml:"inputQueue"`
		OutputQueue string `env:"QUEUE_OUTPUT_QUEUE" env-default:"quotaguard_results" yaml:"outputQueue"`
	} `yaml:"queue"`

	// Worker holds the worker pipeline's pacing and retry settings
	// (spec.md §4.5).
	Worker struct {
		JobTimeout      time.Duration `env:"WORKER_JOB_TIMEOUT"       env-default:"2m"  yaml:"jobTimeout"`
		MaxAttempts     int           `env:"WORKER_MAX_ATTEMPTS"      env-default:"5"   yaml:"maxAttempts"`
		PollIntervalMin time.Duration `env:"WORKER_POLL_INTERVAL_MIN" env-default:"250ms" yaml:"pollIntervalMin"`
		PollIntervalMax time.Duration `env:"WORKER_POLL_INTERVAL_MAX" env-default:"5s"  yaml:"pollIntervalMax"`
	} `yaml:"worker"`

	// Database holds the connection settings used both by the queue (River
	// needs a *sql.DB/pgxpool) and by the usage_samples audit writer.
	Database struct {
		Username           string        `env:"DATABASE_USERNAME"                   env-default:"myuser"     yaml:"username"`
		Password           string        `env:"DATABASE_PASSWORD"                   env-default:"mypassword" yaml:"password"`
		Host               string        `env:"DATABASE_HOST"                       env-default:"localhost"  yaml:"host"`
		Port               int           `env:"DATABASE_PORT"                       env-default:"5432"       yaml:"port"`
		SslMode            string        `env:"DATABASE_SSL_MODE"                   env-default:"disable"    yaml:"sslMode"`
		DatabaseName       string        `env:"DATABASE_NAME"                       env-default:"quotaguard" yaml:"name"`
		MaxOpenConnections int           `env:"DATABASE_MAX_OPEN_CONNECTIONS"       env-default:"10"         yaml:"maxOpenConnections"`
		MaxIdleConnections int           `env:"DATABASE_MAX_IDLE_CONNECTIONS"       env-default:"8"          yaml:"maxIdleConnections"`
		ConnMaxLifetime    time.Duration `env:"DATABASE_CONNECTION_MAX_LIFETIME"    env-default:"3m"         yaml:"connMaxLifetime"`
		ConnMaxIdleTime    time.Duration `env:"DATABASE_CONNECTION_MAX_IDLE_TIME"   env-default:"3m"         yaml:"connMaxIdleTime"`
	} `yaml:"database"`

	// GracefulShutdownTimeout is the maximum duration to wait for ongoing
	// requests to complete during shutdown.
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" env-default:"10s" yaml:"gracefulShutdownTimeout"` //nolint: lll
}

// Load receives the path for a yaml config file and returns a filled Config,
// layering environment variable overrides on top per cleanenv's usual rules.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	return &cfg, nil
}

// DSN formats the database connection settings as a libpq/pgx connection
// string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.DatabaseName, c.Database.SslMode,
	)
}
