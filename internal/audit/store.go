// Package audit persists a best-effort record of every settled reservation
// and every denied lock to a usage_samples table (SPEC_FULL.md §4's audit expansion): unlike the
// counter's in-memory budgets, which intentionally hold no history across a
// window roll (spec.md's Non-goals exclude persistent accounting), this is a
// write-only, queryable trail an operator can use to investigate "chronic
// under-estimation" (spec.md §9 Design Note) after the fact. It never gates a
// reservation decision.
//
// Grounded on pkg/storage/postgres/postgres.go's pgxpool+goqu connection
// setup and pkg/storage/postgres/scan.go's goqu insert style.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const usageSamplesTable = "usage_samples"

// Options configures the connection this Store opens.
type Options struct {
	Username           string
	Password           string
	Host               string
	Port               int
	Database           string
	SslMode            string
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	MaxOpenConnections int
	MaxIdleConnections int
}

// Store writes usage samples to Postgres via goqu.
type Store struct {
	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	builder *goqu.Database
}

// New opens a pgxpool-backed connection and wraps it with a goqu query
// builder, mirroring the reference's pattern of a *sql.DB view over the same
// pool for compatibility with goqu/goose tooling.
func New(ctx context.Context, opts Options) (*Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		opts.Host, opts.Port, opts.Username, opts.Database, opts.Password, opts.SslMode)

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("could not parse pgxpool config: %w", err)
	}
	if opts.MaxOpenConnections > 0 {
		cfg.MaxConns = int32(opts.MaxOpenConnections) //nolint: gosec
	}
	if opts.MaxIdleConnections > 0 {
		cfg.MinConns = int32(opts.MaxIdleConnections) //nolint: gosec
	}
	if opts.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnMaxLifetime
	}
	if opts.ConnMaxIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create pgx pool: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)

	return &Store{pool: pool, sqlDB: sqlDB, builder: goqu.Dialect("postgres").DB(sqlDB)}, nil
}

// Pool exposes the underlying pgxpool.Pool, e.g. for River's riverpgxv5 driver
// to share the same connection pool as this store.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// SQLDB exposes the database/sql wrapper around Pool, for goose and
// rivermigrate, both of which expect a *sql.DB rather than a pgxpool.Pool.
func (s *Store) SQLDB() *sql.DB { return s.sqlDB }

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Sample is one settled reservation's audit record.
type Sample struct {
	AppID        string
	Group        string // "completion", "embedding", or "transcription"
	PromptTokens int
	OutputTokens int
	Allowed      bool
	RecordedAt   time.Time
}

// Record inserts one usage sample. Failures are the caller's to decide how
// to handle; this package never blocks a reservation decision on a failed
// write (SPEC_FULL.md §4).
func (s *Store) Record(ctx context.Context, sample Sample) error {
	_, err := s.builder.Insert(usageSamplesTable).
		Rows(goqu.Record{
			"app_id":        sample.AppID,
			"budget_group":  sample.Group,
			"prompt_tokens": sample.PromptTokens,
			"output_tokens": sample.OutputTokens,
			"allowed":       sample.Allowed,
			"recorded_at":   sample.RecordedAt,
		}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not record usage sample: %w", err)
	}

	return nil
}

// DenialRate returns the fraction of samples recorded at or after since
// that were denied for the given app/group, for operators investigating
// chronic under-estimation (spec.md §9).
func (s *Store) DenialRate(ctx context.Context, appID, group string, since time.Time) (float64, error) {
	var total, denied int64

	totalFound, err := s.builder.From(usageSamplesTable).
		Where(
			goqu.I("app_id").Eq(appID),
			goqu.I("budget_group").Eq(group),
			goqu.I("recorded_at").Gte(since),
		).
		Select(goqu.COUNT("*")).
		Executor().ScanValContext(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("could not count usage samples: %w", err)
	}
	if !totalFound || total == 0 {
		return 0, nil
	}

	_, err = s.builder.From(usageSamplesTable).
		Where(
			goqu.I("app_id").Eq(appID),
			goqu.I("budget_group").Eq(group),
			goqu.I("recorded_at").Gte(since),
			goqu.I("allowed").Eq(false),
		).
		Select(goqu.COUNT("*")).
		Executor().ScanValContext(ctx, &denied)
	if err != nil {
		return 0, fmt.Errorf("could not count denied usage samples: %w", err)
	}

	return float64(denied) / float64(total), nil
}
