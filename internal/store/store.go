package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultBatchSize is the number of records written per database batch.
const DefaultBatchSize = 1000

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Service provides snapshot persistence: versioned imports, paged reads,
// archival, and deletion.
type Service struct {
	pool      *pgxpool.Pool
	batchSize int
	limiter   *ImportLimiter
}

// Option customises Service behaviour.
type Option func(*Service)

// WithBatchSize sets the records-per-batch chunk size for imports.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLimiter sets the concurrent import limiter.
func WithLimiter(l *ImportLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// New creates a snapshot store backed by the given pool.
func New(pool *pgxpool.Pool, opts ...Option) *Service {
	s := &Service{
		pool:      pool,
		batchSize: DefaultBatchSize,
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = NewImportLimiter(0, 0)
	}
	return s
}

// Pool exposes the underlying pool for collaborators that share the store's
// database (watermarks, lakes, audit log).
func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// schemaDDL creates every table the engine uses. Statements are idempotent
// so EnsureSchema can run on every startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id UUID PRIMARY KEY,
		source_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		schema JSONB,
		record_count BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_source_latest
		ON snapshots (source_id, status, version DESC)`,
	`CREATE TABLE IF NOT EXISTS snapshot_records (
		snapshot_id UUID NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		row_index BIGINT NOT NULL,
		source_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (snapshot_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		source_id TEXT PRIMARY KEY,
		last_sync_at TIMESTAMPTZ NOT NULL,
		last_descriptor TEXT,
		stats JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS lakes (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		config JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS lake_rows (
		lake_id UUID NOT NULL REFERENCES lakes(id) ON DELETE CASCADE,
		row_index BIGINT NOT NULL,
		source_id TEXT NOT NULL,
		snapshot_version BIGINT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (lake_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		source_id TEXT,
		rows_affected BIGINT,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the engine's tables if they do not exist.
func (s *Service) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
