// Package audit records engine operations (imports, archives, deletions,
// lake builds, watermark resets) to a durable audit trail.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action represents the type of operation being audited.
type Action string

const (
	ActionSnapshotImport  Action = "snapshot_import"
	ActionSnapshotArchive Action = "snapshot_archive"
	ActionSnapshotDelete  Action = "snapshot_delete"
	ActionWatermarkReset  Action = "watermark_reset"
	ActionLakeCreate      Action = "lake_create"
	ActionLakeBuild       Action = "lake_build"
	ActionLakeDelete      Action = "lake_delete"
	ActionRetentionSweep  Action = "retention_sweep"
)

// Entry describes one audited operation.
type Entry struct {
	Action       Action
	EntityType   string
	EntityID     string
	SourceID     string
	RowsAffected int64
	Details      map[string]any
}

// Logger writes audit entries to the audit_log table.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger creates an audit logger backed by the given pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Log records an audit entry. Best-effort: failures are logged via slog but
// never propagate, so a failing audit store never blocks the engine.
func (l *Logger) Log(ctx context.Context, entry Entry) {
	if l == nil || l.pool == nil {
		return
	}

	var details []byte
	if entry.Details != nil {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			details = nil
		}
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, source_id, rows_affected, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), string(entry.Action), entry.EntityType, entry.EntityID,
		entry.SourceID, entry.RowsAffected, details)
	if err != nil {
		slog.Warn("audit log write failed",
			"action", entry.Action,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}
