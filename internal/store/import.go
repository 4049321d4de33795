package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// ImportSnapshot persists records as a new snapshot version for sourceID.
//
// The version is allocated inside the header insert from the current maximum
// for the source; the unique (source_id, version) index rejects the loser of
// a concurrent race, and the insert is retried once so both imports succeed
// with distinct, gapless versions.
//
// Records are written in chunks of the configured batch size. A failed chunk
// is logged and skipped rather than aborting the import; the stored
// record_count always reflects the rows actually written.
func (s *Service) ImportSnapshot(ctx context.Context, sourceID string, records []Record, schema []SchemaField, metadata map[string]any) (ImportResult, error) {
	if strings.TrimSpace(sourceID) == "" {
		return ImportResult{}, invalidf("import snapshot: missing source id")
	}
	if len(records) == 0 {
		return ImportResult{}, invalidf("import snapshot: empty record batch for source %q", sourceID)
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return ImportResult{}, fmt.Errorf("import snapshot: %w", err)
	}
	defer s.limiter.Release()

	if schema == nil {
		schema = InferSchema(records[0])
	}

	id := uuid.New()
	version, err := s.insertHeader(ctx, id, sourceID, schema, metadata)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import snapshot: %w", err)
	}

	var written, skipped int64
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		n, err := writeChunk(ctx, s.pool, id, sourceID, version, records[start:end], start)
		written += n
		if err != nil {
			skipped += int64(end-start) - n
			slog.Warn("snapshot chunk write failed, continuing",
				"source_id", sourceID,
				"version", version,
				"chunk_start", start,
				"rows_lost", int64(end-start)-n,
				"error", err,
			)
		}
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE snapshots SET record_count = $1 WHERE id = $2`, written, id); err != nil {
		return ImportResult{}, fmt.Errorf("import snapshot: finalize count: %w", err)
	}

	slog.Info("snapshot imported",
		"source_id", sourceID,
		"snapshot_id", id,
		"version", version,
		"records", written,
		"skipped", skipped,
	)

	return ImportResult{
		SnapshotID:  id,
		Version:     version,
		RecordCount: written,
		Skipped:     skipped,
	}, nil
}

// insertHeader creates the snapshot header, allocating the next version.
func (s *Service) insertHeader(ctx context.Context, id uuid.UUID, sourceID string, schema []SchemaField, metadata map[string]any) (int64, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("marshal schema: %w", err)
	}
	var metaJSON []byte
	if metadata != nil {
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	const insert = `
		INSERT INTO snapshots (id, source_id, version, schema, record_count, status, metadata)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE source_id = $2),
			$3, 0, 'active', $4)
		RETURNING version`

	var version int64
	err = s.pool.QueryRow(ctx, insert, id, sourceID, schemaJSON, metaJSON).Scan(&version)
	if isUniqueViolation(err) {
		// Lost a version race with a concurrent import; one retry picks
		// up the next free version.
		err = s.pool.QueryRow(ctx, insert, id, sourceID, schemaJSON, metaJSON).Scan(&version)
	}
	if err != nil {
		return 0, fmt.Errorf("insert header: %w", err)
	}
	return version, nil
}

// batchWriter is the slice of pool behavior record writes need.
// Satisfied by *pgxpool.Pool.
type batchWriter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertRecordSQL = `
	INSERT INTO snapshot_records (snapshot_id, row_index, source_id, version, payload)
	VALUES ($1, $2, $3, $4, $5)`

// The retry variant tolerates rows the failed batch may have committed.
const retryRecordSQL = insertRecordSQL + `
	ON CONFLICT (snapshot_id, row_index) DO NOTHING`

// writeChunk inserts one chunk of records via a single batched round trip.
// Records that fail to marshal are skipped individually. A failed statement
// poisons the rest of the batch's pipeline, so on any batch error the chunk
// is retried row by row and only the genuinely bad rows are lost.
func writeChunk(ctx context.Context, db batchWriter, snapshotID uuid.UUID, sourceID string, version int64, chunk []Record, offset int) (int64, error) {
	type row struct {
		index   int64
		payload []byte
	}
	rows := make([]row, 0, len(chunk))
	for i, rec := range chunk {
		payload, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("record skipped: not serializable",
				"source_id", sourceID, "row_index", offset+i, "error", err)
			continue
		}
		rows = append(rows, row{index: int64(offset + i), payload: payload})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(insertRecordSQL, snapshotID, r.index, sourceID, version, r.payload)
	}

	br := db.SendBatch(ctx, b)
	var batchErr error
	for range rows {
		if _, err := br.Exec(); err != nil {
			batchErr = err
			break
		}
	}
	if err := br.Close(); batchErr == nil && err != nil {
		batchErr = err
	}
	if batchErr == nil {
		return int64(len(rows)), nil
	}

	slog.Warn("batch write failed, retrying chunk row by row",
		"source_id", sourceID, "version", version, "chunk_start", offset, "error", batchErr)

	var written int64
	var lastErr error
	for _, r := range rows {
		if _, err := db.Exec(ctx, retryRecordSQL, snapshotID, r.index, sourceID, version, r.payload); err != nil {
			lastErr = err
			slog.Warn("record skipped after retry",
				"source_id", sourceID, "row_index", r.index, "error", err)
			continue
		}
		written++
	}
	return written, lastErr
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
