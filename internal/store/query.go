package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultPageSize is used when callers pass a non-positive limit.
const DefaultPageSize = 100

const snapshotColumns = `id, source_id, version, schema, record_count, status, metadata, created_at`

// ResolveSnapshot finds the snapshot header a ref points at: by ID, by
// version within the source, or (zero ref) the highest-version active
// snapshot for the source. Returns ErrNotFound when nothing matches.
func (s *Service) ResolveSnapshot(ctx context.Context, sourceID string, ref SnapshotRef) (Snapshot, error) {
	var row pgx.Row
	switch {
	case ref.SnapshotID != uuid.Nil:
		row = s.pool.QueryRow(ctx,
			`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, ref.SnapshotID)
	case ref.Version > 0:
		row = s.pool.QueryRow(ctx,
			`SELECT `+snapshotColumns+` FROM snapshots WHERE source_id = $1 AND version = $2`,
			sourceID, ref.Version)
	default:
		row = s.pool.QueryRow(ctx,
			`SELECT `+snapshotColumns+` FROM snapshots
			 WHERE source_id = $1 AND status = 'active'
			 ORDER BY version DESC LIMIT 1`, sourceID)
	}

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, notFoundf("snapshot for source %q", sourceID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshotData returns one page of a snapshot's records in original row
// order, plus the header and total count.
func (s *Service) GetSnapshotData(ctx context.Context, sourceID string, ref SnapshotRef, limit, offset int) (SnapshotData, error) {
	snap, err := s.ResolveSnapshot(ctx, sourceID, ref)
	if err != nil {
		return SnapshotData{}, err
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM snapshot_records
		 WHERE snapshot_id = $1
		 ORDER BY row_index
		 LIMIT $2 OFFSET $3`,
		snap.ID, limit, offset)
	if err != nil {
		return SnapshotData{}, fmt.Errorf("get snapshot data: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return SnapshotData{}, fmt.Errorf("get snapshot data: %w", err)
	}

	return SnapshotData{
		Snapshot:   snap,
		Records:    records,
		TotalCount: snap.RecordCount,
	}, nil
}

// LoadAllRecords returns every record of a snapshot in original row order,
// paging internally so memory use per round trip stays bounded.
func (s *Service) LoadAllRecords(ctx context.Context, sourceID string, ref SnapshotRef) (Snapshot, []Record, error) {
	snap, err := s.ResolveSnapshot(ctx, sourceID, ref)
	if err != nil {
		return Snapshot{}, nil, err
	}

	all := make([]Record, 0, snap.RecordCount)
	for offset := 0; ; offset += s.batchSize {
		rows, err := s.pool.Query(ctx,
			`SELECT payload FROM snapshot_records
			 WHERE snapshot_id = $1
			 ORDER BY row_index
			 LIMIT $2 OFFSET $3`,
			snap.ID, s.batchSize, offset)
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("load records: %w", err)
		}
		page, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("load records: %w", err)
		}
		all = append(all, page...)
		if len(page) < s.batchSize {
			break
		}
	}
	return snap, all, nil
}

// ListVersions returns all active snapshots for a source, newest first.
func (s *Service) ListVersions(ctx context.Context, sourceID string) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE source_id = $1 AND status = 'active'
		 ORDER BY version DESC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// scanSnapshot reads one snapshot header from a row.
func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		snap       Snapshot
		schemaJSON []byte
		metaJSON   []byte
		status     string
	)
	err := row.Scan(&snap.ID, &snap.SourceID, &snap.Version, &schemaJSON,
		&snap.RecordCount, &status, &metaJSON, &snap.CreatedAt)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Status = SnapshotStatus(status)
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &snap.Schema); err != nil {
			return Snapshot{}, fmt.Errorf("decode schema: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &snap.Metadata); err != nil {
			return Snapshot{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return snap, nil
}

// scanRecords decodes payload rows into records.
func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
