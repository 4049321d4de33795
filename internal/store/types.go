// Package store persists immutable, versioned captures of a data source's
// rows ("snapshots") and the shared tables used by the rest of the engine.
// This package has no transport dependencies and can be used by any frontend.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Record is a single imported row as arbitrary structured data.
// Values are whatever the source produced after JSON round-tripping:
// string, float64, bool, nil, []any, map[string]any.
type Record = map[string]any

// SnapshotStatus represents the lifecycle state of a snapshot.
type SnapshotStatus string

const (
	StatusActive   SnapshotStatus = "active"
	StatusArchived SnapshotStatus = "archived"
	StatusDeleted  SnapshotStatus = "deleted"
)

// Snapshot is the header of one immutable, versioned capture.
type Snapshot struct {
	ID          uuid.UUID      `json:"id"`
	SourceID    string         `json:"sourceId"`
	Version     int64          `json:"version"`
	Schema      []SchemaField  `json:"schema,omitempty"`
	RecordCount int64          `json:"recordCount"`
	Status      SnapshotStatus `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// SchemaField describes one inferred column of a snapshot.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Field types produced by schema inference.
const (
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeNull    = "null"
	TypeString  = "string"
)

// SnapshotRef identifies a snapshot either directly by ID, by version
// within a source, or (zero value) the latest active snapshot.
type SnapshotRef struct {
	SnapshotID uuid.UUID
	Version    int64
}

// Latest reports whether the ref resolves to the latest active snapshot.
func (r SnapshotRef) Latest() bool {
	return r.SnapshotID == uuid.Nil && r.Version == 0
}

// ImportResult summarizes a completed import.
type ImportResult struct {
	SnapshotID  uuid.UUID `json:"snapshotId"`
	Version     int64     `json:"version"`
	RecordCount int64     `json:"recordCount"`
	Skipped     int64     `json:"skipped,omitempty"`
}

// SnapshotData is one page of records plus the owning snapshot header.
type SnapshotData struct {
	Snapshot   Snapshot `json:"snapshot"`
	Records    []Record `json:"records"`
	TotalCount int64    `json:"totalCount"`
}
