package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Engine reconciles incoming batches against the last reconciled snapshot
// and writes the result back as the next version.
type Engine struct {
	store *store.Service
	pool  *pgxpool.Pool
	audit *audit.Logger
}

// NewEngine creates a CDC engine sharing the snapshot store's database.
func NewEngine(st *store.Service, auditLog *audit.Logger) *Engine {
	return &Engine{
		store: st,
		pool:  st.Pool(),
		audit: auditLog,
	}
}

// SyncOptions configures one sync run.
type SyncOptions struct {
	// PrimaryKey identifies records across versions. Required.
	PrimaryKey []string

	// CompareColumns limits update detection to specific fields.
	CompareColumns []string

	// EnableDeletes treats baseline records missing from the batch as deletes.
	EnableDeletes bool

	// Mode selects the tracking mode. Zero value is ModeHash.
	Mode TrackingMode

	// CursorColumn names the timestamp or rowversion column for the
	// non-hash modes.
	CursorColumn string

	// Strategy controls how detected changes fold into the baseline.
	Strategy MergeStrategy
}

// SyncResult reports one completed sync.
type SyncResult struct {
	SnapshotID  string      `json:"snapshotId,omitempty"`
	Version     int64       `json:"version"`
	Stats       ChangeStats `json:"stats"`
	FullLoad    bool        `json:"fullLoad"`
	RecordCount int64       `json:"recordCount"`
}

// Sync reconciles newBatch against the source's last reconciled snapshot and
// persists the merged result as the next version, then advances the watermark.
//
// With no watermark (first sync, or after an explicit reset) the baseline is
// treated as empty and the whole batch loads as inserts, regardless of any
// snapshots that may still exist.
func (e *Engine) Sync(ctx context.Context, sourceID string, newBatch []store.Record, opts SyncOptions) (SyncResult, error) {
	if len(opts.PrimaryKey) == 0 {
		return SyncResult{}, fmt.Errorf("sync: missing primary key: %w", store.ErrInvalidInput)
	}
	if opts.Mode == "" {
		opts.Mode = ModeHash
	}
	if opts.Mode != ModeHash && opts.CursorColumn == "" {
		return SyncResult{}, fmt.Errorf("sync: mode %q requires a cursor column: %w", opts.Mode, store.ErrInvalidInput)
	}
	if opts.Mode != ModeHash && opts.EnableDeletes {
		// Cursor modes drop already-seen records from the batch before
		// detection, so an absent record is indistinguishable from an
		// unchanged one. Delete detection needs the full extract of hash
		// mode.
		return SyncResult{}, fmt.Errorf("sync: mode %q cannot detect deletes from an incremental batch: %w", opts.Mode, store.ErrInvalidInput)
	}

	wm, err := e.GetWatermark(ctx, sourceID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}

	var existing []store.Record
	fullLoad := wm == nil
	if !fullLoad {
		_, existing, err = e.store.LoadAllRecords(ctx, sourceID, store.SnapshotRef{})
		if errors.Is(err, store.ErrNotFound) {
			// Watermark survived its snapshots; resync from scratch.
			existing = nil
			fullLoad = true
		} else if err != nil {
			return SyncResult{}, fmt.Errorf("sync: %w", err)
		}
	}

	batch := newBatch
	if opts.Mode != ModeHash && wm != nil {
		batch = filterByCursor(newBatch, opts.CursorColumn, wm.LastDescriptor)
	}

	cs, err := DetectChanges(batch, existing, DetectOptions{
		PrimaryKey:     opts.PrimaryKey,
		CompareColumns: opts.CompareColumns,
		EnableDeletes:  opts.EnableDeletes,
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}

	merged, err := MergeChanges(existing, cs, opts.Strategy)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}

	stats := CalculateChangeStats(cs)
	result := SyncResult{
		Stats:    stats,
		FullLoad: fullLoad,
	}

	descriptor := nextDescriptor(newBatch, opts)

	if len(merged) > 0 {
		imported, err := e.store.ImportSnapshot(ctx, sourceID, merged, nil, map[string]any{
			"sync": map[string]any{
				"inserts":   stats.Inserts,
				"updates":   stats.Updates,
				"deletes":   stats.Deletes,
				"unchanged": stats.Unchanged,
				"fullLoad":  fullLoad,
			},
			"watermark": descriptor,
		})
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync: %w", err)
		}
		result.SnapshotID = imported.SnapshotID.String()
		result.Version = imported.Version
		result.RecordCount = imported.RecordCount
	} else {
		// Every baseline record was hard-deleted. The empty baseline is
		// represented by the watermark alone; no empty snapshot is written.
		slog.Info("sync produced empty baseline, skipping snapshot write", "source_id", sourceID)
	}

	if err := e.setWatermark(ctx, sourceID, descriptor, map[string]any{
		"inserts":   stats.Inserts,
		"updates":   stats.Updates,
		"deletes":   stats.Deletes,
		"unchanged": stats.Unchanged,
	}); err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}

	e.audit.Log(ctx, audit.Entry{
		Action:       audit.ActionSnapshotImport,
		EntityType:   "snapshot",
		EntityID:     result.SnapshotID,
		SourceID:     sourceID,
		RowsAffected: result.RecordCount,
		Details: map[string]any{
			"mode":      string(opts.Mode),
			"inserts":   stats.Inserts,
			"updates":   stats.Updates,
			"deletes":   stats.Deletes,
			"unchanged": stats.Unchanged,
			"full_load": fullLoad,
		},
	})

	slog.Info("sync completed",
		"source_id", sourceID,
		"version", result.Version,
		"inserts", stats.Inserts,
		"updates", stats.Updates,
		"deletes", stats.Deletes,
		"unchanged", stats.Unchanged,
		"full_load", fullLoad,
	)

	return result, nil
}

// filterByCursor keeps records whose cursor column is beyond the watermark
// descriptor. Records without the column pass through so a misconfigured
// column never silently drops data.
func filterByCursor(batch []store.Record, column, descriptor string) []store.Record {
	if descriptor == "" {
		return batch
	}
	out := make([]store.Record, 0, len(batch))
	for _, rec := range batch {
		v, ok := rec[column]
		if !ok {
			out = append(out, rec)
			continue
		}
		if cursorLess(descriptor, stringify(v)) {
			out = append(out, rec)
		}
	}
	return out
}

// nextDescriptor computes the new watermark cursor for the batch: the
// highest cursor value for timestamp/rowversion modes, the sync time for
// hash mode.
func nextDescriptor(batch []store.Record, opts SyncOptions) string {
	if opts.Mode == ModeHash {
		return time.Now().UTC().Format(time.RFC3339)
	}
	var max string
	for _, rec := range batch {
		if v, ok := rec[opts.CursorColumn]; ok {
			s := stringify(v)
			if max == "" || cursorLess(max, s) {
				max = s
			}
		}
	}
	return max
}

// cursorLess orders cursor values: numerically when both sides parse as
// numbers, otherwise lexically (which matches RFC 3339 timestamps and
// fixed-width tokens).
func cursorLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}
