package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/JonMunkholm/snaplake/internal/cdc"
	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// buildChunkSize is the number of consolidated rows written per batch.
const buildChunkSize = 1000

// buildClaimTimeout bounds how long a building status blocks new builds.
// A build that died without transitioning leaves updated_at frozen, so a
// claim older than this is reclaimable.
const buildClaimTimeout = 30 * time.Minute

// buildClaimable reports whether a new build may claim the lake: any
// settled status, or an in-flight claim gone stale.
func buildClaimable(lk Lake, now time.Time) bool {
	if lk.Status != StatusBuilding {
		return true
	}
	return now.Sub(lk.UpdatedAt) >= buildClaimTimeout
}

// BuildReport summarizes one completed build.
type BuildReport struct {
	LakeID       uuid.UUID        `json:"lakeId"`
	Processed    int64            `json:"recordsProcessed"`
	Stored       int64            `json:"recordsStored"`
	Filtered     int64            `json:"recordsFiltered"`
	Duplicates   int64            `json:"recordsDuplicated"`
	PerSource    map[string]int64 `json:"perSourceCounts"`
	SchemaFields []string         `json:"schemaFields,omitempty"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// Build consolidates the latest active snapshot of every configured source
// into the lake's queryable store. Always a full rebuild: previous rows are
// replaced, never merged.
//
// A source without snapshots is logged and skipped, contributing zero
// records; the build still succeeds so downstream consumers are never
// blocked by one empty source. Storage errors mark the lake's status error
// before propagating.
func (b *Builder) Build(ctx context.Context, lakeID uuid.UUID) (BuildReport, error) {
	start := time.Now()

	lk, err := b.GetLake(ctx, lakeID)
	if err != nil {
		return BuildReport{}, err
	}

	// Claim the build; a live build blocks, a stale claim is taken over.
	if !buildClaimable(lk, time.Now()) {
		return BuildReport{}, fmt.Errorf("build lake %s: build already in progress: %w", lakeID, store.ErrInvalidInput)
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE lakes SET status = 'building', updated_at = now()
		WHERE id = $1
		  AND (status <> 'building' OR updated_at < now() - make_interval(secs => $2))`,
		lakeID, buildClaimTimeout.Seconds())
	if err != nil {
		return BuildReport{}, fmt.Errorf("build lake: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return BuildReport{}, fmt.Errorf("build lake %s: build already in progress: %w", lakeID, store.ErrInvalidInput)
	}

	report, err := b.runBuild(ctx, lk)
	if err != nil {
		// Failed builds are visible as status error, with the message kept
		// in metadata for inspection.
		if stErr := b.setStatus(ctx, lakeID, StatusError, Metadata{}, err.Error()); stErr != nil {
			slog.Error("failed to mark lake errored", "lake_id", lakeID, "error", stErr)
		}
		return BuildReport{}, err
	}

	report.Elapsed = time.Since(start)

	b.audit.Log(ctx, audit.Entry{
		Action:       audit.ActionLakeBuild,
		EntityType:   "lake",
		EntityID:     lakeID.String(),
		RowsAffected: report.Stored,
		Details: map[string]any{
			"processed":  report.Processed,
			"stored":     report.Stored,
			"filtered":   report.Filtered,
			"duplicates": report.Duplicates,
			"elapsed_ms": report.Elapsed.Milliseconds(),
		},
	})

	slog.Info("lake built",
		"lake_id", lakeID,
		"processed", report.Processed,
		"stored", report.Stored,
		"filtered", report.Filtered,
		"duplicates", report.Duplicates,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// runBuild loads, consolidates, and persists the working set.
func (b *Builder) runBuild(ctx context.Context, lk Lake) (BuildReport, error) {
	report := BuildReport{
		LakeID:    lk.ID,
		PerSource: make(map[string]int64, len(lk.Config.SourceIDs)),
	}

	// Sources load in config order so first-seen dedup is deterministic.
	var working []store.Record
	for _, sourceID := range lk.Config.SourceIDs {
		snap, records, err := b.store.LoadAllRecords(ctx, sourceID, store.SnapshotRef{})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				// Partial source failure is isolated: zero records, warning,
				// build continues.
				slog.Warn("lake source load failed, contributing zero records",
					"lake_id", lk.ID, "source_id", sourceID, "error", err)
			} else {
				slog.Info("lake source has no snapshots, skipping",
					"lake_id", lk.ID, "source_id", sourceID)
			}
			report.PerSource[sourceID] = 0
			continue
		}

		for _, rec := range records {
			tagged := make(store.Record, len(rec)+2)
			for k, v := range rec {
				tagged[k] = v
			}
			tagged[FieldSourceID] = sourceID
			tagged[FieldSnapshotVersion] = snap.Version
			working = append(working, tagged)
		}
		report.PerSource[sourceID] = int64(len(records))
	}
	report.Processed = int64(len(working))

	processed, duplicates, filtered := processRows(working, lk.Config)
	report.Duplicates = duplicates
	report.Filtered = filtered
	report.Stored = int64(len(processed))
	report.SchemaFields = discoverFields(processed)

	if err := b.persistRows(ctx, lk.ID, processed); err != nil {
		return BuildReport{}, fmt.Errorf("build lake: %w", err)
	}

	meta := Metadata{
		PerSourceCounts: report.PerSource,
		SchemaFields:    report.SchemaFields,
	}
	if err := b.setStatus(ctx, lk.ID, StatusReady, meta, ""); err != nil {
		return BuildReport{}, fmt.Errorf("build lake: %w", err)
	}
	return report, nil
}

// processRows applies deduplication then filters, in that fixed order.
// Deduplication is first-seen-wins over the working set's encounter order.
// Returns the surviving rows plus duplicate and filtered-out counts.
func processRows(working []store.Record, cfg Config) (rows []store.Record, duplicates, filtered int64) {
	rows = working

	if cfg.Dedup && len(cfg.DedupKey) > 0 {
		seen := make(map[string]bool, len(rows))
		deduped := make([]store.Record, 0, len(rows))
		for _, rec := range rows {
			key := cdc.CompositeKey(rec, cfg.DedupKey)
			if seen[key] {
				duplicates++
				continue
			}
			seen[key] = true
			deduped = append(deduped, rec)
		}
		rows = deduped
	}

	if len(cfg.Filters) > 0 {
		kept := applyFilters(rows, cfg.Filters)
		filtered = int64(len(rows) - len(kept))
		rows = kept
	}

	return rows, duplicates, filtered
}

// discoverFields collects the union of field names across rows, sorted,
// excluding the engine's row tags.
func discoverFields(rows []store.Record) []string {
	if len(rows) == 0 {
		return nil
	}
	set := make(map[string]bool)
	for _, rec := range rows {
		for field := range rec {
			if field != FieldSourceID && field != FieldSnapshotVersion {
				set[field] = true
			}
		}
	}
	fields := make([]string, 0, len(set))
	for field := range set {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// persistRows replaces the lake's consolidated rows with the processed set.
func (b *Builder) persistRows(ctx context.Context, lakeID uuid.UUID, rows []store.Record) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM lake_rows WHERE lake_id = $1`, lakeID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}

	for start := 0; start < len(rows); start += buildChunkSize {
		end := min(start+buildChunkSize, len(rows))

		batch := &pgx.Batch{}
		for i, rec := range rows[start:end] {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal row %d: %w", start+i, err)
			}
			batch.Queue(`
				INSERT INTO lake_rows (lake_id, row_index, source_id, snapshot_version, payload)
				VALUES ($1, $2, $3, $4, $5)`,
				lakeID, int64(start+i),
				displayValue(rec[FieldSourceID]),
				versionTag(rec[FieldSnapshotVersion]),
				payload)
		}

		br := b.pool.SendBatch(ctx, batch)
		for i := start; i < end; i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("write row %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}
	return nil
}

// versionTag extracts the snapshot version row tag as an int64.
func versionTag(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	default:
		return 0
	}
}

// setStatus transitions the lake and stores build metadata.
func (b *Builder) setStatus(ctx context.Context, lakeID uuid.UUID, status Status, meta Metadata, buildError string) error {
	type storedMeta struct {
		Metadata
		BuildError string `json:"buildError,omitempty"`
	}
	metaJSON, err := json.Marshal(storedMeta{Metadata: meta, BuildError: buildError})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = b.pool.Exec(ctx, `
		UPDATE lakes SET status = $1, metadata = $2, updated_at = now()
		WHERE id = $3`, string(status), metaJSON, lakeID)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}
