package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/jackc/pgx/v5"
)

// Watermark is the per-source cursor describing sync progress.
// Created on the first successful sync, updated on every sync after that,
// and cleared only by an explicit reset.
type Watermark struct {
	SourceID       string         `json:"sourceId"`
	LastSyncAt     time.Time      `json:"lastSyncAt"`
	LastDescriptor string         `json:"lastSyncDescriptor,omitempty"`
	Stats          map[string]any `json:"stats,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// GetWatermark returns the watermark for a source, or nil when the source
// has never completed a sync.
func (e *Engine) GetWatermark(ctx context.Context, sourceID string) (*Watermark, error) {
	var (
		wm        Watermark
		statsJSON []byte
	)
	err := e.pool.QueryRow(ctx,
		`SELECT source_id, last_sync_at, COALESCE(last_descriptor, ''), stats, updated_at
		 FROM watermarks WHERE source_id = $1`, sourceID).
		Scan(&wm.SourceID, &wm.LastSyncAt, &wm.LastDescriptor, &statsJSON, &wm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &wm.Stats); err != nil {
			return nil, fmt.Errorf("get watermark: decode stats: %w", err)
		}
	}
	return &wm, nil
}

// ResetWatermark clears a source's cursor, forcing the next sync to treat
// the baseline as empty (full load).
func (e *Engine) ResetWatermark(ctx context.Context, sourceID string) error {
	_, err := e.pool.Exec(ctx, `DELETE FROM watermarks WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	e.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionWatermarkReset,
		EntityType: "watermark",
		EntityID:   sourceID,
		SourceID:   sourceID,
	})
	return nil
}

// setWatermark upserts the cursor after a successful sync.
func (e *Engine) setWatermark(ctx context.Context, sourceID, descriptor string, stats map[string]any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("set watermark: marshal stats: %w", err)
	}

	_, err = e.pool.Exec(ctx, `
		INSERT INTO watermarks (source_id, last_sync_at, last_descriptor, stats, updated_at)
		VALUES ($1, now(), $2, $3, now())
		ON CONFLICT (source_id) DO UPDATE SET
			last_sync_at = now(),
			last_descriptor = EXCLUDED.last_descriptor,
			stats = EXCLUDED.stats,
			updated_at = now()`,
		sourceID, descriptor, statsJSON)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
