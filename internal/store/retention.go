package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ArchiveOldVersions keeps the keepLast highest-version active snapshots for
// a source and marks the rest archived. Archived snapshots retain their data,
// stay immutable, and are excluded from latest-version resolution.
// Returns the number of snapshots archived.
func (s *Service) ArchiveOldVersions(ctx context.Context, sourceID string, keepLast int) (int64, error) {
	if keepLast < 0 {
		return 0, invalidf("archive old versions: keepLast %d", keepLast)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE snapshots SET status = 'archived'
		 WHERE source_id = $1 AND status = 'active'
		   AND version NOT IN (
			SELECT version FROM snapshots
			WHERE source_id = $1 AND status = 'active'
			ORDER BY version DESC LIMIT $2
		   )`,
		sourceID, keepLast)
	if err != nil {
		return 0, fmt.Errorf("archive old versions: %w", err)
	}

	if tag.RowsAffected() > 0 {
		slog.Info("snapshots archived",
			"source_id", sourceID,
			"keep_last", keepLast,
			"archived", tag.RowsAffected(),
		)
	}
	return tag.RowsAffected(), nil
}

// DeleteSnapshot removes a snapshot header and all of its records.
// Idempotent: returns false without error when the snapshot does not exist.
func (s *Service) DeleteSnapshot(ctx context.Context, id uuid.UUID) (bool, error) {
	// Records go with the header via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
