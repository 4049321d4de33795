package diff

import (
	"context"

	"github.com/JonMunkholm/snaplake/internal/store"
)

// Differ compares snapshots loaded through the snapshot store.
type Differ struct {
	store *store.Service
}

// NewDiffer creates a differ backed by the given snapshot store.
func NewDiffer(st *store.Service) *Differ {
	return &Differ{store: st}
}

// CompareVersions loads two snapshots of a source and compares them.
// The refs may point at any two versions, not necessarily adjacent ones.
func (d *Differ) CompareVersions(ctx context.Context, sourceID string, from, to store.SnapshotRef, comparisonKey []string, opts Options) (Comparison, error) {
	fromSnap, fromData, err := d.store.LoadAllRecords(ctx, sourceID, from)
	if err != nil {
		return Comparison{}, err
	}
	toSnap, toData, err := d.store.LoadAllRecords(ctx, sourceID, to)
	if err != nil {
		return Comparison{}, err
	}

	return Compare(
		Side{ID: fromSnap.ID.String(), Version: fromSnap.Version, Data: fromData},
		Side{ID: toSnap.ID.String(), Version: toSnap.Version, Data: toData},
		comparisonKey, opts,
	)
}
