package cdc

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/JonMunkholm/snaplake/internal/store"
)

// ConflictStrategy names how an update resolves against the baseline value.
type ConflictStrategy string

// OnConflictSourceWins replaces baseline values with incoming values on
// update. It is the only strategy with defined behavior; other names exist
// in caller configuration as extension points and are rejected explicitly
// rather than guessed at.
const OnConflictSourceWins ConflictStrategy = "source-wins"

// ErrUnsupportedStrategy is returned for conflict strategies other than
// source-wins.
var ErrUnsupportedStrategy = errors.New("unsupported merge conflict strategy")

// Bookkeeping fields attached to merged records.
const (
	FieldSyncOp  = "_sync_op"
	FieldSyncAt  = "_sync_at"
	FieldDeleted = "_deleted"
)

// MergeStrategy controls how a change set is folded into the baseline.
type MergeStrategy struct {
	// OnConflict selects update resolution. Zero value means source-wins.
	OnConflict ConflictStrategy

	// SoftDelete flags deleted records instead of removing them.
	SoftDelete bool

	// AuditChanges attaches operation and timestamp metadata to affected records.
	AuditChanges bool
}

// MergeChanges reconciles a change set into the baseline, producing the next
// baseline. Record order is: existing records in original order (updated in
// place, deletes removed or flagged), then inserts in batch order. Records
// are cloned, never aliased, so the input baseline stays untouched.
func MergeChanges(existing []store.Record, cs ChangeSet, strat MergeStrategy) ([]store.Record, error) {
	if strat.OnConflict == "" {
		strat.OnConflict = OnConflictSourceWins
	}
	if strat.OnConflict != OnConflictSourceWins {
		return nil, fmt.Errorf("merge changes: %q: %w", strat.OnConflict, ErrUnsupportedStrategy)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	updatesByKey := make(map[string]store.Record, len(cs.Updates))
	for _, pair := range cs.Updates {
		updatesByKey[CompositeKey(pair.After, cs.Key)] = pair.After
	}
	deletedKeys := make(map[string]bool, len(cs.Deletes))
	for _, rec := range cs.Deletes {
		deletedKeys[CompositeKey(rec, cs.Key)] = true
	}

	merged := make([]store.Record, 0, len(existing)+len(cs.Inserts))
	for _, rec := range existing {
		key := CompositeKey(rec, cs.Key)

		switch {
		case deletedKeys[key]:
			if !strat.SoftDelete {
				continue // physical removal
			}
			out := maps.Clone(rec)
			out[FieldDeleted] = true
			if strat.AuditChanges {
				out[FieldSyncOp] = "delete"
				out[FieldSyncAt] = now
			}
			merged = append(merged, out)

		case updatesByKey[key] != nil:
			out := maps.Clone(updatesByKey[key])
			if strat.AuditChanges {
				out[FieldSyncOp] = "update"
				out[FieldSyncAt] = now
			}
			merged = append(merged, out)

		default:
			merged = append(merged, maps.Clone(rec))
		}
	}

	for _, rec := range cs.Inserts {
		out := maps.Clone(rec)
		if strat.AuditChanges {
			out[FieldSyncOp] = "insert"
			out[FieldSyncAt] = now
		}
		merged = append(merged, out)
	}

	return merged, nil
}
