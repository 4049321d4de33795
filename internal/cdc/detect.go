// Package cdc detects and reconciles incremental changes between a freshly
// fetched batch and the last reconciled baseline of a source.
package cdc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/JonMunkholm/snaplake/internal/store"
)

// keySeparator joins composite key parts. An ASCII unit separator keeps
// concatenated values from colliding with data that contains delimiters.
const keySeparator = "\x1f"

// TrackingMode selects how incoming records are compared against the baseline.
type TrackingMode string

const (
	// ModeHash compares field values over the comparison columns.
	ModeHash TrackingMode = "hash"
	// ModeTimestamp compares a designated timestamp column to the watermark.
	ModeTimestamp TrackingMode = "timestamp"
	// ModeRowVersion compares an opaque monotonically increasing token.
	ModeRowVersion TrackingMode = "rowversion"
)

// DetectOptions controls change classification.
type DetectOptions struct {
	// PrimaryKey identifies records across batches. May be composite.
	PrimaryKey []string

	// CompareColumns limits the fields considered when classifying a matched
	// record as updated. Empty means all fields except the key.
	CompareColumns []string

	// EnableDeletes reports records present only in the baseline as deletes.
	// When false these records are left untouched and not reported.
	EnableDeletes bool
}

// RecordPair captures a record before and after an update.
type RecordPair struct {
	Before store.Record `json:"before"`
	After  store.Record `json:"after"`
}

// ChangeSet classifies one incoming batch relative to a baseline.
type ChangeSet struct {
	Inserts        []store.Record `json:"inserts"`
	Updates        []RecordPair   `json:"updates"`
	Deletes        []store.Record `json:"deletes"`
	UnchangedCount int            `json:"unchangedCount"`
	TotalRecords   int            `json:"totalRecords"`

	// Key is the primary key the classification used, carried so a merge
	// can match updates and deletes back to the baseline.
	Key []string `json:"key"`
}

// DetectChanges classifies newBatch against existing.
//
// Records absent from existing are inserts; records present on both sides are
// compared over the comparison columns and become updates or unchanged;
// records present only in existing become deletes when opts.EnableDeletes is
// set. An empty baseline classifies the whole batch as inserts (full load).
//
// Duplicate keys within newBatch are resolved last-occurrence-wins: earlier
// occurrences are ignored, so classification stays deterministic.
func DetectChanges(newBatch, existing []store.Record, opts DetectOptions) (ChangeSet, error) {
	if len(opts.PrimaryKey) == 0 {
		return ChangeSet{}, fmt.Errorf("detect changes: missing primary key: %w", store.ErrInvalidInput)
	}

	cs := ChangeSet{
		TotalRecords: len(newBatch),
		Key:          opts.PrimaryKey,
	}

	// Last occurrence of each key wins within the incoming batch.
	lastIndex := make(map[string]int, len(newBatch))
	for i, rec := range newBatch {
		lastIndex[CompositeKey(rec, opts.PrimaryKey)] = i
	}

	existingByKey := make(map[string]store.Record, len(existing))
	for _, rec := range existing {
		existingByKey[CompositeKey(rec, opts.PrimaryKey)] = rec
	}

	seen := make(map[string]bool, len(lastIndex))
	for i, rec := range newBatch {
		key := CompositeKey(rec, opts.PrimaryKey)
		if lastIndex[key] != i {
			continue // superseded by a later occurrence
		}
		seen[key] = true

		before, ok := existingByKey[key]
		if !ok {
			cs.Inserts = append(cs.Inserts, rec)
			continue
		}

		if recordsEqual(before, rec, opts.PrimaryKey, opts.CompareColumns) {
			cs.UnchangedCount++
		} else {
			cs.Updates = append(cs.Updates, RecordPair{Before: before, After: rec})
		}
	}

	if opts.EnableDeletes {
		// Baseline order keeps delete reporting deterministic.
		for _, rec := range existing {
			if !seen[CompositeKey(rec, opts.PrimaryKey)] {
				cs.Deletes = append(cs.Deletes, rec)
			}
		}
	}

	return cs, nil
}

// CompositeKey builds the identity string for a record from its key fields.
func CompositeKey(rec store.Record, keys []string) string {
	if len(keys) == 1 {
		return stringify(rec[keys[0]])
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = stringify(rec[k])
	}
	return strings.Join(parts, keySeparator)
}

// recordsEqual compares two records over the comparison columns.
// With no explicit columns, every field except the key is compared, using
// the union of both sides so added or dropped fields count as changes.
func recordsEqual(before, after store.Record, key, compareColumns []string) bool {
	if len(compareColumns) > 0 {
		for _, col := range compareColumns {
			if !valuesEqual(before[col], after[col]) {
				return false
			}
		}
		return true
	}

	keySet := make(map[string]bool, len(key))
	for _, k := range key {
		keySet[k] = true
	}

	for field := range before {
		if keySet[field] {
			continue
		}
		if !valuesEqual(before[field], after[field]) {
			return false
		}
	}
	for field := range after {
		if keySet[field] {
			continue
		}
		if _, ok := before[field]; !ok {
			if !valuesEqual(nil, after[field]) {
				return false
			}
		}
	}
	return true
}

// valuesEqual is structural equality over arbitrary payload values.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// stringify renders a key field value for identity comparison.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers arrive as float64; render whole values without a
		// trailing ".0" so they match integer-typed sources.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
