// Package diff provides read-only, point-in-time comparison between any two
// snapshots at record and field granularity. It is independent of the CDC
// engine and never consults watermark state.
package diff

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/JonMunkholm/snaplake/internal/cdc"
	"github.com/JonMunkholm/snaplake/internal/store"
)

// ChangeKind classifies a record or field difference.
type ChangeKind string

const (
	KindAdded     ChangeKind = "added"
	KindRemoved   ChangeKind = "removed"
	KindModified  ChangeKind = "modified"
	KindUnchanged ChangeKind = "unchanged"
)

// Side is one snapshot being compared.
type Side struct {
	ID      string
	Version int64
	Data    []store.Record
}

// Options controls comparison behaviour. DefaultOptions returns the
// settings most callers want.
type Options struct {
	// IgnoreFields are excluded from field comparison. Nil means the
	// engine's internal bookkeeping fields; use an empty non-nil slice to
	// compare every field.
	IgnoreFields []string

	// TrimWhitespace normalizes string values with strings.TrimSpace.
	TrimWhitespace bool

	// CaseSensitive keeps string comparison case-sensitive.
	CaseSensitive bool

	// DeepCompare uses structural equality instead of display-string equality.
	DeepCompare bool

	// IncludeUnchanged emits unchanged records in the change list. Off by
	// default to bound result size on near-identical snapshots.
	IncludeUnchanged bool

	// MaxRecords truncates the returned change list. Zero means unlimited.
	// Summary counts and statistics are never truncated.
	MaxRecords int
}

// DefaultOptions returns the standard comparison settings.
func DefaultOptions() Options {
	return Options{
		TrimWhitespace: true,
		CaseSensitive:  true,
	}
}

// defaultIgnoreFields strips the sync engine's bookkeeping from comparisons.
var defaultIgnoreFields = []string{cdc.FieldSyncOp, cdc.FieldSyncAt, cdc.FieldDeleted}

// FieldChange is one field-level difference within a modified record.
type FieldChange struct {
	Field    string     `json:"field"`
	OldValue string     `json:"oldValue"`
	NewValue string     `json:"newValue"`
	Kind     ChangeKind `json:"kind"`
}

// RecordChange is one record-level difference.
type RecordChange struct {
	Key          string        `json:"key"`
	Kind         ChangeKind    `json:"kind"`
	Record       store.Record  `json:"record,omitempty"`
	FieldChanges []FieldChange `json:"fieldChanges,omitempty"`
}

// Summary counts records by classification.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// FieldCount pairs a field name with how many records changed it.
type FieldCount struct {
	Field string `json:"field"`
	Count int    `json:"count"`
}

// Statistics aggregates field-level change frequency for anomaly surfacing.
type Statistics struct {
	FieldCounts map[string]int `json:"fieldCounts,omitempty"`

	// TopFields are the ten most frequently changed fields.
	TopFields []FieldCount `json:"topFields,omitempty"`

	// AvgFieldChanges is the mean number of field diffs per modified record.
	AvgFieldChanges float64 `json:"avgFieldChanges"`

	// LargestChangeKey identifies the record with the most field diffs.
	LargestChangeKey string `json:"largestChangeKey,omitempty"`

	// LargestChangeFields is that record's field diff count.
	LargestChangeFields int `json:"largestChangeFields"`
}

// Comparison is the result of comparing two snapshots.
type Comparison struct {
	FromID      string         `json:"fromId"`
	ToID        string         `json:"toId"`
	FromVersion int64          `json:"fromVersion"`
	ToVersion   int64          `json:"toVersion"`
	Summary     Summary        `json:"summary"`
	Changes     []RecordChange `json:"changes"`
	Statistics  Statistics     `json:"statistics"`
	Truncated   bool           `json:"truncated,omitempty"`
}

// Compare diffs two snapshot sides by comparisonKey.
//
// Records present only in to are added, only in from removed, present in
// both field-compared. The change list follows to's record order for added
// and modified records, then from's order for removed ones.
func Compare(from, to Side, comparisonKey []string, opts Options) (Comparison, error) {
	if len(comparisonKey) == 0 {
		return Comparison{}, fmt.Errorf("compare snapshots: missing comparison key: %w", store.ErrInvalidInput)
	}

	ignore := opts.IgnoreFields
	if ignore == nil {
		ignore = defaultIgnoreFields
	}
	ignoreSet := make(map[string]bool, len(ignore)+len(comparisonKey))
	for _, f := range ignore {
		ignoreSet[f] = true
	}
	for _, f := range comparisonKey {
		ignoreSet[f] = true
	}

	cmp := Comparison{
		FromID:      from.ID,
		ToID:        to.ID,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Statistics:  Statistics{FieldCounts: make(map[string]int)},
	}

	fromByKey := make(map[string]store.Record, len(from.Data))
	for _, rec := range from.Data {
		fromByKey[cdc.CompositeKey(rec, comparisonKey)] = rec
	}

	var (
		changes        []RecordChange
		modifiedFields int
	)
	seen := make(map[string]bool, len(to.Data))
	for _, rec := range to.Data {
		key := cdc.CompositeKey(rec, comparisonKey)
		seen[key] = true

		before, ok := fromByKey[key]
		if !ok {
			cmp.Summary.Added++
			changes = append(changes, RecordChange{Key: key, Kind: KindAdded, Record: rec})
			continue
		}

		fieldChanges := compareFields(before, rec, ignoreSet, opts)
		if len(fieldChanges) == 0 {
			cmp.Summary.Unchanged++
			if opts.IncludeUnchanged {
				changes = append(changes, RecordChange{Key: key, Kind: KindUnchanged})
			}
			continue
		}

		cmp.Summary.Modified++
		modifiedFields += len(fieldChanges)
		for _, fc := range fieldChanges {
			cmp.Statistics.FieldCounts[fc.Field]++
		}
		if len(fieldChanges) > cmp.Statistics.LargestChangeFields {
			cmp.Statistics.LargestChangeFields = len(fieldChanges)
			cmp.Statistics.LargestChangeKey = key
		}
		changes = append(changes, RecordChange{Key: key, Kind: KindModified, FieldChanges: fieldChanges})
	}

	for _, rec := range from.Data {
		key := cdc.CompositeKey(rec, comparisonKey)
		if !seen[key] {
			cmp.Summary.Removed++
			changes = append(changes, RecordChange{Key: key, Kind: KindRemoved, Record: rec})
		}
	}

	if cmp.Summary.Modified > 0 {
		cmp.Statistics.AvgFieldChanges = float64(modifiedFields) / float64(cmp.Summary.Modified)
	}
	cmp.Statistics.TopFields = topFields(cmp.Statistics.FieldCounts, 10)

	if opts.MaxRecords > 0 && len(changes) > opts.MaxRecords {
		changes = changes[:opts.MaxRecords]
		cmp.Truncated = true
	}
	cmp.Changes = changes

	return cmp, nil
}

// compareFields diffs two matched records over the union of their fields.
// Field names are processed in sorted order so output is deterministic.
func compareFields(before, after store.Record, ignore map[string]bool, opts Options) []FieldChange {
	names := make(map[string]bool, len(before)+len(after))
	for f := range before {
		names[f] = true
	}
	for f := range after {
		names[f] = true
	}

	sorted := make([]string, 0, len(names))
	for f := range names {
		if !ignore[f] {
			sorted = append(sorted, f)
		}
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, field := range sorted {
		oldVal, inOld := before[field]
		newVal, inNew := after[field]

		switch {
		case !inOld:
			changes = append(changes, FieldChange{
				Field: field, NewValue: display(newVal), Kind: KindAdded,
			})
		case !inNew:
			changes = append(changes, FieldChange{
				Field: field, OldValue: display(oldVal), Kind: KindRemoved,
			})
		case !fieldEqual(oldVal, newVal, opts):
			changes = append(changes, FieldChange{
				Field:    field,
				OldValue: display(oldVal),
				NewValue: display(newVal),
				Kind:     KindModified,
			})
		}
	}
	return changes
}

// fieldEqual compares two field values under the configured normalization.
func fieldEqual(a, b any, opts Options) bool {
	na, nb := normalize(a, opts), normalize(b, opts)
	if opts.DeepCompare {
		return reflect.DeepEqual(na, nb)
	}
	return display(na) == display(nb)
}

// normalize applies trim and case-fold to string values.
func normalize(v any, opts Options) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if opts.TrimWhitespace {
		s = strings.TrimSpace(s)
	}
	if !opts.CaseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

// display renders a value for FieldChange output.
func display(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// topFields returns the n most frequently changed fields, ties broken by name.
func topFields(counts map[string]int, n int) []FieldCount {
	if len(counts) == 0 {
		return nil
	}
	all := make([]FieldCount, 0, len(counts))
	for field, count := range counts {
		all = append(all, FieldCount{Field: field, Count: count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Field < all[j].Field
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
