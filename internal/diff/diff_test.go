package diff

import (
	"errors"
	"strings"
	"testing"

	"github.com/JonMunkholm/snaplake/internal/store"
)

func side(version int64, data ...store.Record) Side {
	return Side{ID: "snap", Version: version, Data: data}
}

func compare(t *testing.T, from, to Side, key []string, opts Options) Comparison {
	t.Helper()
	cmp, err := Compare(from, to, key, opts)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	return cmp
}

func TestCompare_Classification(t *testing.T) {
	from := side(1,
		store.Record{"id": "a", "name": "alpha"},
		store.Record{"id": "b", "name": "beta"},
		store.Record{"id": "c", "name": "gamma"},
	)
	to := side(2,
		store.Record{"id": "a", "name": "alpha"},   // unchanged
		store.Record{"id": "b", "name": "BETA v2"}, // modified
		store.Record{"id": "d", "name": "delta"},   // added
	)

	cmp := compare(t, from, to, []string{"id"}, DefaultOptions())

	if cmp.Summary.Added != 1 || cmp.Summary.Removed != 1 || cmp.Summary.Modified != 1 || cmp.Summary.Unchanged != 1 {
		t.Errorf("summary = %+v, want 1/1/1/1", cmp.Summary)
	}

	// Unchanged records are excluded from the change list by default
	if len(cmp.Changes) != 3 {
		t.Errorf("changes = %d, want 3", len(cmp.Changes))
	}

	for _, change := range cmp.Changes {
		if change.Kind == KindModified {
			if len(change.FieldChanges) != 1 {
				t.Fatalf("modified record field changes = %d, want 1", len(change.FieldChanges))
			}
			fc := change.FieldChanges[0]
			if fc.Field != "name" || fc.OldValue != "beta" || fc.NewValue != "BETA v2" {
				t.Errorf("field change = %+v", fc)
			}
		}
	}
}

func TestCompare_Symmetry(t *testing.T) {
	a := side(1,
		store.Record{"id": "1", "v": "x"},
		store.Record{"id": "2", "v": "y"},
	)
	b := side(2,
		store.Record{"id": "2", "v": "y"},
		store.Record{"id": "3", "v": "z"},
		store.Record{"id": "4", "v": "w"},
	)

	ab := compare(t, a, b, []string{"id"}, DefaultOptions())
	ba := compare(t, b, a, []string{"id"}, DefaultOptions())

	if ab.Summary.Added != ba.Summary.Removed {
		t.Errorf("A->B added (%d) != B->A removed (%d)", ab.Summary.Added, ba.Summary.Removed)
	}
	if ab.Summary.Removed != ba.Summary.Added {
		t.Errorf("A->B removed (%d) != B->A added (%d)", ab.Summary.Removed, ba.Summary.Added)
	}
	if ab.Summary.Modified != ba.Summary.Modified {
		t.Errorf("modified counts differ: %d vs %d", ab.Summary.Modified, ba.Summary.Modified)
	}
}

func TestCompare_IgnoreFields(t *testing.T) {
	from := side(1, store.Record{"id": "a", "name": "x", "noise": "1"})
	to := side(2, store.Record{"id": "a", "name": "x", "noise": "2"})

	opts := DefaultOptions()
	opts.IgnoreFields = []string{"noise"}

	cmp := compare(t, from, to, []string{"id"}, opts)

	if cmp.Summary.Modified != 0 || cmp.Summary.Unchanged != 1 {
		t.Errorf("summary = %+v, want only unchanged", cmp.Summary)
	}
}

func TestCompare_DefaultIgnoresBookkeeping(t *testing.T) {
	from := side(1, store.Record{"id": "a", "name": "x"})
	to := side(2, store.Record{"id": "a", "name": "x", "_sync_op": "update", "_sync_at": "2024-01-01"})

	cmp := compare(t, from, to, []string{"id"}, DefaultOptions())

	if cmp.Summary.Modified != 0 {
		t.Errorf("bookkeeping fields should be ignored by default: %+v", cmp.Summary)
	}
}

func TestCompare_Normalization(t *testing.T) {
	from := side(1, store.Record{"id": "a", "name": "  Widget  "})
	to := side(2, store.Record{"id": "a", "name": "widget"})

	// Trim only: still differs by case
	opts := DefaultOptions()
	cmp := compare(t, from, to, []string{"id"}, opts)
	if cmp.Summary.Modified != 1 {
		t.Errorf("case-sensitive compare should report a change: %+v", cmp.Summary)
	}

	// Trim + case-fold: equal
	opts.CaseSensitive = false
	cmp = compare(t, from, to, []string{"id"}, opts)
	if cmp.Summary.Modified != 0 {
		t.Errorf("case-insensitive compare should report no change: %+v", cmp.Summary)
	}
}

func TestCompare_DeepCompare(t *testing.T) {
	from := side(1, store.Record{"id": "a", "tags": []any{"x", "y"}})
	to := side(2, store.Record{"id": "a", "tags": []any{"x", "z"}})

	opts := DefaultOptions()
	opts.DeepCompare = true

	cmp := compare(t, from, to, []string{"id"}, opts)
	if cmp.Summary.Modified != 1 {
		t.Errorf("deep compare should detect nested change: %+v", cmp.Summary)
	}

	to2 := side(2, store.Record{"id": "a", "tags": []any{"x", "y"}})
	cmp = compare(t, from, to2, []string{"id"}, opts)
	if cmp.Summary.Modified != 0 {
		t.Errorf("deep compare of equal slices should report no change: %+v", cmp.Summary)
	}
}

func TestCompare_IncludeUnchanged(t *testing.T) {
	from := side(1, store.Record{"id": "a", "v": "1"})
	to := side(2, store.Record{"id": "a", "v": "1"})

	opts := DefaultOptions()
	opts.IncludeUnchanged = true

	cmp := compare(t, from, to, []string{"id"}, opts)
	if len(cmp.Changes) != 1 || cmp.Changes[0].Kind != KindUnchanged {
		t.Errorf("changes = %v, want one unchanged entry", cmp.Changes)
	}
}

func TestCompare_MaxRecordsTruncatesListNotSummary(t *testing.T) {
	from := side(1)
	to := side(2,
		store.Record{"id": "a"},
		store.Record{"id": "b"},
		store.Record{"id": "c"},
		store.Record{"id": "d"},
		store.Record{"id": "e"},
	)

	opts := DefaultOptions()
	opts.MaxRecords = 2

	cmp := compare(t, from, to, []string{"id"}, opts)

	if len(cmp.Changes) != 2 {
		t.Errorf("changes = %d, want 2 (truncated)", len(cmp.Changes))
	}
	if !cmp.Truncated {
		t.Error("Truncated = false, want true")
	}
	if cmp.Summary.Added != 5 {
		t.Errorf("summary.Added = %d, want 5 (summary never truncated)", cmp.Summary.Added)
	}
}

func TestCompare_Statistics(t *testing.T) {
	from := side(1,
		store.Record{"id": "a", "x": "1", "y": "1", "z": "1"},
		store.Record{"id": "b", "x": "1", "y": "1", "z": "1"},
	)
	to := side(2,
		store.Record{"id": "a", "x": "2", "y": "2", "z": "2"}, // 3 field diffs
		store.Record{"id": "b", "x": "2", "y": "1", "z": "1"}, // 1 field diff
	)

	cmp := compare(t, from, to, []string{"id"}, DefaultOptions())

	if got := cmp.Statistics.FieldCounts["x"]; got != 2 {
		t.Errorf("fieldCounts[x] = %d, want 2", got)
	}
	if got := cmp.Statistics.AvgFieldChanges; got != 2 {
		t.Errorf("avgFieldChanges = %v, want 2", got)
	}
	if cmp.Statistics.LargestChangeKey != "a" || cmp.Statistics.LargestChangeFields != 3 {
		t.Errorf("largest change = %q/%d, want a/3",
			cmp.Statistics.LargestChangeKey, cmp.Statistics.LargestChangeFields)
	}
	if len(cmp.Statistics.TopFields) == 0 || cmp.Statistics.TopFields[0].Field != "x" {
		t.Errorf("topFields = %v, want x first", cmp.Statistics.TopFields)
	}
}

func TestCompare_MissingKey(t *testing.T) {
	_, err := Compare(side(1), side(2), nil, DefaultOptions())
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	from := side(1, store.Record{"id": "a", "v": "1"})
	to := side(2,
		store.Record{"id": "a", "v": "2"},
		store.Record{"id": "b", "v": "1"},
	)

	cmp := compare(t, from, to, []string{"id"}, DefaultOptions())

	var sb strings.Builder
	if err := WriteCSV(&sb, cmp); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	out := sb.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 { // header + modified field row + added row
		t.Fatalf("csv lines = %d, want 3:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "key,change,field") {
		t.Errorf("csv header = %q", lines[0])
	}
}

func TestWriteReport(t *testing.T) {
	from := side(1, store.Record{"id": "a", "v": "1"})
	to := side(2, store.Record{"id": "a", "v": "2"})

	cmp := compare(t, from, to, []string{"id"}, DefaultOptions())

	var sb strings.Builder
	if err := WriteReport(&sb, cmp); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}

	out := sb.String()
	if !strings.Contains(out, "modified: 1") {
		t.Errorf("report missing summary:\n%s", out)
	}
	if !strings.Contains(out, `"1" -> "2"`) {
		t.Errorf("report missing field change:\n%s", out)
	}
}
