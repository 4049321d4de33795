package cdc

import (
	"errors"
	"testing"

	"github.com/JonMunkholm/snaplake/internal/store"
)

func TestDetectChanges_Classification(t *testing.T) {
	existing := []store.Record{
		{"id": float64(1), "v": float64(1)},
		{"id": float64(2), "v": float64(1)},
	}
	newBatch := []store.Record{
		{"id": float64(1), "v": float64(2)},
		{"id": float64(3), "v": float64(1)},
	}

	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey:    []string{"id"},
		EnableDeletes: true,
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(cs.Inserts))
	}
	if got := cs.Inserts[0]["id"]; got != float64(3) {
		t.Errorf("insert id = %v, want 3", got)
	}

	if len(cs.Updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(cs.Updates))
	}
	if got := cs.Updates[0].After["id"]; got != float64(1) {
		t.Errorf("update id = %v, want 1", got)
	}
	if got := cs.Updates[0].Before["v"]; got != float64(1) {
		t.Errorf("update before.v = %v, want 1", got)
	}
	if got := cs.Updates[0].After["v"]; got != float64(2) {
		t.Errorf("update after.v = %v, want 2", got)
	}

	if len(cs.Deletes) != 1 {
		t.Fatalf("deletes = %d, want 1", len(cs.Deletes))
	}
	if got := cs.Deletes[0]["id"]; got != float64(2) {
		t.Errorf("delete id = %v, want 2", got)
	}

	if cs.UnchangedCount != 0 {
		t.Errorf("unchanged = %d, want 0", cs.UnchangedCount)
	}
	if cs.TotalRecords != 2 {
		t.Errorf("totalRecords = %d, want 2", cs.TotalRecords)
	}
}

func TestDetectChanges_DeletesDisabled(t *testing.T) {
	existing := []store.Record{
		{"id": "a", "v": "1"},
		{"id": "b", "v": "1"},
	}
	newBatch := []store.Record{
		{"id": "a", "v": "1"},
	}

	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey: []string{"id"},
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Deletes) != 0 {
		t.Errorf("deletes = %d, want 0 when deletes disabled", len(cs.Deletes))
	}
	if cs.UnchangedCount != 1 {
		t.Errorf("unchanged = %d, want 1", cs.UnchangedCount)
	}
}

func TestDetectChanges_FullLoad(t *testing.T) {
	newBatch := []store.Record{
		{"id": "a"},
		{"id": "b"},
		{"id": "c"},
	}

	cs, err := DetectChanges(newBatch, nil, DetectOptions{
		PrimaryKey:    []string{"id"},
		EnableDeletes: true,
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Inserts) != 3 {
		t.Errorf("inserts = %d, want 3 for empty baseline", len(cs.Inserts))
	}
	if len(cs.Updates) != 0 || len(cs.Deletes) != 0 || cs.UnchangedCount != 0 {
		t.Errorf("empty baseline should classify everything as inserts: %+v", cs)
	}
}

func TestDetectChanges_DuplicateKeys_LastWins(t *testing.T) {
	existing := []store.Record{
		{"id": "a", "v": "old"},
	}
	newBatch := []store.Record{
		{"id": "a", "v": "first"},
		{"id": "a", "v": "last"},
	}

	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey: []string{"id"},
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Updates) != 1 {
		t.Fatalf("updates = %d, want 1 (duplicates collapse)", len(cs.Updates))
	}
	if got := cs.Updates[0].After["v"]; got != "last" {
		t.Errorf("update after.v = %v, want %q (last occurrence wins)", got, "last")
	}
}

func TestDetectChanges_CompositeKey(t *testing.T) {
	existing := []store.Record{
		{"region": "eu", "id": "1", "v": "1"},
	}
	newBatch := []store.Record{
		{"region": "eu", "id": "1", "v": "1"},
		{"region": "us", "id": "1", "v": "1"},
	}

	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey: []string{"region", "id"},
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Inserts) != 1 {
		t.Errorf("inserts = %d, want 1 (us/1 is a new composite key)", len(cs.Inserts))
	}
	if cs.UnchangedCount != 1 {
		t.Errorf("unchanged = %d, want 1", cs.UnchangedCount)
	}
}

func TestDetectChanges_CompareColumns(t *testing.T) {
	existing := []store.Record{
		{"id": "a", "name": "same", "noise": "x"},
	}
	newBatch := []store.Record{
		{"id": "a", "name": "same", "noise": "y"},
	}

	// Only "name" is compared, so the noise change is invisible.
	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey:     []string{"id"},
		CompareColumns: []string{"name"},
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Updates) != 0 {
		t.Errorf("updates = %d, want 0 when changed field is not compared", len(cs.Updates))
	}
	if cs.UnchangedCount != 1 {
		t.Errorf("unchanged = %d, want 1", cs.UnchangedCount)
	}
}

func TestDetectChanges_FieldAddedCountsAsUpdate(t *testing.T) {
	existing := []store.Record{
		{"id": "a", "name": "x"},
	}
	newBatch := []store.Record{
		{"id": "a", "name": "x", "extra": "new"},
	}

	cs, err := DetectChanges(newBatch, existing, DetectOptions{
		PrimaryKey: []string{"id"},
	})
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if len(cs.Updates) != 1 {
		t.Errorf("updates = %d, want 1 when a field appears", len(cs.Updates))
	}
}

func TestDetectChanges_MissingKey(t *testing.T) {
	_, err := DetectChanges(nil, nil, DetectOptions{})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing primary key, got %v", err)
	}
}

func TestCompositeKey_NumericNormalization(t *testing.T) {
	// A JSON float64 1 and a native int 1 must map to the same key.
	a := CompositeKey(store.Record{"id": float64(1)}, []string{"id"})
	b := CompositeKey(store.Record{"id": 1}, []string{"id"})
	if a != b {
		t.Errorf("CompositeKey mismatch: %q vs %q", a, b)
	}
}
