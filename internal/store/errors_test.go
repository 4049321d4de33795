package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError_Sentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", ErrNotFound, "SNAP001"},
		{"wrapped not found", fmt.Errorf("resolve snapshot: %w", ErrNotFound), "SNAP001"},
		{"invalid input", ErrInvalidInput, "SNAP002"},
		{"wrapped invalid", invalidf("import snapshot: empty record batch for source %q", "s1"), "SNAP002"},
		{"not ready", ErrNotReady, "SNAP003"},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint "snapshots_source_id_version_key"`), "SNAP004"},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), "DB001"},
		{"timeout", errors.New("context deadline exceeded: timeout"), "DB002"},
		{"unknown", errors.New("something odd"), "GEN001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if got.Message == "" || got.Action == "" {
				t.Errorf("MapError(%v) has empty message or action: %+v", tt.err, got)
			}
		})
	}
}

func TestSentinelWrapping(t *testing.T) {
	err := notFoundf("snapshot for source %q", "crm")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("notFoundf result should match ErrNotFound: %v", err)
	}

	err = invalidf("archive old versions: keepLast %d", -1)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalidf result should match ErrInvalidInput: %v", err)
	}
}
