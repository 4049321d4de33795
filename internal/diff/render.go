package diff

// render.go turns a Comparison into delimited text or a narrative report.
// Rendering is presentation only and never changes comparison semantics.

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteCSV writes one row per field-level change (added and removed records
// get a single row with empty field columns).
func WriteCSV(w io.Writer, cmp Comparison) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"key", "change", "field", "old_value", "new_value"}); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	for _, change := range cmp.Changes {
		if len(change.FieldChanges) == 0 {
			if err := cw.Write([]string{change.Key, string(change.Kind), "", "", ""}); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			continue
		}
		for _, fc := range change.FieldChanges {
			row := []string{change.Key, string(change.Kind), fc.Field, fc.OldValue, fc.NewValue}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteReport writes a human-readable summary of the comparison.
func WriteReport(w io.Writer, cmp Comparison) error {
	p := func(format string, args ...any) (err error) {
		_, err = fmt.Fprintf(w, format, args...)
		return err
	}

	if err := p("Snapshot comparison: v%d -> v%d\n", cmp.FromVersion, cmp.ToVersion); err != nil {
		return err
	}
	if err := p("  added: %d  removed: %d  modified: %d  unchanged: %d\n",
		cmp.Summary.Added, cmp.Summary.Removed, cmp.Summary.Modified, cmp.Summary.Unchanged); err != nil {
		return err
	}

	if cmp.Summary.Modified > 0 {
		if err := p("  avg field changes per modified record: %.2f\n", cmp.Statistics.AvgFieldChanges); err != nil {
			return err
		}
		if cmp.Statistics.LargestChangeKey != "" {
			if err := p("  largest change: key %q (%d fields)\n",
				cmp.Statistics.LargestChangeKey, cmp.Statistics.LargestChangeFields); err != nil {
				return err
			}
		}
		if len(cmp.Statistics.TopFields) > 0 {
			if err := p("  most changed fields:\n"); err != nil {
				return err
			}
			for _, fc := range cmp.Statistics.TopFields {
				if err := p("    %-24s %d\n", fc.Field, fc.Count); err != nil {
					return err
				}
			}
		}
	}

	for _, change := range cmp.Changes {
		switch change.Kind {
		case KindAdded:
			if err := p("+ %s\n", change.Key); err != nil {
				return err
			}
		case KindRemoved:
			if err := p("- %s\n", change.Key); err != nil {
				return err
			}
		case KindModified:
			if err := p("~ %s\n", change.Key); err != nil {
				return err
			}
			for _, fc := range change.FieldChanges {
				if err := p("    %s: %q -> %q\n", fc.Field, fc.OldValue, fc.NewValue); err != nil {
					return err
				}
			}
		}
	}

	if cmp.Truncated {
		if err := p("  (change list truncated)\n"); err != nil {
			return err
		}
	}
	return nil
}
