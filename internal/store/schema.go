package store

// schema.go infers a column schema from imported records.
//
// Inference samples the first record of a batch: each key is classified by
// its value into integer/number/boolean/date/null/string. The result is a
// contract, not a constraint: later records may deviate and are stored as-is.

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Date layouts recognized during classification. Four-digit-year layouts
// only; ambiguous two-digit years are treated as plain strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// InferSchema classifies each field of the sample record.
// Fields are returned in sorted name order for a stable schema.
func InferSchema(sample Record) []SchemaField {
	if len(sample) == 0 {
		return nil
	}

	names := make([]string, 0, len(sample))
	for name := range sample {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]SchemaField, len(names))
	for i, name := range names {
		fields[i] = SchemaField{Name: name, Type: classifyValue(sample[name])}
	}
	return fields
}

// classifyValue maps a single value to a schema field type.
func classifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int, int32, int64:
		return TypeInteger
	case float32:
		return classifyFloat(float64(val))
	case float64:
		return classifyFloat(val)
	case string:
		if isDateString(val) {
			return TypeDate
		}
		return TypeString
	case time.Time:
		return TypeDate
	default:
		return TypeString
	}
}

// classifyFloat distinguishes JSON numbers that are whole from true decimals.
func classifyFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return TypeInteger
	}
	return TypeNumber
}

// isDateString reports whether s parses as a date in a recognized layout.
func isDateString(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
