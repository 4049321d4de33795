package lake

// filter.go implements the field-level filter operators applied during
// builds and queries: equals, contains, gt, lt, between, in.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JonMunkholm/snaplake/internal/store"
)

// Filter operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpGreater  = "gt"
	OpLess     = "lt"
	OpBetween  = "between"
	OpIn       = "in"
)

// Filter is one field-level condition: {field, operator, value}.
// For between, Value is a two-element [min, max] list; for in, a list of
// accepted values.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// applyFilters keeps records matching every filter (AND semantics).
func applyFilters(records []store.Record, filters []Filter) []store.Record {
	if len(filters) == 0 {
		return records
	}
	out := make([]store.Record, 0, len(records))
	for _, rec := range records {
		if matchesAll(rec, filters) {
			out = append(out, rec)
		}
	}
	return out
}

func matchesAll(rec store.Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(rec, f) {
			return false
		}
	}
	return true
}

// matchFilter evaluates one filter against a record.
// Records missing the filtered field never match.
func matchFilter(rec store.Record, f Filter) bool {
	v, ok := rec[f.Field]
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEquals:
		return compareValues(v, f.Value) == 0

	case OpContains:
		// Case-insensitive substring, matching the usual ILIKE semantics.
		return strings.Contains(
			strings.ToLower(displayValue(v)),
			strings.ToLower(displayValue(f.Value)),
		)

	case OpGreater:
		return compareValues(v, f.Value) > 0

	case OpLess:
		return compareValues(v, f.Value) < 0

	case OpBetween:
		bounds, ok := f.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		return compareValues(v, bounds[0]) >= 0 && compareValues(v, bounds[1]) <= 0

	case OpIn:
		accepted, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range accepted {
			if compareValues(v, candidate) == 0 {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// compareValues orders two payload values: numerically when both parse as
// numbers, otherwise by display string.
func compareValues(a, b any) int {
	na, okA := toFloat(a)
	nb, okB := toFloat(b)
	if okA && okB {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(displayValue(a), displayValue(b))
}

// toFloat extracts a numeric value from payload data.
func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// displayValue renders a payload value for comparison and output.
func displayValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
