package lake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/google/uuid"
)

// DefaultQueryLimit bounds result pages when the caller gives no limit.
const DefaultQueryLimit = 100

// Sort orders query results by one field.
type Sort struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// QueryOptions shape one read against a ready lake. Filters narrow the row
// set before sorting and pagination; Fields projects the output columns.
type QueryOptions struct {
	Filters []Filter `json:"filters,omitempty"`
	Sort    *Sort    `json:"sort,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// QueryResult is one page of consolidated rows.
type QueryResult struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	TotalCount int64    `json:"totalCount"`
	HasMore    bool     `json:"hasMore"`
}

// Query reads a page of rows from a ready lake. The lake must have completed
// a build; draft, building, and error lakes reject reads.
func (b *Builder) Query(ctx context.Context, lakeID uuid.UUID, opts QueryOptions) (QueryResult, error) {
	lk, err := b.GetLake(ctx, lakeID)
	if err != nil {
		return QueryResult{}, err
	}
	if lk.Status != StatusReady {
		return QueryResult{}, fmt.Errorf("lake %s is %s: %w", lakeID, lk.Status, store.ErrNotReady)
	}

	records, err := b.loadRows(ctx, lakeID)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query lake: %w", err)
	}

	return runQuery(records, opts), nil
}

// loadRows reads the lake's consolidated rows in build order.
func (b *Builder) loadRows(ctx context.Context, lakeID uuid.UUID) ([]store.Record, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT payload FROM lake_rows
		WHERE lake_id = $1
		ORDER BY row_index`, lakeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec store.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// runQuery executes the filter, sort, paginate, project pipeline in memory.
// TotalCount reflects the filtered set before pagination, so callers can
// page through it with stable offsets.
func runQuery(records []store.Record, opts QueryOptions) QueryResult {
	matched := applyFilters(records, opts.Filters)
	total := int64(len(matched))

	if opts.Sort != nil && opts.Sort.Field != "" {
		sortRecords(matched, *opts.Sort)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var page []store.Record
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		page = matched[offset:end]
	}

	columns := projectColumns(matched, opts.Fields)
	rows := make([][]any, len(page))
	for i, rec := range page {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = rec[col]
		}
		rows[i] = row
	}

	return QueryResult{
		Columns:    columns,
		Rows:       rows,
		TotalCount: total,
		HasMore:    int64(offset+len(page)) < total,
	}
}

// sortRecords orders records by one field. The sort is stable so rows that
// compare equal keep their build order. Missing fields sort last.
func sortRecords(records []store.Record, s Sort) {
	desc := strings.EqualFold(s.Direction, "desc")
	sort.SliceStable(records, func(i, j int) bool {
		a, aok := records[i][s.Field]
		b, bok := records[j][s.Field]
		if !aok || !bok {
			return aok && !bok
		}
		c := compareValues(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// projectColumns resolves the output column set. Explicit fields pass
// through as requested; otherwise every field seen across the filtered set
// is returned in sorted order, with the engine's row tags last.
func projectColumns(records []store.Record, fields []string) []string {
	if len(fields) > 0 {
		return fields
	}

	set := make(map[string]bool)
	for _, rec := range records {
		for field := range rec {
			set[field] = true
		}
	}

	var columns []string
	var tags []string
	for field := range set {
		if field == FieldSourceID || field == FieldSnapshotVersion {
			tags = append(tags, field)
			continue
		}
		columns = append(columns, field)
	}
	sort.Strings(columns)
	sort.Strings(tags)
	return append(columns, tags...)
}
