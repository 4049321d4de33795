package lake

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/JonMunkholm/snaplake/internal/store"
)

func makeRows(n int) []store.Record {
	rows := make([]store.Record, n)
	for i := 0; i < n; i++ {
		rows[i] = store.Record{
			"id":     float64(i),
			"name":   fmt.Sprintf("row-%03d", i),
			"region": []string{"emea", "apac"}[i%2],
		}
	}
	return rows
}

func TestRunQueryPagination(t *testing.T) {
	rows := makeRows(50)

	tests := []struct {
		name        string
		limit       int
		offset      int
		wantRows    int
		wantHasMore bool
	}{
		{"first page", 20, 0, 20, true},
		{"middle page", 20, 20, 20, true},
		{"last partial page", 20, 40, 10, false},
		{"offset past end", 20, 60, 0, false},
		{"default limit", 0, 0, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runQuery(rows, QueryOptions{Limit: tt.limit, Offset: tt.offset})
			if len(got.Rows) != tt.wantRows {
				t.Errorf("rows = %d, want %d", len(got.Rows), tt.wantRows)
			}
			if got.HasMore != tt.wantHasMore {
				t.Errorf("hasMore = %v, want %v", got.HasMore, tt.wantHasMore)
			}
			if got.TotalCount != 50 {
				t.Errorf("totalCount = %d, want 50 regardless of page", got.TotalCount)
			}
		})
	}
}

func TestRunQueryTotalCountAfterFilter(t *testing.T) {
	rows := makeRows(50)

	got := runQuery(rows, QueryOptions{
		Filters: []Filter{{Field: "region", Operator: OpEquals, Value: "emea"}},
		Limit:   10,
	})

	if got.TotalCount != 25 {
		t.Errorf("totalCount = %d, want 25 (filtered, pre-pagination)", got.TotalCount)
	}
	if len(got.Rows) != 10 {
		t.Errorf("rows = %d, want 10", len(got.Rows))
	}
	if !got.HasMore {
		t.Error("expected hasMore with 25 matches and limit 10")
	}
}

func TestRunQuerySort(t *testing.T) {
	rows := []store.Record{
		{"name": "carol", "score": float64(70)},
		{"name": "alice", "score": float64(90)},
		{"name": "bob", "score": float64(90)},
	}

	got := runQuery(rows, QueryOptions{
		Sort:   &Sort{Field: "score", Direction: "desc"},
		Fields: []string{"name"},
	})

	var names []string
	for _, row := range got.Rows {
		names = append(names, row[0].(string))
	}
	// Stable sort: alice and bob tie on score and keep input order.
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("sorted names = %v, want %v", names, want)
	}
}

func TestRunQuerySortMissingFieldLast(t *testing.T) {
	rows := []store.Record{
		{"name": "no-score"},
		{"name": "scored", "score": float64(1)},
	}

	got := runQuery(rows, QueryOptions{
		Sort:   &Sort{Field: "score", Direction: "asc"},
		Fields: []string{"name"},
	})

	if got.Rows[0][0] != "scored" {
		t.Errorf("rows missing the sort field should sort last, got %v first", got.Rows[0][0])
	}
}

func TestRunQueryProjection(t *testing.T) {
	rows := []store.Record{
		{"b": 1, "a": 2, FieldSourceID: "s1", FieldSnapshotVersion: int64(3)},
	}

	// Default columns: payload fields sorted, engine tags last.
	got := runQuery(rows, QueryOptions{})
	wantCols := []string{"a", "b", FieldSnapshotVersion, FieldSourceID}
	if !reflect.DeepEqual(got.Columns, wantCols) {
		t.Errorf("columns = %v, want %v", got.Columns, wantCols)
	}

	// Explicit fields pass through in request order, missing values nil.
	got = runQuery(rows, QueryOptions{Fields: []string{"b", "ghost"}})
	if !reflect.DeepEqual(got.Columns, []string{"b", "ghost"}) {
		t.Errorf("columns = %v, want requested order", got.Columns)
	}
	if got.Rows[0][1] != nil {
		t.Errorf("missing field should project nil, got %v", got.Rows[0][1])
	}
}

func TestRunQueryEmptyLake(t *testing.T) {
	got := runQuery(nil, QueryOptions{Limit: 10})
	if got.TotalCount != 0 || len(got.Rows) != 0 || got.HasMore {
		t.Errorf("empty lake should yield empty result, got %+v", got)
	}
}
