package query

import (
	"context"
	"testing"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/pkg/docdb"
	"github.com/couchkv/couchkv/pkg/memdb"
)

func seedOrders(t *testing.T, ctx context.Context) docdb.Adapter {
	t.Helper()
	a := memdb.New("test")
	docs := []document.Body{
		{"_id": "o1", "customer": "alice", "total": 10.0},
		{"_id": "o2", "customer": "alice", "total": 5.0},
		{"_id": "o3", "customer": "bob", "total": 7.0},
	}
	if _, err := a.BulkDocs(ctx, docs, docdb.BulkDocsOptions{NewEdits: true}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	return a
}

func byCustomerTotal(doc document.Body) []KV {
	customer, _ := doc["customer"].(string)
	total, _ := doc["total"].(float64)
	return []KV{{Key: customer, Value: total}}
}

func TestQueryMapOnly(t *testing.T) {
	ctx := context.Background()
	a := seedOrders(t, ctx)
	view := &View{Name: "by_customer", Map: byCustomerTotal}
	rows, err := Query(ctx, a, view, QueryOptions{})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Key != "alice" || rows[len(rows)-1].Key != "bob" {
		t.Fatalf("expected collated key order, got %+v", rows)
	}
}

func TestQueryReduceSum(t *testing.T) {
	ctx := context.Background()
	a := seedOrders(t, ctx)
	view := &View{Name: "by_customer", Map: byCustomerTotal, Reduce: Sum}
	rows, err := Query(ctx, a, view, QueryOptions{})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected single global-reduce row, got %d", len(rows))
	}
	if rows[0].Value != 22.0 {
		t.Fatalf("expected sum 22, got %v", rows[0].Value)
	}
}

func TestQueryGroupReduce(t *testing.T) {
	ctx := context.Background()
	a := seedOrders(t, ctx)
	view := &View{Name: "by_customer", Map: byCustomerTotal, Reduce: Sum}
	rows, err := Query(ctx, a, view, QueryOptions{Group: true})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(rows), rows)
	}
	totals := map[any]any{}
	for _, r := range rows {
		totals[r.Key] = r.Value
	}
	if totals["alice"] != 15.0 || totals["bob"] != 7.0 {
		t.Fatalf("unexpected group totals: %+v", totals)
	}
}

func TestQueryKeyRange(t *testing.T) {
	ctx := context.Background()
	a := seedOrders(t, ctx)
	view := &View{Name: "by_customer", Map: byCustomerTotal}
	rows, err := Query(ctx, a, view, QueryOptions{Key: "bob", HasKey: true})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "bob" {
		t.Fatalf("expected single bob row, got %+v", rows)
	}
}

func TestCountAndStatsReducers(t *testing.T) {
	keys := []any{"a", "a", "a"}
	values := []any{1.0, 2.0, 3.0}
	if got := Count.Reduce(keys, values, false); got != 3.0 {
		t.Fatalf("Count = %v, want 3", got)
	}
	stats := Stats.Reduce(keys, values, false).(map[string]any)
	if stats["sum"] != 6.0 || stats["count"] != 3.0 || stats["min"] != 1.0 || stats["max"] != 3.0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
