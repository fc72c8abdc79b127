package query

import (
	"context"
	"testing"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/pkg/docdb"
	"github.com/couchkv/couchkv/pkg/memdb"
)

func TestEvaluateExactMatch(t *testing.T) {
	doc := document.Body{"name": "alice", "age": 30.0}
	if !Evaluate(doc, Selector{"name": "alice"}) {
		t.Fatalf("expected exact match")
	}
	if Evaluate(doc, Selector{"name": "bob"}) {
		t.Fatalf("expected no match")
	}
}

func TestEvaluateComparisonOperators(t *testing.T) {
	doc := document.Body{"age": 30.0}
	cases := []struct {
		sel  Selector
		want bool
	}{
		{Selector{"age": map[string]any{"$gte": 28.0}}, true},
		{Selector{"age": map[string]any{"$gt": 30.0}}, false},
		{Selector{"age": map[string]any{"$lte": 30.0}}, true},
		{Selector{"age": map[string]any{"$lt": 30.0}}, false},
		{Selector{"age": map[string]any{"$ne": 30.0}}, false},
		{Selector{"age": map[string]any{"$in": []any{25.0, 30.0}}}, true},
		{Selector{"age": map[string]any{"$nin": []any{25.0, 30.0}}}, false},
	}
	for _, c := range cases {
		if got := Evaluate(doc, c.sel); got != c.want {
			t.Fatalf("Evaluate(%+v) = %v, want %v", c.sel, got, c.want)
		}
	}
}

func TestEvaluateExistsAndType(t *testing.T) {
	doc := document.Body{"tags": []any{"a", "b"}}
	if !Evaluate(doc, Selector{"tags": map[string]any{"$exists": true}}) {
		t.Fatalf("expected tags to exist")
	}
	if Evaluate(doc, Selector{"missing": map[string]any{"$exists": true}}) {
		t.Fatalf("expected missing field to not exist")
	}
	if !Evaluate(doc, Selector{"tags": map[string]any{"$type": "array"}}) {
		t.Fatalf("expected array type match")
	}
}

func TestEvaluateAllSizeElemMatch(t *testing.T) {
	doc := document.Body{"tags": []any{"a", "b", "c"}}
	if !Evaluate(doc, Selector{"tags": map[string]any{"$all": []any{"a", "c"}}}) {
		t.Fatalf("expected $all to match subset")
	}
	if !Evaluate(doc, Selector{"tags": map[string]any{"$size": 3.0}}) {
		t.Fatalf("expected $size match")
	}

	nested := document.Body{"items": []any{
		map[string]any{"n": 1.0},
		map[string]any{"n": 5.0},
	}}
	if !Evaluate(nested, Selector{"items": map[string]any{"$elemMatch": map[string]any{"n": map[string]any{"$gt": 4.0}}}}) {
		t.Fatalf("expected $elemMatch to find element with n>4")
	}
}

func TestEvaluateLogicalOperators(t *testing.T) {
	doc := document.Body{"age": 30.0, "active": true}
	if !Evaluate(doc, Selector{"$and": []any{
		map[string]any{"age": map[string]any{"$gte": 18.0}},
		map[string]any{"active": true},
	}}) {
		t.Fatalf("expected $and to match")
	}
	if Evaluate(doc, Selector{"$not": map[string]any{"active": true}}) {
		t.Fatalf("expected $not to negate a match")
	}
	if !Evaluate(doc, Selector{"$or": []any{
		map[string]any{"age": map[string]any{"$gt": 100.0}},
		map[string]any{"active": true},
	}}) {
		t.Fatalf("expected $or to match on second branch")
	}
}

func TestEvaluateDottedPath(t *testing.T) {
	doc := document.Body{"address": map[string]any{"city": "nyc"}}
	if !Evaluate(doc, Selector{"address.city": "nyc"}) {
		t.Fatalf("expected dotted path match")
	}
}

func TestFindSortAndFields(t *testing.T) {
	ctx := context.Background()
	adapter := memdb.New("test")
	_, err := adapter.BulkDocs(ctx, []document.Body{
		{"_id": "a", "age": 25.0},
		{"_id": "b", "age": 35.0},
		{"_id": "c", "age": 30.0},
	}, docdb.BulkDocsOptions{NewEdits: true})
	if err != nil {
		t.Fatalf("seed BulkDocs error: %v", err)
	}
	docs, err := Find(ctx, adapter, Selector{"age": map[string]any{"$gte": 28.0}}, FindOptions{
		Sort:   []SortField{{Field: "age"}},
		Fields: []string{"age"},
	})
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d: %+v", len(docs), docs)
	}
	if docs[0]["age"] != 30.0 || docs[1]["age"] != 35.0 {
		t.Fatalf("expected ages sorted 30,35 got %v,%v", docs[0]["age"], docs[1]["age"])
	}
	if _, ok := docs[0]["_id"]; !ok {
		t.Fatalf("expected projection to retain _id")
	}
}
