// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/couchkv/couchkv/modules/collate"
	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/pkg/docdb"
)

// KV is one (key, value) pair a MapFunc emits for a document.
type KV struct {
	Key   any
	Value any
}

// MapFunc receives a document and returns a finite sequence of (key, value)
// pairs.
type MapFunc func(doc document.Body) []KV

// Reducer combines mapped values. rereduce is true when the inputs are
// previously reduced outputs rather than raw mapped values.
type Reducer interface {
	Reduce(keys []any, values []any, rereduce bool) any
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(keys []any, values []any, rereduce bool) any

func (f ReducerFunc) Reduce(keys []any, values []any, rereduce bool) any {
	return f(keys, values, rereduce)
}

// Sum is the built-in numeric-sum reducer.
var Sum Reducer = ReducerFunc(func(_ []any, values []any, _ bool) any {
	var total float64
	for _, v := range values {
		total += toFloat(v)
	}
	return total
})

// Count is the built-in row-count reducer.
var Count Reducer = ReducerFunc(func(keys []any, values []any, rereduce bool) any {
	if rereduce {
		var total float64
		for _, v := range values {
			total += toFloat(v)
		}
		return total
	}
	return float64(len(values))
})

// Stats is the built-in {sum,count,min,max,sumsqr} reducer.
var Stats Reducer = ReducerFunc(func(_ []any, values []any, rereduce bool) any {
	var sum, sumsqr, min, max float64
	var count float64
	first := true
	for _, v := range values {
		if rereduce {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			s, c, mn, mx, sq := toFloat(m["sum"]), toFloat(m["count"]), toFloat(m["min"]), toFloat(m["max"]), toFloat(m["sumsqr"])
			sum += s
			count += c
			sumsqr += sq
			if first || mn < min {
				min = mn
			}
			if first || mx > max {
				max = mx
			}
			first = false
			continue
		}
		n := toFloat(v)
		sum += n
		sumsqr += n * n
		count++
		if first || n < min {
			min = n
		}
		if first || n > max {
			max = n
		}
		first = false
	}
	return map[string]any{"sum": sum, "count": count, "min": min, "max": max, "sumsqr": sumsqr}
})

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// View names a map function and, optionally, a reducer, so a caller can
// query it repeatedly by name instead of passing the function each time.
type View struct {
	Name   string
	Map    MapFunc
	Reduce Reducer
}

// Registry holds named views. The zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*View
}

// RegisterView names mapFn (and, optionally, a reducer) for repeated query.
func (r *Registry) RegisterView(name string, mapFn MapFunc, reducer Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.views == nil {
		r.views = make(map[string]*View)
	}
	r.views[name] = &View{Name: name, Map: mapFn, Reduce: reducer}
}

// View looks up a registered view by name.
func (r *Registry) View(name string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[name]
	return v, ok
}

// QueryOptions controls Query.
type QueryOptions struct {
	Key          any
	HasKey       bool
	StartKey     any
	HasStartKey  bool
	EndKey       any
	HasEndKey    bool
	InclusiveEnd bool
	Descending   bool
	Skip         int
	Limit        int
	IncludeDocs  bool
	Reduce       *bool // nil means "true iff the view has a reducer"
	Group        bool
	GroupLevel   int
}

// Row is one result row of Query: either a raw map emission (with Doc
// attached if requested) or a reduced group.
type Row struct {
	Key   any
	Value any
	ID    string
	Doc   document.Body
}

type emission struct {
	Row
	sortKey string
}

// Query runs view's map function over every document adapter holds, then
// applies range filtering, ordering, grouping, and reduction per opts.
func Query(ctx context.Context, adapter docdb.Adapter, view *View, opts QueryOptions) ([]Row, error) {
	rows, err := adapter.AllDocs(ctx, docdb.AllDocsOptions{IncludeDocs: true})
	if err != nil {
		return nil, err
	}

	var emissions []emission
	for _, row := range rows {
		if row.Doc == nil {
			continue
		}
		for _, kv := range view.Map(row.Doc) {
			if !keyInRange(kv.Key, opts) {
				continue
			}
			e := emission{Row: Row{Key: kv.Key, Value: kv.Value, ID: row.ID}, sortKey: string(collate.ToIndexableString(kv.Key))}
			if opts.IncludeDocs {
				e.Doc = row.Doc
			}
			emissions = append(emissions, e)
		}
	}

	sort.SliceStable(emissions, func(i, j int) bool {
		if emissions[i].sortKey != emissions[j].sortKey {
			return emissions[i].sortKey < emissions[j].sortKey
		}
		return emissions[i].ID < emissions[j].ID
	})
	if opts.Descending {
		for i, j := 0, len(emissions)-1; i < j; i, j = i+1, j-1 {
			emissions[i], emissions[j] = emissions[j], emissions[i]
		}
	}

	wantReduce := view.Reduce != nil
	if opts.Reduce != nil {
		wantReduce = *opts.Reduce && view.Reduce != nil
	}

	if !wantReduce {
		out := make([]Row, len(emissions))
		for i, e := range emissions {
			out[i] = e.Row
		}
		return applySkipLimit(out, opts), nil
	}

	return reduceRows(emissions, view.Reduce, opts), nil
}

func keyInRange(key any, opts QueryOptions) bool {
	if opts.HasKey {
		return collate.Compare(key, opts.Key) == 0
	}
	if opts.HasStartKey && collate.Compare(key, opts.StartKey) < 0 {
		return false
	}
	if opts.HasEndKey {
		c := collate.Compare(key, opts.EndKey)
		if opts.InclusiveEnd && c > 0 {
			return false
		}
		if !opts.InclusiveEnd && c >= 0 {
			return false
		}
	}
	return true
}

func applySkipLimit(rows []Row, opts QueryOptions) []Row {
	if opts.Skip > 0 {
		if opts.Skip >= len(rows) {
			return nil
		}
		rows = rows[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	return rows
}

// reduceRows buckets emissions by group key (whole key under Group, the
// first GroupLevel elements for array keys) using a treemap ordered by
// collation, then reduces each bucket.
func reduceRows(emissions []emission, reducer Reducer, opts QueryOptions) []Row {
	if !opts.Group && opts.GroupLevel == 0 {
		keys := make([]any, len(emissions))
		values := make([]any, len(emissions))
		for i, e := range emissions {
			keys[i] = e.Key
			values[i] = e.Value
		}
		var reduced any
		if len(values) > 0 {
			reduced = reducer.Reduce(keys, values, false)
		}
		return applySkipLimit([]Row{{Value: reduced}}, opts)
	}

	type bucket struct {
		key    any
		keys   []any
		values []any
	}
	buckets := treemap.NewWith(func(a, b any) int {
		return collate.Compare(a, b)
	})

	for _, e := range emissions {
		groupKey := groupKeyFor(e.Key, opts)
		v, found := buckets.Get(groupKey)
		var b *bucket
		if !found {
			b = &bucket{key: groupKey}
		} else {
			b = v.(*bucket)
		}
		b.keys = append(b.keys, e.Key)
		b.values = append(b.values, e.Value)
		buckets.Put(groupKey, b)
	}

	var out []Row
	it := buckets.Iterator()
	for it.Next() {
		b := it.Value().(*bucket)
		out = append(out, Row{Key: b.key, Value: reducer.Reduce(b.keys, b.values, false)})
	}
	return applySkipLimit(out, opts)
}

func groupKeyFor(key any, opts QueryOptions) any {
	if opts.GroupLevel > 0 {
		if arr, ok := key.([]any); ok {
			n := opts.GroupLevel
			if n > len(arr) {
				n = len(arr)
			}
			return sliceKey(arr[:n])
		}
	}
	return key
}

// sliceKey copies an array-key prefix so later mutation of the source
// emission's Key never aliases a bucket's grouping key.
func sliceKey(arr []any) []any {
	out := make([]any, len(arr))
	copy(out, arr)
	return out
}
