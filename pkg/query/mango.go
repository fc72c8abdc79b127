// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package query implements the Mango selector engine and the map/reduce
// view engine. Both scan every document through docdb.Adapter's AllDocs;
// there is no persistent index.
package query

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/couchkv/couchkv/modules/collate"
	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/pkg/docdb"
)

// Selector is a Mango selector: a JSON object interpreted as an implicit
// conjunction of its fields.
type Selector map[string]any

// operators is the supported operator set.
var operators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$type": true, "$regex": true,
	"$all": true, "$size": true, "$elemMatch": true, "$mod": true,
	"$and": true, "$or": true, "$not": true, "$nor": true,
}

// Evaluate reports whether doc matches selector.
func Evaluate(doc document.Body, selector Selector) bool {
	for key, cond := range selector {
		switch key {
		case "$and":
			for _, s := range asSelectors(cond) {
				if !Evaluate(doc, s) {
					return false
				}
			}
		case "$or":
			subs := asSelectors(cond)
			if len(subs) == 0 {
				continue
			}
			matched := false
			for _, s := range subs {
				if Evaluate(doc, s) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$nor":
			for _, s := range asSelectors(cond) {
				if Evaluate(doc, s) {
					return false
				}
			}
		case "$not":
			if sub, ok := cond.(map[string]any); ok && Evaluate(doc, Selector(sub)) {
				return false
			}
		default:
			val, exists := getPath(doc, key)
			if !evalField(val, exists, cond) {
				return false
			}
		}
	}
	return true
}

func asSelectors(v any) []Selector {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Selector, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, Selector(m))
		}
	}
	return out
}

// getPath resolves a dotted field path ("a.b.c") against nested maps.
func getPath(doc document.Body, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if bodyM, ok := cur.(document.Body); ok {
				m = map[string]any(bodyM)
			} else {
				return nil, false
			}
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func isOperatorObject(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return len(m) > 0
}

func evalField(val any, exists bool, cond any) bool {
	condMap, ok := cond.(map[string]any)
	if ok && isOperatorObject(condMap) {
		for op, arg := range condMap {
			if !evalOp(val, exists, op, arg) {
				return false
			}
		}
		return true
	}
	return exists && collate.Compare(val, cond) == 0
}

func evalOp(val any, exists bool, op string, arg any) bool {
	switch op {
	case "$eq":
		return exists && collate.Compare(val, arg) == 0
	case "$ne":
		return !exists || collate.Compare(val, arg) != 0
	case "$gt":
		return exists && collate.Compare(val, arg) > 0
	case "$gte":
		return exists && collate.Compare(val, arg) >= 0
	case "$lt":
		return exists && collate.Compare(val, arg) < 0
	case "$lte":
		return exists && collate.Compare(val, arg) <= 0
	case "$exists":
		want, _ := arg.(bool)
		return exists == want
	case "$in":
		if !exists {
			return false
		}
		for _, e := range asAnySlice(arg) {
			if collate.Compare(val, e) == 0 {
				return true
			}
		}
		return false
	case "$nin":
		if !exists {
			return true
		}
		for _, e := range asAnySlice(arg) {
			if collate.Compare(val, e) == 0 {
				return false
			}
		}
		return true
	case "$type":
		if !exists {
			return false
		}
		return typeName(val) == arg
	case "$regex":
		s, ok := val.(string)
		if !exists || !ok {
			return false
		}
		pattern, _ := arg.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "$all":
		arr, ok := val.([]any)
		if !exists || !ok {
			return false
		}
		for _, want := range asAnySlice(arg) {
			found := false
			for _, have := range arr {
				if collate.Compare(have, want) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "$size":
		arr, ok := val.([]any)
		if !exists || !ok {
			return false
		}
		n, _ := arg.(float64)
		return len(arr) == int(n)
	case "$elemMatch":
		arr, ok := val.([]any)
		sub, selOK := arg.(map[string]any)
		if !exists || !ok || !selOK {
			return false
		}
		for _, elem := range arr {
			if m, ok := elem.(map[string]any); ok {
				if Evaluate(document.Body(m), Selector(sub)) {
					return true
				}
			} else {
				// Scalar element: treat the sub-selector's operators as
				// applying directly to the element itself.
				if evalField(elem, true, any(sub)) {
					return true
				}
			}
		}
		return false
	case "$mod":
		pair := asAnySlice(arg)
		n, ok := val.(float64)
		if !exists || !ok || len(pair) != 2 {
			return false
		}
		divisor, _ := pair[0].(float64)
		remainder, _ := pair[1].(float64)
		if divisor == 0 {
			return false
		}
		return int64(n)%int64(divisor) == int64(remainder)
	default:
		return false
	}
}

func asAnySlice(v any) []any {
	arr, _ := v.([]any)
	return arr
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}

// SortField is one key of a Find sort order.
type SortField struct {
	Field      string
	Descending bool
}

// FindOptions controls Find.
type FindOptions struct {
	Fields []string
	Sort   []SortField
	Skip   int
	Limit  int
}

// Find scans adapter's documents through AllDocs and returns those matching
// selector, in AllDocs (document id) order unless opts.Sort requests
// otherwise. fields projection always retains _id.
func Find(ctx context.Context, adapter docdb.Adapter, selector Selector, opts FindOptions) ([]document.Body, error) {
	rows, err := adapter.AllDocs(ctx, docdb.AllDocsOptions{IncludeDocs: true})
	if err != nil {
		return nil, err
	}

	matched := make([]document.Body, 0, len(rows))
	for _, row := range rows {
		if row.Doc == nil {
			continue
		}
		if Evaluate(row.Doc, selector) {
			matched = append(matched, row.Doc)
		}
	}

	if len(opts.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, sf := range opts.Sort {
				vi, _ := getPath(matched[i], sf.Field)
				vj, _ := getPath(matched[j], sf.Field)
				c := collate.Compare(vi, vj)
				if sf.Descending {
					c = -c
				}
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	if len(opts.Fields) == 0 {
		return matched, nil
	}
	out := make([]document.Body, len(matched))
	for i, doc := range matched {
		out[i] = project(doc, opts.Fields)
	}
	return out, nil
}

func project(doc document.Body, fields []string) document.Body {
	out := document.Body{"_id": doc["_id"]}
	for _, f := range fields {
		if v, ok := getPath(doc, f); ok {
			out[f] = v
		}
	}
	return out
}
