// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package collate implements CouchDB's total order over arbitrary JSON
// values: a type-rank ordering with recursive rules for composite types,
// plus a byte-order-preserving string encoding so an ordinary byte-sorted
// key/value store reproduces the same order.
package collate

import (
	"bytes"
	"sort"
	"strings"
)

// Rank is the CouchDB type-rank used as the primary sort key.
type Rank int

const (
	RankNull Rank = iota + 1
	RankBool
	RankNumber
	RankString
	RankArray
	RankObject
)

// TypeRank classifies a decoded JSON value (nil, bool, float64/int/int64,
// string, []any, map[string]any) into its CouchDB collation rank.
func TypeRank(v any) Rank {
	switch v.(type) {
	case nil:
		return RankNull
	case bool:
		return RankBool
	case float64, float32, int, int64, int32, uint, uint64:
		return RankNumber
	case string:
		return RankString
	case []any:
		return RankArray
	case map[string]any:
		return RankObject
	default:
		// Unknown dynamic types are never produced by this module's JSON
		// decoding path; treat defensively as the highest rank so they sort
		// last rather than panicking.
		return RankObject
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

// Compare implements collate(a, b): negative if a<b, zero if equal, positive
// if a>b.
func Compare(a, b any) int {
	ra, rb := TypeRank(a), TypeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case RankNull:
		return 0
	case RankBool:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case RankNumber:
		fa, fb := asFloat(a), asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case RankString:
		return compareStrings(a.(string), b.(string))
	case RankArray:
		return compareArrays(a.([]any), b.([]any))
	case RankObject:
		return compareObjects(a.(map[string]any), b.(map[string]any))
	}
	return 0
}

// compareStrings orders by Unicode code point, which matches Go's native
// byte-wise string comparison for valid UTF-8.
func compareStrings(a, b string) int {
	return strings.Compare(a, b)
}

func compareArrays(a, b []any) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compareObjects(a, b map[string]any) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	n := len(ka)
	if len(kb) < n {
		n = len(kb)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	switch {
	case len(ka) < len(kb):
		return -1
	case len(ka) > len(kb):
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b any) bool {
	return Compare(a, b) < 0
}

// BytewiseCompare is a convenience for property testing: it encodes both
// values and compares the resulting byte strings, which must agree with
// Compare.
func BytewiseCompare(a, b any) int {
	return bytes.Compare(ToIndexableString(a), ToIndexableString(b))
}
