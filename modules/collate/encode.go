// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package collate

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ToIndexableString encodes v into a byte string such that ordinary
// bytewise comparison of the results reproduces Compare(a, b). The leading
// byte is always one of '1'..'6', aligned with the CouchDB type ranks, so
// differently-typed values never compare equal on the type prefix alone.
func ToIndexableString(v any) []byte {
	switch x := v.(type) {
	case nil:
		return []byte("1")
	case bool:
		if x {
			return []byte("2T")
		}
		return []byte("2F")
	case float64, float32, int, int32, int64, uint, uint64:
		return encodeNumber(asFloat(v))
	case string:
		return append([]byte("4"), x...)
	case []any:
		return encodeArray(x)
	case map[string]any:
		return encodeObject(x)
	default:
		return []byte("6")
	}
}

func encodeNumber(v float64) []byte {
	if v == 0 {
		return []byte("31")
	}
	neg := v < 0
	av := v
	if neg {
		av = -v
	}
	mantissa, exp := frexp10(av)
	var sb bytes.Buffer
	sb.WriteByte('3')
	if !neg {
		sb.WriteByte('2')
		fmt.Fprintf(&sb, "%05d", exp+10000)
		sb.WriteString(formatMantissaStr(mantissa))
	} else {
		sb.WriteByte('0')
		fmt.Fprintf(&sb, "%05d", 10000-exp)
		sb.WriteString(formatMantissaStr(10.0 - mantissa))
	}
	return sb.Bytes()
}

// frexp10 decomposes v (v > 0) into mantissa * 10^exp with mantissa in
// [1, 10). It goes through strconv's scientific-notation formatter rather
// than computing log10 directly, which avoids the boundary errors a naive
// log10/pow10 round trip introduces near powers of ten.
func frexp10(v float64) (mantissa float64, exp int) {
	s := strconv.FormatFloat(v, 'e', -1, 64)
	idx := strings.IndexByte(s, 'e')
	mantissaStr := s[:idx]
	expStr := s[idx+1:]
	exp, _ = strconv.Atoi(expStr)
	mantissa, _ = strconv.ParseFloat(mantissaStr, 64)
	return mantissa, exp
}

func formatMantissaStr(m float64) string {
	s := strconv.FormatFloat(m, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func encodeArray(a []any) []byte {
	var buf bytes.Buffer
	buf.WriteByte('5')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.Write(ToIndexableString(e))
	}
	return buf.Bytes()
}

func encodeObject(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('6')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.Write(ToIndexableString(m[k]))
	}
	return buf.Bytes()
}
