// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package binary

import (
	"encoding/binary"
)

// Swap64 returns v as an 8-byte big-endian slice. Big-endian keeps numeric
// order and byte order aligned, which is what the changes table relies on
// for its sequence-ordered cursor scans.
func Swap64(v uint64) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, v)
	return bs
}

// Unswap64 decodes a key produced by Swap64. Short input yields 0.
func Unswap64(bs []byte) uint64 {
	if len(bs) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(bs)
}
