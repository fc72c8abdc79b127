// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package revision implements the CouchDB-model revision identifier: a
// (pos, hash) pair naming one edit in a document's history.
package revision

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRev is returned when a wire-form revision string cannot be
// parsed: missing dash, non-positive position, or empty hash.
type ErrInvalidRev struct {
	S string
}

func (err *ErrInvalidRev) Error() string {
	return fmt.Sprintf("invalid rev: %q", err.S)
}

func IsErrInvalidRev(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrInvalidRev
	return errors.As(err, &e)
}

// Rev is a single revision identifier: generation number plus content hash.
// Equality and ordering are structural — pos first, then hash.
type Rev struct {
	Pos  int
	Hash string
}

// Zero is the empty revision, used to mean "no revision yet".
var Zero Rev

func (r Rev) IsZero() bool {
	return r.Pos == 0 && r.Hash == ""
}

// String formats the revision in wire form "{pos}-{hash}".
func (r Rev) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.Itoa(r.Pos) + "-" + r.Hash
}

// Parse decodes a wire-form revision string "{pos}-{hash}".
func Parse(s string) (Rev, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return Rev{}, &ErrInvalidRev{S: s}
	}
	pos, err := strconv.Atoi(s[:i])
	if err != nil || pos <= 0 {
		return Rev{}, &ErrInvalidRev{S: s}
	}
	hash := s[i+1:]
	if len(hash) == 0 {
		return Rev{}, &ErrInvalidRev{S: s}
	}
	return Rev{Pos: pos, Hash: hash}, nil
}

// Compare orders revisions by (pos, hash), matching collation's treatment of
// the pair as used by winning_rev / leaf ordering.
func Compare(a, b Rev) int {
	if a.Pos != b.Pos {
		if a.Pos < b.Pos {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Hash, b.Hash)
}

// Less reports whether a sorts strictly before b.
func Less(a, b Rev) bool {
	return Compare(a, b) < 0
}

// ComputeHash returns the lowercase-hex MD5 digest of
// prevHash || ("1" if deleted else "0") || canonicalBody, matching CouchDB's
// revision hash so two replicas computing the same edit converge on the
// same hash without coordination.
func ComputeHash(prevHash string, deleted bool, canonicalBody []byte) string {
	h := md5.New()
	h.Write([]byte(prevHash))
	if deleted {
		h.Write([]byte{'1'})
	} else {
		h.Write([]byte{'0'})
	}
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}

// New builds the next revision deriving from prev (which may be the zero
// Rev for a document's first edit).
func New(prev Rev, deleted bool, canonicalBody []byte) Rev {
	return Rev{
		Pos:  prev.Pos + 1,
		Hash: ComputeHash(prev.Hash, deleted, canonicalBody),
	}
}
