// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package strengthen carries the identifier minting the storage and
// replication layers share: random ids in the formats CouchDB puts on the
// wire.
package strengthen

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

var rander io.Reader = rand.Reader

// NewDBUUID mints the database instance uuid recorded in the meta table
// and reissued on destroy: 32 lowercase hex characters, the shape CouchDB
// reports in its db-info responses.
func NewDBUUID() string {
	return randomHex()
}

// NewDocID names a document written without an _id. CouchDB fills the gap
// with a server-generated uuid; this does the same.
func NewDocID() string {
	return randomHex()
}

// NewSessionID identifies one replication run inside checkpoint documents
// and their session history.
func NewSessionID() string {
	return randomHex()
}

func randomHex() string {
	var buf [16]byte
	_, _ = io.ReadFull(rander, buf[:])
	return hex.EncodeToString(buf[:])
}
