// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replicator

import (
	"crypto/md5"
	"encoding/hex"
)

// checkpoint is the per-side local document recording replication
// progress. It is written via put_local on both sides after every batch,
// so a killed run resumes from the last batch boundary.
type checkpoint struct {
	LastSeq       uint64         `json:"last_seq"`
	ReplicationID string         `json:"replication_id"`
	SessionID     string         `json:"session_id"`
	History       []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	SessionID      string `json:"session_id"`
	StartLastSeq   uint64 `json:"start_last_seq"`
	EndLastSeq     uint64 `json:"end_last_seq"`
	DocsWritten    int    `json:"docs_written"`
	DocWriteErrors int    `json:"doc_write_failures"`
}

// replicationID derives a stable id from (source_id, target_id,
// filter_fingerprint). The same pair with the same filter always lands on
// the same checkpoint document.
func replicationID(sourceID, targetID, filterFingerprint string) string {
	h := md5.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(targetID))
	h.Write([]byte{0})
	h.Write([]byte(filterFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

func localDocID(replicationID string) string {
	return "repl-" + replicationID
}
