// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package docdb

import (
	"context"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/modules/revision"
)

// Info is the summary returned by an Adapter's Info method.
type Info struct {
	Name      string
	DocCount  int64
	UpdateSeq uint64
}

// GetOptions controls Adapter.Get. Open-revs reads, which return one body
// per branch head instead of a single winner, go through BulkGet with
// OpenRevsAll set.
type GetOptions struct {
	Rev         string
	Conflicts   bool
	Revs        bool
	Attachments bool
}

// BulkDocsOptions controls Adapter.BulkDocs.
type BulkDocsOptions struct {
	// NewEdits, when true (the default a caller should set explicitly),
	// validates each document's _rev against the current winner and
	// mints a new revision. When false, caller-supplied revisions are
	// accepted unconditionally and _revisions ancestry is honored; this
	// is the replication write path.
	NewEdits bool
}

// DocResult is one entry of a BulkDocs response, in input order.
type DocResult struct {
	ID    string
	Rev   string
	OK    bool
	Error string
}

// AllDocsOptions controls Adapter.AllDocs.
type AllDocsOptions struct {
	StartKey     string
	EndKey       string
	InclusiveEnd bool
	Descending   bool
	Skip         int
	Limit        int
	IncludeDocs  bool
	Keys         []string
}

// Row is one entry of an AllDocs or view result.
type Row struct {
	ID    string
	Key   any
	Value any
	Doc   document.Body
}

// ChangesOptions controls Adapter.Changes.
type ChangesOptions struct {
	Since       uint64
	IncludeDocs bool
	Limit       int
}

// ChangeEntry is one entry of a Changes response.
type ChangeEntry struct {
	Seq     uint64
	ID      string
	Changes []revision.Rev
	Deleted bool
	Doc     document.Body
}

// RevsDiffResult is the per-id answer to Adapter.RevsDiff.
type RevsDiffResult struct {
	Missing           []string
	PossibleAncestors []string
}

// BulkGetRequest names one document at a specific revision, or the winner
// if Rev is empty. OpenRevsAll instead requests every branch head the
// store has a body for, one result per leaf.
type BulkGetRequest struct {
	ID          string
	Rev         string
	OpenRevsAll bool
}

// BulkGetResult carries either a document body or a tombstone marker for
// one BulkGetRequest.
type BulkGetResult struct {
	ID      string
	Rev     string
	Doc     document.Body
	Deleted bool
	Error   string
}

// Adapter is the contract every storage backend honors: the memory
// adapter, the embedded kv adapter, and the HTTP remote client all
// implement it, so the Database facade and the replicator can drive any of
// them interchangeably.
type Adapter interface {
	Info(ctx context.Context) (Info, error)
	Get(ctx context.Context, id string, opts GetOptions) (document.Body, error)
	BulkDocs(ctx context.Context, docs []document.Body, opts BulkDocsOptions) ([]DocResult, error)
	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error)
	Changes(ctx context.Context, opts ChangesOptions) ([]ChangeEntry, error)
	RevsDiff(ctx context.Context, ask map[string][]string) (map[string]RevsDiffResult, error)
	BulkGet(ctx context.Context, reqs []BulkGetRequest) ([]BulkGetResult, error)

	GetLocal(ctx context.Context, id string) (document.Body, error)
	PutLocal(ctx context.Context, id string, body document.Body) error
	RemoveLocal(ctx context.Context, id string) error

	Compact(ctx context.Context) error
	Destroy(ctx context.Context) error
	Close() error
}

// AttachmentStore is the optional content-addressed byte-storage slot
// behind the `attachments` table. It is not part of Adapter because it is
// not wired through the HTTP remote client; memdb and kvstore implement it
// directly. The `_attachments` document-field bookkeeping is not built on
// top of it yet.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, digest string, data []byte) error
	GetAttachment(ctx context.Context, digest string) ([]byte, error)
}
