// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package docdb

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/couchkv/couchkv/modules/document"
)

// Database is the facade a caller actually talks to: it wraps one Adapter
// (memory, embedded kv, or HTTP remote) behind a single set of methods, the
// way a client never needs to know which backend it was handed.
type Database struct {
	adapter Adapter
	log     *logrus.Entry
	closed  uint32
}

// Option configures a Database at construction time.
type Option func(*Database)

// WithLogger attaches a logger; by default Database logs nothing.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Database) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDatabase wraps an already-constructed Adapter. Package memdb,
// kvstore, and httpremote each provide a constructor returning an Adapter
// to pass here.
func NewDatabase(adapter Adapter, opts ...Option) *Database {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := &Database{adapter: adapter, log: logrus.NewEntry(logger)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close closes the underlying adapter. Calling Close twice returns an
// error rather than panicking on a nil backend.
func (d *Database) Close() error {
	if !atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		return ErrDatabaseError("database already closed")
	}
	if err := d.adapter.Close(); err != nil {
		d.log.WithError(err).Error("close backend")
		return err
	}
	return nil
}

// Adapter exposes the underlying backend, mainly so pkg/query and
// pkg/replicator can operate on it without Database growing a method for
// every cross-package concern.
func (d *Database) Adapter() Adapter {
	return d.adapter
}

func (d *Database) Info(ctx context.Context) (Info, error) {
	return d.adapter.Info(ctx)
}

func (d *Database) Get(ctx context.Context, id string, opts GetOptions) (document.Body, error) {
	return d.adapter.Get(ctx, id, opts)
}

func (d *Database) BulkDocs(ctx context.Context, docs []document.Body, opts BulkDocsOptions) ([]DocResult, error) {
	return d.adapter.BulkDocs(ctx, docs, opts)
}

func (d *Database) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error) {
	return d.adapter.AllDocs(ctx, opts)
}

func (d *Database) Changes(ctx context.Context, opts ChangesOptions) ([]ChangeEntry, error) {
	return d.adapter.Changes(ctx, opts)
}

func (d *Database) RevsDiff(ctx context.Context, ask map[string][]string) (map[string]RevsDiffResult, error) {
	return d.adapter.RevsDiff(ctx, ask)
}

func (d *Database) BulkGet(ctx context.Context, reqs []BulkGetRequest) ([]BulkGetResult, error) {
	return d.adapter.BulkGet(ctx, reqs)
}

func (d *Database) GetLocal(ctx context.Context, id string) (document.Body, error) {
	return d.adapter.GetLocal(ctx, id)
}

func (d *Database) PutLocal(ctx context.Context, id string, body document.Body) error {
	return d.adapter.PutLocal(ctx, id, body)
}

func (d *Database) RemoveLocal(ctx context.Context, id string) error {
	return d.adapter.RemoveLocal(ctx, id)
}

func (d *Database) Compact(ctx context.Context) error {
	return d.adapter.Compact(ctx)
}

func (d *Database) Destroy(ctx context.Context) error {
	return d.adapter.Destroy(ctx)
}

// Put creates or updates a single document. Unlike BulkDocs, a conflict
// fails the whole call rather than coming back as a per-document result.
func (d *Database) Put(ctx context.Context, body document.Body) (rev string, err error) {
	return d.putOne(ctx, body)
}

// Update is Put for an existing document: body must carry the current
// winning _rev.
func (d *Database) Update(ctx context.Context, body document.Body) (rev string, err error) {
	return d.putOne(ctx, body)
}

// Remove deletes id at rev by writing a tombstone revision.
func (d *Database) Remove(ctx context.Context, id, rev string) (newRev string, err error) {
	if id == "" {
		return "", ErrMissingID("document id required")
	}
	body := document.Body{"_id": id, "_rev": rev, "_deleted": true}
	return d.putOne(ctx, body)
}

// GetOpenRevs returns one result per branch head the store has a body for,
// including tombstone leaves, each carrying its _revisions ancestry.
func (d *Database) GetOpenRevs(ctx context.Context, id string) ([]BulkGetResult, error) {
	return d.adapter.BulkGet(ctx, []BulkGetRequest{{ID: id, OpenRevsAll: true}})
}

func (d *Database) putOne(ctx context.Context, body document.Body) (string, error) {
	results, err := d.adapter.BulkDocs(ctx, []document.Body{body}, BulkDocsOptions{NewEdits: true})
	if err != nil {
		return "", err
	}
	if len(results) != 1 {
		return "", ErrDatabaseError("bulk_docs returned %d results for 1 input", len(results))
	}
	r := results[0]
	if !r.OK {
		return "", ErrConflict("%s", r.Error)
	}
	return r.Rev, nil
}
