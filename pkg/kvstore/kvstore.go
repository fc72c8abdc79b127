// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package kvstore implements the embedded key-value Adapter: bbolt gives
// the typed tables, snapshot-isolated read transactions, and serialized
// write transactions; a ristretto cache sits in front of the hot rev_data
// reads.
package kvstore

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/couchkv/couchkv/modules/binary"
	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/modules/revision"
	"github.com/couchkv/couchkv/modules/revtree"
	"github.com/couchkv/couchkv/modules/strengthen"
	"github.com/couchkv/couchkv/pkg/docdb"
)

const revLimit = 1000

var (
	bucketDocs        = []byte("docs")
	bucketRevData     = []byte("rev_data")
	bucketChanges     = []byte("changes")
	bucketLocalDocs   = []byte("local_docs")
	bucketAttachments = []byte("attachments")
	bucketMeta        = []byte("meta")
	metaKey           = []byte("meta")
)

type storedDocRecord struct {
	Tree revtree.Tree `json:"tree"`
	Seq  uint64       `json:"seq"`
}

type storedRevData struct {
	Data    document.Body `json:"data"`
	Deleted bool          `json:"deleted"`
}

type storedChange struct {
	DocID   string `json:"doc_id"`
	Deleted bool   `json:"deleted"`
}

type storedMeta struct {
	UpdateSeq uint64 `json:"update_seq"`
	DBUUID    string `json:"db_uuid"`
}

// Adapter is the bbolt-backed docdb.Adapter.
type Adapter struct {
	db      *bolt.DB
	name    string
	cache   *ristretto.Cache[string, document.Body]
	writeMu sync.Mutex
	log     *logrus.Entry
}

// Option configures an Adapter at construction time.
type Option func(*options)

type options struct {
	cacheEnabled bool
	log          *logrus.Entry
}

// WithReadCache turns on the ristretto rev_data read cache. Off by default
// so tests over throwaway databases don't pay ristretto's warmup cost.
func WithReadCache() Option {
	return func(o *options) { o.cacheEnabled = true }
}

// WithLogger attaches a logger for compaction and write-permit contention
// events. By default the adapter logs nothing.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// Open opens (creating if absent) a bbolt database at path and ensures
// every table the adapter needs exists.
func Open(path string, name string, opts ...Option) (*Adapter, error) {
	cfg := &options{}
	for _, o := range opts {
		o(cfg)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, docdb.ErrIO("open %s: %s", path, err)
	}
	log := cfg.log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
		log.Logger.SetOutput(io.Discard)
	}
	a := &Adapter{db: db, name: name, log: log.WithField("db", name)}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketRevData, bucketChanges, bucketLocalDocs, bucketAttachments, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		mb := tx.Bucket(bucketMeta)
		if mb.Get(metaKey) == nil {
			m := storedMeta{DBUUID: strengthen.NewDBUUID()}
			buf, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return mb.Put(metaKey, buf)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, docdb.ErrIO("initialize tables: %s", err)
	}

	if cfg.cacheEnabled {
		cache, err := ristretto.NewCache(&ristretto.Config[string, document.Body]{
			NumCounters: 100000,
			MaxCost:     50 << 20,
			BufferItems: 64,
		})
		if err != nil {
			_ = db.Close()
			return nil, docdb.ErrIO("init cache: %s", err)
		}
		a.cache = cache
	}
	return a, nil
}

// revKey builds the composite `doc_id \0 rev` key. The NUL separator keeps
// one document's revisions contiguous under bbolt's byte order.
func revKey(id string, r revision.Rev) []byte {
	rs := r.String()
	key := make([]byte, 0, len(id)+1+len(rs))
	key = append(key, id...)
	key = append(key, 0)
	key = append(key, rs...)
	return key
}

func (a *Adapter) readMeta(tx *bolt.Tx) (storedMeta, error) {
	var m storedMeta
	buf := tx.Bucket(bucketMeta).Get(metaKey)
	if buf == nil {
		return m, nil
	}
	if err := json.Unmarshal(buf, &m); err != nil {
		return m, docdb.ErrJSON("%s", err)
	}
	return m, nil
}

func (a *Adapter) Info(ctx context.Context) (docdb.Info, error) {
	var info docdb.Info
	info.Name = a.name
	err := a.db.View(func(tx *bolt.Tx) error {
		m, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		info.UpdateSeq = m.UpdateSeq
		c := tx.Bucket(bucketDocs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec storedDocRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			if !revtree.IsDeleted(rec.Tree) {
				info.DocCount++
			}
		}
		return nil
	})
	return info, err
}

func (a *Adapter) Get(ctx context.Context, id string, opts docdb.GetOptions) (document.Body, error) {
	var out document.Body
	err := a.db.View(func(tx *bolt.Tx) error {
		recBuf := tx.Bucket(bucketDocs).Get([]byte(id))
		if recBuf == nil {
			return docdb.ErrNotFound("missing: %s", id)
		}
		var rec storedDocRecord
		if err := json.Unmarshal(recBuf, &rec); err != nil {
			return docdb.ErrJSON("%s", err)
		}

		var target revision.Rev
		if opts.Rev != "" {
			r, err := revision.Parse(opts.Rev)
			if err != nil {
				return docdb.ErrInvalidRev("%s", opts.Rev)
			}
			if revtree.FindNode(rec.Tree, r) == nil {
				return docdb.ErrNotFound("missing rev: %s %s", id, opts.Rev)
			}
			target = r
		} else {
			w, ok := revtree.WinningRev(rec.Tree)
			if !ok {
				return docdb.ErrNotFound("missing: %s", id)
			}
			if revtree.IsDeleted(rec.Tree) {
				return docdb.ErrNotFound("deleted: %s", id)
			}
			target = w
		}

		rd, err := a.loadRevData(tx, id, target)
		if err != nil {
			return err
		}

		meta := document.Metadata{ID: id, Rev: target, Deleted: rd.Deleted}
		if opts.Conflicts {
			for _, c := range revtree.CollectConflicts(rec.Tree) {
				meta.Conflicts = append(meta.Conflicts, c.Rev().String())
			}
		}
		if opts.Revs {
			chain := revtree.Ancestry(rec.Tree, target)
			if len(chain) > 0 {
				ids := make([]string, len(chain))
				for i, r := range chain {
					ids[i] = r.Hash
				}
				meta.Revisions = &document.Revisions{Start: chain[0].Pos, IDs: ids}
			}
		}
		out = document.Merge(rd.Data, meta)
		return nil
	})
	return out, err
}

func (a *Adapter) loadRevData(tx *bolt.Tx, id string, r revision.Rev) (storedRevData, error) {
	key := revKey(id, r)
	if a.cache != nil {
		if body, ok := a.cache.Get(string(key)); ok {
			return storedRevData{Data: body}, nil
		}
	}
	buf := tx.Bucket(bucketRevData).Get(key)
	if buf == nil {
		return storedRevData{}, docdb.ErrNotFound("missing body for %s %s", id, r)
	}
	var rd storedRevData
	if err := json.Unmarshal(buf, &rd); err != nil {
		return storedRevData{}, docdb.ErrJSON("%s", err)
	}
	if a.cache != nil && !rd.Deleted {
		a.cache.Set(string(key), rd.Data, int64(len(buf)))
	}
	return rd, nil
}

func (a *Adapter) BulkDocs(ctx context.Context, docs []document.Body, opts docdb.BulkDocsOptions) ([]docdb.DocResult, error) {
	if !a.writeMu.TryLock() {
		a.log.WithField("docs", len(docs)).Warn("write permit contended, blocking for bbolt writer")
		a.writeMu.Lock()
	}
	defer a.writeMu.Unlock()

	results := make([]docdb.DocResult, len(docs))
	err := a.db.Update(func(tx *bolt.Tx) error {
		m, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		for i, body := range docs {
			res, err := a.applyOne(tx, &m, body, opts)
			if err != nil {
				return err
			}
			results[i] = res
		}
		buf, err := json.Marshal(m)
		if err != nil {
			return docdb.ErrJSON("%s", err)
		}
		return tx.Bucket(bucketMeta).Put(metaKey, buf)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Adapter) applyOne(tx *bolt.Tx, m *storedMeta, body document.Body, opts docdb.BulkDocsOptions) (docdb.DocResult, error) {
	data, meta, err := document.Split(body)
	if err != nil {
		return docdb.DocResult{}, docdb.ErrInvalidRev("%s", err)
	}
	if meta.ID == "" {
		meta.ID = strengthen.NewDocID()
	}

	docsB := tx.Bucket(bucketDocs)
	recBuf := docsB.Get([]byte(meta.ID))
	var rec storedDocRecord
	existed := recBuf != nil
	if existed {
		if err := json.Unmarshal(recBuf, &rec); err != nil {
			return docdb.DocResult{}, docdb.ErrJSON("%s", err)
		}
	}

	canonical, err := json.Marshal(data)
	if err != nil {
		return docdb.DocResult{}, docdb.ErrJSON("%s", err)
	}

	var path revtree.Path
	if opts.NewEdits {
		var prev revision.Rev
		if existed {
			w, ok := revtree.WinningRev(rec.Tree)
			if !ok {
				return docdb.DocResult{}, docdb.ErrDatabaseError("document %s has no winning revision", meta.ID)
			}
			prev = w
		}
		if meta.Rev != prev {
			return docdb.DocResult{ID: meta.ID, OK: false, Error: "conflict"}, nil
		}
		newRev := revision.New(prev, meta.Deleted, canonical)
		if prev.IsZero() {
			path = revtree.Path{Revs: []revision.Rev{newRev}, Deleted: meta.Deleted}
		} else {
			path = revtree.Path{Revs: []revision.Rev{newRev, prev}, Deleted: meta.Deleted}
		}
		meta.Rev = newRev
	} else {
		if meta.Revisions != nil && len(meta.Revisions.IDs) > 0 {
			revs := make([]revision.Rev, len(meta.Revisions.IDs))
			pos := meta.Revisions.Start
			for i, h := range meta.Revisions.IDs {
				revs[i] = revision.Rev{Pos: pos - i, Hash: h}
			}
			path = revtree.Path{Revs: revs, Deleted: meta.Deleted}
			meta.Rev = revs[0]
		} else {
			if meta.Rev.IsZero() {
				return docdb.DocResult{ID: meta.ID, OK: false, Error: "bad_request"}, nil
			}
			path = revtree.Path{Revs: []revision.Rev{meta.Rev}, Deleted: meta.Deleted}
		}
	}

	rec.Tree, _ = revtree.Merge(rec.Tree, path, revLimit)

	m.UpdateSeq++
	changesB := tx.Bucket(bucketChanges)
	if existed && rec.Seq != 0 {
		if err := changesB.Delete(binary.Swap64(rec.Seq)); err != nil {
			return docdb.DocResult{}, docdb.ErrIO("%s", err)
		}
	}
	rec.Seq = m.UpdateSeq

	recBuf, err = json.Marshal(rec)
	if err != nil {
		return docdb.DocResult{}, docdb.ErrJSON("%s", err)
	}
	if err := docsB.Put([]byte(meta.ID), recBuf); err != nil {
		return docdb.DocResult{}, docdb.ErrIO("%s", err)
	}

	rdBuf, err := json.Marshal(storedRevData{Data: data, Deleted: meta.Deleted})
	if err != nil {
		return docdb.DocResult{}, docdb.ErrJSON("%s", err)
	}
	key := revKey(meta.ID, meta.Rev)
	if err := tx.Bucket(bucketRevData).Put(key, rdBuf); err != nil {
		return docdb.DocResult{}, docdb.ErrIO("%s", err)
	}
	if a.cache != nil {
		a.cache.Del(string(key))
	}

	chBuf, err := json.Marshal(storedChange{DocID: meta.ID, Deleted: meta.Deleted})
	if err != nil {
		return docdb.DocResult{}, docdb.ErrJSON("%s", err)
	}
	if err := changesB.Put(binary.Swap64(rec.Seq), chBuf); err != nil {
		return docdb.DocResult{}, docdb.ErrIO("%s", err)
	}

	return docdb.DocResult{ID: meta.ID, Rev: meta.Rev.String(), OK: true}, nil
}

func (a *Adapter) AllDocs(ctx context.Context, opts docdb.AllDocsOptions) ([]docdb.Row, error) {
	var rows []docdb.Row
	err := a.db.View(func(tx *bolt.Tx) error {
		docsB := tx.Bucket(bucketDocs)

		var ids []string
		if len(opts.Keys) > 0 {
			ids = append(ids, opts.Keys...)
		} else {
			c := docsB.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				ids = append(ids, string(k))
			}
			sort.Strings(ids)
			if opts.Descending {
				for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
					ids[i], ids[j] = ids[j], ids[i]
				}
			}
		}

		for _, id := range ids {
			if opts.StartKey != "" && id < opts.StartKey {
				continue
			}
			if opts.EndKey != "" {
				if opts.InclusiveEnd && id > opts.EndKey {
					continue
				}
				if !opts.InclusiveEnd && id >= opts.EndKey {
					continue
				}
			}
			recBuf := docsB.Get([]byte(id))
			if recBuf == nil {
				continue
			}
			var rec storedDocRecord
			if err := json.Unmarshal(recBuf, &rec); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			if revtree.IsDeleted(rec.Tree) {
				continue
			}
			w, _ := revtree.WinningRev(rec.Tree)
			row := docdb.Row{ID: id, Key: id, Value: map[string]any{"rev": w.String()}}
			if opts.IncludeDocs {
				rd, err := a.loadRevData(tx, id, w)
				if err != nil {
					return err
				}
				row.Doc = document.Merge(rd.Data, document.Metadata{ID: id, Rev: w})
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Skip > 0 && opts.Skip < len(rows) {
		rows = rows[opts.Skip:]
	} else if opts.Skip >= len(rows) {
		rows = nil
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func (a *Adapter) Changes(ctx context.Context, opts docdb.ChangesOptions) ([]docdb.ChangeEntry, error) {
	var out []docdb.ChangeEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		docsB := tx.Bucket(bucketDocs)
		since := binary.Swap64(opts.Since)
		for k, v := c.Seek(since); k != nil; k, v = c.Next() {
			if bytesEqual(k, since) {
				continue
			}
			var ch storedChange
			if err := json.Unmarshal(v, &ch); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			recBuf := docsB.Get([]byte(ch.DocID))
			if recBuf == nil {
				continue
			}
			var rec storedDocRecord
			if err := json.Unmarshal(recBuf, &rec); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			w, _ := revtree.WinningRev(rec.Tree)
			entry := docdb.ChangeEntry{
				Seq:     binary.Unswap64(k),
				ID:      ch.DocID,
				Changes: []revision.Rev{w},
				Deleted: revtree.IsDeleted(rec.Tree),
			}
			if opts.IncludeDocs {
				rd, err := a.loadRevData(tx, ch.DocID, w)
				if err != nil {
					return err
				}
				entry.Doc = document.Merge(rd.Data, document.Metadata{ID: ch.DocID, Rev: w, Deleted: entry.Deleted})
			}
			out = append(out, entry)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *Adapter) RevsDiff(ctx context.Context, ask map[string][]string) (map[string]docdb.RevsDiffResult, error) {
	out := make(map[string]docdb.RevsDiffResult, len(ask))
	err := a.db.View(func(tx *bolt.Tx) error {
		docsB := tx.Bucket(bucketDocs)
		for id, revs := range ask {
			recBuf := docsB.Get([]byte(id))
			var rec storedDocRecord
			existed := recBuf != nil
			if existed {
				if err := json.Unmarshal(recBuf, &rec); err != nil {
					return docdb.ErrJSON("%s", err)
				}
			}
			missing, ancestors := diffRevs(rec.Tree, existed, revs)
			if len(missing) > 0 {
				out[id] = docdb.RevsDiffResult{Missing: missing, PossibleAncestors: ancestors}
			}
		}
		return nil
	})
	return out, err
}

// diffRevs splits the asked revisions into the subset the tree lacks and,
// when the document exists, the known leaf revisions at a lower generation
// than some missing rev. The latter lets a replicating peer send a shorter
// _revisions ancestry.
func diffRevs(tree revtree.Tree, existed bool, revs []string) (missing, ancestors []string) {
	maxMissingPos := 0
	for _, rs := range revs {
		r, err := revision.Parse(rs)
		if err != nil {
			missing = append(missing, rs)
			continue
		}
		if !existed || revtree.FindNode(tree, r) == nil {
			missing = append(missing, rs)
			if r.Pos > maxMissingPos {
				maxMissingPos = r.Pos
			}
		}
	}
	if existed && len(missing) > 0 {
		for _, l := range revtree.Leaves(tree) {
			if l.Pos < maxMissingPos && l.Status == revtree.StatusAvailable {
				ancestors = append(ancestors, l.Rev().String())
			}
		}
	}
	return missing, ancestors
}

func (a *Adapter) BulkGet(ctx context.Context, reqs []docdb.BulkGetRequest) ([]docdb.BulkGetResult, error) {
	var out []docdb.BulkGetResult
	err := a.db.View(func(tx *bolt.Tx) error {
		docsB := tx.Bucket(bucketDocs)
		for _, req := range reqs {
			recBuf := docsB.Get([]byte(req.ID))
			if recBuf == nil {
				out = append(out, docdb.BulkGetResult{ID: req.ID, Error: "not_found"})
				continue
			}
			var rec storedDocRecord
			if err := json.Unmarshal(recBuf, &rec); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			if req.OpenRevsAll {
				for _, leaf := range revtree.Leaves(rec.Tree) {
					if leaf.Status != revtree.StatusAvailable {
						continue
					}
					res := a.bulkGetOne(tx, rec.Tree, req.ID, leaf.Rev())
					out = append(out, res)
				}
				continue
			}
			var target revision.Rev
			if req.Rev != "" {
				r, err := revision.Parse(req.Rev)
				if err != nil {
					out = append(out, docdb.BulkGetResult{ID: req.ID, Error: "bad_rev"})
					continue
				}
				target = r
			} else {
				w, ok := revtree.WinningRev(rec.Tree)
				if !ok {
					out = append(out, docdb.BulkGetResult{ID: req.ID, Error: "not_found"})
					continue
				}
				target = w
			}
			out = append(out, a.bulkGetOne(tx, rec.Tree, req.ID, target))
		}
		return nil
	})
	return out, err
}

// bulkGetOne resolves one (id, rev) pair inside an open read transaction,
// attaching the _revisions ancestry a replicating peer needs to rebuild the
// lineage.
func (a *Adapter) bulkGetOne(tx *bolt.Tx, tree revtree.Tree, id string, target revision.Rev) docdb.BulkGetResult {
	rd, err := a.loadRevData(tx, id, target)
	if err != nil {
		return docdb.BulkGetResult{ID: id, Rev: target.String(), Error: "not_found"}
	}
	chain := revtree.Ancestry(tree, target)
	ids := make([]string, len(chain))
	for i, r := range chain {
		ids[i] = r.Hash
	}
	var revisions *document.Revisions
	if len(ids) > 0 {
		revisions = &document.Revisions{Start: target.Pos, IDs: ids}
	}
	doc := document.Merge(rd.Data, document.Metadata{ID: id, Rev: target, Deleted: rd.Deleted, Revisions: revisions})
	return docdb.BulkGetResult{ID: id, Rev: target.String(), Doc: doc, Deleted: rd.Deleted}
}

func (a *Adapter) GetLocal(ctx context.Context, id string) (document.Body, error) {
	var body document.Body
	err := a.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketLocalDocs).Get([]byte(id))
		if buf == nil {
			return docdb.ErrNotFound("local doc missing: %s", id)
		}
		return json.Unmarshal(buf, &body)
	})
	return body, err
}

func (a *Adapter) PutLocal(ctx context.Context, id string, body document.Body) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return docdb.ErrJSON("%s", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocalDocs).Put([]byte(id), buf)
	})
}

func (a *Adapter) RemoveLocal(ctx context.Context, id string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocalDocs).Delete([]byte(id))
	})
}

// Compact drops rev_data rows for non-winning, non-leaf revisions and
// marks their tree nodes Missing. Tombstone leaves are kept so replication
// still converges.
func (a *Adapter) Compact(ctx context.Context) error {
	a.log.Info("compaction starting")
	dropped := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		docsB := tx.Bucket(bucketDocs)
		revB := tx.Bucket(bucketRevData)

		// Snapshot ids up front: mutating docsB while its own cursor is
		// live invalidates the cursor's position in bbolt.
		var ids []string
		c := docsB.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, string(k))
		}

		for _, id := range ids {
			recBuf := docsB.Get([]byte(id))
			if recBuf == nil {
				continue
			}
			var rec storedDocRecord
			if err := json.Unmarshal(recBuf, &rec); err != nil {
				return docdb.ErrJSON("%s", err)
			}
			w, ok := revtree.WinningRev(rec.Tree)
			keep := map[revision.Rev]bool{}
			if ok {
				keep[w] = true
			}
			for _, l := range revtree.Leaves(rec.Tree) {
				keep[l.Rev()] = true
			}
			markMissingExcept(rec.Tree.Roots, keep)

			prefix := []byte(id + "\x00")
			rc := revB.Cursor()
			for k, _ := rc.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = rc.Next() {
				revStr := strings.TrimPrefix(string(k), string(prefix))
				r, err := revision.Parse(revStr)
				if err != nil {
					continue
				}
				if !keep[r] {
					if a.cache != nil {
						a.cache.Del(string(k))
					}
					// Cursor.Delete, not Bucket.Delete: deleting through
					// the bucket directly would invalidate rc mid-scan.
					if err := rc.Delete(); err != nil {
						return docdb.ErrIO("%s", err)
					}
					dropped++
				}
			}

			newBuf, err := json.Marshal(rec)
			if err != nil {
				return docdb.ErrJSON("%s", err)
			}
			if err := docsB.Put([]byte(id), newBuf); err != nil {
				return docdb.ErrIO("%s", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.log.WithField("dropped", dropped).Info("compaction finished")
	return nil
}

func markMissingExcept(nodes []*revtree.Node, keep map[revision.Rev]bool) {
	for _, n := range nodes {
		if !keep[n.Rev()] {
			n.Status = revtree.StatusMissing
		}
		markMissingExcept(n.Children, keep)
	}
}

func (a *Adapter) Destroy(ctx context.Context) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketRevData, bucketChanges, bucketLocalDocs, bucketAttachments} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		m := storedMeta{DBUUID: strengthen.NewDBUUID()}
		buf, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(metaKey, buf)
	})
	if err != nil {
		return docdb.ErrIO("%s", err)
	}
	if a.cache != nil {
		a.cache.Clear()
	}
	return nil
}

// PutAttachment stores data under digest in the attachments table,
// content-addressed.
func (a *Adapter) PutAttachment(ctx context.Context, digest string, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).Put([]byte(digest), data)
	})
}

// GetAttachment returns the bytes stored under digest.
func (a *Adapter) GetAttachment(ctx context.Context, digest string) ([]byte, error) {
	var out []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketAttachments).Get([]byte(digest))
		if buf == nil {
			return docdb.ErrNotFound("attachment missing: %s", digest)
		}
		out = make([]byte, len(buf))
		copy(out, buf)
		return nil
	})
	return out, err
}

func (a *Adapter) Close() error {
	if a.cache != nil {
		a.cache.Close()
	}
	if err := a.db.Close(); err != nil {
		return docdb.ErrIO("%s", err)
	}
	return nil
}
