// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package memdb implements the reference in-memory Adapter: a single
// exclusive write lock over plain maps, used as the correctness oracle the
// other adapters are tested against.
package memdb

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/modules/revision"
	"github.com/couchkv/couchkv/modules/revtree"
	"github.com/couchkv/couchkv/modules/strengthen"
	"github.com/couchkv/couchkv/pkg/docdb"
)

const revLimit = 1000

type docRecord struct {
	tree revtree.Tree
	seq  uint64
}

type revData struct {
	data    document.Body
	deleted bool
}

// Adapter is the in-memory, single-mutex implementation of docdb.Adapter.
type Adapter struct {
	mu        sync.RWMutex
	name      string
	dbUUID    string
	updateSeq uint64
	docs      map[string]*docRecord
	revs      map[string]revData // doc_id \0 rev_str -> body
	changes     map[uint64]string // seq -> doc id
	local       map[string]document.Body
	attachments map[string][]byte // digest -> raw bytes
}

// New constructs an empty Adapter. name is cosmetic, surfaced by Info.
func New(name string) *Adapter {
	return &Adapter{
		name:        name,
		dbUUID:      strengthen.NewDBUUID(),
		docs:        make(map[string]*docRecord),
		revs:        make(map[string]revData),
		changes:     make(map[uint64]string),
		local:       make(map[string]document.Body),
		attachments: make(map[string][]byte),
	}
}

func revKey(id string, r revision.Rev) string {
	return id + "\x00" + r.String()
}

func (a *Adapter) Info(ctx context.Context) (docdb.Info, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var count int64
	for _, rec := range a.docs {
		if !revtree.IsDeleted(rec.tree) {
			count++
		}
	}
	return docdb.Info{Name: a.name, DocCount: count, UpdateSeq: a.updateSeq}, nil
}

func (a *Adapter) Get(ctx context.Context, id string, opts docdb.GetOptions) (document.Body, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.docs[id]
	if !ok {
		return nil, docdb.ErrNotFound("missing: %s", id)
	}

	var target revision.Rev
	if opts.Rev != "" {
		r, err := revision.Parse(opts.Rev)
		if err != nil {
			return nil, docdb.ErrInvalidRev("%s", opts.Rev)
		}
		if revtree.FindNode(rec.tree, r) == nil {
			return nil, docdb.ErrNotFound("missing rev: %s %s", id, opts.Rev)
		}
		target = r
	} else {
		w, ok := revtree.WinningRev(rec.tree)
		if !ok {
			return nil, docdb.ErrNotFound("missing: %s", id)
		}
		if revtree.IsDeleted(rec.tree) {
			return nil, docdb.ErrNotFound("deleted: %s", id)
		}
		target = w
	}

	rd, ok := a.revs[revKey(id, target)]
	if !ok {
		return nil, docdb.ErrNotFound("missing body for %s %s", id, target)
	}

	meta := document.Metadata{ID: id, Rev: target, Deleted: rd.deleted}
	if opts.Conflicts {
		for _, c := range revtree.CollectConflicts(rec.tree) {
			meta.Conflicts = append(meta.Conflicts, c.Rev().String())
		}
	}
	if opts.Revs {
		chain := revtree.Ancestry(rec.tree, target)
		if len(chain) > 0 {
			ids := make([]string, len(chain))
			for i, r := range chain {
				ids[i] = r.Hash
			}
			meta.Revisions = &document.Revisions{Start: chain[0].Pos, IDs: ids}
		}
	}
	return document.Merge(rd.data, meta), nil
}

func (a *Adapter) BulkDocs(ctx context.Context, docs []document.Body, opts docdb.BulkDocsOptions) ([]docdb.DocResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]docdb.DocResult, len(docs))
	for i, body := range docs {
		res, err := a.applyOne(body, opts)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

func (a *Adapter) applyOne(body document.Body, opts docdb.BulkDocsOptions) (docdb.DocResult, error) {
	data, meta, err := document.Split(body)
	if err != nil {
		return docdb.DocResult{}, docdb.ErrInvalidRev("%s", err)
	}
	if meta.ID == "" {
		meta.ID = strengthen.NewDocID()
	}

	canonical, err := canonicalBody(data)
	if err != nil {
		return docdb.DocResult{}, docdb.ErrJSON("%s", err)
	}

	rec, existed := a.docs[meta.ID]
	if !existed {
		rec = &docRecord{}
	}

	var path revtree.Path
	if opts.NewEdits {
		var prev revision.Rev
		if existed {
			w, ok := revtree.WinningRev(rec.tree)
			if !ok {
				return docdb.DocResult{}, docdb.ErrDatabaseError("document %s has no winning revision", meta.ID)
			}
			prev = w
		}
		if meta.Rev != prev {
			return docdb.DocResult{ID: meta.ID, OK: false, Error: "conflict"}, nil
		}
		newRev := revision.New(prev, meta.Deleted, canonical)
		path = revtree.Path{Revs: []revision.Rev{newRev, prev}, Deleted: meta.Deleted}
		if prev.IsZero() {
			path = revtree.Path{Revs: []revision.Rev{newRev}, Deleted: meta.Deleted}
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

	rec.tree, _ = revtree.Merge(rec.tree, path, revLimit)

	a.updateSeq++
	if existed && rec.seq != 0 {
		delete(a.changes, rec.seq)
	}
	rec.seq = a.updateSeq
	a.docs[meta.ID] = rec
	a.revs[revKey(meta.ID, meta.Rev)] = revData{data: data, deleted: meta.Deleted}
	a.changes[rec.seq] = meta.ID

	return docdb.DocResult{ID: meta.ID, Rev: meta.Rev.String(), OK: true}, nil
}

// canonicalBody serializes a document's stored fields for revision hashing.
// encoding/json emits map keys sorted, so the hash input is the sorted-key
// serialization; every replica built on this module serializes the same
// way, so identical edits still produce identical hashes.
func canonicalBody(data document.Body) ([]byte, error) {
	return json.Marshal(data)
}

func (a *Adapter) AllDocs(ctx context.Context, opts docdb.AllDocsOptions) ([]docdb.Row, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []string
	if len(opts.Keys) > 0 {
		ids = append(ids, opts.Keys...)
	} else {
		for id := range a.docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if opts.Descending {
			for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	var rows []docdb.Row
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
		rec, ok := a.docs[id]
		if !ok {
			continue
		}
		if revtree.IsDeleted(rec.tree) {
			continue
		}
		w, _ := revtree.WinningRev(rec.tree)
		row := docdb.Row{ID: id, Key: id, Value: map[string]any{"rev": w.String()}}
		if opts.IncludeDocs {
			rd := a.revs[revKey(id, w)]
			row.Doc = document.Merge(rd.data, document.Metadata{ID: id, Rev: w})
		}
		rows = append(rows, row)
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
	a.mu.RLock()
	defer a.mu.RUnlock()

	var seqs []uint64
	for seq := range a.changes {
		if seq > opts.Since {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if opts.Limit > 0 && opts.Limit < len(seqs) {
		seqs = seqs[:opts.Limit]
	}

	out := make([]docdb.ChangeEntry, 0, len(seqs))
	for _, seq := range seqs {
		id := a.changes[seq]
		rec := a.docs[id]
		w, _ := revtree.WinningRev(rec.tree)
		entry := docdb.ChangeEntry{
			Seq:     seq,
			ID:      id,
			Changes: []revision.Rev{w},
			Deleted: revtree.IsDeleted(rec.tree),
		}
		if opts.IncludeDocs {
			rd := a.revs[revKey(id, w)]
			entry.Doc = document.Merge(rd.data, document.Metadata{ID: id, Rev: w, Deleted: entry.Deleted})
		}
		out = append(out, entry)
	}
	return out, nil
}

func (a *Adapter) RevsDiff(ctx context.Context, ask map[string][]string) (map[string]docdb.RevsDiffResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]docdb.RevsDiffResult, len(ask))
	for id, revs := range ask {
		rec, ok := a.docs[id]
		var tree revtree.Tree
		if ok {
			tree = rec.tree
		}
		missing, ancestors := diffRevs(tree, ok, revs)
		if len(missing) > 0 {
			out[id] = docdb.RevsDiffResult{Missing: missing, PossibleAncestors: ancestors}
		}
	}
	return out, nil
}

// diffRevs splits the asked revisions into the subset the tree lacks and,
// when the document exists, the known leaf revisions at a lower generation
// than some missing rev.
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
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]docdb.BulkGetResult, 0, len(reqs))
	for _, req := range reqs {
		rec, ok := a.docs[req.ID]
		if !ok {
			out = append(out, docdb.BulkGetResult{ID: req.ID, Error: "not_found"})
			continue
		}
		if req.OpenRevsAll {
			for _, leaf := range revtree.Leaves(rec.tree) {
				if leaf.Status != revtree.StatusAvailable {
					continue
				}
				out = append(out, a.bulkGetOne(rec.tree, req.ID, leaf.Rev()))
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
			w, ok := revtree.WinningRev(rec.tree)
			if !ok {
				out = append(out, docdb.BulkGetResult{ID: req.ID, Error: "not_found"})
				continue
			}
			target = w
		}
		out = append(out, a.bulkGetOne(rec.tree, req.ID, target))
	}
	return out, nil
}

// bulkGetOne resolves one (id, rev) pair, attaching the _revisions ancestry
// a replicating peer needs to rebuild the lineage. Callers hold at least a
// read lock.
func (a *Adapter) bulkGetOne(tree revtree.Tree, id string, target revision.Rev) docdb.BulkGetResult {
	rd, ok := a.revs[revKey(id, target)]
	if !ok {
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
	doc := document.Merge(rd.data, document.Metadata{ID: id, Rev: target, Deleted: rd.deleted, Revisions: revisions})
	return docdb.BulkGetResult{ID: id, Rev: target.String(), Doc: doc, Deleted: rd.deleted}
}

func (a *Adapter) GetLocal(ctx context.Context, id string) (document.Body, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	body, ok := a.local[id]
	if !ok {
		return nil, docdb.ErrNotFound("local doc missing: %s", id)
	}
	return body, nil
}

func (a *Adapter) PutLocal(ctx context.Context, id string, body document.Body) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local[id] = body
	return nil
}

func (a *Adapter) RemoveLocal(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.local, id)
	return nil
}

// Compact drops stored bodies for non-winning, non-leaf revisions and
// rewrites their tree nodes as Missing, mirroring what the embedded
// adapter does to its rev_data table.
func (a *Adapter) Compact(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, rec := range a.docs {
		w, ok := revtree.WinningRev(rec.tree)
		if !ok {
			continue
		}
		leaves := revtree.Leaves(rec.tree)
		keep := map[revision.Rev]bool{w: true}
		for _, l := range leaves {
			keep[l.Rev()] = true
		}
		markMissingExcept(rec.tree.Roots, keep)
		for key := range a.revs {
			prefix := id + "\x00"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			revStr := strings.TrimPrefix(key, prefix)
			r, err := revision.Parse(revStr)
			if err != nil {
				continue
			}
			if !keep[r] {
				delete(a.revs, key)
			}
		}
	}
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
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs = make(map[string]*docRecord)
	a.revs = make(map[string]revData)
	a.changes = make(map[uint64]string)
	a.local = make(map[string]document.Body)
	a.attachments = make(map[string][]byte)
	a.updateSeq = 0
	a.dbUUID = strengthen.NewDBUUID()
	return nil
}

// PutAttachment stores data under digest, content-addressed.
func (a *Adapter) PutAttachment(ctx context.Context, digest string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	a.attachments[digest] = buf
	return nil
}

// GetAttachment returns the bytes stored under digest.
func (a *Adapter) GetAttachment(ctx context.Context, digest string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buf, ok := a.attachments[digest]
	if !ok {
		return nil, docdb.ErrNotFound("attachment missing: %s", digest)
	}
	return buf, nil
}

func (a *Adapter) Close() error {
	return nil
}
