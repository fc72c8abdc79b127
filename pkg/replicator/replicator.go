// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package replicator implements the checkpointed, incremental, resumable
// pull/push/sync loop: changes feed + revs_diff + bulk_get +
// bulk_docs(new_edits=false) driven across any two docdb.Adapter
// implementations.
package replicator

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/modules/strengthen"
	"github.com/couchkv/couchkv/pkg/docdb"
)

const defaultBatchSize = 100

// Options configures one Run.
type Options struct {
	// BatchSize bounds how many changes are fetched from source per
	// round. Defaults to 100.
	BatchSize int

	// SourceID and TargetID identify the two sides for the replication id
	// fingerprint. The adapter contract carries no stable identity field
	// of its own, so these are supplied by the caller; left empty, every
	// replication between the same unnamed pair shares one checkpoint.
	SourceID string
	TargetID string

	// Filter drops changes after they are fetched but before revs_diff.
	// When set, Run requests IncludeDocs on the Changes call so
	// selector-based filters can inspect the document body.
	Filter      Filter
	FilterLabel string // used only to distinguish filters in the replication id fingerprint
	Log         *logrus.Entry
}

// DocError is one per-document write failure accumulated during a run.
// These do not terminate the run; they come back on the Result.
type DocError struct {
	ID     string
	Rev    string
	Reason string
}

// Result is what one Run call returns.
type Result struct {
	OK            bool
	DocsRead      int
	DocsWritten   int
	Errors        []DocError
	LastSeq       uint64
	SessionID     string
	ReplicationID string
}

// SyncResult bundles the two halves of Sync.
type SyncResult struct {
	Push *Result
	Pull *Result
}

func (o Options) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return defaultBatchSize
}

func (o Options) logger() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run drives one incremental replication pass from source to target: read
// checkpoint, then repeatedly fetch a batch of changes, diff against the
// target, fetch missing bodies, and write them with new_edits=false, until
// source's changes feed is exhausted.
func Run(ctx context.Context, source, target docdb.Adapter, opts Options) (*Result, error) {
	log := opts.logger()
	sourceID, targetID := opts.SourceID, opts.TargetID
	if sourceID == "" {
		sourceID = "source"
	}
	if targetID == "" {
		targetID = "target"
	}
	replID := replicationID(sourceID, targetID, opts.FilterLabel)
	localID := localDocID(replID)
	sessionID := strengthen.NewSessionID()

	result := &Result{OK: true, SessionID: sessionID, ReplicationID: replID}

	since := agreedCheckpoint(ctx, source, target, localID)
	result.LastSeq = since
	startSeq := since
	prevHistory := priorHistory(ctx, target, localID)

	for {
		changesOpts := docdb.ChangesOptions{Since: since, Limit: opts.batchSize(), IncludeDocs: opts.Filter != nil}
		changes, err := source.Changes(ctx, changesOpts)
		if err != nil {
			return terminalFailure(result, err)
		}
		if len(changes) == 0 {
			break
		}

		kept := changes
		if opts.Filter != nil {
			kept = make([]docdb.ChangeEntry, 0, len(changes))
			for _, c := range changes {
				if opts.Filter(ctx, c) {
					kept = append(kept, c)
				}
			}
		}

		ask := make(map[string][]string, len(kept))
		for _, c := range kept {
			revs := make([]string, len(c.Changes))
			for i, r := range c.Changes {
				revs[i] = r.String()
			}
			ask[c.ID] = revs
		}

		var diff map[string]docdb.RevsDiffResult
		if len(ask) > 0 {
			diff, err = target.RevsDiff(ctx, ask)
			if err != nil {
				return terminalFailure(result, err)
			}
		}

		var requests []docdb.BulkGetRequest
		for id, d := range diff {
			for _, rev := range d.Missing {
				requests = append(requests, docdb.BulkGetRequest{ID: id, Rev: rev})
			}
		}

		var bulkGetResults []docdb.BulkGetResult
		if len(requests) > 0 {
			bulkGetResults, err = fetchBodies(ctx, source, requests)
			if err != nil {
				return terminalFailure(result, err)
			}
		}
		result.DocsRead += len(bulkGetResults)

		var docs []document.Body
		for _, r := range bulkGetResults {
			if r.Error != "" {
				result.Errors = append(result.Errors, DocError{ID: r.ID, Rev: r.Rev, Reason: r.Error})
				continue
			}
			docs = append(docs, r.Doc)
		}

		if len(docs) > 0 {
			writeResults, err := target.BulkDocs(ctx, docs, docdb.BulkDocsOptions{NewEdits: false})
			if err != nil {
				return terminalFailure(result, err)
			}
			for _, wr := range writeResults {
				if wr.OK {
					result.DocsWritten++
				} else {
					log.WithFields(logrus.Fields{"id": wr.ID, "rev": wr.Rev}).Warn("replication write failed")
					result.Errors = append(result.Errors, DocError{ID: wr.ID, Rev: wr.Rev, Reason: wr.Error})
				}
			}
		}

		maxSeq := since
		for _, c := range changes {
			if c.Seq > maxSeq {
				maxSeq = c.Seq
			}
		}
		since = maxSeq
		result.LastSeq = since

		session := historyEntry{
			SessionID:      sessionID,
			StartLastSeq:   startSeq,
			EndLastSeq:     since,
			DocsWritten:    result.DocsWritten,
			DocWriteErrors: len(result.Errors),
		}
		if err := persistCheckpoint(ctx, source, target, localID, checkpoint{
			LastSeq: since, ReplicationID: replID, SessionID: sessionID,
			History: prependHistory(session, prevHistory),
		}); err != nil {
			return terminalFailure(result, err)
		}

		log.WithFields(logrus.Fields{"replication_id": replID, "last_seq": since, "batch": len(changes)}).Info("replication batch applied")

		if len(changes) < opts.batchSize() {
			break
		}
	}

	return result, nil
}

// fetchBodies fans missing-revision fetches out concurrently, bounded by
// an errgroup; small batches go through a single BulkGet call.
func fetchBodies(ctx context.Context, source docdb.Adapter, requests []docdb.BulkGetRequest) ([]docdb.BulkGetResult, error) {
	const fanout = 8
	if len(requests) <= fanout {
		return source.BulkGet(ctx, requests)
	}

	chunks := chunk(requests, (len(requests)+fanout-1)/fanout)
	results := make([][]docdb.BulkGetResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			r, err := source.BulkGet(gctx, c)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []docdb.BulkGetResult
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func chunk(reqs []docdb.BulkGetRequest, size int) [][]docdb.BulkGetRequest {
	if size <= 0 {
		size = len(reqs)
	}
	var out [][]docdb.BulkGetRequest
	for size < len(reqs) {
		out = append(out, reqs[:size:size])
		reqs = reqs[size:]
	}
	return append(out, reqs)
}

// terminalFailure marks result failed; Unauthorized/Forbidden and adapter
// I/O errors all terminate the run the same way, leaving the last
// persisted checkpoint as the next run's resume point.
func terminalFailure(result *Result, err error) (*Result, error) {
	result.OK = false
	return result, err
}

// agreedCheckpoint reads the checkpoint local doc from both sides and
// returns last_seq only if they agree; otherwise it falls back to 0 and
// the run re-scans from the beginning, which is safe because
// new_edits=false writes are idempotent.
func agreedCheckpoint(ctx context.Context, source, target docdb.Adapter, localID string) uint64 {
	sc, sErr := readCheckpoint(ctx, source, localID)
	tc, tErr := readCheckpoint(ctx, target, localID)
	if sErr != nil || tErr != nil {
		return 0
	}
	if sc.LastSeq != tc.LastSeq || sc.ReplicationID != tc.ReplicationID {
		return 0
	}
	return sc.LastSeq
}

// priorHistory reads the target-side checkpoint's session history so a new
// run's entry can be prepended to it.
func priorHistory(ctx context.Context, target docdb.Adapter, localID string) []historyEntry {
	cp, err := readCheckpoint(ctx, target, localID)
	if err != nil {
		return nil
	}
	return cp.History
}

// prependHistory keeps the most recent sessions first, bounded so the
// checkpoint document stays small.
func prependHistory(entry historyEntry, prior []historyEntry) []historyEntry {
	const maxHistory = 5
	out := append([]historyEntry{entry}, prior...)
	if len(out) > maxHistory {
		out = out[:maxHistory]
	}
	return out
}

func readCheckpoint(ctx context.Context, adapter docdb.Adapter, localID string) (checkpoint, error) {
	body, err := adapter.GetLocal(ctx, localID)
	if err != nil {
		return checkpoint{}, err
	}
	var cp checkpoint
	buf, err := json.Marshal(map[string]any(body))
	if err != nil {
		return checkpoint{}, err
	}
	if err := json.Unmarshal(buf, &cp); err != nil {
		return checkpoint{}, err
	}
	return cp, nil
}

func persistCheckpoint(ctx context.Context, source, target docdb.Adapter, localID string, cp checkpoint) error {
	buf, err := json.Marshal(cp)
	if err != nil {
		return docdb.ErrJSON("%s", err)
	}
	var body document.Body
	if err := json.Unmarshal(buf, &body); err != nil {
		return docdb.ErrJSON("%s", err)
	}
	if err := source.PutLocal(ctx, localID, body); err != nil {
		return err
	}
	return target.PutLocal(ctx, localID, body)
}

// Pull replicates from remote into local.
func Pull(ctx context.Context, local, remote docdb.Adapter, opts Options) (*Result, error) {
	return Run(ctx, remote, local, swapIDs(opts))
}

// Push replicates from local into remote.
func Push(ctx context.Context, local, remote docdb.Adapter, opts Options) (*Result, error) {
	return Run(ctx, local, remote, opts)
}

// swapIDs reorders SourceID/TargetID for Pull's direction, so the
// replication-id fingerprint is computed from the actual source/target
// pair rather than the caller's local/remote labels.
func swapIDs(opts Options) Options {
	opts.SourceID, opts.TargetID = opts.TargetID, opts.SourceID
	return opts
}

// Sync runs Push then Pull, returning both results.
func Sync(ctx context.Context, local, remote docdb.Adapter, opts Options) (*SyncResult, error) {
	push, err := Push(ctx, local, remote, opts)
	if err != nil {
		return &SyncResult{Push: push}, err
	}
	pull, err := Pull(ctx, local, remote, opts)
	if err != nil {
		return &SyncResult{Push: push, Pull: pull}, err
	}
	return &SyncResult{Push: push, Pull: pull}, nil
}
