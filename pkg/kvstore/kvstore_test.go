package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchkv/couchkv/modules/document"
	"github.com/couchkv/couchkv/pkg/docdb"
)

func open(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := Open(path, "test", WithReadCache())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	results, err := a.BulkDocs(ctx, []document.Body{{"_id": "x", "v": 1.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)

	doc, err := a.Get(ctx, "x", docdb.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, 1.0, doc["v"])
	require.Equal(t, results[0].Rev, doc["_rev"])
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	a, err := Open(path, "test")
	require.NoError(t, err)
	_, err = a.BulkDocs(ctx, []document.Body{{"_id": "x", "v": 1.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(path, "test")
	require.NoError(t, err)
	defer b.Close()

	doc, err := b.Get(ctx, "x", docdb.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, 1.0, doc["v"])

	info, err := b.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.DocCount)
	require.Equal(t, uint64(1), info.UpdateSeq)
}

func TestConflictOnStaleRev(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	results, err := a.BulkDocs(ctx, []document.Body{{"_id": "x", "v": 1.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	rev1 := results[0].Rev

	results, err = a.BulkDocs(ctx, []document.Body{{"_id": "x", "_rev": rev1, "v": 2.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	require.True(t, results[0].OK)

	results, err = a.BulkDocs(ctx, []document.Body{{"_id": "x", "_rev": rev1, "v": 3.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	require.False(t, results[0].OK)
	require.Equal(t, "conflict", results[0].Error)
}

func TestChangesCompactToLatestSeq(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	_, err := a.BulkDocs(ctx, []document.Body{
		{"_id": "d1", "v": 1.0},
		{"_id": "d2", "v": 1.0},
		{"_id": "d3", "v": 1.0},
	}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)

	doc, err := a.Get(ctx, "d1", docdb.GetOptions{})
	require.NoError(t, err)
	_, err = a.BulkDocs(ctx, []document.Body{{"_id": "d1", "_rev": doc["_rev"].(string), "v": 2.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)

	entries, err := a.Changes(ctx, docdb.ChangesOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	seqs := []uint64{entries[0].Seq, entries[1].Seq, entries[2].Seq}
	require.Equal(t, []uint64{2, 3, 4}, seqs)
	require.Equal(t, "d1", entries[2].ID)
}

func TestChangesSinceSkipsOlderEntries(t *testing.T) {
	ctx := context.Background()
	a := open(t)
	_, err := a.BulkDocs(ctx, []document.Body{
		{"_id": "d1", "v": 1.0},
		{"_id": "d2", "v": 1.0},
	}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)

	entries, err := a.Changes(ctx, docdb.ChangesOptions{Since: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "d2", entries[0].ID)
	require.Equal(t, uint64(2), entries[0].Seq)
}

func TestCompactDropsNonWinningBodies(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	results, err := a.BulkDocs(ctx, []document.Body{{"_id": "x", "v": 1.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)
	rev1 := results[0].Rev
	_, err = a.BulkDocs(ctx, []document.Body{{"_id": "x", "_rev": rev1, "v": 2.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)

	require.NoError(t, a.Compact(ctx))

	// Winner still readable after compaction.
	doc, err := a.Get(ctx, "x", docdb.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, 2.0, doc["v"])

	// The superseded revision's body is gone.
	_, err = a.Get(ctx, "x", docdb.GetOptions{Rev: rev1})
	require.Error(t, err)
}

func TestLocalDocsSurviveAndStayOutOfChanges(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	require.NoError(t, a.PutLocal(ctx, "checkpoint", document.Body{"last_seq": 9.0}))
	doc, err := a.GetLocal(ctx, "checkpoint")
	require.NoError(t, err)
	require.Equal(t, 9.0, doc["last_seq"])

	entries, err := a.Changes(ctx, docdb.ChangesOptions{})
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, a.RemoveLocal(ctx, "checkpoint"))
	_, err = a.GetLocal(ctx, "checkpoint")
	require.True(t, docdb.IsNotFound(err))
}

func TestAttachmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	payload := []byte("binary payload")
	require.NoError(t, a.PutAttachment(ctx, "digest-1", payload))
	got, err := a.GetAttachment(ctx, "digest-1")
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = a.GetAttachment(ctx, "digest-2")
	require.True(t, docdb.IsNotFound(err))
}

func TestDestroyClearsState(t *testing.T) {
	ctx := context.Background()
	a := open(t)
	_, err := a.BulkDocs(ctx, []document.Body{{"_id": "x", "v": 1.0}}, docdb.BulkDocsOptions{NewEdits: true})
	require.NoError(t, err)

	require.NoError(t, a.Destroy(ctx))
	info, err := a.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), info.DocCount)
	require.Equal(t, uint64(0), info.UpdateSeq)
}
