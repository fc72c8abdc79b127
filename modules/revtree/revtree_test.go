package revtree

import (
	"testing"

	"github.com/couchkv/couchkv/modules/revision"
)

func rev(pos int, hash string) revision.Rev {
	return revision.Rev{Pos: pos, Hash: hash}
}

func TestMergeIntoEmptyTreeIsNewLeaf(t *testing.T) {
	var tr Tree
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	if status != StatusNewLeaf {
		t.Fatalf("status = %v, want NewLeaf", status)
	}
	if len(tr.Roots) != 1 || tr.Roots[0].Pos != 1 || tr.Roots[0].Hash != "h1" {
		t.Fatalf("unexpected tree shape: %+v", tr.Roots)
	}
}

func TestMergeIdenticalPathIsIdempotent(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	if status != StatusAlreadyKnown {
		t.Fatalf("status = %v, want AlreadyKnown", status)
	}
}

func TestMergeExtendsLinearly(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(2, "h2"), rev(1, "h1")}}, 1000)
	if status != StatusNewLeaf {
		t.Fatalf("status = %v, want NewLeaf", status)
	}
	w, ok := WinningRev(tr)
	if !ok || w != rev(2, "h2") {
		t.Fatalf("winner = %+v, want 2-h2", w)
	}
}

func TestMergeCreatesBranchOnConflict(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "ha"), rev(1, "h1")}}, 1000)
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(2, "hb"), rev(1, "h1")}}, 1000)
	if status != StatusNewBranch {
		t.Fatalf("status = %v, want NewBranch", status)
	}
	leaves := Leaves(tr)
	if len(leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %d", len(leaves))
	}
	w, _ := WinningRev(tr)
	if w != rev(2, "hb") {
		t.Fatalf("winner = %+v, want the lexicographically larger hash 2-hb", w)
	}
	conflicts := CollectConflicts(tr)
	if len(conflicts) != 1 || conflicts[0].Rev() != rev(2, "ha") {
		t.Fatalf("conflicts = %+v, want [2-ha]", conflicts)
	}
}

// TestConflictCreationScenario: two replicas independently edit the same
// parent, then sync; both must converge on the same winner without
// coordination.
func TestConflictCreationScenario(t *testing.T) {
	var base Tree
	base, _ = Merge(base, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)

	replicaA, _ := Merge(base, Path{Revs: []revision.Rev{rev(2, "ha"), rev(1, "h1")}}, 1000)
	replicaB, _ := Merge(base, Path{Revs: []revision.Rev{rev(2, "hb"), rev(1, "h1")}}, 1000)

	// Sync: each replica learns the other's edit.
	replicaA, _ = Merge(replicaA, Path{Revs: []revision.Rev{rev(2, "hb"), rev(1, "h1")}}, 1000)
	replicaB, _ = Merge(replicaB, Path{Revs: []revision.Rev{rev(2, "ha"), rev(1, "h1")}}, 1000)

	wa, okA := WinningRev(replicaA)
	wb, okB := WinningRev(replicaB)
	if !okA || !okB {
		t.Fatalf("expected both replicas to have a winner")
	}
	if wa != wb {
		t.Fatalf("replicas disagree on winner: %+v vs %+v", wa, wb)
	}

	wantWinner := rev(2, "ha")
	if revision.Less(wantWinner, rev(2, "hb")) {
		wantWinner = rev(2, "hb")
	}
	if wa != wantWinner {
		t.Fatalf("winner = %+v, want %+v", wa, wantWinner)
	}
	if len(CollectConflicts(replicaA)) != 1 {
		t.Fatalf("expected exactly one conflicting leaf")
	}
}

// TestDeletionLosesToLiveEdit: a tombstone never beats
// a live sibling revision at the same generation.
func TestDeletionLosesToLiveEdit(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "zz"), rev(1, "h1")}, Deleted: true}, 1000)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "aa"), rev(1, "h1")}}, 1000)

	w, ok := WinningRev(tr)
	if !ok {
		t.Fatalf("expected a winner")
	}
	if w != rev(2, "aa") {
		t.Fatalf("winner = %+v, want the live edit 2-aa even though 2-zz sorts higher", w)
	}
	if IsDeleted(tr) {
		t.Fatalf("tree should not report deleted when a live leaf wins")
	}
}

func TestAncestry(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "h2"), rev(1, "h1")}}, 1000)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(3, "h3"), rev(2, "h2"), rev(1, "h1")}}, 1000)

	chain := Ancestry(tr, rev(3, "h3"))
	want := []revision.Rev{rev(3, "h3"), rev(2, "h2"), rev(1, "h1")}
	if len(chain) != len(want) {
		t.Fatalf("ancestry = %+v, want %+v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("ancestry[%d] = %+v, want %+v", i, chain[i], want[i])
		}
	}
}

func TestStemmingPromotesNewRoot(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 2)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "h2"), rev(1, "h1")}}, 2)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(3, "h3"), rev(2, "h2"), rev(1, "h1")}}, 2)

	if len(tr.Roots) != 1 {
		t.Fatalf("expected a single root after stemming, got %d", len(tr.Roots))
	}
	if tr.Roots[0].Pos != 2 {
		t.Fatalf("root pos = %d, want 2 after stemming to depth 2", tr.Roots[0].Pos)
	}
	w, ok := WinningRev(tr)
	if !ok || w != rev(3, "h3") {
		t.Fatalf("winner = %+v, want 3-h3", w)
	}
}

func TestMergeUpgradesMissingToAvailable(t *testing.T) {
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{
		rev(3, "h3"), rev(2, "h2"), rev(1, "h1"),
	}}, 1000)
	if n := FindNode(tr, rev(1, "h1")); n.Status != StatusMissing {
		t.Fatalf("ancestor introduced via ancestry should start Missing")
	}
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 1000)
	if status != StatusAlreadyKnown {
		t.Fatalf("status = %v, want AlreadyKnown", status)
	}
	if n := FindNode(tr, rev(1, "h1")); n.Status != StatusAvailable {
		t.Fatalf("expected status upgraded to Available")
	}
}

func TestMergeAnchorsBelowStemmedRoot(t *testing.T) {
	// Local tree was stemmed to depth 2, so generation 1 is gone. A peer
	// still sends the full ancestry; the merge must anchor at the deepest
	// shared rev instead of duplicating the lineage.
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "h2")}}, 1000)
	tr, status := Merge(tr, Path{Revs: []revision.Rev{rev(3, "h3"), rev(2, "h2"), rev(1, "h1")}}, 1000)
	if status != StatusNewLeaf {
		t.Fatalf("status = %v, want NewLeaf", status)
	}
	if len(tr.Roots) != 1 {
		t.Fatalf("expected a single lineage, got %d roots", len(tr.Roots))
	}
	if leaves := Leaves(tr); len(leaves) != 1 || leaves[0].Rev() != rev(3, "h3") {
		t.Fatalf("leaves = %+v, want [3-h3]", leaves)
	}
}

func TestStemmingKeepsShallowSiblingOfDeepBranch(t *testing.T) {
	// One lineage forks at generation 1: a deep chain out to generation 5
	// and a shallow conflicting leaf at generation 2. Trimming the deep
	// branch to its own last 3 generations must not touch the shallow
	// leaf, which is well inside its own depth budget.
	var tr Tree
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(1, "h1")}}, 3)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "ff"), rev(1, "h1")}}, 3)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(2, "b2"), rev(1, "h1")}}, 3)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(3, "c3"), rev(2, "b2")}}, 3)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(4, "d4"), rev(3, "c3")}}, 3)
	tr, _ = Merge(tr, Path{Revs: []revision.Rev{rev(5, "e5"), rev(4, "d4")}}, 3)

	leaves := Leaves(tr)
	got := map[revision.Rev]bool{}
	for _, l := range leaves {
		got[l.Rev()] = true
	}
	if len(leaves) != 2 || !got[rev(2, "ff")] || !got[rev(5, "e5")] {
		t.Fatalf("leaves = %+v, want the shallow 2-ff and deep 5-e5", leaves)
	}

	// The shallow leaf keeps its full 2-generation path.
	if chain := Ancestry(tr, rev(2, "ff")); len(chain) != 2 {
		t.Fatalf("shallow leaf ancestry = %+v, want depth 2", chain)
	}
	// The deep leaf is trimmed to its own last 3 generations.
	chain := Ancestry(tr, rev(5, "e5"))
	if len(chain) != 3 || chain[len(chain)-1] != rev(3, "c3") {
		t.Fatalf("deep leaf ancestry = %+v, want [5-e5 4-d4 3-c3]", chain)
	}
}
