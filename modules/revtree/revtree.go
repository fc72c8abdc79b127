// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package revtree implements the per-document revision tree: a forest of
// disjoint lineages that replication links together over time,
// deterministic winner selection, and conflict/ancestry traversals.
package revtree

import (
	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/couchkv/couchkv/modules/revision"
)

// Status records whether a node's body is known locally. Ancestor nodes
// introduced only through replication's `_revisions` ancestry carry
// Missing until (if ever) their own body arrives.
type Status int

const (
	StatusAvailable Status = iota
	StatusMissing
)

// Node is one edit in a document's history. The json tags define the
// stored shape of a document record in the embedded kv tables.
type Node struct {
	Pos      int     `json:"pos"`
	Hash     string  `json:"hash"`
	Deleted  bool    `json:"deleted,omitempty"`
	Status   Status  `json:"status"`
	Children []*Node `json:"children,omitempty"`
}

func (n *Node) Rev() revision.Rev {
	return revision.Rev{Pos: n.Pos, Hash: n.Hash}
}

// Tree is the forest of root nodes for one document. Disjoint roots
// coexist until a merge finds a shared ancestor and grafts them together.
type Tree struct {
	Roots []*Node `json:"roots,omitempty"`
}

// Path is a chain of revisions as carried on the wire: leaf first, root
// last, matching the order of `_revisions.ids`.
type Path struct {
	Revs    []revision.Rev
	Deleted bool
}

// MergeStatus reports what effect a merge had on the tree.
type MergeStatus int

const (
	StatusNewLeaf MergeStatus = iota
	StatusAlreadyKnown
	StatusNewBranch
)

// Merge combines path into tree. Matching proceeds from the root end of
// path: the deepest (pos, hash) shared with any existing node in the
// forest is the graft point. When nothing is shared, path becomes a new
// disjoint root. After grafting, paths longer than revLimit are stemmed.
func Merge(tree Tree, path Path, revLimit int) (Tree, MergeStatus) {
	chain := rootToLeaf(path.Revs)
	if len(tree.Roots) == 0 {
		root := buildChain(chain, path.Deleted)
		tree.Roots = append(tree.Roots, root)
		return tree, StatusNewLeaf
	}

	// The incoming ancestry may start at an older generation than this
	// tree holds (the local side stemmed deeper), so the anchor is the
	// first chain element the forest knows, not necessarily chain[0].
	var anchor *Node
	i := 0
	for idx, r := range chain {
		if n := FindNode(tree, r); n != nil {
			anchor = n
			i = idx + 1
			break
		}
	}
	if anchor == nil {
		root := buildChain(chain, path.Deleted)
		tree.Roots = append(tree.Roots, root)
		return tree, StatusNewLeaf
	}

	cur := anchor
	for i < len(chain) {
		next := childWithRev(cur, chain[i])
		if next == nil {
			break
		}
		cur = next
		i++
	}

	if i == len(chain) {
		if cur.Status == StatusMissing {
			cur.Status = StatusAvailable
		}
		if path.Deleted {
			cur.Deleted = true
		}
		return tree, StatusAlreadyKnown
	}

	status := StatusNewLeaf
	if len(cur.Children) > 0 {
		status = StatusNewBranch
	}
	graft := buildChain(chain[i:], path.Deleted)
	cur.Children = append(cur.Children, graft)
	tree = stem(tree, revLimit)
	return tree, status
}

// rootToLeaf reverses a leaf-to-root Path.Revs slice into root-to-leaf
// order for tree construction, without mutating the input.
func rootToLeaf(revs []revision.Rev) []revision.Rev {
	out := make([]revision.Rev, len(revs))
	for i, r := range revs {
		out[len(revs)-1-i] = r
	}
	return out
}

func buildChain(revs []revision.Rev, deletedLeaf bool) *Node {
	nodes := make([]*Node, len(revs))
	for i, r := range revs {
		nodes[i] = &Node{Pos: r.Pos, Hash: r.Hash}
	}
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].Status = StatusMissing
		nodes[i].Children = []*Node{nodes[i+1]}
	}
	leaf := nodes[len(nodes)-1]
	leaf.Status = StatusAvailable
	leaf.Deleted = deletedLeaf
	return nodes[0]
}

func childWithRev(n *Node, r revision.Rev) *Node {
	for _, c := range n.Children {
		if c.Pos == r.Pos && c.Hash == r.Hash {
			return c
		}
	}
	return nil
}

// FindNode locates the node for rev anywhere in the forest.
func FindNode(tree Tree, rev revision.Rev) *Node {
	for _, root := range tree.Roots {
		if n := findIn(root, rev); n != nil {
			return n
		}
	}
	return nil
}

func findIn(n *Node, rev revision.Rev) *Node {
	if n.Pos == rev.Pos && n.Hash == rev.Hash {
		return n
	}
	for _, c := range n.Children {
		if f := findIn(c, rev); f != nil {
			return f
		}
	}
	return nil
}

// Leaves returns every node with no children, across the whole forest.
func Leaves(tree Tree) []*Node {
	var out []*Node
	for _, root := range tree.Roots {
		collectLeaves(root, &out)
	}
	return out
}

func collectLeaves(n *Node, out *[]*Node) {
	if len(n.Children) == 0 {
		*out = append(*out, n)
		return
	}
	for _, c := range n.Children {
		collectLeaves(c, out)
	}
}

// WinningRev picks the maximum leaf by (not deleted, pos, hash), using a
// binary heap over the leaf set rather than a full sort since only the
// top element is ever needed.
func WinningRev(tree Tree) (revision.Rev, bool) {
	leaves := Leaves(tree)
	if len(leaves) == 0 {
		return revision.Rev{}, false
	}
	h := binaryheap.NewWith(func(a, b interface{}) int {
		return -comparePriority(a.(*Node), b.(*Node))
	})
	for _, l := range leaves {
		h.Push(l)
	}
	top, _ := h.Pop()
	return top.(*Node).Rev(), true
}

func comparePriority(a, b *Node) int {
	ap, bp := notDeletedRank(a), notDeletedRank(b)
	if ap != bp {
		if ap < bp {
			return -1
		}
		return 1
	}
	return revision.Compare(a.Rev(), b.Rev())
}

func notDeletedRank(n *Node) int {
	if n.Deleted {
		return 0
	}
	return 1
}

// CollectConflicts returns every non-deleted leaf other than the winner.
func CollectConflicts(tree Tree) []*Node {
	winner, ok := WinningRev(tree)
	var out []*Node
	for _, l := range Leaves(tree) {
		if l.Deleted {
			continue
		}
		if ok && l.Rev() == winner {
			continue
		}
		out = append(out, l)
	}
	return out
}

// IsDeleted reports whether the current winner is a tombstone. An empty
// tree counts as deleted: there is no live document to return.
func IsDeleted(tree Tree) bool {
	winner, ok := WinningRev(tree)
	if !ok {
		return true
	}
	n := FindNode(tree, winner)
	return n != nil && n.Deleted
}

// Ancestry returns the chain from rev back to the root of its path, leaf
// first. It returns nil if rev is not present in the forest.
func Ancestry(tree Tree, rev revision.Rev) []revision.Rev {
	for _, root := range tree.Roots {
		if path := ancestryIn(root, rev, nil); path != nil {
			return path
		}
	}
	return nil
}

func ancestryIn(n *Node, rev revision.Rev, trail []revision.Rev) []revision.Rev {
	trail = append(append([]revision.Rev{}, trail...), n.Rev())
	if n.Pos == rev.Pos && n.Hash == rev.Hash {
		out := make([]revision.Rev, len(trail))
		for i, r := range trail {
			out[len(trail)-1-i] = r
		}
		return out
	}
	for _, c := range n.Children {
		if p := ancestryIn(c, rev, trail); p != nil {
			return p
		}
	}
	return nil
}

// stem trims each leaf's path independently to its last revLimit
// generations. A node survives when at least one leaf below it is within
// revLimit generations of it; the whole path from that leaf up to the node
// survives with it, so a deep branch can never erase a shallow conflicting
// sibling that is still inside its own depth budget. Nodes cut loose this
// way promote their surviving subtrees to new roots; subtrees shared by
// several deep leaves stay shared, so no duplicate lineages appear.
// Stemming does not touch Status: a promoted node that never had a body
// stays Missing, one that did stays Available.
func stem(tree Tree, revLimit int) Tree {
	if revLimit <= 0 {
		return tree
	}
	var newRoots []*Node
	for _, root := range tree.Roots {
		kept, promoted := stemNode(root, revLimit)
		if kept != nil {
			newRoots = append(newRoots, kept)
		}
		newRoots = append(newRoots, promoted...)
	}
	tree.Roots = newRoots
	return tree
}

// stemNode prunes n's subtree bottom-up. It returns n itself (with pruned
// children) when the nearest leaf below n still wants n as an ancestor,
// plus any subtrees severed deeper down that must become roots; when every
// leaf below n has outgrown it, n is dropped and its surviving children
// join the promoted set.
func stemNode(n *Node, revLimit int) (kept *Node, promoted []*Node) {
	keepSelf := minLeafPos(n)-n.Pos < revLimit
	var children []*Node
	for _, c := range n.Children {
		ck, cp := stemNode(c, revLimit)
		if ck != nil {
			children = append(children, ck)
		}
		promoted = append(promoted, cp...)
	}
	if keepSelf {
		n.Children = children
		return n, promoted
	}
	return nil, append(children, promoted...)
}

func minLeafPos(n *Node) int {
	if len(n.Children) == 0 {
		return n.Pos
	}
	min := 0
	for i, c := range n.Children {
		if p := minLeafPos(c); i == 0 || p < min {
			min = p
		}
	}
	return min
}
