// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"sync"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// Tree holds the rewrite search tree. Nodes are indexed by ID for report
// lookups and by pipeline digest so the engine can detect when a directive
// reproduces an existing plan.
//
// Thread Safety: the index maps are guarded by mu. Per-node statistics are
// guarded by the node's own synchronization.
type Tree struct {
	Root *Node

	mu       sync.RWMutex
	byID     map[string]*Node
	byDigest map[string]*Node
}

// NewTree creates a tree rooted at the given pipeline.
func NewTree(root *pipeline.Pipeline) *Tree {
	t := &Tree{
		byID:     make(map[string]*Node),
		byDigest: make(map[string]*Node),
	}
	t.Root = NewNode(root, nil)
	t.byID[t.Root.ID] = t.Root
	t.byDigest[t.Root.Digest] = t.Root
	return t
}

// Attach links child under parent and indexes it. It returns false when a
// node with the same pipeline digest already exists anywhere in the tree,
// in which case the child is not attached.
func (t *Tree) Attach(parent, child *Node) bool {
	t.mu.Lock()
	if _, dup := t.byDigest[child.Digest]; dup {
		t.mu.Unlock()
		return false
	}
	t.byID[child.ID] = child
	t.byDigest[child.Digest] = child
	t.mu.Unlock()

	parent.AddChild(child)
	return true
}

// NodeByID looks up a node by its identifier.
func (t *Tree) NodeByID(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	return n, ok
}

// HasDigest reports whether a pipeline with the given digest is already in
// the tree.
func (t *Tree) HasDigest(digest string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byDigest[digest]
	return ok
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Nodes returns a snapshot of every node in the tree, root first, in
// breadth-first order.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, t.Len())
	queue := []*Node{t.Root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, n.Children()...)
	}
	return out
}

// Backpropagate folds reward into every node from leaf up to the root.
func (t *Tree) Backpropagate(leaf *Node, reward float64) {
	for n := leaf; n != nil; n = n.Parent {
		n.RecordReward(reward)
	}
}

// PropagateExhaustion walks from n toward the root, marking each node
// exhausted whose children are all pruned or exhausted and which has no
// open rewrite options left. hasOptions reports whether a node can still
// produce new children.
func (t *Tree) PropagateExhaustion(n *Node, hasOptions func(*Node) bool) {
	for cur := n; cur != nil; cur = cur.Parent {
		if !cur.Selectable() {
			continue
		}
		if hasOptions(cur) {
			return
		}
		open := false
		for _, c := range cur.Children() {
			if c.Selectable() {
				open = true
				break
			}
		}
		if open {
			return
		}
		cur.MarkExhausted()
	}
}
