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

import "math"

// DefaultExplorationConstant is the UCB1 exploration weight. sqrt(2) is the
// classical choice and balances exploitation of known-good rewrites against
// exploration of untried branches.
const DefaultExplorationConstant = 1.414

// UCB1 computes the upper confidence bound for a child under its parent.
// Unvisited children return +Inf so they are always tried before any
// visited sibling is revisited.
func UCB1(child *Node, parentVisits int64, c float64) float64 {
	cv := child.EffectiveVisits()
	if cv == 0 {
		return math.Inf(1)
	}
	if parentVisits < 1 {
		parentVisits = 1
	}
	explore := c * math.Sqrt(math.Log(float64(parentVisits))/float64(cv))
	return child.MeanReward() + explore
}

// SelectChild picks the selectable child of n with the highest UCB1 score.
// Ties break toward the lowest proposal order, so selection is
// deterministic for a fixed tree: the search never flips a coin.
func SelectChild(n *Node, c float64) *Node {
	var (
		best      *Node
		bestScore = math.Inf(-1)
	)
	pv := n.EffectiveVisits()
	for _, child := range n.Children() {
		if !child.Selectable() {
			continue
		}
		score := UCB1(child, pv, c)
		if best == nil || score > bestScore || (score == bestScore && child.Order < best.Order) {
			best = child
			bestScore = score
		}
	}
	return best
}

// SelectPath descends from the root by repeated UCB1 choice until it
// reaches a node that can still be expanded. hasOptions reports whether a
// node has untried rewrite options. The returned node is nil only when the
// whole tree below the root is pruned or exhausted.
func SelectPath(t *Tree, c float64, hasOptions func(*Node) bool) *Node {
	n := t.Root
	if !n.Selectable() {
		return nil
	}
	for {
		if hasOptions(n) {
			return n
		}
		child := SelectChild(n, c)
		if child == nil {
			// No expandable options and no selectable children: this
			// branch is done. The caller marks it exhausted.
			return n
		}
		n = child
	}
}
