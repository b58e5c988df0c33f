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
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-ai/pipeforge/services/optimizer/agent"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// NodeState tracks a node's lifecycle inside the search tree.
type NodeState int32

const (
	// StateCandidate marks a node that has been created but not yet
	// evaluated against sample documents.
	StateCandidate NodeState = iota

	// StateEvaluated marks a node whose pipeline has at least one
	// completed evaluation sample.
	StateEvaluated

	// StatePruned marks a node whose pipeline failed to execute. Pruned
	// nodes are never selected again and never expanded.
	StatePruned

	// StateExhausted marks a node with no remaining rewrite options and
	// no selectable descendants. Exhaustion propagates toward the root.
	StateExhausted
)

// String returns a human-readable state name.
func (s NodeState) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateEvaluated:
		return "evaluated"
	case StatePruned:
		return "pruned"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Node is a single point in the rewrite search tree. Each node owns a
// complete, valid pipeline; the edge from its parent records which
// directive produced it.
//
// Thread Safety: visit counts use atomics so selection can read them
// without locking. Reward statistics, state, children, and the used-action
// bookkeeping are guarded by mu.
type Node struct {
	// ID uniquely identifies the node for reports and logs.
	ID string

	// Pipeline is the rewritten pipeline this node represents. Immutable
	// after construction.
	Pipeline *pipeline.Pipeline

	// Digest is the pipeline's canonical content digest, computed once.
	Digest string

	// Directive and Target describe the edge from the parent: which
	// rewrite, applied to which operator, produced this pipeline. Both
	// are empty on the root.
	Directive string
	Target    string

	// Order is the agent's proposal ordinal for this child. Selection
	// ties break toward the lowest Order, so runs are reproducible for a
	// fixed proposal sequence.
	Order int

	// Depth is the number of rewrites between the root and this node.
	Depth int

	Parent *Node

	CreatedAt time.Time

	visits      atomic.Int64
	virtualLoss atomic.Int64

	mu        sync.RWMutex
	state     NodeState
	children  []*Node
	rewardSum float64
	rewardMax float64
	hasReward bool

	// sampleReward is the reward of this node's own evaluation sample,
	// distinct from the backpropagated statistics above, which mix in
	// descendant rewards. floorScored marks nodes whose sample was assigned
	// the reward floor because quality was never measured.
	sampleReward float64
	hasSample    bool
	floorScored  bool

	// Evaluation results recorded for reporting. CostUSD and Quality hold
	// the node's own evaluation; samples beyond the first update reward
	// statistics only.
	CostUSD  float64
	Quality  float64
	PruneMsg string

	// usedActions records (goal, target, directive) triples already
	// proposed from this node, so the agent is never offered the same
	// rewrite twice. Keyed by goal, then operator name, then directive.
	usedActions map[agent.Goal]map[string]map[string]bool
}

// NewNode creates a node for p. The pipeline digest is computed eagerly so
// duplicate detection and reporting never re-hash.
func NewNode(p *pipeline.Pipeline, parent *Node) *Node {
	n := &Node{
		ID:          uuid.NewString(),
		Pipeline:    p,
		Digest:      p.Digest(),
		Parent:      parent,
		CreatedAt:   time.Now(),
		usedActions: make(map[agent.Goal]map[string]map[string]bool),
	}
	if parent != nil {
		n.Depth = parent.Depth + 1
	}
	return n
}

// Visits returns the number of completed simulations through this node.
func (n *Node) Visits() int64 { return n.visits.Load() }

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Children returns a snapshot of the node's children.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// AddChild links child under n.
func (n *Node) AddChild(child *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
}

// RecordReward folds one simulation reward into the node's statistics and
// increments the visit count. Every node on the path from the simulated
// leaf to the root receives the same reward.
func (n *Node) RecordReward(reward float64) {
	n.mu.Lock()
	n.rewardSum += reward
	if !n.hasReward || reward > n.rewardMax {
		n.rewardMax = reward
		n.hasReward = true
	}
	n.mu.Unlock()
	n.visits.Add(1)
}

// MeanReward returns the average reward over all visits, or zero when the
// node is unvisited.
func (n *Node) MeanReward() float64 {
	v := n.visits.Load()
	if v == 0 {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rewardSum / float64(v)
}

// MaxReward returns the best single-sample reward seen at this node.
func (n *Node) MaxReward() (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rewardMax, n.hasReward
}

// RecordSample stores the reward of the node's own evaluation sample.
// floor marks a sample whose quality was never measured (timeout after
// retry, or an undefined quality score) and therefore carries the reward
// floor rather than a measurement. Only the first sample is kept.
func (n *Node) RecordSample(reward float64, floor bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hasSample {
		return
	}
	n.sampleReward = reward
	n.hasSample = true
	n.floorScored = floor
}

// SampleReward returns the node's own single-sample reward, if recorded.
func (n *Node) SampleReward() (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sampleReward, n.hasSample
}

// FloorScored reports whether the node's sample carries the reward floor
// instead of a measured quality.
func (n *Node) FloorScored() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.floorScored
}

// MarkEvaluated transitions a candidate node to evaluated with its first
// sample's cost and quality. Later samples leave these fields alone.
func (n *Node) MarkEvaluated(costUSD, quality float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateCandidate {
		n.state = StateEvaluated
		n.CostUSD = costUSD
		n.Quality = quality
	}
}

// MarkPruned permanently removes the node from selection. Pruning is not
// reversible; a pipeline that failed to execute will fail again.
func (n *Node) MarkPruned(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StatePruned
	n.PruneMsg = reason
}

// MarkExhausted flags the node as having no open rewrite options and no
// selectable descendants.
func (n *Node) MarkExhausted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateEvaluated || n.state == StateCandidate {
		n.state = StateExhausted
	}
}

// Selectable reports whether the node may appear on a selection path.
func (n *Node) Selectable() bool {
	s := n.State()
	return s == StateEvaluated || s == StateCandidate
}

// MarkActionUsed records that (directive, target) has been proposed from
// this node under the given expansion goal.
func (n *Node) MarkActionUsed(goal agent.Goal, directive, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	byTarget := n.usedActions[goal]
	if byTarget == nil {
		byTarget = make(map[string]map[string]bool)
		n.usedActions[goal] = byTarget
	}
	byDir := byTarget[target]
	if byDir == nil {
		byDir = make(map[string]bool)
		byTarget[target] = byDir
	}
	byDir[directive] = true
}

// UsedActions returns a copy of the used-action set for goal, keyed by
// operator name then directive name, in the shape the agent request
// expects.
func (n *Node) UsedActions(goal agent.Goal) map[string]map[string]bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]map[string]bool, len(n.usedActions[goal]))
	for target, dirs := range n.usedActions[goal] {
		dc := make(map[string]bool, len(dirs))
		for d, v := range dirs {
			dc[d] = v
		}
		out[target] = dc
	}
	return out
}

// AddVirtualLoss temporarily inflates the node's visit count so parallel
// workers spread across the tree instead of piling onto one branch.
func (n *Node) AddVirtualLoss() { n.virtualLoss.Add(1) }

// RemoveVirtualLoss reverses AddVirtualLoss after a simulation completes.
func (n *Node) RemoveVirtualLoss() { n.virtualLoss.Add(-1) }

// EffectiveVisits returns visits plus outstanding virtual losses.
func (n *Node) EffectiveVisits() int64 {
	return n.visits.Load() + n.virtualLoss.Load()
}
