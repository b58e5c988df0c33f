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
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
)

func TestEngineZeroIterationBudget(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{rootResult: evalOutcome{cost: 1.0, quality: 0.8}}

	engine := testEngine(reg, prop, eval, 0, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(report.Nodes) != 1 {
		t.Errorf("node count = %d, want 1 (root only)", len(report.Nodes))
	}
	if report.Best == nil {
		t.Fatal("Best is nil, want the root pipeline")
	}
	if report.BestNodeID != report.Nodes[0].ID {
		t.Errorf("best node = %s, want root %s", report.BestNodeID, report.Nodes[0].ID)
	}
	if report.Nodes[0].CostUSD != 1.0 || report.Nodes[0].Quality != 0.8 {
		t.Errorf("root evaluation = (%.2f, %.2f), want (1.00, 0.80)",
			report.Nodes[0].CostUSD, report.Nodes[0].Quality)
	}
	if prop.callCount() != 0 {
		t.Errorf("agent calls = %d, want 0", prop.callCount())
	}
}

func TestEngineRootVisitsEqualSimulations(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult:   evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{{cost: 0.8, quality: 0.6}},
	}

	engine := testEngine(reg, prop, eval, 5, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// Every non-root node is simulated exactly once, at creation, and the
	// root evaluation contributes one more visit. So root visits must
	// equal the total node count.
	rootVisits := report.Nodes[0].Visits
	if rootVisits != int64(len(report.Nodes)) {
		t.Errorf("root visits = %d, want %d (one per simulation plus root eval)",
			rootVisits, len(report.Nodes))
	}

	// Each backpropagation adds exactly one visit per ancestor: a node's
	// visits must equal its own simulation plus its descendants'.
	for _, n := range engine.tree.Nodes() {
		var childSum int64
		for _, c := range n.Children() {
			childSum += c.Visits()
		}
		if n.Visits() != childSum+1 {
			t.Errorf("node %s visits = %d, want %d", n.ID, n.Visits(), childSum+1)
		}
	}
}

func TestEnginePrefersCheaperEquivalentRewrite(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult:   evalOutcome{cost: 10, quality: 0.5},
		childResults: []evalOutcome{{cost: 4, quality: 0.5}},
	}

	engine := testEngine(reg, prop, eval, 1, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	rootID := report.Nodes[0].ID
	if report.BestNodeID == rootID {
		t.Error("best node is the root; want the cheaper rewrite")
	}
	// reward(root) = 0.5 - 10/10 = -0.5; reward(child) = 0.5 - 4/10 = 0.1
	if math.Abs(report.BestReward-0.1) > 1e-9 {
		t.Errorf("best reward = %f, want 0.1", report.BestReward)
	}
	root, _ := engine.tree.NodeByID(rootID)
	if got := engine.reward.Reward(root.CostUSD, root.Quality); math.Abs(got-(-0.5)) > 1e-9 {
		t.Errorf("root reward = %f, want -0.5", got)
	}
}

func TestEngineSurvivesUnusableAgentReplies(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	// The first two agent calls return nothing usable; the search must
	// carry on and expand in a later round.
	prop := &scriptedProposer{
		registry: reg,
		script:   []scriptStep{{empty: true}, {empty: true}},
	}
	eval := &fakeEvaluator{
		rootResult:   evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{{cost: 0.9, quality: 0.6}},
	}

	engine := testEngine(reg, prop, eval, 3, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(report.Nodes) < 2 {
		t.Errorf("node count = %d, want expansions after the bad rounds", len(report.Nodes))
	}
	if report.Incomplete {
		t.Error("report marked incomplete; dropped replies are recoverable")
	}
}

func TestEngineTransportErrorsTripBreakerEventually(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{
		registry: reg,
		script: []scriptStep{
			{err: errors.New("backend down")},
			{err: errors.New("backend down")},
			{err: errors.New("backend down")},
			{err: errors.New("backend down")},
		},
	}
	eval := &fakeEvaluator{rootResult: evalOutcome{cost: 1.0, quality: 0.5}}

	engine := testEngine(reg, prop, eval, 10, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !report.Incomplete {
		t.Error("report not marked incomplete after the breaker opened")
	}
	if report.Best == nil {
		t.Error("best-so-far pipeline missing from an incomplete run")
	}
}

func TestEngineExecutionFailurePrunesNode(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult: evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{
			{err: &evaluate.EvalError{Kind: evaluate.KindExecutionFailure, CostUSD: 0.2, Err: errors.New("op crashed")}},
			{cost: 0.5, quality: 0.6},
		},
	}

	engine := testEngine(reg, prop, eval, 2, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var pruned int
	for _, n := range report.Nodes {
		if n.State == "pruned" {
			pruned++
			if n.ID == report.BestNodeID {
				t.Error("pruned node reported as best")
			}
		}
	}
	if pruned != 1 {
		t.Errorf("pruned nodes = %d, want 1", pruned)
	}
}

func TestEngineTimeoutRetriesOnce(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult: evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{
			{err: &evaluate.EvalError{Kind: evaluate.KindTimeout, CostUSD: 0.1, Err: errors.New("deadline")}},
			{cost: 0.5, quality: 0.7},
		},
	}

	engine := testEngine(reg, prop, eval, 1, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	// Root eval + first child attempt + its retry, plus one evaluation for
	// the child the cost goal expands in the same iteration.
	if eval.callCount() != 4 {
		t.Errorf("evaluator calls = %d, want 4 (root, timeout, retry, cost-goal child)", eval.callCount())
	}
	found := false
	for _, n := range report.Nodes[1:] {
		if n.Quality == 0.7 {
			found = true
		}
	}
	if !found {
		t.Error("retried evaluation result not recorded on the child")
	}
}

func TestEngineDoubleTimeoutScoresFloor(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	timeout := &evaluate.EvalError{Kind: evaluate.KindTimeout, CostUSD: 0.1, Err: errors.New("deadline")}
	eval := &fakeEvaluator{
		rootResult:   evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{{err: timeout}, {err: timeout}},
	}

	engine := testEngine(reg, prop, eval, 1, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.BestNodeID != report.Nodes[0].ID {
		t.Error("floor-scored child outranked the root")
	}
	// reward(root) = 0.5 - 1.0 = -0.5; the children carry the floor (-1.0).
	if math.Abs(report.BestReward-(-0.5)) > 1e-9 {
		t.Errorf("best reward = %f, want -0.5", report.BestReward)
	}
	for _, n := range report.Nodes[1:] {
		if n.State == "pruned" {
			t.Error("timeout pruned the node; it should stay selectable at the floor")
		}
		if !n.Floor {
			t.Errorf("node %s not flagged floor-scored", n.ID)
		}
	}
	// Floor-scored nodes carry no measured quality and stay off the
	// cost-quality frontier.
	if len(report.Pareto) != 1 || report.Pareto[0].NodeID != report.Nodes[0].ID {
		t.Errorf("pareto frontier = %+v, want the root only", report.Pareto)
	}
}

func TestEngineExhaustsFiniteSpace(t *testing.T) {
	// A no-op directive reproduces the root's digest on every application,
	// so no child can ever be attached and the option space drains.
	reg := directive.NewRegistry(&suffixDirective{noop: true})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{rootResult: evalOutcome{cost: 1.0, quality: 0.5}}

	engine := testEngine(reg, prop, eval, 100, 1.0)
	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.StopReason != ErrSpaceExhausted.Error() {
		t.Errorf("stop reason = %q, want %q", report.StopReason, ErrSpaceExhausted.Error())
	}
	if report.Incomplete {
		t.Error("space exhaustion is a normal termination, not an incomplete run")
	}
	if len(report.Nodes) != 1 {
		t.Errorf("node count = %d, want 1", len(report.Nodes))
	}
}

func TestEngineParallelMatchesBudget(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult:   evalOutcome{cost: 1.0, quality: 0.5},
		childResults: []evalOutcome{{cost: 0.8, quality: 0.6}},
	}

	cfg := DefaultConfig()
	cfg.MaxIterations = 6
	cfg.TimeLimit = 0
	cfg.MaxChoices = 1
	cfg.Parallelism = 3
	engine := NewEngine(cfg, reg, prop, eval)

	report, err := engine.Run(context.Background(), testPipeline())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Usage.Iterations < cfg.MaxIterations {
		// Parallel workers may overshoot by in-flight iterations but
		// never stop early with options remaining.
		t.Errorf("iterations = %d, want >= %d", report.Usage.Iterations, cfg.MaxIterations)
	}
	if report.Nodes[0].Visits != int64(len(report.Nodes)) {
		t.Errorf("root visits = %d, want %d", report.Nodes[0].Visits, len(report.Nodes))
	}
}

func TestEngineRootEvaluationFailureAbortsRun(t *testing.T) {
	reg := directive.NewRegistry(&suffixDirective{})
	prop := &scriptedProposer{registry: reg}
	eval := &fakeEvaluator{
		rootResult: evalOutcome{err: &evaluate.EvalError{Kind: evaluate.KindExecutionFailure, Err: errors.New("bad pipeline")}},
	}

	engine := testEngine(reg, prop, eval, 5, 1.0)
	_, err := engine.Run(context.Background(), testPipeline())
	if !errors.Is(err, ErrRootUnevaluated) {
		t.Errorf("error = %v, want ErrRootUnevaluated", err)
	}
}
