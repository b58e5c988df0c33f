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
	"fmt"
	"sync"

	"github.com/tidewater-ai/pipeforge/services/optimizer/agent"
	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// testPipeline builds a minimal valid single-op pipeline.
func testPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:         "test",
		DefaultModel: "gpt-4o-mini",
		Operations: []pipeline.OpSpec{{
			Name:       "extract",
			Kind:       pipeline.OpMap,
			Prompt:     "Extract entities from {{ input.text }}",
			OutputKeys: []string{"entities"},
		}},
		Steps: []pipeline.Step{{
			Name:       "main",
			Input:      "docs",
			Operations: []string{"extract"},
		}},
	}
}

// suffixDirective rewrites the target op's prompt with a unique suffix,
// producing a structurally identical pipeline with a fresh digest. When
// noop is set it returns an unchanged clone instead, so every application
// collides with an existing digest.
type suffixDirective struct {
	mu      sync.Mutex
	applied int
	noop    bool
}

func (d *suffixDirective) Name() string        { return "suffix" }
func (d *suffixDirective) Description() string { return "appends a prompt suffix" }
func (d *suffixDirective) AppliesTo(p *pipeline.Pipeline, target string) bool {
	return p.Op(target) != nil
}
func (d *suffixDirective) NewParams() any { return &struct{}{} }

func (d *suffixDirective) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	c := p.Clone()
	op := c.Op(target)
	if op == nil {
		return nil, &directive.DirectiveError{Directive: d.Name(), Target: target, Reason: "no such op"}
	}
	if !d.noop {
		d.mu.Lock()
		d.applied++
		op.Prompt = fmt.Sprintf("%s (v%d)", op.Prompt, d.applied)
		d.mu.Unlock()
	}
	return c, nil
}

// scriptedProposer replays a fixed per-call script, falling back to
// proposing every open option afterward. It honors req.Exhausted the way
// the real proposer does.
type scriptedProposer struct {
	registry *directive.Registry

	mu     sync.Mutex
	calls  int
	script []scriptStep
}

type scriptStep struct {
	empty bool
	err   error
}

func (sp *scriptedProposer) Propose(ctx context.Context, p *pipeline.Pipeline, req agent.Request) ([]agent.Proposal, agent.Usage, error) {
	sp.mu.Lock()
	call := sp.calls
	sp.calls++
	sp.mu.Unlock()

	if call < len(sp.script) {
		step := sp.script[call]
		if step.err != nil {
			return nil, agent.Usage{Calls: 1}, step.err
		}
		if step.empty {
			return nil, agent.Usage{Calls: 1}, nil
		}
	}

	var proposals []agent.Proposal
	order := 0
	for _, c := range sp.registry.ListApplicable(p) {
		if used, ok := req.Exhausted[c.Target]; ok && used[c.Directive.Name()] {
			continue
		}
		proposals = append(proposals, agent.Proposal{
			Directive: c.Directive,
			Target:    c.Target,
			Params:    &struct{}{},
			Goal:      req.Goal,
			Order:     order,
		})
		order++
		if order >= req.MaxChoices {
			break
		}
	}
	return proposals, agent.Usage{Calls: 1, CostUSD: 0.001}, nil
}

func (sp *scriptedProposer) callCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.calls
}

// fakeEvaluator returns scripted results. The first Evaluate call (the
// root) gets rootResult; later calls walk childResults in order, looping
// on the last entry.
type fakeEvaluator struct {
	rootResult   evalOutcome
	childResults []evalOutcome

	mu    sync.Mutex
	calls int
}

type evalOutcome struct {
	cost    float64
	quality float64
	err     error
}

func (fe *fakeEvaluator) Evaluate(ctx context.Context, p *pipeline.Pipeline, sampleBudget int) (*evaluate.Result, error) {
	fe.mu.Lock()
	call := fe.calls
	fe.calls++
	fe.mu.Unlock()

	out := fe.rootResult
	if call > 0 {
		idx := call - 1
		if idx >= len(fe.childResults) {
			idx = len(fe.childResults) - 1
		}
		if idx < 0 {
			out = fe.rootResult
		} else {
			out = fe.childResults[idx]
		}
	}
	if out.err != nil {
		return nil, out.err
	}
	return &evaluate.Result{Cost: out.cost, Quality: out.quality}, nil
}

func (fe *fakeEvaluator) callCount() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.calls
}

// testEngine wires an engine with the given collaborators and a small
// deterministic config.
func testEngine(reg *directive.Registry, prop Proposer, eval Evaluator, iterations int, lambda float64) *Engine {
	cfg := DefaultConfig()
	cfg.MaxIterations = iterations
	cfg.Lambda = lambda
	cfg.TimeLimit = 0
	cfg.MaxChoices = 1
	return NewEngine(cfg, reg, prop, eval)
}
