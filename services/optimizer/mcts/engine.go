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
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater-ai/pipeforge/services/optimizer/agent"
	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// Proposer asks the optimization agent for ranked rewrite candidates.
// *agent.Proposer satisfies this; tests substitute scripted fakes.
type Proposer interface {
	Propose(ctx context.Context, p *pipeline.Pipeline, req agent.Request) ([]agent.Proposal, agent.Usage, error)
}

// Evaluator runs a pipeline over sample documents and scores the result.
// *evaluate.Evaluator satisfies this.
type Evaluator interface {
	Evaluate(ctx context.Context, p *pipeline.Pipeline, sampleBudget int) (*evaluate.Result, error)
}

// Engine drives the rewrite search: select a node by UCB1, ask the agent
// for rewrites toward alternating goals, apply the first valid proposal,
// evaluate the resulting pipeline, and backpropagate the scalarized
// reward. The run ends when a budget limit is reached or the space below
// the root is exhausted.
type Engine struct {
	cfg       Config
	registry  *directive.Registry
	proposer  Proposer
	evaluator Evaluator
	breaker   *CircuitBreaker
	logger    *slog.Logger
	metrics   *Metrics

	tree   *Tree
	budget *Budget
	reward *RewardModel
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics wires OTel instruments into the engine.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine. cfg should already have defaults applied.
func NewEngine(cfg Config, registry *directive.Registry, proposer Proposer, evaluator Evaluator, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		proposer:  proposer,
		evaluator: evaluator,
		breaker:   NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerResetTimeout),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// expansionGoals is the fixed goal rotation per iteration: one accuracy
// expansion, one cost expansion, mirroring the dual-objective search.
var expansionGoals = [...]agent.Goal{agent.GoalAccuracy, agent.GoalCost}

// Run executes the search from root and returns the run report. The root
// pipeline is validated and evaluated before any iteration; a root that
// cannot be evaluated fails the run, since nothing can be normalized
// against it.
func (e *Engine) Run(ctx context.Context, root *pipeline.Pipeline) (*Report, error) {
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("root pipeline invalid: %w", err)
	}

	e.tree = NewTree(root)
	e.budget = &Budget{
		MaxIterations:  e.cfg.MaxIterations,
		TimeLimit:      e.cfg.TimeLimit,
		CostCeilingUSD: e.cfg.CostCeilingUSD,
	}
	e.budget.Start()

	res, evalErr := e.evaluateWithRetry(ctx, root)
	if evalErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnevaluated, evalErr)
	}
	e.budget.RecordEvaluation(res.Cost)
	e.reward = NewRewardModel(e.cfg.Lambda, res.Cost)
	e.tree.Root.MarkEvaluated(res.Cost, res.Quality)
	rootReward := e.reward.Reward(res.Cost, res.Quality)
	e.tree.Root.RecordSample(rootReward, false)
	e.tree.Backpropagate(e.tree.Root, rootReward)
	e.logger.Info("root evaluated",
		slog.Float64("cost_usd", res.Cost),
		slog.Float64("quality", res.Quality),
		slog.String("digest", root.ShortDigest()))

	var (
		stopReason string
		incomplete bool
	)
	if e.cfg.Parallelism > 1 {
		stopReason, incomplete = e.runParallel(ctx)
	} else {
		stopReason, incomplete = e.runSequential(ctx)
	}

	report := buildReport(e.tree, e.budget.Usage(), stopReason, incomplete)
	e.logger.Info("search finished",
		slog.String("stop_reason", stopReason),
		slog.Int("nodes", e.tree.Len()),
		slog.Int("iterations", report.Usage.Iterations))
	return report, nil
}

func (e *Engine) runSequential(ctx context.Context) (stopReason string, incomplete bool) {
	for {
		if err := ctx.Err(); err != nil {
			return "context canceled", true
		}
		if err := e.budget.Check(); err != nil {
			return err.Error(), false
		}
		err := e.iterate(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSpaceExhausted):
			return err.Error(), false
		case errors.Is(err, ErrCircuitOpen):
			// The agent backend is down for good; report what we have.
			return err.Error(), true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return "context canceled", true
		default:
			e.logger.Error("iteration failed", slog.String("error", err.Error()))
			return err.Error(), true
		}
	}
}

// iterate performs one select-expand-simulate-backpropagate cycle.
func (e *Engine) iterate(ctx context.Context) error {
	leaf := SelectPath(e.tree, e.cfg.ExplorationConstant, e.hasOptions)
	if leaf == nil {
		return ErrSpaceExhausted
	}
	if !e.hasOptions(leaf) {
		// Selection bottomed out on a node with nothing left to try.
		e.tree.PropagateExhaustion(leaf, e.hasOptions)
		if !e.tree.Root.Selectable() {
			return ErrSpaceExhausted
		}
		return nil
	}

	for _, goal := range expansionGoals {
		child, err := e.expand(ctx, leaf, goal)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := e.simulate(ctx, child); err != nil {
			return err
		}
	}

	e.budget.CompleteIteration()
	e.metrics.RecordIteration(ctx)
	return nil
}

// expand asks the agent for rewrites of leaf toward goal and applies the
// first proposal that yields a new, valid pipeline. A nil child with nil
// error means no expansion happened this round; the search continues.
func (e *Engine) expand(ctx context.Context, leaf *Node, goal agent.Goal) (*Node, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}

	req := agent.Request{
		Goal:       goal,
		Exhausted:  leaf.UsedActions(goal),
		MaxChoices: e.cfg.MaxChoices,
	}
	proposals, usage, err := e.proposer.Propose(ctx, leaf.Pipeline, req)
	e.budget.RecordAgentCall(usage.CostUSD)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		e.breaker.RecordFailure()
		e.metrics.RecordAgentFailure(ctx)
		e.logger.Warn("agent call failed, skipping expansion",
			slog.String("goal", string(goal)),
			slog.String("error", err.Error()))
		return nil, nil
	}
	e.breaker.RecordSuccess()
	if len(proposals) == 0 {
		e.metrics.RecordAgentFailure(ctx)
		return nil, nil
	}

	for _, prop := range proposals {
		name := prop.Directive.Name()
		leaf.MarkActionUsed(goal, name, prop.Target)

		rewritten, applyErr := prop.Directive.Apply(leaf.Pipeline, prop.Target, prop.Params)
		if applyErr != nil {
			// Recoverable: the proposal was bad, not the search.
			e.logger.Warn("directive rejected",
				slog.String("directive", name),
				slog.String("target", prop.Target),
				slog.String("error", applyErr.Error()))
			continue
		}

		child := NewNode(rewritten, leaf)
		child.Directive = name
		child.Target = prop.Target
		child.Order = prop.Order
		if !e.tree.Attach(leaf, child) {
			e.logger.Debug("rewrite reproduced an existing pipeline",
				slog.String("directive", name),
				slog.String("digest", rewritten.ShortDigest()))
			continue
		}
		e.metrics.RecordExpansion(ctx, name)
		return child, nil
	}
	return nil, nil
}

// simulate evaluates child's pipeline and backpropagates the reward along
// its path to the root.
func (e *Engine) simulate(ctx context.Context, child *Node) error {
	start := time.Now()
	res, evalErr := e.evaluateWithRetry(ctx, child.Pipeline)
	if evalErr != nil {
		if errors.Is(evalErr, context.Canceled) {
			return evalErr
		}
		ee := evaluate.AsEvalError(evalErr)
		if ee == nil {
			return evalErr
		}
		e.budget.RecordEvaluation(ee.CostUSD)
		e.metrics.RecordEvaluation(ctx, ee.CostUSD, time.Since(start).Seconds())
		floor := e.reward.Floor()
		switch ee.Kind {
		case evaluate.KindExecutionFailure:
			// The pipeline cannot run; take this branch out of play.
			child.MarkPruned(ee.Error())
			e.metrics.RecordPruned(ctx)
		case evaluate.KindTimeout:
			// Already retried once. Score it at the floor instead of
			// discarding it: a slow pipeline may still be worth knowing
			// about.
			child.MarkEvaluated(ee.CostUSD, 0)
			child.RecordSample(floor, true)
		case evaluate.KindQualityUndefined:
			child.MarkEvaluated(ee.CostUSD, 0)
			child.RecordSample(floor, true)
		}
		e.tree.Backpropagate(child, floor)
		e.metrics.RecordReward(ctx, floor)
		e.logger.Warn("evaluation failed",
			slog.String("node", child.ID),
			slog.String("kind", ee.Kind.String()),
			slog.String("error", ee.Error()))
		return nil
	}

	e.budget.RecordEvaluation(res.Cost)
	e.metrics.RecordEvaluation(ctx, res.Cost, time.Since(start).Seconds())
	child.MarkEvaluated(res.Cost, res.Quality)
	reward := e.reward.Reward(res.Cost, res.Quality)
	child.RecordSample(reward, false)
	e.tree.Backpropagate(child, reward)
	e.metrics.RecordReward(ctx, reward)
	e.logger.Info("node evaluated",
		slog.String("node", child.ID),
		slog.String("directive", child.Directive),
		slog.Float64("cost_usd", res.Cost),
		slog.Float64("quality", res.Quality),
		slog.Float64("reward", reward))
	return nil
}

// evaluateWithRetry runs one evaluation, retrying exactly once on timeout.
func (e *Engine) evaluateWithRetry(ctx context.Context, p *pipeline.Pipeline) (*evaluate.Result, error) {
	res, err := e.evaluator.Evaluate(ctx, p, e.cfg.SampleBudget)
	if err == nil {
		return res, nil
	}
	if ee := evaluate.AsEvalError(err); ee != nil && ee.Kind == evaluate.KindTimeout && ctx.Err() == nil {
		e.logger.Warn("evaluation timed out, retrying once", slog.String("digest", p.ShortDigest()))
		// The first attempt's spend still counts against the ceiling.
		if ee.CostUSD > 0 {
			e.budget.RecordEvaluation(ee.CostUSD)
		}
		return e.evaluator.Evaluate(ctx, p, e.cfg.SampleBudget)
	}
	return nil, err
}

// hasOptions reports whether n can still produce a new child under either
// expansion goal.
func (e *Engine) hasOptions(n *Node) bool {
	if !n.Selectable() {
		return false
	}
	candidates := e.registry.ListApplicable(n.Pipeline)
	if len(candidates) == 0 {
		return false
	}
	for _, goal := range expansionGoals {
		used := n.UsedActions(goal)
		for _, c := range candidates {
			if !used[c.Target][c.Directive.Name()] {
				return true
			}
		}
	}
	return false
}
