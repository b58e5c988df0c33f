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
	"math"
	"sync"
	"time"
)

// Budget bounds a search run along three independent axes: iteration
// count, wall-clock time, and total spend in USD (evaluation plus agent
// calls). Hitting any limit is a normal termination, not an error; the
// engine returns the best result found so far.
//
// Thread Safety: all mutating methods are safe for concurrent use.
type Budget struct {
	// MaxIterations caps completed search iterations. Zero means the
	// search performs no iterations beyond the root evaluation.
	MaxIterations int

	// TimeLimit caps wall-clock search time. Zero disables the limit.
	TimeLimit time.Duration

	// CostCeilingUSD caps combined evaluation and agent spend. Zero
	// disables the limit.
	CostCeilingUSD float64

	mu         sync.Mutex
	started    time.Time
	iterations int
	evalSpend  float64
	agentSpend float64
	agentCalls int
}

// Start records the beginning of the run. Must be called before Check.
func (b *Budget) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = time.Now()
}

// Check reports whether another iteration may begin. It returns one of the
// budget sentinels when a limit has been reached, nil otherwise.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iterations >= b.MaxIterations {
		return ErrIterationsDone
	}
	if b.TimeLimit > 0 && time.Since(b.started) >= b.TimeLimit {
		return ErrTimeLimitExceeded
	}
	if b.CostCeilingUSD > 0 && b.evalSpend+b.agentSpend >= b.CostCeilingUSD {
		return ErrCostLimitExceeded
	}
	return nil
}

// CompleteIteration counts one finished select-expand-simulate-backprop
// cycle.
func (b *Budget) CompleteIteration() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iterations++
}

// RecordEvaluation adds evaluation spend.
func (b *Budget) RecordEvaluation(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evalSpend += costUSD
}

// RecordAgentCall adds agent spend and counts the call.
func (b *Budget) RecordAgentCall(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentSpend += costUSD
	b.agentCalls++
}

// Usage summarizes budget consumption for the run report.
type Usage struct {
	Iterations    int           `json:"iterations" yaml:"iterations"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
	EvalSpendUSD  float64       `json:"eval_spend_usd" yaml:"eval_spend_usd"`
	AgentSpendUSD float64       `json:"agent_spend_usd" yaml:"agent_spend_usd"`
	AgentCalls    int           `json:"agent_calls" yaml:"agent_calls"`
}

// Usage returns a snapshot of consumption so far. Spend values are rounded
// to the tenth of a cent to keep reports readable.
func (b *Budget) Usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var elapsed time.Duration
	if !b.started.IsZero() {
		elapsed = time.Since(b.started)
	}
	return Usage{
		Iterations:    b.iterations,
		Elapsed:       elapsed,
		EvalSpendUSD:  roundUSD(b.evalSpend),
		AgentSpendUSD: roundUSD(b.agentSpend),
		AgentCalls:    b.agentCalls,
	}
}

func roundUSD(v float64) float64 {
	return math.Round(v*1000) / 1000
}
