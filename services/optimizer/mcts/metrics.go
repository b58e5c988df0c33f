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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments the engine records during a search run.
// All methods are nil-safe so callers that do not wire telemetry can pass
// a nil receiver.
type Metrics struct {
	iterations    metric.Int64Counter
	expansions    metric.Int64Counter
	pruned        metric.Int64Counter
	agentFailures metric.Int64Counter
	evalCost      metric.Float64Counter
	reward        metric.Float64Histogram
	evalDuration  metric.Float64Histogram
}

// NewMetrics registers the engine's instruments against the global meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("pipeforge/optimizer/mcts")

	m := &Metrics{}
	var err error
	if m.iterations, err = meter.Int64Counter("search.iterations",
		metric.WithDescription("Completed search iterations")); err != nil {
		return nil, err
	}
	if m.expansions, err = meter.Int64Counter("search.expansions",
		metric.WithDescription("Child nodes created, by directive")); err != nil {
		return nil, err
	}
	if m.pruned, err = meter.Int64Counter("search.pruned_nodes",
		metric.WithDescription("Nodes pruned after execution failure")); err != nil {
		return nil, err
	}
	if m.agentFailures, err = meter.Int64Counter("search.agent_failures",
		metric.WithDescription("Agent calls that failed or returned no usable proposal")); err != nil {
		return nil, err
	}
	if m.evalCost, err = meter.Float64Counter("search.eval_cost_usd",
		metric.WithDescription("Evaluation spend in USD")); err != nil {
		return nil, err
	}
	if m.reward, err = meter.Float64Histogram("search.reward",
		metric.WithDescription("Scalarized simulation rewards")); err != nil {
		return nil, err
	}
	if m.evalDuration, err = meter.Float64Histogram("search.eval_duration_seconds",
		metric.WithDescription("Pipeline evaluation latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordIteration(ctx context.Context) {
	if m == nil {
		return
	}
	m.iterations.Add(ctx, 1)
}

func (m *Metrics) RecordExpansion(ctx context.Context, directive string) {
	if m == nil {
		return
	}
	m.expansions.Add(ctx, 1, metric.WithAttributes(attribute.String("directive", directive)))
}

func (m *Metrics) RecordPruned(ctx context.Context) {
	if m == nil {
		return
	}
	m.pruned.Add(ctx, 1)
}

func (m *Metrics) RecordAgentFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.agentFailures.Add(ctx, 1)
}

func (m *Metrics) RecordEvaluation(ctx context.Context, costUSD, seconds float64) {
	if m == nil {
		return
	}
	m.evalCost.Add(ctx, costUSD)
	m.evalDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordReward(ctx context.Context, reward float64) {
	if m == nil {
		return
	}
	m.reward.Record(ctx, reward)
}
