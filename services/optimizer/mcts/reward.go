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

// RewardModel scalarizes a (cost, quality) evaluation into a single reward.
//
// The model is reward = quality - lambda * (cost / rootCost). Cost is
// normalized against the root pipeline's evaluation cost, so the root plan
// always sits at a normalized cost of 1.0 and rewrites are judged relative
// to it. The normalization constant is fixed once per run, when the root is
// evaluated, and never updated afterward; otherwise rewards sampled early
// and late in the same search would not be comparable.
type RewardModel struct {
	// Lambda weights the cost penalty against quality. Zero means the
	// search optimizes quality alone.
	Lambda float64

	// RootCost is the root pipeline's evaluation cost in USD. It must be
	// set before Reward is called.
	RootCost float64
}

// NewRewardModel returns a reward model anchored to the root evaluation cost.
// A non-positive rootCost (a free pipeline, or a stubbed evaluator in tests)
// disables cost normalization rather than dividing by zero.
func NewRewardModel(lambda, rootCost float64) *RewardModel {
	return &RewardModel{Lambda: lambda, RootCost: rootCost}
}

// Reward converts an evaluation sample into a scalar reward.
func (m *RewardModel) Reward(costUSD, quality float64) float64 {
	if m.RootCost <= 0 {
		return quality
	}
	return quality - m.Lambda*(costUSD/m.RootCost)
}

// NormalizedCost reports costUSD relative to the root evaluation cost.
func (m *RewardModel) NormalizedCost(costUSD float64) float64 {
	if m.RootCost <= 0 {
		return 0
	}
	return costUSD / m.RootCost
}

// Floor returns the reward assigned to a failed or timed-out evaluation:
// zero quality at the root's normalized cost. Backpropagating the floor
// steers selection away from the branch without excluding it outright.
func (m *RewardModel) Floor() float64 {
	return m.Reward(m.RootCost, 0)
}
