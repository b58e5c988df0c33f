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

import "sort"

// ParetoPoint is one non-dominated (cost, quality) evaluation.
type ParetoPoint struct {
	NodeID  string  `json:"node_id" yaml:"node_id"`
	Digest  string  `json:"digest" yaml:"digest"`
	CostUSD float64 `json:"cost_usd" yaml:"cost_usd"`
	Quality float64 `json:"quality" yaml:"quality"`
}

// dominates reports whether a is at least as good as b on both axes and
// strictly better on one. Lower cost is better; higher quality is better.
func dominates(a, b ParetoPoint) bool {
	if a.CostUSD > b.CostUSD || a.Quality < b.Quality {
		return false
	}
	return a.CostUSD < b.CostUSD || a.Quality > b.Quality
}

// ParetoFrontier returns the non-dominated subset of the evaluated nodes,
// sorted by ascending cost. Pruned nodes, nodes without a completed
// evaluation, and floor-scored nodes (whose quality was never measured)
// are excluded, so the curve holds only measured samples.
func ParetoFrontier(nodes []*Node) []ParetoPoint {
	points := make([]ParetoPoint, 0, len(nodes))
	for _, n := range nodes {
		s := n.State()
		if s != StateEvaluated && s != StateExhausted {
			continue
		}
		if n.FloorScored() {
			continue
		}
		points = append(points, ParetoPoint{
			NodeID:  n.ID,
			Digest:  n.Pipeline.ShortDigest(),
			CostUSD: n.CostUSD,
			Quality: n.Quality,
		})
	}

	frontier := make([]ParetoPoint, 0, len(points))
	for _, p := range points {
		dominated := false
		for _, q := range points {
			if q != p && dominates(q, p) {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, p)
		}
	}
	sort.Slice(frontier, func(i, j int) bool {
		if frontier[i].CostUSD != frontier[j].CostUSD {
			return frontier[i].CostUSD < frontier[j].CostUSD
		}
		return frontier[i].Quality > frontier[j].Quality
	})
	return frontier
}
