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
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// NodeSummary is one row of the run report's node table.
type NodeSummary struct {
	ID         string  `json:"id" yaml:"id"`
	Digest     string  `json:"digest" yaml:"digest"`
	Directive  string  `json:"directive,omitempty" yaml:"directive,omitempty"`
	Target     string  `json:"target,omitempty" yaml:"target,omitempty"`
	Depth      int     `json:"depth" yaml:"depth"`
	State      string  `json:"state" yaml:"state"`
	CostUSD    float64 `json:"cost_usd" yaml:"cost_usd"`
	Quality    float64 `json:"quality" yaml:"quality"`
	Visits     int64   `json:"visits" yaml:"visits"`
	MeanReward float64 `json:"mean_reward" yaml:"mean_reward"`

	// Floor marks a node scored at the reward floor because its quality
	// was never measured (timeout after retry, or undefined quality).
	Floor bool `json:"floor,omitempty" yaml:"floor,omitempty"`
}

// Report is the full outcome of a search run.
type Report struct {
	// BestNodeID identifies the recommended pipeline: the evaluated node
	// with the highest single-sample reward.
	BestNodeID string  `json:"best_node_id" yaml:"best_node_id"`
	BestReward float64 `json:"best_reward" yaml:"best_reward"`

	// Best is the recommended pipeline itself.
	Best *pipeline.Pipeline `json:"best" yaml:"best"`

	// Incomplete is set when the run ended on a terminal failure rather
	// than a budget limit or space exhaustion. The best-so-far result is
	// still reported.
	Incomplete bool `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`

	// StopReason says why the search ended.
	StopReason string `json:"stop_reason" yaml:"stop_reason"`

	Nodes  []NodeSummary `json:"nodes" yaml:"nodes"`
	Pareto []ParetoPoint `json:"pareto" yaml:"pareto"`
	Usage  Usage         `json:"usage" yaml:"usage"`
}

// buildReport assembles the run report from the finished tree. The best
// pipeline is the node with the highest recorded single-sample reward, so
// floor-scored nodes can never beat a genuinely measured one above the
// floor.
func buildReport(t *Tree, usage Usage, stopReason string, incomplete bool) *Report {
	r := &Report{
		StopReason: stopReason,
		Incomplete: incomplete,
		Usage:      usage,
	}

	nodes := t.Nodes()
	r.Nodes = make([]NodeSummary, 0, len(nodes))
	var best *Node
	for _, n := range nodes {
		r.Nodes = append(r.Nodes, NodeSummary{
			ID:         n.ID,
			Digest:     n.Pipeline.ShortDigest(),
			Directive:  n.Directive,
			Target:     n.Target,
			Depth:      n.Depth,
			State:      n.State().String(),
			CostUSD:    n.CostUSD,
			Quality:    n.Quality,
			Visits:     n.Visits(),
			MeanReward: n.MeanReward(),
			Floor:      n.FloorScored(),
		})
		reward, ok := n.SampleReward()
		if !ok {
			continue
		}
		if best == nil || reward > r.BestReward {
			best = n
			r.BestReward = reward
		}
	}
	if best != nil {
		r.BestNodeID = best.ID
		r.Best = best.Pipeline
	}
	r.Pareto = ParetoFrontier(nodes)
	return r
}

// Render writes the report as a human-readable table.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stop reason: %s\n", r.StopReason)
	if r.Incomplete {
		b.WriteString("run incomplete: result is best-so-far\n")
	}
	fmt.Fprintf(&b, "iterations: %d, elapsed: %s, eval spend: $%.3f, agent spend: $%.3f (%d calls)\n\n",
		r.Usage.Iterations, r.Usage.Elapsed.Round(1e9), r.Usage.EvalSpendUSD, r.Usage.AgentSpendUSD, r.Usage.AgentCalls)

	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tDIGEST\tDIRECTIVE\tTARGET\tDEPTH\tSTATE\tCOST\tQUALITY\tVISITS\tMEAN")
	for _, n := range r.Nodes {
		mark := ""
		if n.ID == r.BestNodeID {
			mark = " *"
		}
		fmt.Fprintf(tw, "%.8s%s\t%s\t%s\t%s\t%d\t%s\t$%.4f\t%.4f\t%d\t%.4f\n",
			n.ID, mark, n.Digest, orDash(n.Directive), orDash(n.Target),
			n.Depth, n.State, n.CostUSD, n.Quality, n.Visits, n.MeanReward)
	}
	tw.Flush()

	b.WriteString("\npareto frontier (cost ascending):\n")
	tw = tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tDIGEST\tCOST\tQUALITY")
	for _, p := range r.Pareto {
		fmt.Fprintf(tw, "%.8s\t%s\t$%.4f\t%.4f\n", p.NodeID, p.Digest, p.CostUSD, p.Quality)
	}
	tw.Flush()
	return b.String()
}

// Save writes the report as YAML.
func (r *Report) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
