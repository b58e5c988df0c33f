// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package directive

import (
	"strings"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// SubtaskParams configures one subtask of the parallel map.
type SubtaskParams struct {
	Name       string   `json:"name" validate:"required"`
	Prompt     string   `json:"prompt" validate:"required"`
	OutputKeys []string `json:"output_keys" validate:"required,min=1"`
}

// IsolatingSubtasksParams instantiates the isolating_subtasks directive.
type IsolatingSubtasksParams struct {
	Subtasks []SubtaskParams `json:"subtasks" validate:"required,min=2,dive"`
	// AggregationPrompt combines subtask outputs into the final result.
	// Empty means the subtask outputs already are the final result.
	AggregationPrompt string `json:"aggregation_prompt,omitempty"`
}

// IsolatingSubtasks rewrites a map into a parallel_map of focused subtasks
// plus an optional aggregation map. Isolating subtasks keeps each prompt
// small and avoids attention dilution on long instruction lists.
type IsolatingSubtasks struct{}

func (*IsolatingSubtasks) Name() string { return "isolating_subtasks" }

func (*IsolatingSubtasks) Description() string {
	return "Rewrite a map operation into a parallel map of isolated subtasks, " +
		"optionally followed by an aggregation map that merges subtask outputs. " +
		"Subtasks must collectively cover the original output keys."
}

func (*IsolatingSubtasks) NewParams() any { return &IsolatingSubtasksParams{} }

func (*IsolatingSubtasks) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind == pipeline.OpMap && len(op.OutputKeys) > 1
}

func (d *IsolatingSubtasks) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	ip, ok := params.(*IsolatingSubtasksParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	orig := p.Op(target)
	if orig == nil || orig.Kind != pipeline.OpMap {
		return nil, failf(d, target, "target is not a map operation")
	}

	// Subtasks must cover exactly the original output keys.
	var subtaskKeys []string
	for _, st := range ip.Subtasks {
		if len(pipeline.PromptInputKeys(st.Prompt)) == 0 {
			return nil, failf(d, target, "subtask %q prompt references no input key", st.Name)
		}
		subtaskKeys = append(subtaskKeys, st.OutputKeys...)
	}
	if !sameKeySet(subtaskKeys, orig.OutputKeys) {
		return nil, failf(d, target, "subtask outputs %v do not cover original keys %v", subtaskKeys, orig.OutputKeys)
	}

	agg := strings.TrimSpace(ip.AggregationPrompt)
	if agg != "" {
		for _, st := range ip.Subtasks {
			for _, key := range st.OutputKeys {
				if !pipeline.PromptReferencesKey(agg, key) {
					return nil, failf(d, target, "aggregation prompt does not reference subtask key %q", key)
				}
			}
		}
	}

	subtasks := make([]pipeline.SubtaskSpec, len(ip.Subtasks))
	for i, st := range ip.Subtasks {
		subtasks[i] = pipeline.SubtaskSpec{
			Name:       st.Name,
			Prompt:     st.Prompt,
			OutputKeys: append([]string(nil), st.OutputKeys...),
		}
	}
	with := []pipeline.OpSpec{{
		Name:       target + "_subtasks",
		Kind:       pipeline.OpParallelMap,
		Model:      orig.Model,
		Subtasks:   subtasks,
		OutputKeys: append([]string(nil), orig.OutputKeys...),
	}}
	if agg != "" {
		with = append(with, pipeline.OpSpec{
			Name:       target + "_aggregate",
			Kind:       pipeline.OpMap,
			Model:      orig.Model,
			Prompt:     agg,
			OutputKeys: append([]string(nil), orig.OutputKeys...),
		})
	}

	out, err := p.ReplaceOp(target, with)
	if err != nil {
		return nil, failf(d, target, "replace: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
