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
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// OperatorFusionParams instantiates the operator_fusion directive.
type OperatorFusionParams struct {
	FusedPrompt string `json:"fused_prompt" validate:"required"`
	Model       string `json:"model,omitempty"`
}

// OperatorFusion fuses the target map/filter with its immediate successor
// into one operation carrying a combined prompt, halving the LLM calls for
// that stage.
type OperatorFusion struct{}

func (*OperatorFusion) Name() string { return "operator_fusion" }

func (*OperatorFusion) Description() string {
	return "Fuse a map or filter operation with the operation immediately after it " +
		"into a single operation with a combined prompt. One call instead of two, " +
		"at some risk of task interference."
}

func (*OperatorFusion) NewParams() any { return &OperatorFusionParams{} }

// fusable is the pair of kinds operator_fusion understands.
func fusable(k pipeline.OpKind) bool {
	return k == pipeline.OpMap || k == pipeline.OpFilter
}

func (*OperatorFusion) AppliesTo(p *pipeline.Pipeline, target string) bool {
	idx := p.OpIndex(target)
	if idx < 0 || idx+1 >= len(p.Operations) {
		return false
	}
	return fusable(p.Operations[idx].Kind) && fusable(p.Operations[idx+1].Kind)
}

func (d *OperatorFusion) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	fp, ok := params.(*OperatorFusionParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	idx := p.OpIndex(target)
	if idx < 0 || idx+1 >= len(p.Operations) {
		return nil, failf(d, target, "target missing or has no successor")
	}
	first := p.Operations[idx]
	second := p.Operations[idx+1]
	if !fusable(first.Kind) || !fusable(second.Kind) {
		return nil, failf(d, target, "can only fuse map/filter pairs, got %s+%s", first.Kind, second.Kind)
	}
	if len(pipeline.PromptInputKeys(fp.FusedPrompt)) == 0 {
		return nil, failf(d, target, "fused prompt references no input key")
	}

	// The fused op emits the union of both ops' keys; a filter in the
	// pair makes the fusion a filter.
	kind := pipeline.OpMap
	if first.Kind == pipeline.OpFilter || second.Kind == pipeline.OpFilter {
		kind = pipeline.OpFilter
	}
	keys := append([]string(nil), first.OutputKeys...)
	for _, k := range second.OutputKeys {
		dup := false
		for _, have := range keys {
			if have == k {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, k)
		}
	}
	fused := pipeline.OpSpec{
		Name:       first.Name + "_" + second.Name,
		Kind:       kind,
		Model:      fp.Model,
		Prompt:     fp.FusedPrompt,
		OutputKeys: keys,
	}

	out, err := p.ReplaceOp(first.Name, []pipeline.OpSpec{fused})
	if err != nil {
		return nil, failf(d, target, "replace: %v", err)
	}
	out, err = out.RemoveOp(second.Name)
	if err != nil {
		return nil, failf(d, target, "remove fused successor: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
