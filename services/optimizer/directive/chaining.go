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

// MapOpParams configures one map op inserted by a rewrite.
type MapOpParams struct {
	Name       string   `json:"name" validate:"required"`
	Prompt     string   `json:"prompt" validate:"required"`
	OutputKeys []string `json:"output_keys" validate:"required,min=1"`
	Model      string   `json:"model,omitempty"`
}

// ChainingParams instantiates the chaining directive.
type ChainingParams struct {
	NewOps []MapOpParams `json:"new_ops" validate:"required,min=2,dive"`
}

// Chaining splits one map operation into a chain of smaller maps. Each
// link handles part of the task and exposes intermediate output keys for
// the next link's prompt.
type Chaining struct{}

func (*Chaining) Name() string { return "chaining" }

func (*Chaining) Description() string {
	return "Decompose a complex map operation into a chain of simpler map operations, " +
		"where each step's outputs feed the next step's prompt. Improves accuracy on " +
		"tasks with multiple reasoning stages."
}

func (*Chaining) NewParams() any { return &ChainingParams{} }

func (*Chaining) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind == pipeline.OpMap
}

func (d *Chaining) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	cp, ok := params.(*ChainingParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	orig := p.Op(target)
	if orig == nil || orig.Kind != pipeline.OpMap {
		return nil, failf(d, target, "target is not a map operation")
	}

	// Every key the original prompt consumed must be referenced somewhere
	// in the chain, and the final link must emit the original output keys.
	for _, key := range pipeline.PromptInputKeys(orig.Prompt) {
		referenced := false
		for _, op := range cp.NewOps {
			if pipeline.PromptReferencesKey(op.Prompt, key) {
				referenced = true
				break
			}
		}
		if !referenced {
			return nil, failf(d, target, "input key %q is not referenced by any chain prompt", key)
		}
	}
	final := cp.NewOps[len(cp.NewOps)-1]
	if !sameKeySet(final.OutputKeys, orig.OutputKeys) {
		return nil, failf(d, target, "final chain op emits %v, want %v", final.OutputKeys, orig.OutputKeys)
	}
	for _, op := range cp.NewOps {
		if len(pipeline.PromptInputKeys(op.Prompt)) == 0 {
			return nil, failf(d, target, "chain op %q prompt references no input key", op.Name)
		}
	}

	ops := make([]pipeline.OpSpec, len(cp.NewOps))
	for i, np := range cp.NewOps {
		ops[i] = pipeline.OpSpec{
			Name:       np.Name,
			Kind:       pipeline.OpMap,
			Model:      np.Model,
			Prompt:     np.Prompt,
			OutputKeys: append([]string(nil), np.OutputKeys...),
		}
	}
	out, err := p.ReplaceOp(target, ops)
	if err != nil {
		return nil, failf(d, target, "replace: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}

func sameKeySet(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if !set[k] {
			return false
		}
	}
	uniq := make(map[string]bool, len(b))
	for _, k := range b {
		uniq[k] = true
	}
	return len(set) == len(uniq)
}
