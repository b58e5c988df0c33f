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

// DeterministicDocCompressionParams instantiates the
// deterministic_doc_compression directive.
type DeterministicDocCompressionParams struct {
	Name string `json:"name" validate:"required"`
	// Code defines a code_map function taking the input document and
	// returning a dict with the compressed field(s). Runs in the
	// execution runtime's sandbox, no LLM call.
	Code string `json:"code" validate:"required"`
}

// DeterministicDocCompression inserts a code_map op that compresses long
// document fields with deterministic logic (regex trimming, section
// slicing) at zero LLM cost.
type DeterministicDocCompression struct{}

func (*DeterministicDocCompression) Name() string { return "deterministic_doc_compression" }

func (*DeterministicDocCompression) Description() string {
	return "Insert a code_map operation that compresses long document fields with " +
		"deterministic code instead of an LLM call. Free to run, but only works when " +
		"the relevant content is mechanically identifiable."
}

func (*DeterministicDocCompression) NewParams() any { return &DeterministicDocCompressionParams{} }

func (*DeterministicDocCompression) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind.LLMBacked() && len(pipeline.PromptInputKeys(op.Prompt)) > 0
}

func (d *DeterministicDocCompression) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	cp, ok := params.(*DeterministicDocCompressionParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	if !d.AppliesTo(p, target) {
		return nil, failf(d, target, "target missing or not LLM-backed")
	}
	if !strings.Contains(cp.Code, "def code_map(") {
		return nil, failf(d, target, "code must define a code_map function")
	}
	if !strings.Contains(cp.Code, "return {") && !strings.Contains(cp.Code, "return dict(") {
		return nil, failf(d, target, "code_map must return a dictionary")
	}

	// The returned dict must cover every key the target prompt consumes,
	// otherwise the rewrite would dangle a reference.
	keys := pipeline.PromptInputKeys(p.Op(target).Prompt)
	for _, key := range keys {
		if !strings.Contains(cp.Code, `'`+key+`'`) && !strings.Contains(cp.Code, `"`+key+`"`) {
			return nil, failf(d, target, "code does not return key %q consumed by the target prompt", key)
		}
	}

	out, err := p.InsertBefore(target, pipeline.OpSpec{
		Name:       cp.Name,
		Kind:       pipeline.OpCodeMap,
		Code:       cp.Code,
		OutputKeys: append([]string(nil), keys...),
	})
	if err != nil {
		return nil, failf(d, target, "insert: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
