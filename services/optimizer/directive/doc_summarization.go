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

// DocSummarizationParams instantiates the doc_summarization directive.
type DocSummarizationParams struct {
	Name        string `json:"name" validate:"required"`
	DocumentKey string `json:"document_key" validate:"required"`
	Prompt      string `json:"prompt" validate:"required"`
	Model       string `json:"model,omitempty"`
}

// DocSummarization inserts a summarizing map ahead of the target op so the
// target reads a condensed document instead of the full text. The summary
// overwrites the document key, so downstream prompts are untouched.
type DocSummarization struct{}

func (*DocSummarization) Name() string { return "doc_summarization" }

func (*DocSummarization) Description() string {
	return "Insert a map operation that summarizes a long document field before an " +
		"expensive downstream operation. The summary replaces the original field, " +
		"cutting input tokens at some risk to recall."
}

func (*DocSummarization) NewParams() any { return &DocSummarizationParams{} }

func (*DocSummarization) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind.LLMBacked() && len(pipeline.PromptInputKeys(op.Prompt)) > 0
}

func (d *DocSummarization) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	sp, ok := params.(*DocSummarizationParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	if !d.AppliesTo(p, target) {
		return nil, failf(d, target, "target missing or not LLM-backed")
	}
	if !pipeline.PromptReferencesKey(sp.Prompt, sp.DocumentKey) {
		return nil, failf(d, target, "summary prompt does not reference {{ input.%s }}", sp.DocumentKey)
	}
	if !pipeline.PromptReferencesKey(p.Op(target).Prompt, sp.DocumentKey) {
		return nil, failf(d, target, "target prompt does not consume key %q", sp.DocumentKey)
	}

	out, err := p.InsertBefore(target, pipeline.OpSpec{
		Name:       sp.Name,
		Kind:       pipeline.OpMap,
		Model:      sp.Model,
		Prompt:     sp.Prompt,
		OutputKeys: []string{sp.DocumentKey},
	})
	if err != nil {
		return nil, failf(d, target, "insert: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
