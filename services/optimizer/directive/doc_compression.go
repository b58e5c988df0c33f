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

// DocCompressionParams instantiates the doc_compression directive.
type DocCompressionParams struct {
	Name        string `json:"name" validate:"required"`
	DocumentKey string `json:"document_key" validate:"required"`
	// Prompt is plain extraction instructions, not a template; the
	// extract runtime assembles the document itself.
	Prompt string `json:"prompt" validate:"required"`
	Model  string `json:"model,omitempty"`
}

// DocCompression inserts an extract op ahead of the target that keeps only
// the passages relevant to the downstream task.
type DocCompression struct{}

func (*DocCompression) Name() string { return "doc_compression" }

func (*DocCompression) Description() string {
	return "Insert an extract operation that pulls only task-relevant passages out of " +
		"a long document field before an expensive downstream operation."
}

func (*DocCompression) NewParams() any { return &DocCompressionParams{} }

func (*DocCompression) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind.LLMBacked() && len(pipeline.PromptInputKeys(op.Prompt)) > 0
}

func (d *DocCompression) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	cp, ok := params.(*DocCompressionParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	if !d.AppliesTo(p, target) {
		return nil, failf(d, target, "target missing or not LLM-backed")
	}
	if !pipeline.PromptReferencesKey(p.Op(target).Prompt, cp.DocumentKey) {
		return nil, failf(d, target, "target prompt does not consume key %q", cp.DocumentKey)
	}
	// An extract prompt is instructions, not a Jinja template.
	if strings.Contains(cp.Prompt, "{{") {
		return nil, failf(d, target, "extract prompt must be plain instructions, found template syntax")
	}

	out, err := p.InsertBefore(target, pipeline.OpSpec{
		Name:       cp.Name,
		Kind:       pipeline.OpExtract,
		Model:      cp.Model,
		Prompt:     cp.Prompt,
		OutputKeys: []string{cp.DocumentKey},
	})
	if err != nil {
		return nil, failf(d, target, "insert: %v", err)
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
