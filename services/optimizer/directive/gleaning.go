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

// GleaningParams instantiates the gleaning directive.
type GleaningParams struct {
	ValidationPrompt string `json:"validation_prompt" validate:"required"`
	NumRounds        int    `json:"num_rounds" validate:"required,min=1,max=5"`
	Model            string `json:"model,omitempty"`
}

// Gleaning wraps an LLM-backed operation in validation-driven refinement
// rounds: after the op runs, a validator prompt critiques the output and
// the op re-runs with the critique until it passes or rounds run out.
type Gleaning struct{}

func (*Gleaning) Name() string { return "gleaning" }

func (*Gleaning) Description() string {
	return "Add LLM-judged refinement rounds to a map, reduce, or filter operation. " +
		"A validation prompt critiques each output and the operation retries with " +
		"feedback, trading extra calls for accuracy."
}

func (*Gleaning) NewParams() any { return &GleaningParams{} }

func (*Gleaning) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	if op == nil || op.Gleaning != nil {
		return false
	}
	switch op.Kind {
	case pipeline.OpMap, pipeline.OpReduce, pipeline.OpFilter:
		return true
	}
	return false
}

func (d *Gleaning) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	gp, ok := params.(*GleaningParams)
	if !ok {
		return nil, failf(d, target, "params type %T", params)
	}
	if !d.AppliesTo(p, target) {
		return nil, failf(d, target, "target missing, already gleaned, or wrong kind")
	}

	out := p.Clone()
	op := out.Op(target)
	op.Gleaning = &pipeline.GleaningSpec{
		ValidationPrompt: gp.ValidationPrompt,
		NumRounds:        gp.NumRounds,
		Model:            gp.Model,
	}
	if err := out.Validate(); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Target: target, Reason: "rewritten pipeline invalid", Err: err}
	}
	return out, nil
}
