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

// ChangeModelParams instantiates the change_model directive.
type ChangeModelParams struct {
	Model string `json:"model" validate:"required"`
}

// ChangeModel swaps the model an LLM-backed operation runs with. The
// choice is restricted to the Allowed list fixed at registry construction.
type ChangeModel struct {
	Allowed []string
}

func (*ChangeModel) Name() string { return "change_model" }

func (c *ChangeModel) Description() string {
	return "Change the model used by one operation. Cheaper models reduce cost on " +
		"easy operations; stronger models raise quality on hard ones. Allowed: " +
		strings.Join(c.Allowed, ", ") + "."
}

func (*ChangeModel) NewParams() any { return &ChangeModelParams{} }

func (*ChangeModel) AppliesTo(p *pipeline.Pipeline, target string) bool {
	op := p.Op(target)
	return op != nil && op.Kind.LLMBacked()
}

func (c *ChangeModel) Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error) {
	mp, ok := params.(*ChangeModelParams)
	if !ok {
		return nil, failf(c, target, "params type %T", params)
	}
	if !c.AppliesTo(p, target) {
		return nil, failf(c, target, "target missing or not LLM-backed")
	}
	allowed := false
	for _, m := range c.Allowed {
		if m == mp.Model {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, failf(c, target, "model %q not in allowed list %v", mp.Model, c.Allowed)
	}
	if p.ModelFor(p.Op(target)) == mp.Model {
		return nil, failf(c, target, "operation already runs %q", mp.Model)
	}

	out := p.Clone()
	out.Op(target).Model = mp.Model
	return out, nil
}
