// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel validation errors. Structural problems in a rewritten pipeline
// wrap one of these so callers can classify without string matching.
var (
	ErrEmptyOperations  = errors.New("pipeline has no operations")
	ErrDuplicateOpName  = errors.New("duplicate operation name")
	ErrDanglingStepRef  = errors.New("step references unknown operation")
	ErrMissingPrompt    = errors.New("LLM-backed operation has no prompt")
	ErrNoInputReference = errors.New("prompt references no input key")
	ErrEmptySubtasks    = errors.New("parallel_map has no subtasks")
)

// Validate checks structural validity: a non-empty op list, unique op
// names, step wiring that resolves, and prompts on every LLM-backed op.
//
// Outputs:
//   - error: Non-nil describing the first violation found.
func (p *Pipeline) Validate() error {
	if len(p.Operations) == 0 {
		return ErrEmptyOperations
	}

	names := make(map[string]bool, len(p.Operations))
	for i := range p.Operations {
		op := &p.Operations[i]
		if op.Name == "" {
			return fmt.Errorf("operation %d: empty name", i)
		}
		if names[op.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateOpName, op.Name)
		}
		names[op.Name] = true

		if err := op.validate(); err != nil {
			return fmt.Errorf("operation %q: %w", op.Name, err)
		}
	}

	for _, step := range p.Steps {
		for _, ref := range step.Operations {
			if !names[ref] {
				return fmt.Errorf("%w: step %q -> %q", ErrDanglingStepRef, step.Name, ref)
			}
		}
	}
	return nil
}

func (o *OpSpec) validate() error {
	switch o.Kind {
	case OpParallelMap:
		if len(o.Subtasks) == 0 {
			return ErrEmptySubtasks
		}
		for _, st := range o.Subtasks {
			if len(PromptInputKeys(st.Prompt)) == 0 {
				return fmt.Errorf("subtask %q: %w", st.Name, ErrNoInputReference)
			}
		}
	case OpCodeMap:
		if o.Code == "" {
			return errors.New("code_map operation has no code")
		}
	case OpExtract:
		// Extract prompts are plain instructions; the runtime assembles
		// the document itself, so no template reference is required.
		if o.Prompt == "" {
			return ErrMissingPrompt
		}
	default:
		if o.Kind.llmBacked() {
			if o.Prompt == "" {
				return ErrMissingPrompt
			}
			if len(PromptInputKeys(o.Prompt)) == 0 {
				return ErrNoInputReference
			}
		}
	}

	if o.Gleaning != nil {
		if o.Gleaning.ValidationPrompt == "" {
			return errors.New("gleaning has no validation prompt")
		}
		if o.Gleaning.NumRounds <= 0 {
			return errors.New("gleaning rounds must be positive")
		}
	}
	return nil
}
