// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package directive implements the catalog of pipeline rewrite rules.
//
// Each directive is a closed variant behind the Directive interface: an
// applicability predicate, a parameter schema, and a pure Apply transform.
// The catalog is built once at process start and is read-only afterwards,
// so concurrent searches may share one Registry.
package directive

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// Directive is a named, parameterized rewrite rule transforming one
// pipeline into another.
//
// Apply must be side-effect-free: it either returns a structurally valid
// new Pipeline or a *DirectiveError. It never mutates its input.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Directive interface {
	// Name is the stable identifier used by the agent and the report.
	Name() string

	// Description is the catalog text shown to the proposing agent.
	Description() string

	// AppliesTo reports whether the directive can target the named op in
	// the given pipeline. Never panics; unknown targets return false.
	AppliesTo(p *pipeline.Pipeline, target string) bool

	// NewParams returns a pointer to a zero value of the directive's
	// parameter struct, ready for JSON decoding.
	NewParams() any

	// Apply instantiates the rewrite. params must be the type returned by
	// NewParams. Fails with *DirectiveError on schema violations, stale
	// targets, or structurally invalid results.
	Apply(p *pipeline.Pipeline, target string, params any) (*pipeline.Pipeline, error)
}

// DirectiveError reports a failed rewrite attempt. It is recoverable: the
// caller drops the candidate and tries the next one.
type DirectiveError struct {
	Directive string
	Target    string
	Reason    string
	Err       error
}

func (e *DirectiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("directive %s on %q: %s: %v", e.Directive, e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("directive %s on %q: %s", e.Directive, e.Target, e.Reason)
}

func (e *DirectiveError) Unwrap() error { return e.Err }

// failf builds a DirectiveError.
func failf(d Directive, target, format string, args ...any) *DirectiveError {
	return &DirectiveError{
		Directive: d.Name(),
		Target:    target,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// Candidate pairs a directive with a target operation.
type Candidate struct {
	Directive Directive
	Target    string
}

// Registry is the read-only directive catalog.
//
// Thread Safety: Safe for concurrent reads after construction.
type Registry struct {
	ordered []Directive
	byName  map[string]Directive
}

// NewRegistry builds a catalog from the given directives. Order is
// preserved and determines candidate enumeration order.
func NewRegistry(directives ...Directive) *Registry {
	r := &Registry{
		byName: make(map[string]Directive, len(directives)),
	}
	for _, d := range directives {
		if _, dup := r.byName[d.Name()]; dup {
			continue
		}
		r.ordered = append(r.ordered, d)
		r.byName[d.Name()] = d
	}
	return r
}

// DefaultRegistry returns the standard catalog.
//
// allowedModels is the model list change_model may pick from; nil uses
// DefaultAllowedModels.
func DefaultRegistry(allowedModels []string) *Registry {
	if len(allowedModels) == 0 {
		allowedModels = DefaultAllowedModels()
	}
	return NewRegistry(
		&Chaining{},
		&Gleaning{},
		&ChangeModel{Allowed: allowedModels},
		&DocSummarization{},
		&DocCompression{},
		&DeterministicDocCompression{},
		&IsolatingSubtasks{},
		&OperatorFusion{},
	)
}

// DefaultAllowedModels is the model menu offered to change_model.
func DefaultAllowedModels() []string {
	return []string{"gpt-4.1-nano", "gpt-4o-mini", "gpt-4o", "gpt-4.1"}
}

// Get returns the named directive, or nil.
func (r *Registry) Get(name string) Directive {
	return r.byName[name]
}

// List returns the catalog in registration order.
func (r *Registry) List() []Directive {
	out := make([]Directive, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ListApplicable enumerates every (directive, target) pair that applies to
// the pipeline, in registration then pipeline-op order. Never fails;
// returns an empty slice when nothing applies.
func (r *Registry) ListApplicable(p *pipeline.Pipeline) []Candidate {
	var out []Candidate
	for _, d := range r.ordered {
		for _, name := range p.OpNames() {
			if d.AppliesTo(p, name) {
				out = append(out, Candidate{Directive: d, Target: name})
			}
		}
	}
	return out
}

// CatalogText renders every directive's name and description for the
// agent prompt.
func (r *Registry) CatalogText() string {
	var out string
	for _, d := range r.ordered {
		out += fmt.Sprintf("- %s: %s\n", d.Name(), d.Description())
	}
	return out
}

// validate is the shared schema validator for parameter structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeParams decodes raw JSON agent output into the directive's
// parameter struct and runs schema validation.
func DecodeParams(d Directive, raw json.RawMessage) (any, error) {
	params := d.NewParams()
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Reason: "unparsable params", Err: err}
	}
	if err := validate.Struct(params); err != nil {
		return nil, &DirectiveError{Directive: d.Name(), Reason: "params failed schema validation", Err: err}
	}
	return params, nil
}
