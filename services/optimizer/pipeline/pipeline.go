// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline defines the declarative document-processing pipeline
// model that the optimizer searches over.
//
// A Pipeline is a value: rewrites never mutate an existing pipeline, they
// produce a deep copy with the change applied. This lets search nodes share
// pipelines structurally without synchronization.
package pipeline

import (
	"fmt"
	"regexp"
)

// OpKind identifies the operation type backing an OpSpec.
type OpKind string

const (
	OpMap         OpKind = "map"
	OpParallelMap OpKind = "parallel_map"
	OpFilter      OpKind = "filter"
	OpExtract     OpKind = "extract"
	OpReduce      OpKind = "reduce"
	OpSplit       OpKind = "split"
	OpGather      OpKind = "gather"
	OpUnnest      OpKind = "unnest"
	OpSample      OpKind = "sample"
	OpResolve     OpKind = "resolve"
	OpCodeMap     OpKind = "code_map"
)

// llmBacked reports whether ops of this kind issue LLM calls.
func (k OpKind) llmBacked() bool {
	switch k {
	case OpMap, OpParallelMap, OpFilter, OpExtract, OpReduce, OpResolve:
		return true
	}
	return false
}

// LLMBacked reports whether ops of this kind issue LLM calls.
func (k OpKind) LLMBacked() bool { return k.llmBacked() }

// SubtaskSpec is one prompt of a parallel_map operation.
type SubtaskSpec struct {
	Name       string   `json:"name" yaml:"name"`
	Prompt     string   `json:"prompt" yaml:"prompt"`
	OutputKeys []string `json:"output_keys" yaml:"output_keys"`
}

// GleaningSpec configures validation-driven refinement rounds on an op.
type GleaningSpec struct {
	ValidationPrompt string `json:"validation_prompt" yaml:"validation_prompt"`
	NumRounds        int    `json:"num_rounds" yaml:"num_rounds"`
	Model            string `json:"model,omitempty" yaml:"model,omitempty"`
}

// OpSpec describes one operation in a pipeline.
//
// Prompt templates reference input document keys as {{ input.key }}; the
// execution runtime renders them. OutputKeys name the keys the op emits,
// which downstream prompts may reference.
type OpSpec struct {
	Name       string   `json:"name" yaml:"name"`
	Kind       OpKind   `json:"type" yaml:"type"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt     string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	OutputKeys []string `json:"output_keys,omitempty" yaml:"output_keys,omitempty"`

	// Code holds the function body for code_map ops.
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	// Subtasks are only set for parallel_map ops.
	Subtasks []SubtaskSpec `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`

	// Gleaning, when non-nil, wraps the op in refinement rounds.
	Gleaning *GleaningSpec `json:"gleaning,omitempty" yaml:"gleaning,omitempty"`

	// Params carries kind-specific settings the optimizer does not
	// interpret (chunk sizes, reduce keys, ...). Preserved verbatim.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Step wires dataset input through an ordered subset of operations.
type Step struct {
	Name       string   `json:"name" yaml:"name"`
	Input      string   `json:"input,omitempty" yaml:"input,omitempty"`
	Operations []string `json:"operations" yaml:"operations"`
}

// OutputSpec names where the final documents land.
type OutputSpec struct {
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Pipeline is an ordered sequence of operation specifications plus the
// step wiring that strings them together.
type Pipeline struct {
	Name         string         `json:"name" yaml:"name"`
	DefaultModel string         `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Datasets     map[string]any `json:"datasets,omitempty" yaml:"datasets,omitempty"`
	Operations   []OpSpec       `json:"operations" yaml:"operations"`
	Steps        []Step         `json:"steps" yaml:"steps"`
	Output       OutputSpec     `json:"output,omitempty" yaml:"output,omitempty"`

	// BypassCache tells the execution runtime to re-run every LLM call
	// instead of serving cached completions. Rewritten variants set this
	// so their measurements are fresh.
	BypassCache bool `json:"bypass_cache,omitempty" yaml:"bypass_cache,omitempty"`
}

// Op returns the op with the given name, or nil.
func (p *Pipeline) Op(name string) *OpSpec {
	for i := range p.Operations {
		if p.Operations[i].Name == name {
			return &p.Operations[i]
		}
	}
	return nil
}

// OpIndex returns the position of the named op, or -1.
func (p *Pipeline) OpIndex(name string) int {
	for i := range p.Operations {
		if p.Operations[i].Name == name {
			return i
		}
	}
	return -1
}

// OpNames returns the op names in pipeline order.
func (p *Pipeline) OpNames() []string {
	names := make([]string, len(p.Operations))
	for i := range p.Operations {
		names[i] = p.Operations[i].Name
	}
	return names
}

// ModelFor returns the model an op would run with, falling back to the
// pipeline default.
func (p *Pipeline) ModelFor(op *OpSpec) string {
	if op.Model != "" {
		return op.Model
	}
	return p.DefaultModel
}

// Clone returns a deep copy. Rewrites operate on clones so that evaluated
// pipelines are never mutated in place.
func (p *Pipeline) Clone() *Pipeline {
	c := *p
	c.Operations = make([]OpSpec, len(p.Operations))
	for i, op := range p.Operations {
		c.Operations[i] = op.clone()
	}
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s
		c.Steps[i].Operations = append([]string(nil), s.Operations...)
	}
	if p.Datasets != nil {
		c.Datasets = make(map[string]any, len(p.Datasets))
		for k, v := range p.Datasets {
			c.Datasets[k] = v
		}
	}
	return &c
}

func (o OpSpec) clone() OpSpec {
	c := o
	c.OutputKeys = append([]string(nil), o.OutputKeys...)
	c.Subtasks = make([]SubtaskSpec, len(o.Subtasks))
	for i, st := range o.Subtasks {
		c.Subtasks[i] = st
		c.Subtasks[i].OutputKeys = append([]string(nil), st.OutputKeys...)
	}
	if len(o.Subtasks) == 0 {
		c.Subtasks = nil
	}
	if o.Gleaning != nil {
		g := *o.Gleaning
		c.Gleaning = &g
	}
	if o.Params != nil {
		c.Params = make(map[string]any, len(o.Params))
		for k, v := range o.Params {
			c.Params[k] = v
		}
	}
	return c
}

// ReplaceOp replaces the op at the target name with the given sequence,
// rewiring every step that referenced the target. Returns a new pipeline.
func (p *Pipeline) ReplaceOp(target string, with []OpSpec) (*Pipeline, error) {
	idx := p.OpIndex(target)
	if idx < 0 {
		return nil, fmt.Errorf("pipeline %q has no operation %q", p.Name, target)
	}
	c := p.Clone()
	ops := make([]OpSpec, 0, len(c.Operations)-1+len(with))
	ops = append(ops, c.Operations[:idx]...)
	ops = append(ops, with...)
	ops = append(ops, c.Operations[idx+1:]...)
	c.Operations = ops

	newNames := make([]string, len(with))
	for i := range with {
		newNames[i] = with[i].Name
	}
	for si := range c.Steps {
		rewired := make([]string, 0, len(c.Steps[si].Operations))
		for _, name := range c.Steps[si].Operations {
			if name == target {
				rewired = append(rewired, newNames...)
			} else {
				rewired = append(rewired, name)
			}
		}
		c.Steps[si].Operations = rewired
	}
	return c, nil
}

// InsertBefore inserts ops ahead of the target, rewiring steps. Returns a
// new pipeline.
func (p *Pipeline) InsertBefore(target string, ops ...OpSpec) (*Pipeline, error) {
	cur := p.Op(target)
	if cur == nil {
		return nil, fmt.Errorf("pipeline %q has no operation %q", p.Name, target)
	}
	with := make([]OpSpec, 0, len(ops)+1)
	with = append(with, ops...)
	with = append(with, cur.clone())
	return p.ReplaceOp(target, with)
}

// RemoveOp drops the named op and removes its step references. Returns a
// new pipeline.
func (p *Pipeline) RemoveOp(target string) (*Pipeline, error) {
	return p.ReplaceOp(target, nil)
}

var inputKeyRe = regexp.MustCompile(`\{\{\s*input\.([^}\s]+)\s*\}\}`)

// PromptInputKeys returns the input keys a prompt template references.
func PromptInputKeys(prompt string) []string {
	matches := inputKeyRe.FindAllStringSubmatch(prompt, -1)
	seen := make(map[string]bool, len(matches))
	var keys []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// PromptReferencesKey reports whether the prompt references {{ input.key }}.
func PromptReferencesKey(prompt, key string) bool {
	re := regexp.MustCompile(`\{\{\s*input\.` + regexp.QuoteMeta(key) + `\s*\}\}`)
	return re.MatchString(prompt)
}
