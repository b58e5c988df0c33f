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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// medPipeline is the shared fixture: extract medication facts from
// transcripts, then summarize them.
func medPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:         "med-extraction",
		DefaultModel: "gpt-4o-mini",
		Operations: []pipeline.OpSpec{
			{
				Name:       "extract_meds",
				Kind:       pipeline.OpMap,
				Prompt:     "List every medication mentioned in {{ input.transcript }}",
				OutputKeys: []string{"medications"},
			},
			{
				Name:       "summarize",
				Kind:       pipeline.OpMap,
				Prompt:     "Summarize the medications {{ input.medications }} for a discharge note",
				OutputKeys: []string{"summary"},
			},
		},
		Steps: []pipeline.Step{{
			Name:       "main",
			Input:      "transcripts",
			Operations: []string{"extract_meds", "summarize"},
		}},
	}
}

func TestDefaultRegistryCatalog(t *testing.T) {
	reg := DefaultRegistry(DefaultAllowedModels())
	names := []string{
		"chaining", "gleaning", "change_model", "doc_summarization",
		"doc_compression", "deterministic_doc_compression",
		"isolating_subtasks", "operator_fusion",
	}
	for _, name := range names {
		assert.NotNil(t, reg.Get(name), name)
	}
	assert.Len(t, reg.List(), len(names))
}

func TestRegistryListApplicable(t *testing.T) {
	reg := DefaultRegistry(DefaultAllowedModels())
	p := medPipeline()

	candidates := reg.ListApplicable(p)
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Truef(t, c.Directive.AppliesTo(p, c.Target),
			"%s listed as applicable to %s but AppliesTo is false", c.Directive.Name(), c.Target)
	}

	// operator_fusion applies to extract_meds (map followed by map) but
	// not to the last op.
	var fusionTargets []string
	for _, c := range candidates {
		if c.Directive.Name() == "operator_fusion" {
			fusionTargets = append(fusionTargets, c.Target)
		}
	}
	assert.Equal(t, []string{"extract_meds"}, fusionTargets)
}

// applyResult asserts the contract shared by every directive:
// Apply yields a structurally valid pipeline or a DirectiveError, and the
// input pipeline is untouched either way.
func applyResult(t *testing.T, d Directive, p *pipeline.Pipeline, target string, params any) *pipeline.Pipeline {
	t.Helper()
	before := p.Digest()
	out, err := d.Apply(p, target, params)
	assert.Equal(t, before, p.Digest(), "Apply mutated its input pipeline")
	if err != nil {
		var de *DirectiveError
		require.ErrorAs(t, err, &de, "Apply errors must be DirectiveError")
		return nil
	}
	require.NoError(t, out.Validate(), "Apply returned an invalid pipeline")
	return out
}

func TestChainingApply(t *testing.T) {
	d := &Chaining{}
	p := medPipeline()
	params := &ChainingParams{NewOps: []MapOpParams{
		{
			Name:       "find_mentions",
			Prompt:     "Find raw medication mentions in {{ input.transcript }}",
			OutputKeys: []string{"mentions"},
		},
		{
			Name:       "normalize_meds",
			Prompt:     "Normalize the drug names in {{ input.mentions }}",
			OutputKeys: []string{"medications"},
		},
	}}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	assert.Equal(t, []string{"find_mentions", "normalize_meds", "summarize"}, out.OpNames())
	assert.Equal(t, []string{"find_mentions", "normalize_meds", "summarize"}, out.Steps[0].Operations)
}

func TestChainingRejectsDroppedInputKey(t *testing.T) {
	d := &Chaining{}
	params := &ChainingParams{NewOps: []MapOpParams{
		{Name: "a", Prompt: "No transcript reference, only {{ input.other }}", OutputKeys: []string{"x"}},
		{Name: "b", Prompt: "Use {{ input.x }}", OutputKeys: []string{"medications"}},
	}}
	out, err := d.Apply(medPipeline(), "extract_meds", params)
	assert.Nil(t, out)
	var de *DirectiveError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Reason, "transcript")
}

func TestChainingRejectsWrongFinalKeys(t *testing.T) {
	d := &Chaining{}
	params := &ChainingParams{NewOps: []MapOpParams{
		{Name: "a", Prompt: "Read {{ input.transcript }}", OutputKeys: []string{"mentions"}},
		{Name: "b", Prompt: "Use {{ input.mentions }}", OutputKeys: []string{"wrong_key"}},
	}}
	_, err := d.Apply(medPipeline(), "extract_meds", params)
	var de *DirectiveError
	require.ErrorAs(t, err, &de)
}

func TestGleaningApply(t *testing.T) {
	d := &Gleaning{}
	p := medPipeline()
	params := &GleaningParams{
		ValidationPrompt: "Does the list include dosage for every medication?",
		NumRounds:        2,
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	g := out.Op("extract_meds").Gleaning
	require.NotNil(t, g)
	assert.Equal(t, 2, g.NumRounds)

	// Gleaning an already-gleaned op is rejected.
	_, err := d.Apply(out, "extract_meds", params)
	var de *DirectiveError
	require.ErrorAs(t, err, &de)
}

func TestChangeModelApply(t *testing.T) {
	d := &ChangeModel{Allowed: DefaultAllowedModels()}
	p := medPipeline()

	out := applyResult(t, d, p, "extract_meds", &ChangeModelParams{Model: "gpt-4.1-nano"})
	require.NotNil(t, out)
	assert.Equal(t, "gpt-4.1-nano", out.Op("extract_meds").Model)
	// Sibling op keeps the pipeline default.
	assert.Empty(t, out.Op("summarize").Model)
}

func TestChangeModelRejectsUnlistedAndNoop(t *testing.T) {
	d := &ChangeModel{Allowed: DefaultAllowedModels()}

	_, err := d.Apply(medPipeline(), "extract_meds", &ChangeModelParams{Model: "claude-unknown"})
	var de *DirectiveError
	require.ErrorAs(t, err, &de)

	// Swapping to the model already in effect is a wasted node.
	_, err = d.Apply(medPipeline(), "extract_meds", &ChangeModelParams{Model: "gpt-4o-mini"})
	require.ErrorAs(t, err, &de)
}

func TestDocSummarizationApply(t *testing.T) {
	d := &DocSummarization{}
	p := medPipeline()
	params := &DocSummarizationParams{
		Name:        "condense_transcript",
		DocumentKey: "transcript",
		Prompt:      "Condense {{ input.transcript }} keeping all medication mentions",
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	assert.Equal(t, []string{"condense_transcript", "extract_meds", "summarize"}, out.OpNames())
	// The summary overwrites the document key so the target prompt still
	// resolves.
	assert.Equal(t, []string{"transcript"}, out.Op("condense_transcript").OutputKeys)
}

func TestDocSummarizationRejectsUnreferencedKey(t *testing.T) {
	d := &DocSummarization{}
	params := &DocSummarizationParams{
		Name:        "condense",
		DocumentKey: "nonexistent_key",
		Prompt:      "Condense {{ input.nonexistent_key }}",
	}
	_, err := d.Apply(medPipeline(), "extract_meds", params)
	var de *DirectiveError
	require.ErrorAs(t, err, &de)
}

func TestDocCompressionApply(t *testing.T) {
	d := &DocCompression{}
	p := medPipeline()
	params := &DocCompressionParams{
		Name:        "trim_transcript",
		DocumentKey: "transcript",
		Prompt:      "Keep only passages that mention medications",
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	assert.Equal(t, pipeline.OpExtract, out.Op("trim_transcript").Kind)
	assert.Equal(t, 3, len(out.Operations))
}

func TestDeterministicDocCompressionApply(t *testing.T) {
	d := &DeterministicDocCompression{}
	p := medPipeline()
	params := &DeterministicDocCompressionParams{
		Name: "strip_headers",
		Code: "def code_map(doc): return {'transcript': doc['transcript'][:2000]}",
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	op := out.Op("strip_headers")
	require.NotNil(t, op)
	assert.Equal(t, pipeline.OpCodeMap, op.Kind)
	assert.NotEmpty(t, op.Code)
}

func TestIsolatingSubtasksApply(t *testing.T) {
	d := &IsolatingSubtasks{}
	p := medPipeline()
	// Widen the target so there are multiple keys worth isolating.
	p.Operations[0].OutputKeys = []string{"prescriptions", "otc_drugs"}
	p.Operations[1].Prompt = "Summarize {{ input.prescriptions }} and {{ input.otc_drugs }} for a discharge note"
	params := &IsolatingSubtasksParams{
		Subtasks: []SubtaskParams{
			{Name: "prescriptions", Prompt: "List prescription drugs in {{ input.transcript }}", OutputKeys: []string{"prescriptions"}},
			{Name: "otc", Prompt: "List over-the-counter drugs in {{ input.transcript }}", OutputKeys: []string{"otc_drugs"}},
		},
		AggregationPrompt: "Merge {{ input.prescriptions }} and {{ input.otc_drugs }} into one list",
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	var parallel *pipeline.OpSpec
	for i := range out.Operations {
		if out.Operations[i].Kind == pipeline.OpParallelMap {
			parallel = &out.Operations[i]
		}
	}
	require.NotNil(t, parallel, "no parallel_map op in rewritten pipeline")
	assert.Len(t, parallel.Subtasks, 2)
}

func TestOperatorFusionApply(t *testing.T) {
	d := &OperatorFusion{}
	p := medPipeline()
	params := &OperatorFusionParams{
		FusedPrompt: "List and summarize the medications in {{ input.transcript }}",
	}

	out := applyResult(t, d, p, "extract_meds", params)
	require.NotNil(t, out)
	require.Len(t, out.Operations, 1)
	fused := out.Operations[0]
	assert.Equal(t, "extract_meds_summarize", fused.Name)
	assert.ElementsMatch(t, []string{"medications", "summary"}, fused.OutputKeys)
	assert.Equal(t, []string{fused.Name}, out.Steps[0].Operations)
}

func TestOperatorFusionRequiresSuccessor(t *testing.T) {
	d := &OperatorFusion{}
	_, err := d.Apply(medPipeline(), "summarize", &OperatorFusionParams{
		FusedPrompt: "anything {{ input.medications }}",
	})
	var de *DirectiveError
	require.ErrorAs(t, err, &de)
}

func TestDecodeParams(t *testing.T) {
	d := &Gleaning{}

	params, err := DecodeParams(d, json.RawMessage(`{"validation_prompt":"check dosages","num_rounds":2}`))
	require.NoError(t, err)
	gp, ok := params.(*GleaningParams)
	require.True(t, ok)
	assert.Equal(t, 2, gp.NumRounds)

	// Schema violations surface as DirectiveError.
	_, err = DecodeParams(d, json.RawMessage(`{"validation_prompt":"check","num_rounds":99}`))
	var de *DirectiveError
	require.ErrorAs(t, err, &de)

	_, err = DecodeParams(d, json.RawMessage(`not json`))
	require.ErrorAs(t, err, &de)
}

func TestDirectiveErrorUnwrap(t *testing.T) {
	inner := errors.New("inner cause")
	de := &DirectiveError{Directive: "chaining", Target: "op", Reason: "bad", Err: inner}
	assert.ErrorIs(t, de, inner)
	assert.Contains(t, de.Error(), "chaining")
}
