// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/pipeforge/services/llm"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// scriptedClient answers each prompt through a reply function, charging a
// flat per-call cost.
type scriptedClient struct {
	model string
	reply func(system, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (c *scriptedClient) Generate(_ context.Context, system, prompt string, _ llm.GenerationParams) (*llm.Completion, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	text, err := c.reply(system, prompt)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Text: text, PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.001}, nil
}

func (c *scriptedClient) Model() string { return c.model }

type staticFactory struct {
	clients map[string]*scriptedClient
}

func (f *staticFactory) ClientFor(model string) (llm.LLMClient, error) {
	c, ok := f.clients[model]
	if !ok {
		return nil, fmt.Errorf("no client for model %q", model)
	}
	return c, nil
}

func singleFactory(c *scriptedClient) *staticFactory {
	return &staticFactory{clients: map[string]*scriptedClient{c.model: c}}
}

func jsonReply(fields map[string]any) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func mapPipeline(kind pipeline.OpKind) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:         "notes",
		DefaultModel: "test-model",
		Operations: []pipeline.OpSpec{{
			Name:       "tag",
			Kind:       kind,
			Prompt:     "Tag the note {{ input.note }}",
			OutputKeys: []string{"tag"},
		}},
		Steps: []pipeline.Step{{Name: "main", Input: "notes", Operations: []string{"tag"}}},
	}
}

func TestExecuteMapMergesOutputKeys(t *testing.T) {
	client := &scriptedClient{model: "test-model", reply: func(_, prompt string) (string, error) {
		if strings.Contains(prompt, "refund") {
			return jsonReply(map[string]any{"tag": "billing"}), nil
		}
		return jsonReply(map[string]any{"tag": "other"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	docs, cost, err := ex.Execute(context.Background(), mapPipeline(pipeline.OpMap), []evaluate.Document{
		{"note": "customer wants a refund"},
		{"note": "password reset"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "billing", docs[0]["tag"])
	assert.Equal(t, "other", docs[1]["tag"])
	// Input keys survive the merge.
	assert.Equal(t, "customer wants a refund", docs[0]["note"])
	assert.InDelta(t, 0.002, cost, 1e-9)
}

func TestExecuteDoesNotMutateInputs(t *testing.T) {
	client := &scriptedClient{model: "test-model", reply: func(_, _ string) (string, error) {
		return jsonReply(map[string]any{"tag": "x"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	in := []evaluate.Document{{"note": "original"}}
	_, _, err := ex.Execute(context.Background(), mapPipeline(pipeline.OpMap), in)
	require.NoError(t, err)
	_, tagged := in[0]["tag"]
	assert.False(t, tagged, "executor wrote into the caller's documents")
}

func TestExecuteFilterKeepsTruthy(t *testing.T) {
	p := mapPipeline(pipeline.OpFilter)
	p.Operations[0].Prompt = "Is {{ input.note }} urgent?"
	p.Operations[0].OutputKeys = []string{"urgent"}

	client := &scriptedClient{model: "test-model", reply: func(_, prompt string) (string, error) {
		return jsonReply(map[string]any{"urgent": strings.Contains(prompt, "outage")}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	docs, _, err := ex.Execute(context.Background(), p, []evaluate.Document{
		{"note": "total outage in eu-west"},
		{"note": "typo on the pricing page"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "total outage in eu-west", docs[0]["note"])
}

func TestExecuteReduceFoldsToOneDocument(t *testing.T) {
	p := mapPipeline(pipeline.OpReduce)
	p.Operations[0].Prompt = "Summarize all notes: {{ input.note }}"
	p.Operations[0].OutputKeys = []string{"summary"}

	client := &scriptedClient{model: "test-model", reply: func(_, prompt string) (string, error) {
		require.Contains(t, prompt, "first")
		require.Contains(t, prompt, "second")
		return jsonReply(map[string]any{"summary": "two notes"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	docs, _, err := ex.Execute(context.Background(), p, []evaluate.Document{
		{"note": "first"}, {"note": "second"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "two notes", docs[0]["summary"])
	assert.Equal(t, 1, len(client.prompts))
}

func TestExecuteParallelMapMergesSubtasks(t *testing.T) {
	p := mapPipeline(pipeline.OpParallelMap)
	p.Operations[0].Prompt = ""
	p.Operations[0].OutputKeys = []string{"people", "places"}
	p.Operations[0].Subtasks = []pipeline.SubtaskSpec{
		{Name: "people", Prompt: "People in {{ input.note }}", OutputKeys: []string{"people"}},
		{Name: "places", Prompt: "Places in {{ input.note }}", OutputKeys: []string{"places"}},
	}

	client := &scriptedClient{model: "test-model", reply: func(_, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "People") {
			return jsonReply(map[string]any{"people": []string{"Ada"}}), nil
		}
		return jsonReply(map[string]any{"places": []string{"London"}}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	docs, _, err := ex.Execute(context.Background(), p, []evaluate.Document{{"note": "Ada visited London"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotNil(t, docs[0]["people"])
	assert.NotNil(t, docs[0]["places"])
}

func TestExecuteSurfacesCostOnFailure(t *testing.T) {
	p := mapPipeline(pipeline.OpMap)
	p.Operations = append(p.Operations, pipeline.OpSpec{
		Name:       "explode",
		Kind:       pipeline.OpCodeMap,
		Code:       "def code_map(doc): return doc",
		OutputKeys: []string{"tag"},
	})
	p.Steps[0].Operations = []string{"tag", "explode"}

	client := &scriptedClient{model: "test-model", reply: func(_, _ string) (string, error) {
		return jsonReply(map[string]any{"tag": "x"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	_, cost, err := ex.Execute(context.Background(), p, []evaluate.Document{{"note": "n"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")
	assert.InDelta(t, 0.001, cost, 1e-9, "spend before the failure must be reported")
}

func TestExecuteGleaningRetriesOnRejection(t *testing.T) {
	p := mapPipeline(pipeline.OpMap)
	p.Operations[0].Gleaning = &pipeline.GleaningSpec{
		ValidationPrompt: "Is the tag specific enough?",
		NumRounds:        2,
	}

	var calls int
	client := &scriptedClient{model: "test-model", reply: func(system, prompt string) (string, error) {
		calls++
		if strings.Contains(system, "validate") {
			// Reject the first answer, accept the corrected one.
			valid := strings.Contains(prompt, "billing_refund")
			return jsonReply(map[string]any{"valid": valid, "feedback": "too vague"}), nil
		}
		if strings.Contains(prompt, "rejected") {
			return jsonReply(map[string]any{"tag": "billing_refund"}), nil
		}
		return jsonReply(map[string]any{"tag": "billing"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client))

	docs, cost, err := ex.Execute(context.Background(), p, []evaluate.Document{{"note": "refund please"}})
	require.NoError(t, err)
	assert.Equal(t, "billing_refund", docs[0]["tag"])
	// first answer + reject verdict + retry + accept verdict
	assert.Equal(t, 4, calls)
	assert.InDelta(t, 0.004, cost, 1e-9)
}

func TestExecuteSplitGatherRoundTrip(t *testing.T) {
	p := &pipeline.Pipeline{
		Name:         "long-docs",
		DefaultModel: "test-model",
		Operations: []pipeline.OpSpec{
			{
				Name:   "chop",
				Kind:   pipeline.OpSplit,
				Params: map[string]any{"split_key": "body", "chunk_size_words": 2},
			},
			{
				Name:       "summarize_chunk",
				Kind:       pipeline.OpMap,
				Prompt:     "Summarize {{ input.body }}",
				OutputKeys: []string{"summary"},
			},
			{
				Name:       "stitch",
				Kind:       pipeline.OpGather,
				OutputKeys: []string{"summary"},
			},
		},
		Steps: []pipeline.Step{{Name: "main", Input: "docs", Operations: []string{"chop", "summarize_chunk", "stitch"}}},
	}

	client := &scriptedClient{model: "test-model", reply: func(_, prompt string) (string, error) {
		return jsonReply(map[string]any{"summary": "sum(" + strings.TrimPrefix(prompt, "Summarize ") + ")"}), nil
	}}
	ex := NewLLMExecutor(singleFactory(client), WithConcurrency(1))

	docs, _, err := ex.Execute(context.Background(), p, []evaluate.Document{
		{"body": "one two three four"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1, "gather must reassemble chunks into one document")
	summary, _ := docs[0]["summary"].(string)
	assert.Equal(t, "sum(one two)\nsum(three four)", summary)
	_, hasSplitID := docs[0]["_split_id"]
	assert.False(t, hasSplitID, "bookkeeping keys must not leak")
}

func TestExecuteUnnestAndSample(t *testing.T) {
	p := &pipeline.Pipeline{
		Name:         "items",
		DefaultModel: "test-model",
		Operations: []pipeline.OpSpec{
			{Name: "explode", Kind: pipeline.OpUnnest, Params: map[string]any{"unnest_key": "item"}},
			{Name: "take_two", Kind: pipeline.OpSample, Params: map[string]any{"count": 2}},
		},
		Steps: []pipeline.Step{{Name: "main", Input: "docs", Operations: []string{"explode", "take_two"}}},
	}
	ex := NewLLMExecutor(singleFactory(&scriptedClient{model: "test-model"}))

	docs, cost, err := ex.Execute(context.Background(), p, []evaluate.Document{
		{"item": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0]["item"])
	assert.Equal(t, "b", docs[1]["item"])
	assert.Zero(t, cost, "deterministic ops are free")
}

func TestRenderPrompt(t *testing.T) {
	doc := evaluate.Document{"title": "Q3 report", "pages": float64(12)}
	got := renderPrompt("Review {{ input.title }} ({{input.pages}} pages) by {{ input.author }}", doc)
	assert.Equal(t, "Review Q3 report (12 pages) by ", got)
}

func TestParseOutput(t *testing.T) {
	fields, err := parseOutput(`{"tag": "billing", "extra": 1}`, []string{"tag"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tag": "billing"}, fields)

	_, err = parseOutput(`{"other": 1}`, []string{"tag"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tag")

	_, err = parseOutput(`not json`, []string{"tag"})
	require.Error(t, err)
}

func TestTruthy(t *testing.T) {
	assert.True(t, truthy(true))
	assert.True(t, truthy("true"))
	assert.True(t, truthy("Yes"))
	assert.True(t, truthy(float64(1)))
	assert.False(t, truthy(false))
	assert.False(t, truthy("no"))
	assert.False(t, truthy(float64(0)))
	assert.False(t, truthy(nil))
	assert.False(t, truthy([]any{"x"}))
}
