// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execute runs declarative pipelines over in-memory documents.
// It is the sample-set runtime behind the optimizer's evaluator: small
// document batches, real LLM calls, measured cost.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tidewater-ai/pipeforge/services/llm"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// ClientFactory resolves a model name to an LLM client. Implementations
// may pool clients; the executor calls this once per op.
type ClientFactory interface {
	ClientFor(model string) (llm.LLMClient, error)
}

// LLMExecutor executes pipelines operation by operation. LLM-backed ops
// fan out over documents with bounded concurrency; deterministic ops
// (split, unnest, sample, gather) run inline.
type LLMExecutor struct {
	factory     ClientFactory
	logger      *slog.Logger
	concurrency int
}

// Option configures an LLMExecutor.
type Option func(*LLMExecutor)

// WithLogger sets the executor's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *LLMExecutor) { e.logger = logger }
}

// WithConcurrency bounds in-flight LLM calls per operation.
func WithConcurrency(n int) Option {
	return func(e *LLMExecutor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewLLMExecutor builds an executor backed by factory.
func NewLLMExecutor(factory ClientFactory, opts ...Option) *LLMExecutor {
	e := &LLMExecutor{
		factory:     factory,
		logger:      slog.Default(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ evaluate.Executor = (*LLMExecutor)(nil)

// Execute runs p over inputs and returns the final documents plus the
// total LLM spend. Cost is surfaced even when execution fails partway;
// the documents produced before the failure are returned alongside the
// error.
func (e *LLMExecutor) Execute(ctx context.Context, p *pipeline.Pipeline, inputs []evaluate.Document) ([]evaluate.Document, float64, error) {
	docs := make([]evaluate.Document, len(inputs))
	for i, d := range inputs {
		docs[i] = cloneDoc(d)
	}

	var totalCost float64
	for _, step := range p.Steps {
		for _, opName := range step.Operations {
			op := p.Op(opName)
			if op == nil {
				return docs, totalCost, fmt.Errorf("step %q references missing operation %q", step.Name, opName)
			}
			out, cost, err := e.runOp(ctx, p, op, docs)
			totalCost += cost
			if err != nil {
				return out, totalCost, fmt.Errorf("operation %q: %w", opName, err)
			}
			docs = out
		}
	}
	return docs, totalCost, nil
}

func (e *LLMExecutor) runOp(ctx context.Context, p *pipeline.Pipeline, op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	switch op.Kind {
	case pipeline.OpMap, pipeline.OpExtract:
		return e.runMap(ctx, p, op, docs)
	case pipeline.OpParallelMap:
		return e.runParallelMap(ctx, p, op, docs)
	case pipeline.OpFilter:
		return e.runFilter(ctx, p, op, docs)
	case pipeline.OpReduce:
		return e.runReduce(ctx, p, op, docs)
	case pipeline.OpResolve:
		// Entity resolution degenerates to identity on the small sample
		// batches the optimizer evaluates.
		return docs, 0, nil
	case pipeline.OpSplit:
		return runSplit(op, docs)
	case pipeline.OpGather:
		return runGather(op, docs), 0, nil
	case pipeline.OpUnnest:
		return runUnnest(op, docs)
	case pipeline.OpSample:
		return runSample(op, docs), 0, nil
	case pipeline.OpCodeMap:
		return docs, 0, fmt.Errorf("code_map %q: no code runtime available", op.Name)
	default:
		return docs, 0, fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

// runMap applies the op's prompt to each document independently and
// merges the parsed output keys into it.
func (e *LLMExecutor) runMap(ctx context.Context, p *pipeline.Pipeline, op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	client, err := e.factory.ClientFor(p.ModelFor(op))
	if err != nil {
		return docs, 0, err
	}

	out := make([]evaluate.Document, len(docs))
	var (
		mu   sync.Mutex
		cost float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range docs {
		i := i
		g.Go(func() error {
			fields, c, err := e.callOnce(gctx, client, p, op, docs[i])
			mu.Lock()
			cost += c
			mu.Unlock()
			if err != nil {
				return err
			}
			merged := cloneDoc(docs[i])
			for k, v := range fields {
				merged[k] = v
			}
			out[i] = merged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return docs, cost, err
	}
	return out, cost, nil
}

// runParallelMap runs each subtask prompt against every document and
// merges all subtask outputs.
func (e *LLMExecutor) runParallelMap(ctx context.Context, p *pipeline.Pipeline, op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	client, err := e.factory.ClientFor(p.ModelFor(op))
	if err != nil {
		return docs, 0, err
	}

	out := make([]evaluate.Document, len(docs))
	var (
		mu   sync.Mutex
		cost float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range docs {
		i := i
		g.Go(func() error {
			merged := cloneDoc(docs[i])
			for _, st := range op.Subtasks {
				sub := pipeline.OpSpec{Name: op.Name + "." + st.Name, Kind: pipeline.OpMap, Prompt: st.Prompt, OutputKeys: st.OutputKeys}
				fields, c, err := e.callOnce(gctx, client, p, &sub, docs[i])
				mu.Lock()
				cost += c
				mu.Unlock()
				if err != nil {
					return err
				}
				for k, v := range fields {
					merged[k] = v
				}
			}
			out[i] = merged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return docs, cost, err
	}
	return out, cost, nil
}

// runFilter keeps documents for which the op's single boolean output key
// comes back truthy.
func (e *LLMExecutor) runFilter(ctx context.Context, p *pipeline.Pipeline, op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	client, err := e.factory.ClientFor(p.ModelFor(op))
	if err != nil {
		return docs, 0, err
	}
	if len(op.OutputKeys) == 0 {
		return docs, 0, fmt.Errorf("filter %q has no output key", op.Name)
	}
	key := op.OutputKeys[0]

	keep := make([]bool, len(docs))
	var (
		mu   sync.Mutex
		cost float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range docs {
		i := i
		g.Go(func() error {
			fields, c, err := e.callOnce(gctx, client, p, op, docs[i])
			mu.Lock()
			cost += c
			mu.Unlock()
			if err != nil {
				return err
			}
			keep[i] = truthy(fields[key])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return docs, cost, err
	}

	var out []evaluate.Document
	for i, d := range docs {
		if keep[i] {
			out = append(out, d)
		}
	}
	return out, cost, nil
}

// runReduce folds every document's referenced keys into one prompt and
// produces a single output document.
func (e *LLMExecutor) runReduce(ctx context.Context, p *pipeline.Pipeline, op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	if len(docs) == 0 {
		return docs, 0, nil
	}
	client, err := e.factory.ClientFor(p.ModelFor(op))
	if err != nil {
		return docs, 0, err
	}

	var b strings.Builder
	keys := pipeline.PromptInputKeys(op.Prompt)
	for i, d := range docs {
		fmt.Fprintf(&b, "--- document %d ---\n", i+1)
		for _, k := range keys {
			if v, ok := d[k]; ok {
				fmt.Fprintf(&b, "%s: %s\n", k, stringify(v))
			}
		}
	}
	folded := evaluate.Document{}
	for _, k := range keys {
		folded[k] = b.String()
	}

	fields, cost, err := e.callOnce(ctx, client, p, op, folded)
	if err != nil {
		return docs, cost, err
	}
	result := cloneDoc(docs[0])
	for k, v := range fields {
		result[k] = v
	}
	return []evaluate.Document{result}, cost, nil
}

// callOnce renders the op's prompt for doc, issues one JSON-mode call
// (plus gleaning rounds when configured), and returns the parsed output
// keys.
func (e *LLMExecutor) callOnce(ctx context.Context, client llm.LLMClient, p *pipeline.Pipeline, op *pipeline.OpSpec, doc evaluate.Document) (map[string]any, float64, error) {
	prompt := renderPrompt(op.Prompt, doc)
	system := p.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt(op)
	}

	var cost float64
	completion, err := client.Generate(ctx, system, prompt, llm.GenerationParams{JSONMode: true})
	if err != nil {
		return nil, cost, err
	}
	cost += completion.CostUSD
	fields, err := parseOutput(completion.Text, op.OutputKeys)
	if err != nil {
		return nil, cost, fmt.Errorf("parse output of %q: %w", op.Name, err)
	}

	if op.Gleaning != nil {
		refined, c, err := e.glean(ctx, client, p, op, prompt, completion.Text, fields)
		cost += c
		if err != nil {
			e.logger.Warn("gleaning round failed, keeping first answer",
				slog.String("op", op.Name), slog.String("error", err.Error()))
			return fields, cost, nil
		}
		fields = refined
	}
	return fields, cost, nil
}

// glean runs up to NumRounds validate-and-refine cycles over the first
// answer. A round that validates cleanly stops the loop early.
func (e *LLMExecutor) glean(ctx context.Context, client llm.LLMClient, p *pipeline.Pipeline, op *pipeline.OpSpec, prompt, firstAnswer string, fields map[string]any) (map[string]any, float64, error) {
	g := op.Gleaning
	gleanClient := client
	if g.Model != "" && g.Model != p.ModelFor(op) {
		c, err := e.factory.ClientFor(g.Model)
		if err != nil {
			return fields, 0, err
		}
		gleanClient = c
	}

	var cost float64
	answer := firstAnswer
	for round := 0; round < g.NumRounds; round++ {
		check := fmt.Sprintf("Task:\n%s\n\nAnswer:\n%s\n\nValidation instruction: %s\n\nRespond as JSON {\"valid\": bool, \"feedback\": string}.",
			prompt, answer, g.ValidationPrompt)
		verdict, err := gleanClient.Generate(ctx, "You validate answers strictly.", check, llm.GenerationParams{JSONMode: true})
		if err != nil {
			return fields, cost, err
		}
		cost += verdict.CostUSD

		var v struct {
			Valid    bool   `json:"valid"`
			Feedback string `json:"feedback"`
		}
		if err := json.Unmarshal([]byte(verdict.Text), &v); err != nil || v.Valid {
			return fields, cost, nil
		}

		retryPrompt := fmt.Sprintf("%s\n\nA previous answer was rejected with this feedback: %s\nProduce a corrected answer.", prompt, v.Feedback)
		completion, err := client.Generate(ctx, p.SystemPrompt, retryPrompt, llm.GenerationParams{JSONMode: true})
		if err != nil {
			return fields, cost, err
		}
		cost += completion.CostUSD
		refined, err := parseOutput(completion.Text, op.OutputKeys)
		if err != nil {
			return fields, cost, nil
		}
		fields = refined
		answer = completion.Text
	}
	return fields, cost, nil
}

var inputRefRe = regexp.MustCompile(`\{\{\s*input\.([^}\s]+)\s*\}\}`)

// renderPrompt substitutes {{ input.key }} references with document
// values. Missing keys render empty, matching a permissive template
// engine.
func renderPrompt(tmpl string, doc evaluate.Document) string {
	return inputRefRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := inputRefRe.FindStringSubmatch(m)
		if v, ok := doc[sub[1]]; ok {
			return stringify(v)
		}
		return ""
	})
}

// parseOutput decodes the model's JSON reply and extracts the op's output
// keys. Extra keys are dropped; a missing key is an error so schema
// drift surfaces as an execution failure rather than silent nulls.
func parseOutput(text string, outputKeys []string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}
	out := make(map[string]any, len(outputKeys))
	for _, k := range outputKeys {
		v, ok := raw[k]
		if !ok {
			return nil, fmt.Errorf("reply missing output key %q", k)
		}
		out[k] = v
	}
	return out, nil
}

func defaultSystemPrompt(op *pipeline.OpSpec) string {
	return fmt.Sprintf("You are a document-processing operator. Reply with a single JSON object containing exactly these keys: %s.",
		strings.Join(op.OutputKeys, ", "))
}

func cloneDoc(d evaluate.Document) evaluate.Document {
	c := make(evaluate.Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || strings.EqualFold(t, "yes")
	case float64:
		return t != 0
	default:
		return false
	}
}
