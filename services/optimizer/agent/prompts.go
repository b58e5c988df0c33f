// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

const proposerSystemPrompt = "You are an expert query optimization agent for document " +
	"processing pipelines. You analyze pipelines and apply rewrite directives to create " +
	"more accurate and cost effective execution plans. Reply with a single JSON object " +
	"matching the requested format."

// operatorCatalog describes the operator vocabulary for the agent.
const operatorCatalog = `- map: apply an LLM prompt to each document, emitting new output keys.
- parallel_map: run several focused prompts per document concurrently, merging their outputs.
- filter: keep or drop documents by an LLM judgment.
- extract: pull verbatim passages out of a long document field (plain instructions, no template).
- reduce: fold groups of documents into aggregate outputs with an LLM prompt.
- split: cut long documents into chunks.
- gather: reattach surrounding context to each chunk.
- unnest: flatten list-valued keys into separate documents.
- sample: pass through a subset of documents.
- resolve: canonicalize near-duplicate entities across documents.
- code_map: transform each document with deterministic code, no LLM call.`

// buildPrompt renders one proposal request. Layout follows the shape the
// optimizer agent was tuned on: pipeline anatomy, operator vocabulary,
// directive catalog, open options, then the data excerpt and the plan.
func (pr *Proposer) buildPrompt(p *pipeline.Pipeline, req Request, options []directive.Candidate) string {
	var sb strings.Builder

	switch req.Goal {
	case GoalCost:
		sb.WriteString("Recommend rewrite directives that reduce the cost of this pipeline " +
			"while keeping the query's semantics. Rank your choices best first.\n\n")
	default:
		sb.WriteString("Recommend rewrite directives that improve the accuracy of this " +
			"pipeline's results. Rank your choices best first.\n\n")
	}

	sb.WriteString("A pipeline consists of a default model, a system prompt describing the " +
		"dataset persona, input datasets, operators that transform documents, and the step " +
		"wiring that strings operators together.\n\n")

	sb.WriteString("Operators:\n")
	sb.WriteString(operatorCatalog)
	sb.WriteString("\n\nRewrite directives:\n")
	sb.WriteString(pr.registry.CatalogText())

	sb.WriteString("\nYour valid (operator, directive) combinations. Choose only from these:\n")
	for _, c := range options {
		fmt.Fprintf(&sb, "- operator: %s, directive: %s\n", c.Target, c.Directive.Name())
	}

	if pr.sampleExcerpt != "" {
		sb.WriteString("\nInput data sample:\n")
		sb.WriteString(pr.sampleExcerpt)
		sb.WriteString("\n")
	}

	sb.WriteString("\nThe pipeline in YAML:\n")
	if data, err := yaml.Marshal(p); err == nil {
		sb.Write(data)
	}

	fmt.Fprintf(&sb, `
Reply with JSON of the form:
{"choices": [{"directive": "<name>", "operators": ["<op name>"], "params": {...}}]}

Return at most %d choices, most promising first. The params object must satisfy the
chosen directive's parameter schema. Prompt templates reference document keys as
{{ input.key }}.
`, req.MaxChoices)

	return sb.String()
}
