// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent asks an LLM which rewrite directive to apply next.
//
// The proposer is deliberately paranoid about agent output: every reply is
// parsed defensively and validated against the chosen directive's
// parameter schema. A malformed reply costs a log line and a dropped
// candidate, never a failed search.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tidewater-ai/pipeforge/services/llm"
	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// Goal steers a proposal round toward accuracy or cost.
type Goal string

const (
	GoalAccuracy Goal = "accuracy"
	GoalCost     Goal = "cost"
)

// Proposal is one validated (directive, target, params) candidate.
type Proposal struct {
	Directive directive.Directive
	Target    string
	Params    any
	Goal      Goal
	// Order is the agent's ranking, 0 = most promising. Ties in the
	// search's selection policy break on this.
	Order int
}

// Request scopes one proposal round.
type Request struct {
	Goal Goal
	// Exhausted maps op name -> directive names already tried there.
	// The agent is only offered combinations outside this set.
	Exhausted map[string]map[string]bool
	// MaxChoices bounds how many ranked candidates the agent returns.
	MaxChoices int
}

// Usage reports the LLM spend of one proposal round.
type Usage struct {
	Calls   int
	Tokens  int64
	CostUSD float64
}

// Proposer invokes the optimization agent.
//
// Thread Safety: Safe for concurrent use.
type Proposer struct {
	client   llm.LLMClient
	registry *directive.Registry
	limiter  *rate.Limiter
	logger   *slog.Logger

	// sampleExcerpt is a truncated JSON rendering of the validation
	// input, shown to the agent for schema grounding.
	sampleExcerpt string
}

// Option configures a Proposer.
type Option func(*Proposer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proposer) { p.logger = logger }
}

// WithRateLimit bounds agent calls per second.
func WithRateLimit(callsPerSecond float64, burst int) Option {
	return func(p *Proposer) { p.limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst) }
}

// WithSampleInput attaches a dataset excerpt to every proposal prompt.
// The excerpt is truncated to keep prompt cost bounded.
func WithSampleInput(sample any) Option {
	return func(p *Proposer) {
		data, err := json.MarshalIndent(sample, "", "  ")
		if err != nil {
			return
		}
		const maxExcerpt = 5000
		if len(data) > maxExcerpt {
			data = data[:maxExcerpt]
		}
		p.sampleExcerpt = string(data)
	}
}

// NewProposer creates a proposer over the given backend and catalog.
func NewProposer(client llm.LLMClient, registry *directive.Registry, opts ...Option) *Proposer {
	p := &Proposer{
		client:   client,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// agentReply is the structured response format the agent must produce.
type agentReply struct {
	Choices []agentChoice `json:"choices"`
}

type agentChoice struct {
	Directive string          `json:"directive"`
	Operators []string        `json:"operators"`
	Params    json.RawMessage `json:"params"`
}

// Propose asks the agent for ranked directive applications on p.
//
// Invalid or unparsable choices are dropped with a log line; an empty
// slice (with nil error) means nothing usable came back this round. The
// error return is reserved for transport-level failures so the driver can
// count them against its circuit breaker.
func (pr *Proposer) Propose(ctx context.Context, p *pipeline.Pipeline, req Request) ([]Proposal, Usage, error) {
	options := pr.openOptions(p, req.Exhausted)
	if len(options) == 0 {
		return nil, Usage{}, nil
	}
	if req.MaxChoices <= 0 {
		req.MaxChoices = 3
	}

	if err := pr.limiter.Wait(ctx); err != nil {
		return nil, Usage{}, fmt.Errorf("proposer rate limit: %w", err)
	}

	prompt := pr.buildPrompt(p, req, options)
	completion, err := pr.client.Generate(ctx, proposerSystemPrompt, prompt, llm.GenerationParams{JSONMode: true})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("agent call: %w", err)
	}
	usage := Usage{
		Calls:   1,
		Tokens:  int64(completion.PromptTokens + completion.CompletionTokens),
		CostUSD: completion.CostUSD,
	}

	proposals := pr.parseReply(completion.Text, p, options)
	if len(proposals) > req.MaxChoices {
		proposals = proposals[:req.MaxChoices]
	}
	for i := range proposals {
		proposals[i].Goal = req.Goal
		proposals[i].Order = i
	}
	return proposals, usage, nil
}

// openOptions enumerates (directive, target) pairs not yet exhausted.
func (pr *Proposer) openOptions(p *pipeline.Pipeline, exhausted map[string]map[string]bool) []directive.Candidate {
	var open []directive.Candidate
	for _, c := range pr.registry.ListApplicable(p) {
		if used, ok := exhausted[c.Target]; ok && used[c.Directive.Name()] {
			continue
		}
		open = append(open, c)
	}
	return open
}

// parseReply decodes and validates the agent's JSON. Every failure mode
// drops the choice and moves on.
func (pr *Proposer) parseReply(text string, p *pipeline.Pipeline, options []directive.Candidate) []Proposal {
	allowed := make(map[string]map[string]bool, len(options))
	for _, c := range options {
		if allowed[c.Directive.Name()] == nil {
			allowed[c.Directive.Name()] = make(map[string]bool)
		}
		allowed[c.Directive.Name()][c.Target] = true
	}

	var reply agentReply
	if err := json.Unmarshal([]byte(extractJSON(text)), &reply); err != nil {
		pr.logger.Warn("agent reply unparsable, dropping round", slog.String("error", err.Error()))
		return nil
	}

	var proposals []Proposal
	for i, choice := range reply.Choices {
		d := pr.registry.Get(choice.Directive)
		if d == nil {
			pr.logger.Warn("agent chose unknown directive",
				slog.Int("choice", i), slog.String("directive", choice.Directive))
			continue
		}
		if len(choice.Operators) == 0 {
			pr.logger.Warn("agent chose no target operator",
				slog.Int("choice", i), slog.String("directive", choice.Directive))
			continue
		}
		target := choice.Operators[0]
		if !allowed[d.Name()][target] {
			pr.logger.Warn("agent chose combination outside the offered options",
				slog.String("directive", d.Name()), slog.String("target", target))
			continue
		}
		params, err := directive.DecodeParams(d, choice.Params)
		if err != nil {
			pr.logger.Warn("agent params failed schema validation",
				slog.String("directive", d.Name()),
				slog.String("target", target),
				slog.String("error", err.Error()))
			continue
		}
		proposals = append(proposals, Proposal{Directive: d, Target: target, Params: params})
	}
	return proposals
}

// extractJSON strips markdown fences and leading prose some models wrap
// around JSON replies.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}
	if start := strings.Index(text, "{"); start > 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}
