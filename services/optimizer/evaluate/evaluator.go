// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluate adapts the external pipeline execution and quality
// collaborators into the single Evaluate call the search driver consumes.
//
// Evaluation is expensive (seconds to minutes per pipeline) and
// non-deterministic. Whether an identical pipeline is re-sampled or served
// from a store is an explicit policy decision (CachePolicy), never an
// implicit identity shortcut.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// Document is one record flowing through a pipeline.
type Document map[string]any

// Sample pairs an input document with its reference answer. Reference may
// be nil; such samples run for cost but are excluded from quality
// aggregation.
type Sample struct {
	Input     Document
	Reference Document
}

// Executor is the external execution collaborator.
//
// Execute must surface cost even when it fails, and may return partial
// outputs alongside an error.
type Executor interface {
	Execute(ctx context.Context, p *pipeline.Pipeline, inputs []Document) (outputs []Document, costUSD float64, err error)
}

// Scorer is the external quality collaborator. Score returns a quality in
// [0,1] for one output against its reference.
type Scorer interface {
	Score(output, reference Document) (float64, error)
}

// ErrorKind classifies evaluation failures.
type ErrorKind int

const (
	// KindTimeout is recoverable: the caller may retry once, then record
	// a floor-reward sample.
	KindTimeout ErrorKind = iota
	// KindExecutionFailure marks the producing node permanently
	// unexpandable. Not retried.
	KindExecutionFailure
	// KindQualityUndefined means cost was measured but no sample had a
	// usable reference.
	KindQualityUndefined
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindExecutionFailure:
		return "execution_failure"
	case KindQualityUndefined:
		return "quality_undefined"
	default:
		return "unknown"
	}
}

// EvalError is a classified evaluation failure.
type EvalError struct {
	Kind ErrorKind
	// CostUSD is the spend incurred before the failure; already added to
	// the ledger, reported for diagnostics.
	CostUSD float64
	Err     error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation %s: %v", e.Kind, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// AsEvalError unwraps err to an *EvalError, or nil.
func AsEvalError(err error) *EvalError {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}

// Result is the outcome of evaluating one pipeline variant.
type Result struct {
	Cost    float64 `json:"cost"`
	Quality float64 `json:"quality"`
	// ScoredSamples is how many samples carried a reference and
	// contributed to Quality.
	ScoredSamples int        `json:"scored_samples"`
	Outputs       []Document `json:"outputs,omitempty"`
	Diagnostics   []string   `json:"diagnostics,omitempty"`
	FromCache     bool       `json:"from_cache,omitempty"`
	EvaluatedAt   time.Time  `json:"evaluated_at"`
}

// Config configures an Evaluator.
type Config struct {
	// Timeout bounds one execution. Zero means no per-call bound.
	Timeout time.Duration
	// CachePolicy is PolicyNone or PolicyReuse.
	CachePolicy CachePolicy
}

// Evaluator wraps the collaborators and tracks cumulative spend across a
// whole search run.
//
// Thread Safety: Safe for concurrent use; concurrent Evaluate calls are
// expected in parallel search mode.
type Evaluator struct {
	exec    Executor
	scorer  Scorer
	samples []Sample
	cfg     Config
	store   Store
	logger  *slog.Logger

	mu        sync.Mutex
	totalCost float64
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// WithStore sets the cache store backing PolicyReuse.
func WithStore(store Store) Option {
	return func(e *Evaluator) { e.store = store }
}

// NewEvaluator creates an evaluator over a fixed validation sample set.
func NewEvaluator(exec Executor, scorer Scorer, samples []Sample, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		exec:    exec,
		scorer:  scorer,
		samples: samples,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	return e
}

// TotalCost returns the cumulative spend across every evaluation so far,
// including failed ones. The search driver enforces its global cost
// ceiling against this.
func (e *Evaluator) TotalCost() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalCost
}

func (e *Evaluator) addCost(c float64) {
	if c <= 0 {
		return
	}
	e.mu.Lock()
	e.totalCost += c
	e.mu.Unlock()
}

// Evaluate runs the pipeline on up to sampleBudget validation samples and
// aggregates cost and quality.
//
// Outputs:
//   - *Result: Non-nil on success.
//   - error: *EvalError classifying the failure.
func (e *Evaluator) Evaluate(ctx context.Context, p *pipeline.Pipeline, sampleBudget int) (*Result, error) {
	digest := p.Digest()

	if e.cfg.CachePolicy == PolicyReuse {
		if cached, ok, err := e.store.Get(digest); err != nil {
			e.logger.Warn("cache read failed, re-sampling", slog.String("digest", digest[:12]), slog.String("error", err.Error()))
		} else if ok {
			e.logger.Debug("serving cached evaluation", slog.String("digest", digest[:12]))
			out := *cached
			out.FromCache = true
			return &out, nil
		}
	}

	samples := e.samples
	if sampleBudget > 0 && sampleBudget < len(samples) {
		samples = samples[:sampleBudget]
	}
	inputs := make([]Document, len(samples))
	for i := range samples {
		inputs[i] = samples[i].Input
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	outputs, cost, err := e.exec.Execute(execCtx, p, inputs)
	e.addCost(cost)

	if err != nil {
		kind := KindExecutionFailure
		if errors.Is(err, context.DeadlineExceeded) || (execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)) {
			kind = KindTimeout
		}
		e.logger.Warn("pipeline execution failed",
			slog.String("pipeline", p.Name),
			slog.String("digest", digest[:12]),
			slog.String("kind", kind.String()),
			slog.Float64("cost_usd", cost),
			slog.String("error", err.Error()))
		return nil, &EvalError{Kind: kind, CostUSD: cost, Err: err}
	}

	quality, scored, diags := e.aggregateQuality(outputs, samples)
	if scored == 0 {
		return nil, &EvalError{
			Kind:    KindQualityUndefined,
			CostUSD: cost,
			Err:     errors.New("no sample had a usable reference"),
		}
	}

	result := &Result{
		Cost:          cost,
		Quality:       quality,
		ScoredSamples: scored,
		Outputs:       outputs,
		Diagnostics:   diags,
		EvaluatedAt:   start,
	}
	if e.cfg.CachePolicy == PolicyReuse {
		if err := e.store.Put(digest, result); err != nil {
			e.logger.Warn("cache write failed", slog.String("digest", digest[:12]), slog.String("error", err.Error()))
		}
	}
	e.logger.Info("pipeline evaluated",
		slog.String("pipeline", p.Name),
		slog.String("digest", digest[:12]),
		slog.Float64("cost_usd", cost),
		slog.Float64("quality", quality),
		slog.Int("scored_samples", scored),
		slog.Duration("took", time.Since(start)))
	return result, nil
}

// aggregateQuality averages per-sample scores over samples that carry a
// reference. Samples without a reference are excluded, not zeroed.
func (e *Evaluator) aggregateQuality(outputs []Document, samples []Sample) (float64, int, []string) {
	var sum float64
	var scored int
	var diags []string

	for i, s := range samples {
		if s.Reference == nil {
			continue
		}
		if i >= len(outputs) {
			diags = append(diags, fmt.Sprintf("sample %d: no output produced", i))
			continue
		}
		score, err := e.scorer.Score(outputs[i], s.Reference)
		if err != nil {
			diags = append(diags, fmt.Sprintf("sample %d: score: %v", i, err))
			continue
		}
		sum += score
		scored++
	}
	if scored == 0 {
		return 0, 0, diags
	}
	return sum / float64(scored), scored, diags
}
