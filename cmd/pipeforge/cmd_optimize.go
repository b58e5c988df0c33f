// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidewater-ai/pipeforge/services/llm"
	"github.com/tidewater-ai/pipeforge/services/optimizer/agent"
	"github.com/tidewater-ai/pipeforge/services/optimizer/directive"
	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/execute"
	"github.com/tidewater-ai/pipeforge/services/optimizer/mcts"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

// evalTimeout bounds one candidate evaluation. Long enough for a chunked
// document batch, short enough that a wedged backend cannot stall the
// whole run.
const evalTimeout = 2 * time.Minute

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}
	samples, err := loadSamples(samplesPath)
	if err != nil {
		return err
	}

	cfg, err := loadSearchConfig()
	if err != nil {
		return err
	}

	factory, err := newClientFactory(backend)
	if err != nil {
		return err
	}
	agentClient, err := factory.ClientFor(cfg.AgentModel)
	if err != nil {
		return err
	}

	registry := directive.DefaultRegistry(cfg.AllowedModels)
	proposer := agent.NewProposer(agentClient, registry,
		agent.WithLogger(slog.Default()),
		agent.WithSampleInput(samples[0].Input))

	policy, err := evaluate.ParseCachePolicy(cfg.CachePolicy)
	if err != nil {
		return err
	}
	evalOpts := []evaluate.Option{evaluate.WithLogger(slog.Default())}
	if policy == evaluate.PolicyReuse {
		store, closeStore, err := openStore(cacheDir)
		if err != nil {
			return err
		}
		defer closeStore()
		evalOpts = append(evalOpts, evaluate.WithStore(store))
	}
	executor := execute.NewLLMExecutor(factory, execute.WithLogger(slog.Default()))
	evaluator := evaluate.NewEvaluator(executor, evaluate.F1Scorer{}, samples,
		evaluate.Config{Timeout: evalTimeout, CachePolicy: policy}, evalOpts...)

	engineOpts := []mcts.EngineOption{mcts.WithLogger(slog.Default())}
	if metricsAddr != "" {
		m, shutdown, err := startTelemetry(metricsAddr)
		if err != nil {
			return err
		}
		defer shutdown()
		engineOpts = append(engineOpts, mcts.WithMetrics(m))
	}

	engine := mcts.NewEngine(cfg, registry, proposer, evaluator, engineOpts...)
	report, err := engine.Run(ctx, p)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), report.Render())
	if report.Best != nil {
		if err := report.Best.Save(outputPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nbest pipeline written to %s\n", outputPath)
	}
	if reportPath != "" {
		if err := report.Save(reportPath); err != nil {
			return err
		}
	}
	return nil
}

// loadSearchConfig merges the config file (or defaults) with CLI flag
// overrides.
func loadSearchConfig() (mcts.Config, error) {
	cfg := mcts.DefaultConfig()
	if configPath != "" {
		loaded, err := mcts.LoadConfig(configPath)
		if err != nil {
			return mcts.Config{}, err
		}
		cfg = loaded
	}
	if maxIter >= 0 {
		cfg.MaxIterations = maxIter
	}
	if costCeiling >= 0 {
		cfg.CostCeilingUSD = costCeiling
	}
	if parallelism > 0 {
		cfg.Parallelism = parallelism
	}
	if sampleBudget > 0 {
		cfg.SampleBudget = sampleBudget
	}
	return cfg, cfg.Validate()
}

// sampleFile is the on-disk shape of the samples JSON: a list of
// {input, reference} pairs. reference may be omitted.
type sampleFile []struct {
	Input     evaluate.Document `json:"input"`
	Reference evaluate.Document `json:"reference,omitempty"`
}

func loadSamples(path string) ([]evaluate.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read samples %s: %w", path, err)
	}
	var sf sampleFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse samples %s: %w", path, err)
	}
	if len(sf) == 0 {
		return nil, fmt.Errorf("samples %s: empty sample set", path)
	}
	samples := make([]evaluate.Sample, len(sf))
	for i, s := range sf {
		samples[i] = evaluate.Sample{Input: s.Input, Reference: s.Reference}
	}
	return samples, nil
}

func openStore(dir string) (evaluate.Store, func(), error) {
	if dir == "" {
		return evaluate.NewMemoryStore(), func() {}, nil
	}
	store, err := evaluate.NewBadgerStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache at %s: %w", dir, err)
	}
	return store, func() { _ = store.Close() }, nil
}

// clientFactory resolves model names to backend clients, pooling one
// client per model. Safe for concurrent use; parallel search workers
// resolve clients while evaluations are in flight.
type clientFactory struct {
	backend string

	mu      sync.Mutex
	clients map[string]llm.LLMClient
}

func newClientFactory(backend string) (*clientFactory, error) {
	switch backend {
	case "openai", "ollama":
		return &clientFactory{backend: backend, clients: make(map[string]llm.LLMClient)}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want openai or ollama)", backend)
	}
}

func (f *clientFactory) ClientFor(model string) (llm.LLMClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[model]; ok {
		return c, nil
	}
	var (
		c   llm.LLMClient
		err error
	)
	switch f.backend {
	case "ollama":
		c = llm.NewOllamaClient(model)
	default:
		c, err = llm.NewOpenAIClient(model)
	}
	if err != nil {
		return nil, err
	}
	f.clients[model] = c
	return c, nil
}
