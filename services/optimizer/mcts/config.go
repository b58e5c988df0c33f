// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config controls a search run. Zero values are filled in by
// ApplyDefaults; Validate rejects configurations that would make the
// search meaningless.
type Config struct {
	// ExplorationConstant weights the UCB1 exploration term.
	ExplorationConstant float64 `yaml:"exploration_constant" validate:"gte=0"`

	// Lambda weights the cost penalty in the reward scalarization.
	Lambda float64 `yaml:"lambda" validate:"gte=0"`

	// MaxIterations bounds the number of search iterations.
	MaxIterations int `yaml:"max_iterations" validate:"gte=0"`

	// TimeLimit bounds wall-clock search time. Zero disables it.
	TimeLimit time.Duration `yaml:"-" validate:"gte=0"`

	// CostCeilingUSD bounds combined evaluation and agent spend in USD.
	// Zero disables it.
	CostCeilingUSD float64 `yaml:"cost_ceiling_usd" validate:"gte=0"`

	// SampleBudget is the number of sample documents evaluated per node.
	SampleBudget int `yaml:"sample_budget" validate:"gt=0"`

	// MaxChoices caps rewrite proposals requested from the agent per
	// expansion.
	MaxChoices int `yaml:"max_choices" validate:"gt=0"`

	// Parallelism is the number of concurrent simulation workers. One
	// means a fully sequential search.
	Parallelism int `yaml:"parallelism" validate:"gt=0"`

	// CachePolicy selects evaluation caching: "none" re-executes every
	// pipeline, "reuse" serves repeated digests from the cache.
	CachePolicy string `yaml:"cache_policy" validate:"oneof=none reuse"`

	// BreakerThreshold and BreakerResetTimeout configure the agent
	// circuit breaker.
	BreakerThreshold    int           `yaml:"breaker_threshold" validate:"gte=0"`
	BreakerResetTimeout time.Duration `yaml:"-" validate:"gte=0"`

	// AgentModel is the model used by the proposing agent.
	AgentModel string `yaml:"agent_model" validate:"required"`

	// AllowedModels is the model catalog offered to the change_model
	// rewrite.
	AllowedModels []string `yaml:"allowed_models" validate:"min=1"`
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns the settings used when no configuration file is
// given.
func DefaultConfig() Config {
	return Config{
		ExplorationConstant: DefaultExplorationConstant,
		Lambda:              1.0,
		MaxIterations:       20,
		TimeLimit:           15 * time.Minute,
		SampleBudget:        5,
		MaxChoices:          3,
		Parallelism:         1,
		CachePolicy:         "none",
		BreakerThreshold:    3,
		BreakerResetTimeout: 30 * time.Second,
		AgentModel:          "gpt-4.1",
		AllowedModels:       []string{"gpt-4.1-nano", "gpt-4o-mini", "gpt-4o", "gpt-4.1"},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. Explicit
// zeros for MaxIterations, TimeLimit, and CostCeilingUSD are meaningful
// and preserved.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ExplorationConstant == 0 {
		c.ExplorationConstant = d.ExplorationConstant
	}
	if c.SampleBudget == 0 {
		c.SampleBudget = d.SampleBudget
	}
	if c.MaxChoices == 0 {
		c.MaxChoices = d.MaxChoices
	}
	if c.Parallelism == 0 {
		c.Parallelism = d.Parallelism
	}
	if c.CachePolicy == "" {
		c.CachePolicy = d.CachePolicy
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = d.BreakerResetTimeout
	}
	if c.AgentModel == "" {
		c.AgentModel = d.AgentModel
	}
	if len(c.AllowedModels) == 0 {
		c.AllowedModels = d.AllowedModels
	}
}

// Validate checks the configuration's struct tags.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid search config: %w", err)
	}
	return nil
}

// durations travel as strings in YAML ("30s", "15m"); yaml.v3 has no
// native time.Duration support.
type configFile struct {
	Config              `yaml:",inline"`
	TimeLimit           string `yaml:"time_limit"`
	BreakerResetTimeout string `yaml:"breaker_reset_timeout"`
}

// LoadConfig reads a YAML configuration file, applies defaults, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := configFile{Config: DefaultConfig()}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := raw.Config
	if raw.TimeLimit != "" {
		d, err := time.ParseDuration(raw.TimeLimit)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: time_limit: %w", path, err)
		}
		cfg.TimeLimit = d
	}
	if raw.BreakerResetTimeout != "" {
		d, err := time.ParseDuration(raw.BreakerResetTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: breaker_reset_timeout: %w", path, err)
		}
		cfg.BreakerResetTimeout = d
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
