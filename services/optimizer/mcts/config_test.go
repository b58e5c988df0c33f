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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ExplorationConstant != 1.414 {
		t.Errorf("ExplorationConstant = %f, want 1.414", cfg.ExplorationConstant)
	}
	if cfg.Lambda != 1.0 {
		t.Errorf("Lambda = %f, want 1.0", cfg.Lambda)
	}
	if cfg.CachePolicy != "none" {
		t.Errorf("CachePolicy = %q, want none", cfg.CachePolicy)
	}
	if cfg.AgentModel != "gpt-4.1" {
		t.Errorf("AgentModel = %q, want gpt-4.1", cfg.AgentModel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "search.yaml")
	content := []byte("max_iterations: 7\nlambda: 0.25\ncache_policy: reuse\ntime_limit: 30s\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.MaxIterations)
	}
	if cfg.Lambda != 0.25 {
		t.Errorf("Lambda = %f, want 0.25", cfg.Lambda)
	}
	if cfg.CachePolicy != "reuse" {
		t.Errorf("CachePolicy = %q, want reuse", cfg.CachePolicy)
	}
	if cfg.TimeLimit != 30*time.Second {
		t.Errorf("TimeLimit = %v, want 30s", cfg.TimeLimit)
	}
	// Untouched fields keep defaults.
	if cfg.SampleBudget != 5 {
		t.Errorf("SampleBudget = %d, want default 5", cfg.SampleBudget)
	}
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "search.yaml")
	if err := os.WriteFile(path, []byte("cache_policy: always\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted an invalid cache policy")
	}
}
