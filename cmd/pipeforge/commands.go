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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath   string
	samplesPath  string
	outputPath   string
	reportPath   string
	cacheDir     string
	backend      string
	metricsAddr  string
	maxIter      int
	costCeiling  float64
	parallelism  int
	sampleBudget int

	rootCmd = &cobra.Command{
		Use:   "pipeforge",
		Short: "A search-based optimizer for declarative document pipelines",
		Long: `Pipeforge rewrites declarative document-processing pipelines using a
guided tree search: an LLM agent proposes rewrites, each candidate is
evaluated on sample documents, and the search converges on pipelines
that trade cost against output quality.`,
	}

	optimizeCmd = &cobra.Command{
		Use:   "optimize [pipeline.yaml]",
		Short: "Search for cheaper or higher-quality rewrites of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runOptimize, // Defined in cmd_optimize.go
	}

	validateCmd = &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Check a pipeline file for structural errors",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate, // Defined in cmd_validate.go
	}

	reportCmd = &cobra.Command{
		Use:   "report [report.yaml]",
		Short: "Render a saved run report as a table",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport, // Defined in cmd_report.go
	}
)

func init() {
	rootCmd.AddCommand(optimizeCmd)
	optimizeCmd.Flags().StringVarP(&configPath, "config", "c", "", "Search configuration YAML (defaults when omitted)")
	optimizeCmd.Flags().StringVarP(&samplesPath, "samples", "s", "", "Sample documents JSON file (required)")
	optimizeCmd.Flags().StringVarP(&outputPath, "out", "o", "optimized.yaml", "Where to write the best pipeline")
	optimizeCmd.Flags().StringVar(&reportPath, "report", "", "Where to write the run report YAML")
	optimizeCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Badger directory for the evaluation cache (memory cache when empty)")
	optimizeCmd.Flags().StringVar(&backend, "backend", "openai", "LLM backend: openai or ollama")
	optimizeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	optimizeCmd.Flags().IntVar(&maxIter, "iterations", -1, "Override the iteration budget")
	optimizeCmd.Flags().Float64Var(&costCeiling, "cost-ceiling", -1, "Override the USD cost ceiling")
	optimizeCmd.Flags().IntVar(&parallelism, "parallelism", 0, "Override the number of simulation workers")
	optimizeCmd.Flags().IntVar(&sampleBudget, "sample-budget", 0, "Override documents evaluated per candidate")
	_ = optimizeCmd.MarkFlagRequired("samples")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reportCmd)
}
