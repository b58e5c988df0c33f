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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tidewater-ai/pipeforge/services/optimizer/mcts"
)

func runReport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read report %s: %w", args[0], err)
	}
	var report mcts.Report
	if err := yaml.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("parse report %s: %w", args[0], err)
	}
	fmt.Fprint(cmd.OutOrStdout(), report.Render())
	return nil
}
