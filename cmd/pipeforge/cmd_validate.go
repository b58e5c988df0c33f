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

	"github.com/spf13/cobra"

	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pipeline %q: %w", p.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d operations, %d steps, digest %s)\n",
		args[0], len(p.Operations), len(p.Steps), p.ShortDigest())
	return nil
}
