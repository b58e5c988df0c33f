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
	"log/slog"
	"os"

	"github.com/tidewater-ai/pipeforge/pkg/logging"
)

func main() {
	logger, closeLogs := logging.New(logging.Config{
		Debug:   os.Getenv("PIPEFORGE_DEBUG") != "",
		LogDir:  os.Getenv("PIPEFORGE_LOG_DIR"),
		Service: "pipeforge",
	})
	slog.SetDefault(logger)

	err := rootCmd.Execute()
	if cerr := closeLogs(); cerr != nil {
		logger.Warn("closing log file", slog.String("error", cerr.Error()))
	}
	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
