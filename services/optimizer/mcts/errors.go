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

import "errors"

// Sentinel errors for the mcts package. The budget sentinels are normal
// termination signals, not failures.
var (
	ErrBudgetExhausted   = errors.New("search budget exhausted")
	ErrIterationsDone    = errors.New("search iteration limit reached")
	ErrTimeLimitExceeded = errors.New("search time limit exceeded")
	ErrCostLimitExceeded = errors.New("search cost ceiling reached")
	ErrSpaceExhausted    = errors.New("search space exhausted below root")

	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrTreeNotInitialized = errors.New("search tree not initialized")
	ErrNodePruned         = errors.New("node has been pruned")
	ErrRootUnevaluated    = errors.New("root pipeline could not be evaluated")
)
