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
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// runParallel runs cfg.Parallelism simulation workers. Selection and
// expansion are serialized under selMu so two workers never race on the
// same leaf's option bookkeeping; the expensive part, pipeline
// evaluation, runs concurrently. Virtual losses keep concurrent workers
// off each other's selection paths while their evaluations are in flight.
func (e *Engine) runParallel(ctx context.Context) (stopReason string, incomplete bool) {
	var (
		selMu  sync.Mutex
		stopMu sync.Mutex
	)
	setStop := func(reason string, inc bool) {
		stopMu.Lock()
		defer stopMu.Unlock()
		if stopReason == "" {
			stopReason = reason
			incomplete = inc
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func(reason string, inc bool) {
		setStop(reason, inc)
		closeOnce.Do(func() { close(done) })
	}

	for w := 0; w < e.cfg.Parallelism; w++ {
		worker := w
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					stop("context canceled", true)
					return nil
				default:
				}
				if err := e.budget.Check(); err != nil {
					stop(err.Error(), false)
					return nil
				}

				selMu.Lock()
				leaf := e.selectWithVirtualLoss()
				if leaf == nil {
					selMu.Unlock()
					stop(ErrSpaceExhausted.Error(), false)
					return nil
				}
				if !e.hasOptions(leaf) {
					e.releaseVirtualLoss(leaf)
					e.tree.PropagateExhaustion(leaf, e.hasOptions)
					exhausted := !e.tree.Root.Selectable()
					selMu.Unlock()
					if exhausted {
						stop(ErrSpaceExhausted.Error(), false)
						return nil
					}
					continue
				}

				// Expansion stays under the lock: it mutates the leaf's
				// used-action set and attaches children.
				var children []*Node
				var expandErr error
				for _, goal := range expansionGoals {
					child, err := e.expand(gctx, leaf, goal)
					if err != nil {
						expandErr = err
						break
					}
					if child != nil {
						child.AddVirtualLoss()
						children = append(children, child)
					}
				}
				selMu.Unlock()

				if expandErr != nil {
					e.releaseVirtualLoss(leaf)
					for _, c := range children {
						c.RemoveVirtualLoss()
					}
					switch {
					case errors.Is(expandErr, ErrCircuitOpen):
						stop(expandErr.Error(), true)
					case errors.Is(expandErr, context.Canceled), errors.Is(expandErr, context.DeadlineExceeded):
						stop("context canceled", true)
					default:
						e.logger.Error("expansion failed",
							slog.Int("worker", worker),
							slog.String("error", expandErr.Error()))
						stop(expandErr.Error(), true)
					}
					return nil
				}

				for _, child := range children {
					err := e.simulate(gctx, child)
					child.RemoveVirtualLoss()
					if err != nil {
						e.releaseVirtualLoss(leaf)
						stop("context canceled", true)
						return nil
					}
				}
				e.releaseVirtualLoss(leaf)
				e.budget.CompleteIteration()
				e.metrics.RecordIteration(gctx)
			}
		})
	}
	_ = g.Wait()
	if stopReason == "" {
		stopReason = "context canceled"
		incomplete = true
	}
	return stopReason, incomplete
}

// selectWithVirtualLoss walks the UCB1 path and pins a virtual loss on
// every node along it. Callers must release with releaseVirtualLoss.
func (e *Engine) selectWithVirtualLoss() *Node {
	leaf := SelectPath(e.tree, e.cfg.ExplorationConstant, e.hasOptions)
	if leaf == nil {
		return nil
	}
	for n := leaf; n != nil; n = n.Parent {
		n.AddVirtualLoss()
	}
	return leaf
}

// releaseVirtualLoss removes the losses pinned by selectWithVirtualLoss.
func (e *Engine) releaseVirtualLoss(leaf *Node) {
	for n := leaf; n != nil; n = n.Parent {
		n.RemoveVirtualLoss()
	}
}
