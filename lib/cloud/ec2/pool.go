// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// workers returns the size of the worker pool used for launch and
// termination batches: NumCPU, clamped to [MinWorkers, MaxWorkers].
func (prv *ec2Provider) workers() int {
	n := runtime.NumCPU()
	if prv.cfg.MaxWorkers > 0 && n > prv.cfg.MaxWorkers {
		n = prv.cfg.MaxWorkers
	}
	if n < prv.cfg.MinWorkers {
		n = prv.cfg.MinWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (prv *ec2Provider) batchSize() int {
	if prv.cfg.BatchSize > 0 {
		return prv.cfg.BatchSize
	}
	return 200
}

// forEach calls fn(ctx, i) for i in [0, n) on the worker pool and
// waits for all calls to return. Callers record per-item outcomes
// themselves; fn should only return an error to abandon the
// remaining items.
func (prv *ec2Provider) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(prv.workers())
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i)
		})
	}
	return eg.Wait()
}

// chunks splits ids into slices of at most size elements.
func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
