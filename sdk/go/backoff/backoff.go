// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package backoff provides a small retry policy shared by callers
// that poll or shell out to flaky collaborators.
package backoff

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

// Policy describes how many times to try an operation, how long to
// wait between tries, and which errors are worth another try.
//
// The zero value tries once.
type Policy struct {
	// Total number of tries, including the first. Values < 1
	// are treated as 1.
	Attempts int

	// Delay returns the wait before retry number n (0-based).
	// Nil means no wait.
	Delay func(n int) time.Duration

	// Retryable reports whether err should be retried. Nil means
	// every error is retryable.
	Retryable func(err error) bool

	// OnRetry, if not nil, is called before each wait.
	OnRetry func(n int, err error)
}

// Exponential returns a delay function yielding base, 2*base,
// 4*base, ...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		return base << uint(n)
	}
}

// Linear returns a delay function yielding base, 2*base, 3*base, ...
func Linear(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		return base * time.Duration(n+1)
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The returned error is the
// last one returned by fn (or ctx.Err()).
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn()
		},
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ *retry.Config) time.Duration {
			if p.Delay == nil {
				return 0
			}
			return p.Delay(int(n))
		}),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return p.Retryable == nil || p.Retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			if p.OnRetry != nil {
				p.OnRetry(int(n), err)
			}
		}),
	)
	return err
}
