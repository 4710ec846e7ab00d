//  Copyright 2026 Cody Buell
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package retry provides retry with backoff for operations against flaky
// collaborators - the EC2 API and the instance metadata service in
// particular.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// DefaultMaximumBackoff is the backoff cap applied when a policy does not
// set MaximumBackoff and the computed backoff overflows.
const DefaultMaximumBackoff = time.Hour

// Policy describes how an operation should be retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts before giving up. A value
	// of 0 means retry until the context is done.
	MaxAttempts int
	// Jitter is the base delay between attempts.
	Jitter time.Duration
	// BackoffFactor is the multiplier applied to Jitter on every subsequent
	// attempt. A factor of 1 gives a constant backoff.
	BackoffFactor float64
	// MaximumBackoff caps the computed backoff. Defaults to
	// [DefaultMaximumBackoff] when unset and the computation overflows.
	MaximumBackoff time.Duration
	// ShouldRetry allows callers to mark certain errors as permanent. When
	// unset every error is considered retriable.
	ShouldRetry func(err error) bool
}

// backoff computes the delay before the next attempt. Attempts are counted
// from 0.
func backoff(attempt int, policy Policy) time.Duration {
	max := policy.MaximumBackoff
	if max == 0 {
		max = DefaultMaximumBackoff
	}

	if attempt < 0 {
		return max
	}

	delay := float64(policy.Jitter) * math.Pow(policy.BackoffFactor, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// isRetriable reports whether err should be retried under policy.
func isRetriable(policy Policy, err error) bool {
	if policy.ShouldRetry == nil {
		return true
	}
	return policy.ShouldRetry(err)
}

// Run runs fn until it succeeds, the policy's attempts are exhausted, the
// error is marked permanent or the context is canceled.
func Run(ctx context.Context, policy Policy, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("retry function cannot be nil")
	}
	_, err := RunWithResponse(ctx, policy, func() (any, error) {
		return nil, fn()
	})
	return err
}

// RunWithResponse is [Run] for operations returning a value alongside the
// error.
func RunWithResponse[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	var resp T
	var err error

	if fn == nil {
		return resp, fmt.Errorf("retry function cannot be nil")
	}

	for attempt := 0; policy.MaxAttempts == 0 || attempt < policy.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return resp, fmt.Errorf("retry context error: %w", err)
		}

		resp, err = fn()
		if err == nil {
			return resp, nil
		}

		if !isRetriable(policy, err) {
			return resp, err
		}

		delay := backoff(attempt, policy)
		galog.V(2).Debugf("Attempt %d failed (%v), retrying in %v.", attempt+1, err, delay)

		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("retry context error: %w, last error: %v", ctx.Err(), err)
		case <-time.After(delay):
		}
	}

	return resp, fmt.Errorf("exhausted %d retry attempts, last error: %w", policy.MaxAttempts, err)
}
