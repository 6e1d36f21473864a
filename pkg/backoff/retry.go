// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted is joined into the error returned by Retry when every
// attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy is the single retry policy used for every mutation type: store
// upserts, attachment writes, remote calls and hydration writes.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"     validate:"min=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `yaml:"max_interval"     validate:"min=0"`
	Multiplier      float64       `yaml:"multiplier"       validate:"min=1"`
}

// DefaultPolicy returns five attempts starting at 20ms and capped at 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
}

type retryConfig struct {
	retryable func(error) bool
	onRetry   func(attempt int, err error, wait time.Duration)
}

// RetryOption customizes a single Retry call.
type RetryOption func(*retryConfig)

// RetryIf sets the predicate deciding whether an error is worth another
// attempt. The default retries everything that is not ignored or permanent.
func RetryIf(fn func(error) bool) RetryOption {
	return func(c *retryConfig) {
		c.retryable = fn
	}
}

// OnRetry registers a hook that runs before every wait.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

func (p Policy) newBackOff(ctx context.Context) cbackoff.BackOffContext {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	if p.MaxAttempts <= 1 {
		// WithMaxRetries treats zero as unlimited.
		return cbackoff.WithContext(&cbackoff.StopBackOff{}, ctx)
	}

	return cbackoff.WithContext(cbackoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// context ends or the policy runs out of attempts.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...RetryOption) error {
	cfg := retryConfig{
		retryable: func(err error) bool {
			return CategoryOf(err) == CategoryTransient
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	attempt := 0
	exhausted := false

	err := cbackoff.RetryNotify(func() error {
		attempt++

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !cfg.retryable(err) {
			return cbackoff.Permanent(err)
		}

		if attempt >= p.MaxAttempts {
			exhausted = true
		}

		return err
	}, p.newBackOff(ctx), func(err error, wait time.Duration) {
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, err, wait)
		}
	})

	if err != nil && exhausted {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}

	return err
}
