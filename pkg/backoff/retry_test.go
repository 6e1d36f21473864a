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

package backoff_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
)

var _ = Describe("Retry", func() {
	var (
		ctx    context.Context
		policy backoff.Policy
	)

	BeforeEach(func() {
		ctx = context.Background()
		policy = backoff.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		}
	})

	It("returns nil once the operation succeeds", func() {
		calls := 0
		err := backoff.Retry(ctx, policy, func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("flaky")
			}

			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(2))
	})

	It("stops after MaxAttempts and reports exhaustion", func() {
		sentinel := errors.New("still failing")
		calls := 0
		err := backoff.Retry(ctx, policy, func(context.Context) error {
			calls++

			return sentinel
		})
		Expect(calls).To(Equal(3))
		Expect(errors.Is(err, backoff.ErrRetriesExhausted)).To(BeTrue())
		Expect(errors.Is(err, sentinel)).To(BeTrue())
	})

	It("does not retry permanent errors", func() {
		calls := 0
		err := backoff.Retry(ctx, policy, func(context.Context) error {
			calls++

			return backoff.NewPermanentError(errors.New("bad request"))
		})
		Expect(calls).To(Equal(1))
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(errors.Is(err, backoff.ErrRetriesExhausted)).To(BeFalse())
	})

	It("honours a custom predicate", func() {
		retryable := errors.New("conflict")
		calls := 0
		err := backoff.Retry(ctx, policy, func(context.Context) error {
			calls++
			if calls == 1 {
				return retryable
			}

			return errors.New("other")
		}, backoff.RetryIf(func(err error) bool { return errors.Is(err, retryable) }))
		Expect(calls).To(Equal(2))
		Expect(err).To(MatchError("other"))
	})

	It("calls the retry hook before each wait", func() {
		var attempts []int
		_ = backoff.Retry(ctx, policy, func(context.Context) error {
			return errors.New("x")
		}, backoff.OnRetry(func(attempt int, _ error, _ time.Duration) {
			attempts = append(attempts, attempt)
		}))
		Expect(attempts).To(Equal([]int{1, 2}))
	})

	It("gives up when the context is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := backoff.Retry(cctx, policy, func(context.Context) error {
			return errors.New("x")
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("CategoryOf", func() {
	It("treats plain errors as transient", func() {
		Expect(backoff.CategoryOf(errors.New("x"))).To(Equal(backoff.CategoryTransient))
	})

	It("sees through wrapping", func() {
		err := backoff.NewIgnoredError(errors.New("x"))
		Expect(backoff.IsIgnoredError(errors.Join(errors.New("outer"), err))).To(BeTrue())
	})
})
