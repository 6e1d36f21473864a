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

package sentry_test

import (
	"errors"
	"sync"

	sentrygo "github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

var _ = Describe("ReportIssue", func() {
	var (
		log      *zap.SugaredLogger
		mu       sync.Mutex
		captured []*sentrygo.Event
	)

	BeforeEach(func() {
		log = zaptest.NewLogger(GinkgoT()).Sugar()
		captured = nil

		err := sentrygo.Init(sentrygo.ClientOptions{
			BeforeSend: func(event *sentrygo.Event, _ *sentrygo.EventHint) *sentrygo.Event {
				mu.Lock()
				defer mu.Unlock()

				captured = append(captured, event)

				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		sentry.DisableTestMode()
	})

	events := func() []*sentrygo.Event {
		mu.Lock()
		defer mu.Unlock()

		return append([]*sentrygo.Event(nil), captured...)
	}

	It("sends every report in test mode", func() {
		sentry.EnableTestMode()

		sentry.ReportIssue(errors.New("put failed: conflict"), sentry.IssueTypeError, log)
		sentry.ReportIssue(errors.New("put failed: conflict"), sentry.IssueTypeError, log)

		Eventually(events).Should(HaveLen(2))
		Expect(events()[0].Exception[0].Type).To(Equal("put failed"))
	})

	It("debounces identical warnings", func() {
		sentry.DisableTestMode()

		sentry.ReportIssue(errors.New("fetch failed"), sentry.IssueTypeWarning, log)
		sentry.ReportIssue(errors.New("fetch failed"), sentry.IssueTypeWarning, log)
		sentry.ReportIssue(errors.New("other failure"), sentry.IssueTypeWarning, log)

		Eventually(events).Should(HaveLen(2))
		Consistently(events, "50ms").Should(HaveLen(2))
	})

	It("turns context into tags and fingerprint hints", func() {
		sentry.EnableTestMode()

		sentry.ReportStoreError(log, "p1", "upsert_metadata", errors.New("boom"))

		Eventually(events).Should(HaveLen(1))
		event := events()[0]
		Expect(event.Tags).To(HaveKeyWithValue("doc_id", "p1"))
		Expect(event.Fingerprint).To(ContainElement("operation: upsert_metadata"))
	})

	It("ignores nil errors", func() {
		sentry.EnableTestMode()
		sentry.ReportIssue(nil, sentry.IssueTypeError, log)
		Consistently(events, "50ms").Should(BeEmpty())
	})
})
