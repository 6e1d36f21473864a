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

package metrics_test

import (
	"io"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	It("exposes recorded series on the scrape handler", func() {
		metrics.RecordStoreWrite(metrics.OpPut)
		metrics.RecordStoreConflict()
		metrics.RecordFeedDrop(2)
		metrics.RecordCascadeOp("child_doc", metrics.ResultSuccess)
		metrics.ObserveRemoteRequest("GET", true, 15*time.Millisecond)
		metrics.AddHydrationDocs("created", 3)

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(rec.Result().Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`qisync_store_writes_total{op="put"}`))
		Expect(string(body)).To(ContainSubstring("qisync_store_conflicts_total"))
		Expect(string(body)).To(ContainSubstring("qisync_feed_dropped_total"))
		Expect(string(body)).To(ContainSubstring(`qisync_cascade_ops_total{kind="child_doc",result="success"}`))
		Expect(string(body)).To(ContainSubstring("qisync_remote_request_duration_seconds_bucket"))
		Expect(string(body)).To(ContainSubstring(`qisync_hydration_docs_total{action="created"}`))
	})

	It("ignores non-positive hydration counts", func() {
		Expect(func() { metrics.AddHydrationDocs("skipped", 0) }).NotTo(Panic())
	})
})
