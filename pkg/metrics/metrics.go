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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

const (
	// Store operations.
	OpPut              = "put"
	OpUpsert           = "upsert"
	OpRemove           = "remove"
	OpBulkRemove       = "bulk_remove"
	OpPutAttachment    = "put_attachment"
	OpRemoveAttachment = "remove_attachment"
	OpPutLocal         = "put_local"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "qisync"
	subsystem = ""

	storeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_writes_total",
			Help:      "Total number of committed local store writes by operation",
		},
		[]string{"op"},
	)

	storeConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_conflicts_total",
			Help:      "Total number of writes rejected because of a stale revision",
		},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total number of retried attempts by operation",
		},
		[]string{"op"},
	)

	feedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "feed_dropped_total",
			Help:      "Total number of change events dropped for slow subscribers",
		},
	)

	attachmentFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attachment_fetches_total",
			Help:      "Total number of attachment blob fetches by result",
		},
		[]string{"result"},
	)

	hydrationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hydration_runs_total",
			Help:      "Total number of hydration runs by result",
		},
		[]string{"result"},
	)

	hydrationDocs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hydration_docs_total",
			Help:      "Documents touched by hydration, by action (created, existing, skipped)",
		},
		[]string{"action"},
	)

	cascadeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cascade_ops_total",
			Help:      "Project cascade delete operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	remoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_requests_total",
			Help:      "Requests sent to the remote backend by method and result",
		},
		[]string{"method", "result"},
	)

	remoteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_request_duration_seconds",
			Help:      "Duration of requests to the remote backend in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)
)

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetupMetricsEndpoint starts a standalone HTTP server for /metrics.
// It is used when the API server is disabled.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// RecordStoreWrite counts a committed store write.
func RecordStoreWrite(op string) {
	storeWrites.WithLabelValues(op).Inc()
}

// RecordStoreConflict counts a revision conflict.
func RecordStoreConflict() {
	storeConflicts.Inc()
}

// RecordRetry counts one retried attempt.
func RecordRetry(op string) {
	retries.WithLabelValues(op).Inc()
}

// RecordFeedDrop counts change events dropped for a slow subscriber.
func RecordFeedDrop(n int) {
	feedDropped.Add(float64(n))
}

// RecordAttachmentFetch counts an attachment fetch by result.
func RecordAttachmentFetch(result string) {
	attachmentFetches.WithLabelValues(result).Inc()
}

// RecordHydrationRun counts a finished hydration run.
func RecordHydrationRun(result string) {
	hydrationRuns.WithLabelValues(result).Inc()
}

// AddHydrationDocs adds n documents for a hydration action.
func AddHydrationDocs(action string, n int) {
	if n <= 0 {
		return
	}

	hydrationDocs.WithLabelValues(action).Add(float64(n))
}

// RecordCascadeOp counts one executed cascade operation.
func RecordCascadeOp(kind, result string) {
	cascadeOps.WithLabelValues(kind, result).Inc()
}

// ObserveRemoteRequest records one request to the remote backend.
func ObserveRemoteRequest(method string, success bool, duration time.Duration) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}

	remoteRequests.WithLabelValues(method, result).Inc()
	remoteDuration.WithLabelValues(method).Observe(duration.Seconds())
}
