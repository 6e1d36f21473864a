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

// Package remote is the HTTP client of the vapor-core backend.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 4
	// maxRetryAfter caps how long a single Retry-After may stall a call.
	maxRetryAfter = 30 * time.Second
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	policy     backoff.Policy
	sem        *semaphore.Weighted
	log        *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithMaxConcurrency bounds in-flight requests across all callers.
func WithMaxConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New returns a client for the backend at baseURL. A zero timeout uses
// 30 seconds.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		policy:     backoff.DefaultPolicy(),
		sem:        semaphore.NewWeighted(defaultConcurrency),
		log:        logger.For(logger.ComponentRemote),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	op      string
	method  string
	path    string
	query   url.Values
	headers map[string]string
	body    interface{}
}

// do sends req and decodes a 2xx body into out. Transient failures are
// retried under the client's policy, honouring Retry-After.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	var payload []byte

	if req.body != nil {
		var err error

		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", req.op, err)
		}
	}

	var wait time.Duration

	return backoff.Retry(ctx, c.policy, func(ctx context.Context) error {
		if wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return backoff.NewPermanentError(err)
			}

			wait = 0
		}

		err := c.once(ctx, req, payload, out)

		var re *Error
		if errors.As(err, &re) && re.RetryAfter > 0 {
			wait = min(re.RetryAfter, maxRetryAfter)
		}

		return err
	},
		backoff.RetryIf(IsTransient),
		backoff.OnRetry(func(attempt int, err error, next time.Duration) {
			metrics.RecordRetry("remote_" + req.op)
			c.log.Debugw("remote_request_retry", "op", req.op, "attempt", attempt, "wait", next, "error", err)
		}),
	)
}

func (c *Client) once(ctx context.Context, req request, payload []byte, out interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return &Error{Op: req.op, Method: req.method, Path: req.path, Class: ClassClient, Message: err.Error(), Err: err}
	}

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpReq.Header.Set("Accept", "application/json")

	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ObserveRemoteRequest(req.method, false, time.Since(start))

		if ctx.Err() != nil {
			return backoff.NewPermanentError(ctx.Err())
		}

		return &Error{Op: req.op, Method: req.method, Path: req.path, Class: ClassNetwork, Message: err.Error(), Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveRemoteRequest(req.method, false, time.Since(start))

		return &Error{Op: req.op, Method: req.method, Path: req.path, Class: ClassNetwork, Message: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveRemoteRequest(req.method, false, time.Since(start))

		return newStatusError(req.op, req.method, req.path, resp.StatusCode, respBody, resp.Header)
	}

	metrics.ObserveRemoteRequest(req.method, true, time.Since(start))

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{
			Op: req.op, Method: req.method, Path: req.path, Class: ClassDecode,
			StatusCode: resp.StatusCode, Message: err.Error(), Err: err,
		}
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
