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

package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrUnavailable matches every error that retrying might fix: network
// failures, 5xx responses and rate limiting.
var ErrUnavailable = errors.New("remote backend unavailable")

// Class groups remote failures by what a caller can do about them.
type Class string

const (
	ClassNotFound  Class = "not_found"
	ClassRateLimit Class = "rate_limit"
	ClassServer    Class = "server"
	ClassClient    Class = "client"
	ClassNetwork   Class = "network"
	ClassDecode    Class = "decode"
)

// Error is a failed call to the backend.
type Error struct {
	Err        error
	Op         string
	Method     string
	Path       string
	Message    string
	Class      Class
	StatusCode int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s %s: HTTP %d (%s): %s", e.Op, e.Method, e.Path, e.StatusCode, e.Class, e.Message)
	}

	return fmt.Sprintf("%s %s %s: %s: %s", e.Op, e.Method, e.Path, e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrUnavailable for transient classes and another *Error of
// the same class.
func (e *Error) Is(target error) bool {
	if target == ErrUnavailable {
		return e.Transient()
	}

	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Class == t.Class
}

// Transient reports whether a retry may succeed.
func (e *Error) Transient() bool {
	switch e.Class {
	case ClassNetwork, ClassServer, ClassRateLimit:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var re *Error

	return errors.As(err, &re) && re.Class == ClassNotFound
}

// IsTransient reports whether err is a remote error worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func classify(status int) Class {
	switch {
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

func newStatusError(op, method, path string, status int, body []byte, h http.Header) *Error {
	msg := http.StatusText(status)
	if len(body) > 0 && len(body) < 200 {
		msg = string(body)
	}

	return &Error{
		Op:         op,
		Method:     method,
		Path:       path,
		Message:    msg,
		Class:      classify(status),
		StatusCode: status,
		RetryAfter: parseRetryAfter(h),
	}
}
