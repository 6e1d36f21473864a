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

import "errors"

// ErrorCategory tells a retry loop what to do with an error.
type ErrorCategory int

const (
	// CategoryIgnored marks an expected error. It is neither retried nor
	// surfaced as a failure.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient marks an error that may go away on its own, such as a
	// revision conflict or a 503 from the backend. Retry retries these.
	CategoryTransient

	// CategoryPermanent marks an error that retrying cannot fix, such as a
	// malformed request or a missing document on the remote side.
	CategoryPermanent
)

// CategorizedError wraps an error together with its category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// NewIgnoredError wraps err as CategoryIgnored.
func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategoryOf returns the category of err. Uncategorized errors count as
// transient.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	return CategoryTransient
}

// IsIgnoredError reports whether err was wrapped with NewIgnoredError.
func IsIgnoredError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.Category == CategoryIgnored
}

// IsPermanentError reports whether err was wrapped with NewPermanentError.
func IsPermanentError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.Category == CategoryPermanent
}
