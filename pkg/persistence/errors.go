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

package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for absent or deleted documents and attachments.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("document update conflict")

	// ErrClosed is returned by every call on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidDocument is returned for documents without a usable id.
	ErrInvalidDocument = errors.New("invalid document")
)

// ConflictError is returned when a write names a revision that is not the
// current one.
type ConflictError struct {
	ID       string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document update conflict on %q: expected rev %q, current rev %q", e.ID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err means the document or attachment is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
