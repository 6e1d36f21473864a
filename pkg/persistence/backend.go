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

import "context"

// Backend is the raw storage under a DocStore. It knows nothing about
// revisions, conflicts or the change feed.
type Backend interface {
	// Begin starts a transaction. DocStore never runs two write
	// transactions at the same time.
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx reads and writes raw rows. Reads see the transaction's own writes.
// Documents passed in and returned are owned by the caller.
type Tx interface {
	// GetDoc returns the stored row for id, tombstones included.
	GetDoc(ctx context.Context, id string) (Document, bool, error)
	PutDoc(ctx context.Context, doc Document) error
	// ListDocs returns every stored row, tombstones included, in id order.
	ListDocs(ctx context.Context) ([]Document, error)

	GetBlob(ctx context.Context, id, attID string) ([]byte, bool, error)
	PutBlob(ctx context.Context, id, attID string, data []byte) error
	DeleteBlob(ctx context.Context, id, attID string) error
	DeleteBlobs(ctx context.Context, id string) error

	GetLocal(ctx context.Context, id string) (Document, bool, error)
	PutLocal(ctx context.Context, id string, doc Document) error
	DeleteLocal(ctx context.Context, id string) (bool, error)
	// ListLocal returns local documents whose id has prefix, in id order.
	ListLocal(ctx context.Context, prefix string) ([]Document, error)

	Commit() error
	// Rollback is a no-op after Commit.
	Rollback() error
}
