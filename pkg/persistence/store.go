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

// Mutator derives the next version of a document from the current one.
// current is a private copy holding at least "_id". Returning false skips
// the write.
type Mutator func(current Document) (Document, bool)

// DocRef names a document revision.
type DocRef struct {
	ID  string
	Rev string
}

// BulkResult is the outcome for one document of a bulk call.
type BulkResult struct {
	ID  string
	Rev string
	Err error
}

// Row is one AllDocs result. Doc is only set when IncludeDocs was given.
type Row struct {
	ID  string
	Rev string
	Doc Document
	Err error
}

// AllDocsOptions selects the documents returned by AllDocs. With Keys set,
// one row per key is returned in key order and Query is ignored. Without
// Keys, every live document is returned in id order, filtered by Query.
type AllDocsOptions struct {
	Keys        []string
	IncludeDocs bool
	Query       *Query
}

// ChangesOptions configures a change feed subscription.
type ChangesOptions struct {
	// Since replays retained events with a larger sequence number. Zero
	// starts at the next commit.
	Since uint64
	// DocID restricts the feed to a single document.
	DocID string
	// IncludeDocs attaches a copy of the committed document.
	IncludeDocs bool
	// Buffer overrides the store's per-subscriber buffer size.
	Buffer int
}

// ChangeEvent announces one committed write.
type ChangeEvent struct {
	Seq        uint64
	ID         string
	Rev        string
	Deleted    bool
	Doc        Document
	MutationID string
}

// Attachment is a stored blob.
type Attachment struct {
	Data        []byte
	ContentType string
	Digest      string
}

// Store is the local document store.
//
// Writes that name a revision fail with a *ConflictError unless it is the
// current one. An empty revision is only accepted for an absent or deleted
// document. All methods are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (Document, error)
	Put(ctx context.Context, doc Document) (string, error)
	Upsert(ctx context.Context, id string, mutate Mutator) (string, error)
	Remove(ctx context.Context, id, rev string) (string, error)
	BulkRemove(ctx context.Context, refs []DocRef) ([]BulkResult, error)

	PutAttachment(ctx context.Context, id, attID, rev string, data []byte, contentType string) (string, error)
	GetAttachment(ctx context.Context, id, attID string) (Attachment, error)
	RemoveAttachment(ctx context.Context, id, attID, rev string) (string, error)

	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error)
	Changes(ctx context.Context, opts ChangesOptions) (*Subscription, error)

	PutLocal(ctx context.Context, id string, doc Document) error
	GetLocal(ctx context.Context, id string) (Document, error)
	RemoveLocal(ctx context.Context, id string) error
	ListLocal(ctx context.Context, prefix string) ([]Document, error)

	Close() error
}
