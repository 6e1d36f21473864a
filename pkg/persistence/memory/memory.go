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

// Package memory provides an in-memory persistence.Backend.
//
// It is the default for tests and development. Nothing survives a restart.
//
// # Transaction Isolation
//
// Writes are buffered in the transaction until Commit, which applies them
// under a single write lock. Reads inside a transaction see its own
// buffered writes; everyone else sees committed data only.
//
// # Data Isolation
//
// Documents and blobs are deep-copied on the way in and out, so callers
// can never modify stored data through a returned value.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

type blobKey struct {
	docID string
	attID string
}

// Backend keeps documents, blobs and local documents in maps.
type Backend struct {
	mu     sync.RWMutex
	docs   map[string]persistence.Document
	blobs  map[blobKey][]byte
	locals map[string]persistence.Document
	closed bool
}

var _ persistence.Backend = (*Backend)(nil)

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{
		docs:   make(map[string]persistence.Document),
		blobs:  make(map[blobKey][]byte),
		locals: make(map[string]persistence.Document),
	}
}

// NewStore returns a DocStore backed by a fresh in-memory backend.
func NewStore(opts ...persistence.Option) *persistence.DocStore {
	return persistence.New(NewBackend(), opts...)
}

func (b *Backend) Begin(ctx context.Context) (persistence.Tx, error) {
	if ctx == nil {
		return nil, errors.New("context cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	return &tx{
		backend: b,
		docs:    make(map[string]persistence.Document),
		blobs:   make(map[blobKey]*[]byte),
		locals:  make(map[string]*persistence.Document),
		dropAll: make(map[string]bool),
	}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return persistence.ErrClosed
	}

	b.closed = true
	b.docs = nil
	b.blobs = nil
	b.locals = nil

	return nil
}

// tx buffers writes until Commit. A nil pointer in blobs or locals marks a
// buffered delete. dropAll marks documents whose blobs are all deleted.
type tx struct {
	backend *Backend
	docs    map[string]persistence.Document
	blobs   map[blobKey]*[]byte
	locals  map[string]*persistence.Document
	dropAll map[string]bool
	done    bool
}

func (t *tx) check() error {
	if t.done {
		return errors.New("transaction is closed")
	}

	return nil
}

func (t *tx) GetDoc(_ context.Context, id string) (persistence.Document, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}

	if doc, ok := t.docs[id]; ok {
		return persistence.Clone(doc), true, nil
	}

	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()

	doc, ok := t.backend.docs[id]
	if !ok {
		return nil, false, nil
	}

	return persistence.Clone(doc), true, nil
}

func (t *tx) PutDoc(_ context.Context, doc persistence.Document) error {
	if err := t.check(); err != nil {
		return err
	}

	t.docs[doc.ID()] = persistence.Clone(doc)

	return nil
}

func (t *tx) ListDocs(_ context.Context) ([]persistence.Document, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	merged := make(map[string]persistence.Document)

	t.backend.mu.RLock()
	for id, doc := range t.backend.docs {
		merged[id] = doc
	}
	t.backend.mu.RUnlock()

	for id, doc := range t.docs {
		merged[id] = doc
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]persistence.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, persistence.Clone(merged[id]))
	}

	return out, nil
}

func (t *tx) GetBlob(_ context.Context, id, attID string) ([]byte, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}

	key := blobKey{docID: id, attID: attID}

	if data, ok := t.blobs[key]; ok {
		if data == nil {
			return nil, false, nil
		}

		return append([]byte(nil), (*data)...), true, nil
	}

	if t.dropAll[id] {
		return nil, false, nil
	}

	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()

	data, ok := t.backend.blobs[key]
	if !ok {
		return nil, false, nil
	}

	return append([]byte(nil), data...), true, nil
}

func (t *tx) PutBlob(_ context.Context, id, attID string, data []byte) error {
	if err := t.check(); err != nil {
		return err
	}

	cp := append([]byte(nil), data...)
	t.blobs[blobKey{docID: id, attID: attID}] = &cp

	return nil
}

func (t *tx) DeleteBlob(_ context.Context, id, attID string) error {
	if err := t.check(); err != nil {
		return err
	}

	t.blobs[blobKey{docID: id, attID: attID}] = nil

	return nil
}

func (t *tx) DeleteBlobs(_ context.Context, id string) error {
	if err := t.check(); err != nil {
		return err
	}

	for key := range t.blobs {
		if key.docID == id {
			delete(t.blobs, key)
		}
	}

	t.dropAll[id] = true

	return nil
}

func (t *tx) GetLocal(_ context.Context, id string) (persistence.Document, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}

	if doc, ok := t.locals[id]; ok {
		if doc == nil {
			return nil, false, nil
		}

		return persistence.Clone(*doc), true, nil
	}

	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()

	doc, ok := t.backend.locals[id]
	if !ok {
		return nil, false, nil
	}

	return persistence.Clone(doc), true, nil
}

func (t *tx) PutLocal(_ context.Context, id string, doc persistence.Document) error {
	if err := t.check(); err != nil {
		return err
	}

	cp := persistence.Clone(doc)
	t.locals[id] = &cp

	return nil
}

func (t *tx) DeleteLocal(ctx context.Context, id string) (bool, error) {
	_, ok, err := t.GetLocal(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	t.locals[id] = nil

	return true, nil
}

func (t *tx) ListLocal(_ context.Context, prefix string) ([]persistence.Document, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	merged := make(map[string]persistence.Document)

	t.backend.mu.RLock()
	for id, doc := range t.backend.locals {
		if strings.HasPrefix(id, prefix) {
			merged[id] = doc
		}
	}
	t.backend.mu.RUnlock()

	for id, doc := range t.locals {
		if !strings.HasPrefix(id, prefix) {
			continue
		}

		if doc == nil {
			delete(merged, id)

			continue
		}

		merged[id] = *doc
	}

	out := make([]persistence.Document, 0, len(merged))
	for _, doc := range merged {
		out = append(out, persistence.Clone(doc))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out, nil
}

func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}

	t.done = true

	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	if t.backend.closed {
		return persistence.ErrClosed
	}

	for id := range t.dropAll {
		for key := range t.backend.blobs {
			if key.docID == id {
				delete(t.backend.blobs, key)
			}
		}
	}

	for key, data := range t.blobs {
		if data == nil {
			delete(t.backend.blobs, key)

			continue
		}

		t.backend.blobs[key] = *data
	}

	for id, doc := range t.docs {
		t.backend.docs[id] = doc
	}

	for id, doc := range t.locals {
		if doc == nil {
			delete(t.backend.locals, id)

			continue
		}

		t.backend.locals[id] = *doc
	}

	return nil
}

func (t *tx) Rollback() error {
	t.done = true

	return nil
}
