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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
)

// Option configures a DocStore.
type Option func(*DocStore)

// WithRetryPolicy sets the policy Upsert uses to retry conflicts.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *DocStore) {
		s.policy = p
	}
}

// WithFeedBuffer sets the default per-subscriber buffer size.
func WithFeedBuffer(n int) Option {
	return func(s *DocStore) {
		s.feedBuffer = n
	}
}

// WithFeedHistory sets how many events are kept for Since replays.
func WithFeedHistory(n int) Option {
	return func(s *DocStore) {
		s.feedHistory = n
	}
}

// DocStore implements Store on top of a Backend.
type DocStore struct {
	backend Backend
	feed    *feed
	policy  backoff.Policy
	log     *zap.SugaredLogger

	feedBuffer  int
	feedHistory int

	// writeMu serialises write transactions and sequence numbers.
	writeMu sync.Mutex
	seq     uint64

	closeMu sync.RWMutex
	closed  bool
}

var _ Store = (*DocStore)(nil)

// New returns a DocStore over backend.
func New(backend Backend, opts ...Option) *DocStore {
	s := &DocStore{
		backend:     backend,
		policy:      backoff.DefaultPolicy(),
		log:         logger.For(logger.ComponentStore),
		feedBuffer:  defaultFeedBuffer,
		feedHistory: defaultFeedHistory,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.feed = newFeed(s.feedBuffer, s.feedHistory)

	return s
}

func (s *DocStore) checkOpen(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// read runs fn in a transaction that is always rolled back.
func (s *DocStore) read(ctx context.Context, fn func(Tx) error) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin read: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// write runs fn in a serialised transaction and publishes the events it
// returns once the commit succeeded.
func (s *DocStore) write(ctx context.Context, op string, fn func(Tx) ([]ChangeEvent, error)) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	events, err := fn(tx)
	if err != nil {
		if IsConflict(err) {
			metrics.RecordStoreConflict()
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}

	metrics.RecordStoreWrite(op)

	mutationID := MutationIDFrom(ctx)
	for i := range events {
		s.seq++
		events[i].Seq = s.seq
		events[i].MutationID = mutationID
	}

	s.feed.publish(events...)

	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing _id", ErrInvalidDocument)
	}

	if IsLocalID(id) {
		return fmt.Errorf("%w: %q is a local document id", ErrInvalidDocument, id)
	}

	return nil
}

// live returns the current row for id unless it is absent or a tombstone.
func live(ctx context.Context, tx Tx, id string) (Document, error) {
	doc, ok, err := tx.GetDoc(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", id, err)
	}

	if !ok || doc.Deleted() {
		return nil, ErrNotFound
	}

	return doc, nil
}

// checkRev compares the caller's revision with the stored row.
func checkRev(id, rev string, current Document, found bool) error {
	currentRev := ""
	if found {
		currentRev = current.Rev()
	}

	if !found || current.Deleted() {
		if rev == "" || rev == currentRev {
			return nil
		}

		return &ConflictError{ID: id, Expected: rev, Current: currentRev}
	}

	if rev != currentRev {
		return &ConflictError{ID: id, Expected: rev, Current: currentRev}
	}

	return nil
}

// commitDoc stamps a new revision on next and stores it.
func commitDoc(ctx context.Context, tx Tx, prevRev string, next Document) (ChangeEvent, error) {
	delete(next, FieldMutationID)

	rev, err := NextRevision(prevRev, next)
	if err != nil {
		return ChangeEvent{}, err
	}

	next[FieldRev] = rev

	if err := tx.PutDoc(ctx, next); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to store %q: %w", next.ID(), err)
	}

	return ChangeEvent{
		ID:      next.ID(),
		Rev:     rev,
		Deleted: next.Deleted(),
		Doc:     Clone(next),
	}, nil
}

func (s *DocStore) Get(ctx context.Context, id string) (Document, error) {
	var out Document

	err := s.read(ctx, func(tx Tx) error {
		doc, err := live(ctx, tx, id)
		if err != nil {
			return err
		}

		out = doc

		return nil
	})

	return out, err
}

// Put stores doc as the next revision. Attachment stubs are owned by the
// store: whatever doc carries under "_attachments" is replaced by the
// stubs of the stored attachments.
func (s *DocStore) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if err := validateID(id); err != nil {
		return "", err
	}

	var rev string

	err := s.write(ctx, metrics.OpPut, func(tx Tx) ([]ChangeEvent, error) {
		current, found, err := tx.GetDoc(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", id, err)
		}

		if err := checkRev(id, doc.Rev(), current, found); err != nil {
			return nil, err
		}

		next := Clone(doc)
		delete(next, FieldDeleted)

		prevRev := ""
		if found {
			prevRev = current.Rev()
		}

		if found && !current.Deleted() {
			setStubs(next, current.Stubs())
		} else {
			delete(next, FieldAttachments)
		}

		ev, err := commitDoc(ctx, tx, prevRev, next)
		if err != nil {
			return nil, err
		}

		rev = ev.Rev

		return []ChangeEvent{ev}, nil
	})

	return rev, err
}

// Upsert applies mutate to the current document and writes the result,
// retrying with the store's policy when a concurrent write got there first.
func (s *DocStore) Upsert(ctx context.Context, id string, mutate Mutator) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	var rev string

	err := backoff.Retry(ctx, s.policy, func(ctx context.Context) error {
		current, err := s.Get(ctx, id)

		switch {
		case IsNotFound(err):
			current = Document{FieldID: id}
		case err != nil:
			return backoff.NewPermanentError(err)
		}

		next, ok := mutate(Clone(current))
		if !ok {
			rev = current.Rev()

			return nil
		}

		if next == nil {
			return backoff.NewPermanentError(fmt.Errorf("%w: mutator returned nil for %q", ErrInvalidDocument, id))
		}

		next[FieldID] = id
		next[FieldRev] = current.Rev()

		rev, err = s.Put(ctx, next)

		return err
	},
		backoff.RetryIf(IsConflict),
		backoff.OnRetry(func(attempt int, err error, wait time.Duration) {
			metrics.RecordRetry(metrics.OpUpsert)
			s.log.Debugw("upsert_conflict_retry", "doc_id", id, "attempt", attempt, "wait", wait)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert %q: %w", id, err)
	}

	return rev, nil
}

// Remove writes a tombstone and drops the document's attachments.
func (s *DocStore) Remove(ctx context.Context, id, rev string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	var newRev string

	err := s.write(ctx, metrics.OpRemove, func(tx Tx) ([]ChangeEvent, error) {
		ev, err := removeOne(ctx, tx, id, rev)
		if err != nil {
			return nil, err
		}

		newRev = ev.Rev

		return []ChangeEvent{ev}, nil
	})

	return newRev, err
}

// removeOne tombstones id. An empty rev removes whatever revision is current.
func removeOne(ctx context.Context, tx Tx, id, rev string) (ChangeEvent, error) {
	current, err := live(ctx, tx, id)
	if err != nil {
		return ChangeEvent{}, err
	}

	if rev != "" && rev != current.Rev() {
		return ChangeEvent{}, &ConflictError{ID: id, Expected: rev, Current: current.Rev()}
	}

	if err := tx.DeleteBlobs(ctx, id); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to drop attachments of %q: %w", id, err)
	}

	return commitDoc(ctx, tx, current.Rev(), Document{
		FieldID:      id,
		FieldDeleted: true,
	})
}

// BulkRemove tombstones every ref in one transaction. Failures are reported
// per document and do not stop the others.
func (s *DocStore) BulkRemove(ctx context.Context, refs []DocRef) ([]BulkResult, error) {
	results := make([]BulkResult, len(refs))

	err := s.write(ctx, metrics.OpBulkRemove, func(tx Tx) ([]ChangeEvent, error) {
		events := make([]ChangeEvent, 0, len(refs))

		for i, ref := range refs {
			results[i] = BulkResult{ID: ref.ID}

			if err := validateID(ref.ID); err != nil {
				results[i].Err = err

				continue
			}

			ev, err := removeOne(ctx, tx, ref.ID, ref.Rev)
			if err != nil {
				results[i].Err = err

				continue
			}

			results[i].Rev = ev.Rev
			events = append(events, ev)
		}

		return events, nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// PutAttachment stores data under attID. With an empty rev on an absent
// document, an empty document is created to hold the attachment.
func (s *DocStore) PutAttachment(ctx context.Context, id, attID, rev string, data []byte, contentType string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	if attID == "" {
		return "", fmt.Errorf("%w: empty attachment id", ErrInvalidDocument)
	}

	var newRev string

	err := s.write(ctx, metrics.OpPutAttachment, func(tx Tx) ([]ChangeEvent, error) {
		current, found, err := tx.GetDoc(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", id, err)
		}

		if err := checkRev(id, rev, current, found); err != nil {
			return nil, err
		}

		prevRev := ""
		if found {
			prevRev = current.Rev()
		}

		next := Document{FieldID: id}
		stubs := map[string]AttachmentStub{}

		if found && !current.Deleted() {
			next = current
			stubs = current.Stubs()
		}

		if err := tx.PutBlob(ctx, id, attID, data); err != nil {
			return nil, fmt.Errorf("failed to store attachment %q of %q: %w", attID, id, err)
		}

		stubs[attID] = AttachmentStub{
			ContentType: contentType,
			Digest:      Digest(data),
			Length:      len(data),
		}
		setStubs(next, stubs)

		ev, err := commitDoc(ctx, tx, prevRev, next)
		if err != nil {
			return nil, err
		}

		newRev = ev.Rev

		return []ChangeEvent{ev}, nil
	})

	return newRev, err
}

func (s *DocStore) GetAttachment(ctx context.Context, id, attID string) (Attachment, error) {
	var out Attachment

	err := s.read(ctx, func(tx Tx) error {
		doc, err := live(ctx, tx, id)
		if err != nil {
			return err
		}

		stub, ok := doc.Stubs()[attID]
		if !ok {
			return fmt.Errorf("attachment %q of %q: %w", attID, id, ErrNotFound)
		}

		data, ok, err := tx.GetBlob(ctx, id, attID)
		if err != nil {
			return fmt.Errorf("failed to read attachment %q of %q: %w", attID, id, err)
		}

		if !ok {
			return fmt.Errorf("attachment %q of %q: %w", attID, id, ErrNotFound)
		}

		out = Attachment{Data: data, ContentType: stub.ContentType, Digest: stub.Digest}

		return nil
	})

	return out, err
}

func (s *DocStore) RemoveAttachment(ctx context.Context, id, attID, rev string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	var newRev string

	err := s.write(ctx, metrics.OpRemoveAttachment, func(tx Tx) ([]ChangeEvent, error) {
		current, err := live(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		if rev != current.Rev() {
			return nil, &ConflictError{ID: id, Expected: rev, Current: current.Rev()}
		}

		stubs := current.Stubs()
		if _, ok := stubs[attID]; !ok {
			return nil, fmt.Errorf("attachment %q of %q: %w", attID, id, ErrNotFound)
		}

		if err := tx.DeleteBlob(ctx, id, attID); err != nil {
			return nil, fmt.Errorf("failed to delete attachment %q of %q: %w", attID, id, err)
		}

		delete(stubs, attID)
		setStubs(current, stubs)

		ev, err := commitDoc(ctx, tx, current.Rev(), current)
		if err != nil {
			return nil, err
		}

		newRev = ev.Rev

		return []ChangeEvent{ev}, nil
	})

	return newRev, err
}

func (s *DocStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error) {
	var rows []Row

	err := s.read(ctx, func(tx Tx) error {
		if len(opts.Keys) > 0 {
			rows = make([]Row, 0, len(opts.Keys))

			for _, key := range opts.Keys {
				doc, err := live(ctx, tx, key)
				if err != nil {
					rows = append(rows, Row{ID: key, Err: err})

					continue
				}

				row := Row{ID: key, Rev: doc.Rev()}
				if opts.IncludeDocs {
					row.Doc = doc
				}

				rows = append(rows, row)
			}

			return nil
		}

		all, err := tx.ListDocs(ctx)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}

		docs := make([]Document, 0, len(all))
		for _, doc := range all {
			if !doc.Deleted() {
				docs = append(docs, doc)
			}
		}

		docs, err = opts.Query.Apply(docs)
		if err != nil {
			return err
		}

		rows = make([]Row, 0, len(docs))
		for _, doc := range docs {
			row := Row{ID: doc.ID(), Rev: doc.Rev()}
			if opts.IncludeDocs {
				row.Doc = doc
			}

			rows = append(rows, row)
		}

		return nil
	})

	return rows, err
}

// Changes subscribes to committed writes. The subscription ends when ctx
// is done, Cancel is called or the store closes.
func (s *DocStore) Changes(ctx context.Context, opts ChangesOptions) (*Subscription, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	sub, err := s.feed.subscribe(opts)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (s *DocStore) PutLocal(ctx context.Context, id string, doc Document) error {
	if strings.TrimPrefix(LocalID(id), LocalPrefix) == "" {
		return fmt.Errorf("%w: empty local id", ErrInvalidDocument)
	}

	id = LocalID(id)

	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	body := Clone(doc)
	body[FieldID] = id
	delete(body, FieldRev)
	delete(body, FieldMutationID)

	if err := tx.PutLocal(ctx, id, body); err != nil {
		return fmt.Errorf("failed to store %q: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %q: %w", id, err)
	}

	metrics.RecordStoreWrite(metrics.OpPutLocal)

	return nil
}

func (s *DocStore) GetLocal(ctx context.Context, id string) (Document, error) {
	id = LocalID(id)

	var out Document

	err := s.read(ctx, func(tx Tx) error {
		doc, ok, err := tx.GetLocal(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", id, err)
		}

		if !ok {
			return ErrNotFound
		}

		out = doc

		return nil
	})

	return out, err
}

func (s *DocStore) RemoveLocal(ctx context.Context, id string) error {
	id = LocalID(id)

	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	ok, err := tx.DeleteLocal(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", id, err)
	}

	if !ok {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *DocStore) ListLocal(ctx context.Context, prefix string) ([]Document, error) {
	prefix = LocalID(prefix)

	var out []Document

	err := s.read(ctx, func(tx Tx) error {
		docs, err := tx.ListLocal(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to list local documents: %w", err)
		}

		sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
		out = docs

		return nil
	})

	return out, err
}

// Close ends every subscription and closes the backend.
func (s *DocStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()

		return ErrClosed
	}

	s.closed = true
	s.closeMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.feed.close()

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}

	return nil
}
