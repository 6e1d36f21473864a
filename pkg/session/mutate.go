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

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/qisync/pkg/attachments"
	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

var lastModifiedPath = docpath.Path{docpath.Key(models.FieldMetadata), docpath.Key(models.MetaLastModifiedAt)}

// AttachmentOptions describes an attachment write. Metadata is derived from
// the data when nil; ContentType is detected when empty.
type AttachmentOptions struct {
	Filename    string
	Metadata    map[string]interface{}
	ContentType string
}

// UpsertData sets the value at path inside data_.
func (c *Controller) UpsertData(ctx context.Context, path string, v interface{}) error {
	return c.upsertPrefixed(ctx, models.FieldData, path, v)
}

// UpsertMetadata sets the value at path inside metadata_.
func (c *Controller) UpsertMetadata(ctx context.Context, path string, v interface{}) error {
	return c.upsertPrefixed(ctx, models.FieldMetadata, path, v)
}

func (c *Controller) upsertPrefixed(ctx context.Context, prefix, path string, v interface{}) error {
	p, err := docpath.Parse(path)
	if err != nil {
		return err
	}

	return c.upsert(ctx, docpath.Join(prefix, p), v)
}

// upsert applies v at the full path in memory and persists it in the
// background. It only fails when the session is unmounted.
func (c *Controller) upsert(ctx context.Context, full docpath.Path, v interface{}) error {
	if err := c.beginMutation(ctx); err != nil {
		return err
	}

	write, projected := c.applyLocal(full, v, models.Timestamp(c.cfg.now()))

	c.publish(projected)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer c.endMutation()

		bg, cancel := context.WithTimeout(c.tag(context.WithoutCancel(ctx)), c.cfg.backgroundTimeout)
		defer cancel()

		rev, err := c.store.Upsert(bg, c.docID, func(current persistence.Document) (persistence.Document, bool) {
			var next interface{} = map[string]interface{}(current)
			next = docpath.UpsertAt(next, full, v)
			next = docpath.UpsertAt(next, lastModifiedPath, models.Timestamp(c.cfg.now()))

			return persistence.Document(next.(map[string]interface{})), true
		})

		if c.settle(write.seq, rev) {
			c.resync(bg)
		}

		if err != nil {
			c.log.Errorw("persist_failed", "path", full.String(), "error", err)
			sentry.ReportStoreError(c.log, c.docID, "upsert", err)

			return
		}

		c.log.Debugw("persisted", "path", full.String(), "rev", rev)
	}()

	return nil
}

// applyLocal records a pending write and applies it to the projection.
func (c *Controller) applyLocal(full docpath.Path, v interface{}, now string) (pendingWrite, persistence.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tree interface{} = map[string]interface{}(c.doc)
	tree = docpath.UpsertAt(tree, full, v)
	tree = docpath.UpsertAt(tree, lastModifiedPath, now)

	c.seq++
	write := pendingWrite{seq: c.seq, path: full, value: v}
	c.pending = append(c.pending, write)
	c.doc = persistence.Document(tree.(map[string]interface{}))

	return write, c.doc
}

// settle drops a finished write from the pending list and records the
// revision it produced. It reports whether the store moved past revisions
// the projection has not seen.
func (c *Controller) settle(seq uint64, rev string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.pending {
		if w.seq == seq {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)

			break
		}
	}

	return c.advanceRevLocked(rev)
}

// advanceRevLocked moves the projection to rev, a revision this session
// wrote. It reports true when rev skipped a generation, meaning another
// writer committed in between and the projection lacks that content.
func (c *Controller) advanceRevLocked(rev string) bool {
	next, prev := persistence.Generation(rev), persistence.Generation(c.rev)
	if rev == "" || next <= prev {
		return false
	}

	c.rev = rev
	if c.doc != nil {
		c.doc = persistence.Clone(c.doc)
		c.doc[persistence.FieldRev] = rev
	}

	return next > prev+1
}

// tag marks writes of this session so their feed events are skipped.
func (c *Controller) tag(ctx context.Context) context.Context {
	return persistence.WithMutationID(ctx, c.origin)
}

// beginMutation moves the session to mutating for the first write in
// flight. It fails once the session is unmounted.
func (c *Controller) beginMutation(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.machine.Current() == StateUnmounted {
		return ErrUnmounted
	}

	if c.inFlight == 0 {
		if err := c.fire(ctx, EventMutate); err != nil {
			return err
		}
	}

	c.inFlight++

	return nil
}

func (c *Controller) endMutation() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.inFlight--
	if c.inFlight > 0 || c.machine.Current() != StateMutating {
		return
	}

	if err := c.fire(context.Background(), EventMutated); err != nil {
		c.log.Warnw("state_transition_failed", "event", EventMutated, "error", err)
	}
}

// UpsertAttachment stores data as attachment attID together with its
// metadata. The cache is only updated once the store confirmed the blob.
func (c *Controller) UpsertAttachment(ctx context.Context, data []byte, attID string, opts AttachmentOptions) error {
	if attID == "" {
		return errors.New("failed to store attachment: empty attachment id")
	}

	meta := opts.Metadata
	if meta == nil {
		meta = attachments.DeriveMetadata(data, opts.Filename, c.cfg.now())
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = attachments.DetectContentType(data, opts.Filename)
	}

	metaPath := attachments.MetadataPath(attID).Prepend(docpath.Key(models.FieldMetadata))
	if err := c.upsert(ctx, metaPath, meta); err != nil {
		return err
	}

	if err := c.beginMutation(ctx); err != nil {
		return err
	}
	defer c.endMutation()

	var rev string

	err := backoff.Retry(c.tag(ctx), c.cfg.policy, func(ctx context.Context) error {
		current, err := c.currentRev(ctx)
		if err != nil {
			return backoff.NewPermanentError(err)
		}

		rev, err = c.store.PutAttachment(ctx, c.docID, attID, current, data, contentType)

		return err
	}, backoff.RetryIf(persistence.IsConflict), backoff.OnRetry(func(attempt int, err error, wait time.Duration) {
		c.log.Debugw("attachment_write_retry", "attachment_id", attID, "attempt", attempt, "wait", wait, "error", err)
	}))
	if err != nil {
		err = fmt.Errorf("failed to store attachment %s of %s: %w", attID, c.docID, err)
		c.log.Errorw("attachment_write_failed", "attachment_id", attID, "error", err)
		sentry.ReportStoreError(c.log, c.docID, "put_attachment", err)

		return err
	}

	c.mu.Lock()
	c.cache = c.cache.With(attID, attachments.Entry{
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		Digest:      persistence.Digest(data),
		Metadata:    meta,
	})
	c.cacheGen++
	behind := c.advanceRevLocked(rev)
	c.mu.Unlock()

	if behind {
		c.resync(ctx)
	}

	c.log.Debugw("attachment_stored", "attachment_id", attID, "rev", rev, "size", len(data))

	return nil
}

// currentRev reads the stored revision. A missing document has none.
func (c *Controller) currentRev(ctx context.Context) (string, error) {
	doc, err := c.store.Get(ctx, c.docID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return "", nil
		}

		return "", err
	}

	return doc.Rev(), nil
}

// DeleteAttachment removes the blob of attID, then its metadata, then the
// cached copies. Nothing in memory changes when a step fails.
func (c *Controller) DeleteAttachment(ctx context.Context, attID string) error {
	if err := c.beginMutation(ctx); err != nil {
		return err
	}
	defer c.endMutation()

	ctx = c.tag(ctx)

	err := backoff.Retry(ctx, c.cfg.policy, func(ctx context.Context) error {
		current, err := c.currentRev(ctx)
		if err != nil {
			return backoff.NewPermanentError(err)
		}

		_, err = c.store.RemoveAttachment(ctx, c.docID, attID, current)
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}, backoff.RetryIf(persistence.IsConflict))
	if err != nil {
		err = fmt.Errorf("failed to remove attachment %s of %s: %w", attID, c.docID, err)
		c.log.Errorw("attachment_remove_failed", "attachment_id", attID, "error", err)
		sentry.ReportStoreError(c.log, c.docID, "remove_attachment", err)

		return err
	}

	metaPath := attachments.MetadataPath(attID).Prepend(docpath.Key(models.FieldMetadata))

	rev, err := c.store.Upsert(ctx, c.docID, func(current persistence.Document) (persistence.Document, bool) {
		if _, ok := docpath.Get(map[string]interface{}(current), metaPath); !ok {
			return nil, false
		}

		var next interface{} = map[string]interface{}(current)
		next = docpath.DeleteAt(next, metaPath)
		next = docpath.UpsertAt(next, lastModifiedPath, models.Timestamp(c.cfg.now()))

		return persistence.Document(next.(map[string]interface{})), true
	})
	if err != nil {
		err = fmt.Errorf("failed to remove metadata of attachment %s of %s: %w", attID, c.docID, err)
		c.log.Errorw("attachment_metadata_remove_failed", "attachment_id", attID, "error", err)
		sentry.ReportStoreError(c.log, c.docID, "remove_attachment_metadata", err)

		return err
	}

	c.mu.Lock()
	if tree, ok := docpath.DeleteAt(map[string]interface{}(c.doc), metaPath).(map[string]interface{}); ok {
		c.doc = persistence.Document(tree)
	}

	c.cache = c.cache.Without(attID)
	c.cacheGen++
	behind := c.advanceRevLocked(rev)
	projected := c.doc
	c.mu.Unlock()

	c.publish(projected)

	if behind {
		c.resync(ctx)
	}
	c.log.Debugw("attachment_removed", "attachment_id", attID, "rev", rev)

	return nil
}
