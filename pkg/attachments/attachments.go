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

// Package attachments reconciles the in-memory attachment cache of a
// session with the attachment stubs of its stored document.
package attachments

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

const defaultFetchConcurrency = 4

// Entry is a cached attachment. Data must not be modified.
type Entry struct {
	Data        []byte
	ContentType string
	Digest      string
	Metadata    map[string]interface{}
}

// Cache maps attachment ids to entries. A Cache is never modified after
// Refresh returns it; callers swap whole caches.
type Cache map[string]Entry

// IDs returns the cached ids in sorted order.
func (c Cache) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Without returns a copy of c lacking id.
func (c Cache) Without(id string) Cache {
	out := make(Cache, len(c))

	for k, v := range c {
		if k != id {
			out[k] = v
		}
	}

	return out
}

// With returns a copy of c holding e under id.
func (c Cache) With(id string, e Entry) Cache {
	out := make(Cache, len(c)+1)
	for k, v := range c {
		out[k] = v
	}

	out[id] = e

	return out
}

// Fetcher reads attachment blobs. persistence.Store satisfies it.
type Fetcher interface {
	GetAttachment(ctx context.Context, id, attID string) (persistence.Attachment, error)
}

// MetadataPath returns the path of an attachment's metadata inside
// metadata_. Composite ids such as "photos.front.left" become nested keys.
func MetadataPath(id string) docpath.Path {
	parts := strings.Split(id, ".")

	p := make(docpath.Path, 0, len(parts)+1)
	p = append(p, docpath.Key(models.MetaAttachments))

	for _, part := range parts {
		p = append(p, docpath.Key(part))
	}

	return p
}

// ResolveMetadata finds the metadata of attachment id in
// metadata_.attachments, walking nested maps for composite ids.
func ResolveMetadata(meta map[string]interface{}, id string) map[string]interface{} {
	if meta == nil {
		return nil
	}

	if !strings.Contains(id, ".") {
		m, _ := meta[id].(map[string]interface{})

		return m
	}

	var cur interface{} = meta

	for _, part := range strings.Split(id, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			cur = nil

			break
		}

		cur = m[part]
	}

	if m, ok := cur.(map[string]interface{}); ok {
		return m
	}

	// Older documents stored composite ids flat.
	m, _ := meta[id].(map[string]interface{})

	return m
}

// Plan returns, in sorted order, the attachment ids of doc whose digest is
// missing from cache or differs from it.
func Plan(doc persistence.Document, cache Cache) []string {
	var ids []string

	for id, stub := range doc.Stubs() {
		if stub.Digest == "" {
			continue
		}

		if cached, ok := cache[id]; !ok || cached.Digest != stub.Digest {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

type refreshOptions struct {
	concurrency int
}

type RefreshOption func(*refreshOptions)

// WithConcurrency bounds the number of parallel blob reads.
func WithConcurrency(n int) RefreshOption {
	return func(o *refreshOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// Refresh returns a new cache holding exactly the attachments of doc.
// Changed blobs are fetched concurrently; unchanged entries are reused with
// their metadata re-resolved. On error the returned cache is the old one.
func Refresh(ctx context.Context, fetcher Fetcher, doc persistence.Document, cache Cache, opts ...RefreshOption) (Cache, error) {
	o := refreshOptions{concurrency: defaultFetchConcurrency}
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.For(logger.ComponentAttachments)
	planned := Plan(doc, cache)
	fetched := make([]*persistence.Attachment, len(planned))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, id := range planned {
		g.Go(func() error {
			att, err := fetcher.GetAttachment(gctx, doc.ID(), id)
			if err != nil {
				if persistence.IsNotFound(err) {
					// Removed after doc was read; the next change event settles it.
					metrics.RecordAttachmentFetch(metrics.ResultSkipped)
					log.Debugw("attachment_vanished", "doc_id", doc.ID(), "attachment_id", id)

					return nil
				}

				metrics.RecordAttachmentFetch(metrics.ResultFailure)

				return fmt.Errorf("failed to fetch attachment %s of %s: %w", id, doc.ID(), err)
			}

			metrics.RecordAttachmentFetch(metrics.ResultSuccess)
			fetched[i] = &att

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return cache, err
	}

	meta := models.AttachmentMetadata(doc)
	stubs := doc.Stubs()
	next := make(Cache, len(stubs))

	for i, id := range planned {
		att := fetched[i]
		if att == nil {
			continue
		}

		next[id] = Entry{
			Data:        att.Data,
			ContentType: att.ContentType,
			Digest:      att.Digest,
			Metadata:    ResolveMetadata(meta, id),
		}
	}

	for id := range stubs {
		if _, done := next[id]; done {
			continue
		}

		if cached, ok := cache[id]; ok && cached.Digest == stubs[id].Digest {
			cached.Metadata = ResolveMetadata(meta, id)
			next[id] = cached
		}
	}

	log.Debugw("attachments_refreshed", "doc_id", doc.ID(), "fetched", len(planned), "total", len(next))

	return next, nil
}
