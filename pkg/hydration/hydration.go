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

// Package hydration fills the local store from the remote form records of
// a user and process step. Documents and attachments are only ever created;
// anything already present locally is left alone.
package hydration

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/united-manufacturing-hub/qisync/pkg/attachments"
	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/documents"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

// DefaultRunTimeout bounds a shared run once no caller is left to cancel it.
const DefaultRunTimeout = 2 * time.Minute

const (
	StateIdle      = "idle"
	StateHydrating = "hydrating"

	EventStart  = "start"
	EventFinish = "finish"
)

// FormLister lists the remote form records of a user and process step.
type FormLister interface {
	ListForms(ctx context.Context, userID, processStepID string) ([]models.FormEntry, error)
}

// BlobFetcher resolves a remote document id to its blob.
type BlobFetcher interface {
	Fetch(ctx context.Context, documentID string) (documents.Blob, error)
}

var (
	_ FormLister  = (*remote.Client)(nil)
	_ BlobFetcher = (*documents.Fetcher)(nil)
)

// Result counts what a run did.
type Result struct {
	DocsCreated        int
	DocsExisting       int
	AttachmentsWritten int
	AttachmentsSkipped int
	AttachmentFailures int
	Skipped            int
	ProjectIDs         []string
}

type Hydrator struct {
	projects *projects.Service
	store    persistence.Store
	forms    FormLister
	blobs    BlobFetcher
	policy   backoff.Policy
	timeout  time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger

	group singleflight.Group

	mu      sync.Mutex
	machine *fsm.FSM
	running int
}

type Option func(*Hydrator)

// WithBlobFetcher enables fetching attachments that metadata points at
// through documentId. Without it those attachments are skipped.
func WithBlobFetcher(f BlobFetcher) Option {
	return func(h *Hydrator) {
		h.blobs = f
	}
}

func WithRetryPolicy(p backoff.Policy) Option {
	return func(h *Hydrator) {
		h.policy = p
	}
}

// WithRunTimeout bounds each shared run. A run is detached from the
// context of the caller that started it.
func WithRunTimeout(d time.Duration) Option {
	return func(h *Hydrator) {
		h.timeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hydrator) {
		h.now = now
	}
}

func New(svc *projects.Service, forms FormLister, opts ...Option) *Hydrator {
	h := &Hydrator{
		projects: svc,
		store:    svc.Store(),
		forms:    forms,
		policy:   backoff.DefaultPolicy(),
		timeout:  DefaultRunTimeout,
		now:      time.Now,
		log:      logger.For(logger.ComponentHydration),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.machine = fsm.NewFSM(StateIdle, fsm.Events{
		{Name: EventStart, Src: []string{StateIdle}, Dst: StateHydrating},
		{Name: EventFinish, Src: []string{StateHydrating}, Dst: StateIdle},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			h.log.Debugw("hydrator_state_changed", "from", e.Src, "to", e.Dst)
		},
	})

	return h
}

// State is idle unless a run is in flight.
func (h *Hydrator) State() string {
	return h.machine.Current()
}

// Run hydrates the records of userID and processStepID. Missing ids make it
// a no-op. Concurrent calls for the same pair share one run and its result.
// Cancelling ctx returns early for this caller only; the shared run goes on
// for the callers still waiting on it.
func (h *Hydrator) Run(ctx context.Context, userID, processStepID string) (Result, error) {
	if userID == "" || processStepID == "" {
		h.log.Debugw("hydration_skipped", "reason", "missing ids")

		return Result{}, nil
	}

	key := userID + "/" + processStepID

	ch := h.group.DoChan(key, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()

		return h.run(runCtx, userID, processStepID)
	})

	select {
	case <-ctx.Done():
		h.log.Debugw("hydration_abandoned", "user_id", userID, "process_step_id", processStepID)

		return Result{}, ctx.Err()
	case out := <-ch:
		if out.Shared {
			h.log.Debugw("hydration_joined", "user_id", userID, "process_step_id", processStepID)
		}

		res, _ := out.Val.(Result)
		res.ProjectIDs = append([]string(nil), res.ProjectIDs...)

		return res, out.Err
	}
}

func (h *Hydrator) begin(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.running++
	if h.running == 1 {
		_ = h.machine.Event(ctx, EventStart)
	}
}

func (h *Hydrator) end(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.running--
	if h.running == 0 {
		_ = h.machine.Event(ctx, EventFinish)
	}
}

func (h *Hydrator) run(ctx context.Context, userID, processStepID string) (Result, error) {
	h.begin(ctx)
	defer h.end(context.WithoutCancel(ctx))

	start := h.now()
	log := h.log.With("user_id", userID, "process_step_id", processStepID)

	entries, err := h.forms.ListForms(ctx, userID, processStepID)
	if err != nil {
		metrics.RecordHydrationRun(metrics.ResultFailure)
		sentry.ReportRemoteError(log, "quality-install", "list_forms", err)

		return Result{}, fmt.Errorf("failed to list remote forms: %w", err)
	}

	var res Result

	for _, entry := range entries {
		rec, err := normalize(entry, h.now())
		if err != nil {
			res.Skipped++
			log.Warnw("entry_skipped", "entry_id", entry.ID.String(), "error", err)

			continue
		}

		if err := h.apply(ctx, rec, &res); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}

			res.Skipped++
			log.Errorw("entry_failed", "entry_id", rec.projectID, "error", err)
			sentry.ReportStoreError(log, rec.projectID, "hydrate", err)

			continue
		}

		res.ProjectIDs = append(res.ProjectIDs, rec.projectID)
	}

	metrics.AddHydrationDocs("created", res.DocsCreated)
	metrics.AddHydrationDocs("existing", res.DocsExisting)
	metrics.RecordHydrationRun(metrics.ResultSuccess)

	log.Infow("hydration_finished",
		"entries", len(entries),
		"docs_created", res.DocsCreated,
		"docs_existing", res.DocsExisting,
		"attachments_written", res.AttachmentsWritten,
		"attachments_skipped", res.AttachmentsSkipped,
		"attachment_failures", res.AttachmentFailures,
		"skipped", res.Skipped,
		"duration", h.now().Sub(start))

	return res, nil
}

// apply writes one normalised record: project, children, inline
// attachments, then attachments referenced by documentId.
func (h *Hydrator) apply(ctx context.Context, rec record, res *Result) error {
	if err := h.createIfAbsent(ctx, rec.projectID, rec.project, res); err != nil {
		return err
	}

	ids := []string{rec.projectID}

	for _, c := range rec.children {
		if err := h.createIfAbsent(ctx, c.id, c.body, res); err != nil {
			return err
		}

		if err := h.projects.AppendChild(ctx, rec.projectID, c.id); err != nil {
			return err
		}

		ids = append(ids, c.id)
	}

	for _, id := range ids {
		for _, att := range rec.inline[id] {
			h.writeInline(ctx, id, att, res)
		}
	}

	for _, id := range ids {
		if err := h.fetchReferenced(ctx, id, res); err != nil {
			return err
		}
	}

	return nil
}

func (h *Hydrator) createIfAbsent(ctx context.Context, id string, body persistence.Document, res *Result) error {
	_, err := h.store.Get(ctx, id)
	if err == nil {
		res.DocsExisting++

		return nil
	}

	if !persistence.IsNotFound(err) {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}

	created := false

	_, err = h.store.Upsert(ctx, id, func(current persistence.Document) (persistence.Document, bool) {
		if _, exists := current[models.FieldType]; exists {
			created = false

			return nil, false
		}

		created = true

		return persistence.Clone(body), true
	})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", id, err)
	}

	if created {
		res.DocsCreated++
		h.log.Debugw("document_hydrated", "doc_id", id, "type", models.TypeOf(body))
	} else {
		res.DocsExisting++
	}

	return nil
}

// writeInline stores a base64 attachment unless the local blob already has
// the same digest.
func (h *Hydrator) writeInline(ctx context.Context, docID string, att inlineAttachment, res *Result) {
	data, err := att.decode()
	if err != nil {
		res.AttachmentFailures++
		h.log.Warnw("attachment_undecodable", "doc_id", docID, "attachment_id", att.id, "error", err)

		return
	}

	doc, err := h.store.Get(ctx, docID)
	if err == nil {
		if stub, ok := doc.Stubs()[att.id]; ok && stub.Digest == persistence.Digest(data) {
			res.AttachmentsSkipped++

			return
		}
	}

	contentType := att.contentType
	if contentType == "" {
		contentType = attachments.DetectContentType(data, att.id)
	}

	if err := h.putAttachment(ctx, docID, att.id, data, contentType); err != nil {
		res.AttachmentFailures++
		h.log.Warnw("attachment_write_failed", "doc_id", docID, "attachment_id", att.id, "error", err)

		return
	}

	res.AttachmentsWritten++
}

// fetchReferenced fetches every attachment whose metadata carries a
// documentId and that is missing locally.
func (h *Hydrator) fetchReferenced(ctx context.Context, docID string, res *Result) error {
	doc, err := h.store.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", docID, err)
	}

	refs := referencedAttachments(models.AttachmentMetadata(doc), "")
	if len(refs) == 0 {
		return nil
	}

	stubs := doc.Stubs()
	attIDs := make([]string, 0, len(refs))

	for attID := range refs {
		attIDs = append(attIDs, attID)
	}

	sort.Strings(attIDs)

	for _, attID := range attIDs {
		if _, ok := stubs[attID]; ok {
			res.AttachmentsSkipped++

			continue
		}

		if h.blobs == nil {
			res.AttachmentsSkipped++
			h.log.Debugw("attachment_fetch_disabled", "doc_id", docID, "attachment_id", attID)

			continue
		}

		blob, err := h.blobs.Fetch(ctx, refs[attID])
		if err != nil {
			res.AttachmentFailures++
			metrics.RecordAttachmentFetch(metrics.ResultFailure)
			h.log.Warnw("attachment_fetch_failed", "doc_id", docID, "attachment_id", attID, "document_id", refs[attID], "error", err)

			continue
		}

		metrics.RecordAttachmentFetch(metrics.ResultSuccess)

		if err := h.putAttachment(ctx, docID, attID, blob.Data, blob.ContentType); err != nil {
			res.AttachmentFailures++
			h.log.Warnw("attachment_write_failed", "doc_id", docID, "attachment_id", attID, "error", err)

			continue
		}

		res.AttachmentsWritten++
	}

	return nil
}

// referencedAttachments walks metadata_.attachments and returns attachment
// id to documentId. Nested maps without a documentId are composite ids.
func referencedAttachments(meta map[string]interface{}, prefix string) map[string]string {
	out := map[string]string{}

	for k, v := range meta {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		id := k
		if prefix != "" {
			id = prefix + "." + k
		}

		if ref, ok := m[attachments.MetaDocumentID]; ok {
			if s := documentIDString(ref); s != "" {
				out[id] = s
			}

			continue
		}

		for nested, ref := range referencedAttachments(m, id) {
			out[nested] = ref
		}
	}

	return out
}

func documentIDString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// putAttachment writes a blob against the current revision, re-reading it
// on conflict.
func (h *Hydrator) putAttachment(ctx context.Context, docID, attID string, data []byte, contentType string) error {
	return backoff.Retry(ctx, h.policy, func(ctx context.Context) error {
		doc, err := h.store.Get(ctx, docID)
		if err != nil {
			return backoff.NewPermanentError(err)
		}

		_, err = h.store.PutAttachment(ctx, docID, attID, doc.Rev(), data, contentType)

		return err
	}, backoff.RetryIf(persistence.IsConflict), backoff.OnRetry(func(attempt int, err error, _ time.Duration) {
		metrics.RecordRetry("hydration_attachment")
	}))
}
