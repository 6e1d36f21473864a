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

// Package session keeps one document open for editing. A Controller holds
// the in-memory projection of the document, applies edits to it right away,
// persists them in the background and follows the change feed for writes
// made by anyone else.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/attachments"
	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
	"github.com/united-manufacturing-hub/qisync/pkg/formcache"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
)

// ErrUnmounted is returned by every mutation after Close.
var ErrUnmounted = errors.New("session is unmounted")

const (
	StateUninitialized = "uninitialized"
	StateSyncing       = "syncing"
	StateLive          = "live"
	StateMutating      = "mutating"
	StateUnmounted     = "unmounted"
)

const (
	EventSync    = "sync"
	EventSynced  = "synced"
	EventMutate  = "mutate"
	EventMutated = "mutated"
	EventUnmount = "unmount"
)

const (
	DefaultBackgroundTimeout = 30 * time.Second
	defaultRefreshAttempts   = 3
)

// Options names the document a session edits. Type selects how a missing
// document is created; an empty Type requires the document to exist.
type Options struct {
	DocID        string
	Type         models.DocType
	DocName      string
	WorkflowName string
	ParentID     string
}

type config struct {
	forms             *formcache.Cache
	policy            backoff.Policy
	backgroundTimeout time.Duration
	feedBuffer        int
	now               func() time.Time
}

type Option func(*config)

// WithFormCache publishes every projection of the document to forms.
func WithFormCache(forms *formcache.Cache) Option {
	return func(c *config) {
		c.forms = forms
	}
}

func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithBackgroundTimeout bounds each background persistence write.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.backgroundTimeout = d
		}
	}
}

func WithFeedBuffer(n int) Option {
	return func(c *config) {
		c.feedBuffer = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// pendingWrite is an edit applied in memory whose background write has
// not finished yet. It is replayed over documents read from the feed.
type pendingWrite struct {
	seq   uint64
	path  docpath.Path
	value interface{}
}

// Controller is an open editing session on one document.
type Controller struct {
	store    persistence.Store
	projects *projects.Service
	cfg      config
	docID    string
	origin   string
	log      *zap.SugaredLogger

	// stateMu orders state transitions against the in-flight counter.
	stateMu  sync.Mutex
	machine  *fsm.FSM
	inFlight int

	mu       sync.RWMutex
	doc      persistence.Document
	rev      string
	deleted  bool
	cache    attachments.Cache
	cacheGen uint64
	pending  []pendingWrite
	seq      uint64

	wg         sync.WaitGroup
	sub        *persistence.Subscription
	cancelFeed context.CancelFunc
	feedDone   chan struct{}
}

// Open ensures the document exists, loads it together with its attachments
// and starts following its change feed. The returned Controller is live.
func Open(ctx context.Context, svc *projects.Service, opts Options, options ...Option) (*Controller, error) {
	cfg := config{
		policy:            backoff.DefaultPolicy(),
		backgroundTimeout: DefaultBackgroundTimeout,
		now:               time.Now,
	}
	for _, o := range options {
		o(&cfg)
	}

	c := &Controller{
		store:    svc.Store(),
		projects: svc,
		cfg:      cfg,
		docID:    opts.DocID,
		origin:   uuid.NewString(),
		log:      logger.For(logger.ComponentSession),
		cache:    attachments.Cache{},
	}
	c.machine = newMachine(c)

	if err := c.fire(ctx, EventSync); err != nil {
		return nil, err
	}

	doc, err := c.ensure(ctx, opts)
	if err != nil {
		c.abort(ctx)

		return nil, err
	}

	c.docID = doc.ID()
	c.log = c.log.With("doc_id", c.docID, "session", c.origin)

	// Subscribe before the load so no commit falls between the two.
	sub, err := c.store.Changes(ctx, persistence.ChangesOptions{
		DocID:       c.docID,
		IncludeDocs: true,
		Buffer:      cfg.feedBuffer,
	})
	if err != nil {
		c.abort(ctx)

		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.docID, err)
	}

	c.sub = sub

	doc, err = c.store.Get(ctx, c.docID)
	if err != nil {
		sub.Cancel()
		c.abort(ctx)

		return nil, fmt.Errorf("failed to load %s: %w", c.docID, err)
	}

	cache, err := attachments.Refresh(ctx, c.store, doc, c.cache)
	if err != nil {
		sub.Cancel()
		c.abort(ctx)

		return nil, fmt.Errorf("failed to load attachments of %s: %w", c.docID, err)
	}

	c.mu.Lock()
	c.doc = doc
	c.rev = doc.Rev()
	c.cache = cache
	c.mu.Unlock()

	if cfg.forms != nil {
		cfg.forms.Select(c.docID)
	}

	c.publish(doc)

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelFeed = cancel
	c.feedDone = make(chan struct{})

	go c.follow(feedCtx)

	if err := c.fire(ctx, EventSynced); err != nil {
		c.Close()

		return nil, err
	}

	c.log.Infow("session_opened", "rev", doc.Rev(), "attachments", len(cache))

	return c, nil
}

func newMachine(c *Controller) *fsm.FSM {
	events := []fsm.EventDesc{
		{Name: EventSync, Src: []string{StateUninitialized}, Dst: StateSyncing},
		{Name: EventSynced, Src: []string{StateSyncing}, Dst: StateLive},
		{Name: EventMutate, Src: []string{StateLive}, Dst: StateMutating},
		{Name: EventMutated, Src: []string{StateMutating}, Dst: StateLive},
		{Name: EventUnmount, Src: []string{StateUninitialized, StateSyncing, StateLive, StateMutating}, Dst: StateUnmounted},
	}

	return fsm.NewFSM(StateUninitialized, fsm.Events(events), fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			c.log.Debugw("session_state_changed", "from", e.Src, "to", e.Dst, "event", e.Event)
		},
	})
}

// fire sends event to the state machine. Callers hold stateMu or own the
// controller exclusively.
func (c *Controller) fire(ctx context.Context, event string) error {
	if err := c.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}

		return fmt.Errorf("failed to %s session: %w", event, err)
	}

	return nil
}

func (c *Controller) abort(ctx context.Context) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	_ = c.fire(ctx, EventUnmount)
}

func (c *Controller) ensure(ctx context.Context, opts Options) (persistence.Document, error) {
	switch opts.Type {
	case models.TypeProject:
		return c.projects.PutNewProject(ctx, opts.DocName, opts.DocID)
	case models.TypeInstallation:
		return c.projects.PutNewInstallation(ctx, opts.DocID, opts.WorkflowName, opts.DocName, opts.ParentID)
	case models.TypeInstallationGroup:
		return c.projects.PutNewDoc(ctx, opts.DocName, opts.DocID, opts.Type)
	case "":
		doc, err := c.store.Get(ctx, opts.DocID)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", opts.DocID, err)
		}

		return doc, nil
	default:
		return nil, fmt.Errorf("failed to open %s: unknown document type %q", opts.DocID, opts.Type)
	}
}

// DocID returns the id of the edited document. It differs from
// Options.DocID when the store assigned one.
func (c *Controller) DocID() string {
	return c.docID
}

// State returns the current state of the session.
func (c *Controller) State() string {
	return c.machine.Current()
}

// follow applies feed events until the subscription ends. Own echoes are
// skipped unless the feed dropped events since the last one, in which case
// the stored document is reloaded.
func (c *Controller) follow(ctx context.Context) {
	defer close(c.feedDone)

	dropped := 0

	for ev := range c.sub.Events() {
		if n := c.sub.Dropped(); n != dropped {
			c.log.Debugw("feed_events_dropped", "count", n-dropped)
			dropped = n
			c.resync(ctx)

			continue
		}

		if ev.MutationID == c.origin {
			continue
		}

		c.reconcile(ctx, ev)
	}
}

// reconcile adopts a document written by someone else. An event older
// than the projection may carry content an own write was merged onto, so
// the stored document is reloaded instead.
func (c *Controller) reconcile(ctx context.Context, ev persistence.ChangeEvent) {
	if ev.Deleted {
		c.markDeleted(ev.Rev)

		return
	}

	c.mu.RLock()
	behind := persistence.Generation(ev.Rev) < persistence.Generation(c.rev)
	c.mu.RUnlock()

	if ev.Doc == nil || behind {
		c.resync(ctx)

		return
	}

	c.adopt(ctx, ev.Doc)
}

// resync reloads the stored document and adopts it.
func (c *Controller) resync(ctx context.Context) {
	doc, err := c.store.Get(ctx, c.docID)
	if err != nil {
		if persistence.IsNotFound(err) {
			c.markDeleted("")

			return
		}

		c.log.Warnw("reload_failed", "error", err)

		return
	}

	c.adopt(ctx, doc)
}

func (c *Controller) markDeleted(rev string) {
	c.mu.Lock()
	c.deleted = true
	if rev != "" {
		c.rev = rev
	}
	c.mu.Unlock()

	c.log.Infow("document_deleted_elsewhere", "rev", rev)
}

// adopt makes doc the projection unless a newer revision is already
// projected. Edits still in flight are replayed on top so they stay
// visible until their write lands.
func (c *Controller) adopt(ctx context.Context, doc persistence.Document) {
	c.mu.Lock()

	if persistence.Generation(doc.Rev()) < persistence.Generation(c.rev) {
		c.mu.Unlock()

		return
	}

	var tree interface{} = map[string]interface{}(doc)
	for _, w := range c.pending {
		tree = docpath.UpsertAt(tree, w.path, w.value)
	}

	c.doc = persistence.Document(tree.(map[string]interface{}))
	c.rev = doc.Rev()
	c.deleted = false
	projected := c.doc
	pending := len(c.pending)
	c.mu.Unlock()

	c.log.Debugw("document_reconciled", "rev", doc.Rev(), "pending", pending)
	c.publish(projected)

	if err := c.RefreshAttachments(ctx); err != nil && ctx.Err() == nil {
		c.log.Warnw("attachment_refresh_failed", "rev", doc.Rev(), "error", err)
	}
}

// RefreshAttachments brings the attachment cache in line with the stored
// document. A refresh that raced with a local attachment write is redone
// against the newer document.
func (c *Controller) RefreshAttachments(ctx context.Context) error {
	for attempt := 0; attempt < defaultRefreshAttempts; attempt++ {
		c.mu.RLock()
		gen := c.cacheGen
		cache := c.cache
		c.mu.RUnlock()

		doc, err := c.store.Get(ctx, c.docID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil
			}

			return fmt.Errorf("failed to read %s: %w", c.docID, err)
		}

		next, err := attachments.Refresh(ctx, c.store, doc, cache)
		if err != nil {
			return err
		}

		c.mu.Lock()
		if c.cacheGen == gen {
			c.cache = next
			c.cacheGen++
			c.mu.Unlock()

			return nil
		}
		c.mu.Unlock()
	}

	return fmt.Errorf("failed to refresh attachments of %s: cache kept changing", c.docID)
}

func (c *Controller) publish(doc persistence.Document) {
	if c.cfg.forms == nil {
		return
	}

	if _, err := c.cfg.forms.Publish(c.docID, c.origin, doc); err != nil {
		if errors.Is(err, formcache.ErrNotOwner) {
			c.log.Debugw("form_cache_owned_elsewhere")

			return
		}

		c.log.Warnw("form_cache_publish_failed", "error", err)
	}
}

// View is a read-only copy of the session's projection.
type View struct {
	DocID       string
	Rev         string
	Deleted     bool
	Data        map[string]interface{}
	Metadata    map[string]interface{}
	Children    []string
	Attachments attachments.Cache
}

// Snapshot returns a deep copy of the current projection.
func (c *Controller) Snapshot() View {
	c.mu.RLock()
	doc := persistence.Clone(c.doc)
	v := View{
		DocID:       c.docID,
		Rev:         c.rev,
		Deleted:     c.deleted,
		Attachments: make(attachments.Cache, len(c.cache)),
	}

	for id, e := range c.cache {
		e.Data = append([]byte(nil), e.Data...)
		v.Attachments[id] = e
	}
	c.mu.RUnlock()

	v.Data = models.DataMap(doc)
	v.Metadata = models.MetadataMap(doc)
	v.Children = models.Children(doc)

	return v
}

// Attachment returns one cached attachment.
func (c *Controller) Attachment(attID string) (attachments.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.cache[attID]
	if ok {
		e.Data = append([]byte(nil), e.Data...)
	}

	return e, ok
}

// Wait blocks until every background write started so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops following the change feed and unmounts the session. Writes
// already in flight are not cancelled.
func (c *Controller) Close() {
	c.stateMu.Lock()
	if c.machine.Current() == StateUnmounted {
		c.stateMu.Unlock()

		return
	}

	_ = c.fire(context.Background(), EventUnmount)
	c.stateMu.Unlock()

	if c.sub != nil {
		c.sub.Cancel()
	}

	if c.cancelFeed != nil {
		c.cancelFeed()
		<-c.feedDone
	}

	if c.cfg.forms != nil {
		if err := c.cfg.forms.Release(c.docID, c.origin); err != nil && !errors.Is(err, formcache.ErrNotOwner) {
			c.log.Debugw("form_cache_release_failed", "error", err)
		}
	}

	c.log.Infow("session_closed")
}
