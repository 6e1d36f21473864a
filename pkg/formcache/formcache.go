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

// Package formcache keeps the latest in-memory projection of every open
// form so that views outside a session can read it.
package formcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

// ErrNotOwner is returned when a form is claimed by another session.
var ErrNotOwner = errors.New("form is owned by another session")

const DefaultTTL = 12 * time.Hour

// Snapshot is an immutable copy of a published form.
type Snapshot struct {
	FormID    string
	Version   uint64
	Data      persistence.Document
	Owner     string
	UpdatedAt time.Time
}

type Cache struct {
	// mu makes the load-check-set in Publish and Release atomic.
	mu       sync.Mutex
	entries  *expiremap.ExpireMap[string, Snapshot]
	selected string
	log      *zap.SugaredLogger
}

// New returns a cache whose entries expire ttl after their last publish.
// A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		entries: expiremap.NewEx[string, Snapshot](ttl, ttl),
		log:     logger.For(logger.ComponentFormCache),
	}
}

// Publish stores data as the newest version of formID. The first owner to
// publish claims the form until it calls Release or the entry expires.
func (c *Cache) Publish(formID, owner string, data persistence.Document) (Snapshot, error) {
	if formID == "" || owner == "" {
		return Snapshot{}, errors.New("form id and owner are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var version uint64

	if current, ok := c.entries.Load(formID); ok {
		if current.Owner != "" && current.Owner != owner {
			c.log.Debugw("publish_rejected", "form_id", formID, "owner", owner, "current_owner", current.Owner)

			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotOwner, formID)
		}

		version = current.Version
	}

	snap := Snapshot{
		FormID:    formID,
		Version:   version + 1,
		Data:      persistence.Clone(data),
		Owner:     owner,
		UpdatedAt: time.Now(),
	}
	c.entries.Set(formID, snap)

	return copySnapshot(snap), nil
}

// Release drops owner's claim on formID. The data stays readable.
func (c *Cache) Release(formID, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries.Load(formID)
	if !ok || current.Owner == "" {
		return nil
	}

	if current.Owner != owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, formID)
	}

	released := *current
	released.Owner = ""
	c.entries.Set(formID, released)

	return nil
}

// Get returns a copy of the latest snapshot of formID.
func (c *Cache) Get(formID string) (Snapshot, bool) {
	current, ok := c.entries.Load(formID)
	if !ok {
		return Snapshot{}, false
	}

	return copySnapshot(*current), true
}

// Select marks formID as the form the user is looking at.
func (c *Cache) Select(formID string) {
	c.mu.Lock()
	c.selected = formID
	c.mu.Unlock()
}

// Current returns the snapshot of the selected form.
func (c *Cache) Current() (Snapshot, bool) {
	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()

	if selected == "" {
		return Snapshot{}, false
	}

	return c.Get(selected)
}

// Len counts the cached forms, released ones included.
func (c *Cache) Len() int {
	return c.entries.Length()
}

func copySnapshot(s Snapshot) Snapshot {
	s.Data = persistence.Clone(s.Data)

	return s
}
