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
	"sync"

	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
)

const (
	defaultFeedBuffer  = 64
	defaultFeedHistory = 256
)

// Subscription is a live view of the change feed.
type Subscription struct {
	id          uint64
	docID       string
	includeDocs bool
	events      chan ChangeEvent
	feed        *feed
	done        chan struct{}
	once        sync.Once

	mu      sync.Mutex
	dropped int
}

// Events delivers change events in commit order. The channel is closed by
// Cancel or when the store closes.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Cancel detaches the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.feed.remove(s.id)
		close(s.done)
	})
}

// Dropped returns how many events were discarded because the subscriber
// fell behind. A reader that sees it grow must reload what it follows.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// push never blocks: a full buffer loses its oldest event. The drop is
// counted before ev becomes readable, so a reader that sees ev also sees
// the drop.
func (s *Subscription) push(ev ChangeEvent) bool {
	dropped := false

	for {
		select {
		case s.events <- ev:
			return dropped
		default:
			select {
			case <-s.events:
				dropped = true

				s.mu.Lock()
				s.dropped++
				s.mu.Unlock()
			default:
			}
		}
	}
}

func (s *Subscription) wants(ev ChangeEvent) bool {
	return s.docID == "" || s.docID == ev.ID
}

func (s *Subscription) prepare(ev ChangeEvent) ChangeEvent {
	if s.includeDocs && ev.Doc != nil {
		ev.Doc = Clone(ev.Doc)
	} else {
		ev.Doc = nil
	}

	return ev
}

// feed fans committed writes out to subscribers and keeps a short history
// for Since replays.
type feed struct {
	mu            sync.Mutex
	subs          map[uint64]*Subscription
	nextID        uint64
	history       []ChangeEvent
	historySize   int
	defaultBuffer int
	closed        bool
}

func newFeed(buffer, history int) *feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}

	if history < 0 {
		history = defaultFeedHistory
	}

	return &feed{
		subs:          make(map[uint64]*Subscription),
		historySize:   history,
		defaultBuffer: buffer,
	}
}

func (f *feed) subscribe(opts ChangesOptions) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = f.defaultBuffer
	}

	f.nextID++
	sub := &Subscription{
		id:          f.nextID,
		docID:       opts.DocID,
		includeDocs: opts.IncludeDocs,
		events:      make(chan ChangeEvent, buffer),
		feed:        f,
		done:        make(chan struct{}),
	}

	if opts.Since > 0 {
		for _, ev := range f.history {
			if ev.Seq > opts.Since && sub.wants(ev) {
				sub.push(sub.prepare(ev))
			}
		}
	}

	f.subs[sub.id] = sub

	return sub, nil
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.events)
	}
}

// publish must be called in commit order.
func (f *feed) publish(events ...ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	drops := 0

	for _, ev := range events {
		if f.historySize > 0 {
			f.history = append(f.history, ev)
			if len(f.history) > f.historySize {
				f.history = f.history[len(f.history)-f.historySize:]
			}
		}

		for _, sub := range f.subs {
			if !sub.wants(ev) {
				continue
			}

			if sub.push(sub.prepare(ev)) {
				drops++
			}
		}
	}

	if drops > 0 {
		metrics.RecordFeedDrop(drops)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*Subscription)
	f.closed = true
	f.mu.Unlock()

	for _, sub := range subs {
		close(sub.events)
		sub.once.Do(func() { close(sub.done) })
	}
}
