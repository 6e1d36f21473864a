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

// Package persistence is the local revisioned document store.
//
// Documents are JSON-like trees keyed by "_id". Every committed write gets a
// new revision token and is announced on the change feed. Binary
// attachments live next to their document and are summarised in the
// document's "_attachments" stubs. Documents whose id starts with "_local/"
// are private bookkeeping: they carry no revision and never reach the feed.
//
// The revision, conflict and feed rules live in DocStore. Storage backends
// only provide transactions over raw rows, see Backend.
package persistence

import (
	"sort"
	"strings"
)

// Reserved document keys.
const (
	FieldID          = "_id"
	FieldRev         = "_rev"
	FieldAttachments = "_attachments"
	FieldDeleted     = "_deleted"
	FieldMutationID  = "_mutation_id"

	LocalPrefix = "_local/"
)

// Document is a JSON-serializable document tree.
type Document map[string]interface{}

// ID returns the "_id" field or an empty string.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)

	return id
}

// Rev returns the "_rev" field or an empty string.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)

	return rev
}

// Deleted reports whether d is a tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)

	return deleted
}

// AttachmentStub summarises one stored attachment.
type AttachmentStub struct {
	ContentType string `json:"content_type" mapstructure:"content_type"`
	Digest      string `json:"digest"       mapstructure:"digest"`
	Length      int    `json:"length"       mapstructure:"length"`
}

func (s AttachmentStub) toMap() map[string]interface{} {
	return map[string]interface{}{
		"content_type": s.ContentType,
		"digest":       s.Digest,
		"length":       s.Length,
	}
}

// Stubs decodes the "_attachments" field of d.
func (d Document) Stubs() map[string]AttachmentStub {
	raw, _ := d[FieldAttachments].(map[string]interface{})
	out := make(map[string]AttachmentStub, len(raw))

	for id, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		stub := AttachmentStub{}
		stub.ContentType, _ = m["content_type"].(string)
		stub.Digest, _ = m["digest"].(string)

		switch n := m["length"].(type) {
		case int:
			stub.Length = n
		case int64:
			stub.Length = int(n)
		case float64:
			stub.Length = int(n)
		}

		out[id] = stub
	}

	return out
}

// AttachmentIDs returns the ids of d's attachments in sorted order.
func (d Document) AttachmentIDs() []string {
	raw, _ := d[FieldAttachments].(map[string]interface{})

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func setStubs(d Document, stubs map[string]AttachmentStub) {
	if len(stubs) == 0 {
		delete(d, FieldAttachments)

		return
	}

	raw := make(map[string]interface{}, len(stubs))
	for id, s := range stubs {
		raw[id] = s.toMap()
	}

	d[FieldAttachments] = raw
}

// IsLocalID reports whether id names a non-replicated local document.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// LocalID prefixes id with "_local/" unless it already is.
func LocalID(id string) string {
	if IsLocalID(id) {
		return id
	}

	return LocalPrefix + id
}
