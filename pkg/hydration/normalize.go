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

package hydration

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

// ErrMalformedEntry marks a remote record that cannot be turned into
// documents. The record is skipped; the run goes on.
var ErrMalformedEntry = errors.New("malformed remote entry")

const (
	untitled   = "Untitled"
	metaFormID = "form_id"
)

// record is the flat multi-document form every remote entry is brought
// into before it is written.
type record struct {
	projectID string
	project   persistence.Document
	children  []child
	inline    map[string][]inlineAttachment
}

type child struct {
	id   string
	body persistence.Document
}

type inlineAttachment struct {
	id          string
	contentType string
	encoded     string
}

func (a inlineAttachment) decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.encoded)
}

// reserved keys of form_data that never name a child document.
var reserved = map[string]bool{
	models.FieldMetadata:         true,
	models.FieldData:             true,
	persistence.FieldAttachments: true,
	persistence.FieldID:          true,
	persistence.FieldRev:         true,
	models.FieldType:             true,
	models.FieldChildren:         true,
}

// normalize accepts the three shapes the backend has produced over time:
// a single {metadata_, data_} pair, a mapping of sub-document ids to
// document bodies next to the project's own metadata_ and data_, and a
// bare data map that predates both.
func normalize(entry models.FormEntry, now time.Time) (record, error) {
	projectID := entry.ID.String()
	if projectID == "" {
		return record{}, fmt.Errorf("%w: entry without id", ErrMalformedEntry)
	}

	fd := entry.FormData
	if len(fd) == 0 {
		return record{}, fmt.Errorf("%w: entry %s has no form_data", ErrMalformedEntry, projectID)
	}

	rec := record{projectID: projectID, inline: map[string][]inlineAttachment{}}

	if !isDocumentBody(fd) && !hasChildBodies(fd) {
		rec.project = legacyProject(projectID, fd, now)

		return rec, nil
	}

	project, err := documentFrom(projectID, fd, models.TypeProject, now)
	if err != nil {
		return record{}, err
	}

	if rec.inline[projectID], err = inlineFrom(projectID, fd); err != nil {
		return record{}, err
	}

	keys := make([]string, 0, len(fd))
	for k := range fd {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	seen := map[string]bool{projectID: true}

	for _, key := range keys {
		body, ok := fd[key].(map[string]interface{})
		if !ok {
			return record{}, fmt.Errorf("%w: child %q of %s is not an object", ErrMalformedEntry, key, projectID)
		}

		// A child's own _id wins over the key it is filed under.
		id := key
		if own, ok := body[persistence.FieldID].(string); ok && own != "" {
			id = own
		}

		if seen[id] {
			return record{}, fmt.Errorf("%w: duplicate document id %q in %s", ErrMalformedEntry, id, projectID)
		}

		seen[id] = true

		doc, err := documentFrom(id, body, models.TypeInstallation, now)
		if err != nil {
			return record{}, err
		}

		if _, ok := doc[models.FieldParentIDs]; !ok {
			doc[models.FieldParentIDs] = []interface{}{projectID}
		}

		if rec.inline[id], err = inlineFrom(id, body); err != nil {
			return record{}, err
		}

		rec.children = append(rec.children, child{id: id, body: doc})
	}

	children := make([]interface{}, 0, len(rec.children))
	for _, c := range rec.children {
		children = append(children, c.id)
	}

	project[models.FieldChildren] = children
	rec.project = project

	return rec, nil
}

func isDocumentBody(m map[string]interface{}) bool {
	_, meta := m[models.FieldMetadata]
	_, data := m[models.FieldData]

	return meta || data
}

func hasChildBodies(fd map[string]interface{}) bool {
	for k, v := range fd {
		if reserved[k] {
			continue
		}

		if m, ok := v.(map[string]interface{}); ok && (isDocumentBody(m) || m[persistence.FieldAttachments] != nil) {
			return true
		}
	}

	return false
}

// documentFrom builds a local document from a remote body. Missing
// metadata fields are filled from a fresh shell.
func documentFrom(id string, body map[string]interface{}, fallback models.DocType, now time.Time) (persistence.Document, error) {
	meta, ok := objectOrEmpty(body[models.FieldMetadata])
	if !ok {
		return nil, fmt.Errorf("%w: metadata_ of %s is not an object", ErrMalformedEntry, id)
	}

	data, ok := objectOrEmpty(body[models.FieldData])
	if !ok {
		return nil, fmt.Errorf("%w: data_ of %s is not an object", ErrMalformedEntry, id)
	}

	docType := fallback
	if t, ok := body[models.FieldType].(string); ok && t != "" {
		docType = models.DocType(t)
	}

	name, _ := meta[models.MetaDocName].(string)
	doc := models.NewShell(id, docType, name, now)

	shellMeta := models.MetadataMap(doc)
	shellMeta[models.MetaStatus] = string(models.StatusCreated)

	for k, v := range meta {
		shellMeta[k] = v
	}

	doc[models.FieldData] = data

	if ids, ok := body[models.FieldChildren].([]interface{}); ok {
		doc[models.FieldChildren] = ids
	}

	if ids, ok := body[models.FieldParentIDs].([]interface{}); ok {
		doc[models.FieldParentIDs] = ids
	}

	return doc, nil
}

func objectOrEmpty(v interface{}) (map[string]interface{}, bool) {
	if v == nil {
		return map[string]interface{}{}, true
	}

	m, ok := v.(map[string]interface{})

	return m, ok
}

// legacyProject wraps a bare data map. The installer's company name
// becomes the project name.
func legacyProject(id string, data map[string]interface{}, now time.Time) persistence.Document {
	name := untitled

	if installer, ok := data["installer"].(map[string]interface{}); ok {
		if company, ok := installer["company_name"].(string); ok && strings.TrimSpace(company) != "" {
			name = company
		}
	}

	doc := models.NewShell(id, models.TypeProject, name, now)
	meta := models.MetadataMap(doc)
	meta[models.MetaStatus] = string(models.StatusCreated)
	meta[metaFormID] = id
	doc[models.FieldData] = data

	return doc
}

// inlineFrom collects the base64 attachments of a remote body.
func inlineFrom(id string, body map[string]interface{}) ([]inlineAttachment, error) {
	raw, ok := objectOrEmpty(body[persistence.FieldAttachments])
	if !ok {
		return nil, fmt.Errorf("%w: _attachments of %s is not an object", ErrMalformedEntry, id)
	}

	out := make([]inlineAttachment, 0, len(raw))

	for attID, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: attachment %s of %s is not an object", ErrMalformedEntry, attID, id)
		}

		encoded, _ := m["data"].(string)
		contentType, _ := m["content_type"].(string)

		out = append(out, inlineAttachment{id: attID, contentType: contentType, encoded: encoded})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	return out, nil
}
