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

package projects

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

// ErrNoProject is returned by Import for a bundle without a project.
var ErrNoProject = errors.New("bundle holds no project document")

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Bundle is an exported project tree. Attachments are inlined as base64
// under "_attachments.<id>.data".
type Bundle struct {
	AllDocs []persistence.Document `json:"all_docs"`
}

// UnmarshalJSON also accepts a single document under all_docs, the shape
// written when children were not exported.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var raw struct {
		AllDocs json.RawMessage `json:"all_docs"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	trimmed := bytes.TrimSpace(raw.AllDocs)

	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		b.AllDocs = nil
	case trimmed[0] == '{':
		var doc persistence.Document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return err
		}

		b.AllDocs = []persistence.Document{doc}
	default:
		if err := json.Unmarshal(trimmed, &b.AllDocs); err != nil {
			return err
		}
	}

	return nil
}

// Export bundles docID and, with includeChildren, every document below it.
func (s *Service) Export(ctx context.Context, docID string, includeChildren bool) (Bundle, error) {
	root, err := s.store.Get(ctx, docID)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to read %s: %w", docID, err)
	}

	docs := []persistence.Document{root}

	if includeChildren {
		children, err := s.descendants(ctx, root)
		if err != nil {
			return Bundle{}, err
		}

		docs = append(docs, children...)
	}

	out := Bundle{AllDocs: make([]persistence.Document, 0, len(docs))}

	for _, doc := range docs {
		inlined, err := s.inlineAttachments(ctx, doc)
		if err != nil {
			return Bundle{}, err
		}

		out.AllDocs = append(out.AllDocs, inlined)
	}

	return out, nil
}

func (s *Service) inlineAttachments(ctx context.Context, doc persistence.Document) (persistence.Document, error) {
	ids := doc.AttachmentIDs()
	if len(ids) == 0 {
		return doc, nil
	}

	stubs := doc.Stubs()
	inline := make(map[string]interface{}, len(ids))

	for _, attID := range ids {
		att, err := s.store.GetAttachment(ctx, doc.ID(), attID)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s of %s: %w", attID, doc.ID(), err)
		}

		inline[attID] = map[string]interface{}{
			"content_type": att.ContentType,
			"digest":       stubs[attID].Digest,
			"data":         base64.StdEncoding.EncodeToString(att.Data),
		}
	}

	doc[persistence.FieldAttachments] = inline

	return doc, nil
}

// EncodeBundle writes b as JSON, zstd-compressed when compress is set.
func EncodeBundle(w io.Writer, b Bundle, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(b)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	if err := json.NewEncoder(zw).Encode(b); err != nil {
		_ = zw.Close()

		return fmt.Errorf("failed to encode bundle: %w", err)
	}

	return zw.Close()
}

// DecodeBundle reads a bundle written by EncodeBundle, compressed or not.
func DecodeBundle(r io.Reader) (Bundle, error) {
	br := bufio.NewReader(r)

	var src io.Reader = br

	if head, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return Bundle{}, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()

		src = zr
	}

	var b Bundle
	if err := json.NewDecoder(src).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("failed to decode bundle: %w", err)
	}

	return b, nil
}

// ImportResult lists the ids created by Import.
type ImportResult struct {
	ProjectID       string
	ProjectName     string
	JobID           string
	InstallationIDs []string
}

type inlineAttachment struct {
	data        []byte
	contentType string
}

// Import recreates a bundle under fresh ids. The project is renamed to
// "<name> (n)" when the name is taken, and its installations are grouped
// under one job.
func (s *Service) Import(ctx context.Context, b Bundle) (ImportResult, error) {
	existing, err := s.RetrieveProjectDocs(ctx)
	if err != nil {
		return ImportResult{}, err
	}

	names := make([]string, 0, len(existing))
	for _, p := range existing {
		names = append(names, p.Name())
	}

	var (
		res           ImportResult
		installations []persistence.Document
	)

	for _, in := range b.AllDocs {
		if in == nil || models.MetadataMap(in) == nil {
			continue
		}

		doc := persistence.Clone(in)

		switch models.TypeOf(doc) {
		case models.TypeProject:
			if res.ProjectID != "" {
				s.log.Warnw("import_extra_project_ignored", "doc_name", models.DocName(doc))

				continue
			}

			name := nextDocName(names, models.DocName(doc))
			models.MetadataMap(doc)[models.MetaDocName] = name
			// Children are rebuilt from the new ids.
			delete(doc, models.FieldChildren)

			id, err := s.importDoc(ctx, doc)
			if err != nil {
				return res, err
			}

			res.ProjectID = id
			res.ProjectName = name
		case models.TypeInstallation:
			installations = append(installations, doc)
		}
	}

	if res.ProjectID == "" {
		return res, ErrNoProject
	}

	res.JobID, err = s.GetOrCreateJob(ctx, res.ProjectID)
	if err != nil {
		return res, err
	}

	for _, doc := range installations {
		delete(doc, models.FieldChildren)

		id, err := s.importDoc(ctx, doc)
		if err != nil {
			return res, err
		}

		if err := s.AppendChild(ctx, res.JobID, id); err != nil {
			return res, err
		}

		res.InstallationIDs = append(res.InstallationIDs, id)
	}

	if err := s.UpdateDocChildren(ctx, res.ProjectID, []string{res.JobID}); err != nil {
		return res, err
	}

	s.log.Infow("bundle_imported", "project_id", res.ProjectID, "project_name", res.ProjectName, "installations", len(res.InstallationIDs))

	return res, nil
}

// importDoc stores doc under a new id with fresh timestamps and restores
// its inlined attachments.
func (s *Service) importDoc(ctx context.Context, doc persistence.Document) (string, error) {
	atts, err := extractInline(doc)
	if err != nil {
		return "", err
	}

	id := s.newID()

	delete(doc, persistence.FieldRev)
	delete(doc, persistence.FieldAttachments)
	delete(doc, persistence.FieldDeleted)
	doc[persistence.FieldID] = id

	ts := models.Timestamp(s.now())
	meta := models.MetadataMap(doc)
	meta[models.MetaCreatedAt] = ts
	meta[models.MetaLastModifiedAt] = ts

	rev, err := s.store.Put(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to import %s: %w", models.DocName(doc), err)
	}

	for attID, att := range atts {
		rev, err = s.store.PutAttachment(ctx, id, attID, rev, att.data, att.contentType)
		if err != nil {
			return "", fmt.Errorf("failed to import attachment %s of %s: %w", attID, id, err)
		}
	}

	return id, nil
}

func extractInline(doc persistence.Document) (map[string]inlineAttachment, error) {
	raw, _ := doc[persistence.FieldAttachments].(map[string]interface{})
	out := make(map[string]inlineAttachment, len(raw))

	for attID, v := range raw {
		m, _ := v.(map[string]interface{})

		encoded, _ := m["data"].(string)
		if encoded == "" {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("attachment %s of %s is not base64: %w", attID, doc.ID(), err)
		}

		ct, _ := m["content_type"].(string)
		out[attID] = inlineAttachment{data: data, contentType: ct}
	}

	return out, nil
}

var nameIndex = regexp.MustCompile(`\((\d+)\)$`)

// nextDocName returns docName, or "<base> (n+1)" when a name with the same
// base is taken and n is the highest index among them.
func nextDocName(names []string, docName string) string {
	base := strings.TrimSpace(nameIndex.ReplaceAllString(docName, ""))
	base = strings.TrimSpace(nameIndex.ReplaceAllString(base, ""))

	taken := false
	highest := 0

	for _, name := range names {
		if !strings.HasPrefix(name, base) {
			continue
		}

		taken = true

		if m := nameIndex.FindStringSubmatch(name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
				highest = n
			}
		}
	}

	if !taken {
		return base
	}

	return fmt.Sprintf("%s (%d)", base, highest+1)
}
