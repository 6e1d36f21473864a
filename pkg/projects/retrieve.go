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
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

// ProjectDoc is one entry of the project list.
type ProjectDoc struct {
	ID       string
	Rev      string
	Metadata map[string]interface{}
	Data     map[string]interface{}
	Children []string
	meta     models.Metadata
}

// Name returns metadata_.doc_name.
func (p ProjectDoc) Name() string {
	return p.meta.DocName
}

// RetrieveProjectDocs lists every project, most recently edited first.
func (s *Service) RetrieveProjectDocs(ctx context.Context) ([]ProjectDoc, error) {
	rows, err := s.store.AllDocs(ctx, persistence.AllDocsOptions{
		IncludeDocs: true,
		Query:       persistence.NewQuery().Filter(models.FieldType, persistence.Eq, string(models.TypeProject)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	out := make([]ProjectDoc, 0, len(rows))

	for _, row := range rows {
		meta, err := models.DecodeMetadata(row.Doc)
		if err != nil {
			s.log.Warnw("project_metadata_invalid", "doc_id", row.ID, "error", err)
		}

		out = append(out, ProjectDoc{
			ID:       row.ID,
			Rev:      row.Rev,
			Metadata: models.MetadataMap(row.Doc),
			Data:     models.DataMap(row.Doc),
			Children: models.Children(row.Doc),
			meta:     meta,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].meta.LastModifiedAt.After(out[j].meta.LastModifiedAt)
	})

	return out, nil
}

// docsByID loads ids and drops the ones that are missing.
func (s *Service) docsByID(ctx context.Context, ids []string) ([]persistence.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.store.AllDocs(ctx, persistence.AllDocsOptions{Keys: ids, IncludeDocs: true})
	if err != nil {
		return nil, err
	}

	out := make([]persistence.Document, 0, len(rows))

	for _, row := range rows {
		if row.Err != nil || row.Doc == nil {
			continue
		}

		out = append(out, row.Doc)
	}

	return out, nil
}

// descendants returns every document reachable through children from
// root, breadth first, without root itself.
func (s *Service) descendants(ctx context.Context, root persistence.Document) ([]persistence.Document, error) {
	seen := map[string]bool{root.ID(): true}

	var out []persistence.Document

	next := models.Children(root)

	for len(next) > 0 {
		var ids []string

		for _, id := range next {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}

		docs, err := s.docsByID(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load children of %s: %w", root.ID(), err)
		}

		next = nil

		for _, doc := range docs {
			out = append(out, doc)
			next = append(next, models.Children(doc)...)
		}
	}

	return out, nil
}

// RetrieveInstallationDocs returns the installations of projectID that use
// workflowName, whether attached to the project directly or through one
// of its installation groups.
func (s *Service) RetrieveInstallationDocs(ctx context.Context, projectID, workflowName string) ([]persistence.Document, error) {
	project, err := s.store.Get(ctx, projectID)
	if persistence.IsNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read project %s: %w", projectID, err)
	}

	if models.TypeOf(project) != models.TypeProject {
		return nil, nil
	}

	children, err := s.docsByID(ctx, models.Children(project))
	if err != nil {
		return nil, fmt.Errorf("failed to load children of %s: %w", projectID, err)
	}

	var candidates []persistence.Document

	var groupChildren []string

	for _, child := range children {
		switch models.TypeOf(child) {
		case models.TypeInstallation:
			candidates = append(candidates, child)
		case models.TypeInstallationGroup:
			groupChildren = append(groupChildren, models.Children(child)...)
		}
	}

	grouped, err := s.docsByID(ctx, groupChildren)
	if err != nil {
		return nil, fmt.Errorf("failed to load installations of %s: %w", projectID, err)
	}

	candidates = append(candidates, grouped...)

	var out []persistence.Document

	for _, doc := range candidates {
		if models.TypeOf(doc) != models.TypeInstallation {
			continue
		}

		if name, _ := models.MetadataMap(doc)[models.MetaTemplateName].(string); name == workflowName {
			out = append(out, doc)
		}
	}

	return out, nil
}

// Summary is the header shown on every page of a project.
type Summary struct {
	ProjectName      string
	InstallationName string
	StreetAddress    string
	City             string
	State            string
	ZipCode          string
}

// Address joins the location parts into one line.
func (s Summary) Address() string {
	var b strings.Builder

	for _, part := range []struct{ v, sep string }{
		{s.StreetAddress, ", "},
		{s.City, ", "},
		{s.State, " "},
		{s.ZipCode, ""},
	} {
		if part.v != "" {
			b.WriteString(part.v)
			b.WriteString(part.sep)
		}
	}

	return strings.TrimRight(b.String(), ", ")
}

// RetrieveProjectSummary reads the project name and location of docID.
// An empty workflowName leaves InstallationName empty.
func (s *Service) RetrieveProjectSummary(ctx context.Context, docID, workflowName string) (Summary, error) {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read %s: %w", docID, err)
	}

	summary := Summary{ProjectName: models.DocName(doc)}

	if workflowName != "" {
		title, err := s.templates.Title(workflowName)
		if err != nil {
			return Summary{}, err
		}

		summary.InstallationName = title
	}

	location, _ := models.DataMap(doc)["location"].(map[string]interface{})
	str := func(key string) string {
		v, _ := location[key].(string)

		return strings.TrimSpace(v)
	}

	summary.StreetAddress = str("street_address")
	summary.City = str("city")
	summary.State = str("state")
	summary.ZipCode = str("zip_code")

	return summary, nil
}
