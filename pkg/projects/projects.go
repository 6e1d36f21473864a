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

// Package projects creates, lists, exports and deletes project trees in
// the local store. A project holds installations directly or through
// installation groups ("jobs").
package projects

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/templates"
)

// ImportedJobName names the group created to hold imported installations.
const ImportedJobName = "Imported Job"

// FormDeleter removes the remote form of a project.
type FormDeleter interface {
	DeleteForm(ctx context.Context, id string) error
}

// DocumentDeleter removes a registry document and its object.
type DocumentDeleter interface {
	Delete(ctx context.Context, documentID string) error
}

type Service struct {
	store      persistence.Store
	templates  *templates.Registry
	forms      FormDeleter
	documents  DocumentDeleter
	now        func() time.Time
	newID      func() string
	log        *zap.SugaredLogger
	cascadeLog *zap.SugaredLogger
}

type Option func(*Service)

func WithTemplates(r *templates.Registry) Option {
	return func(s *Service) {
		s.templates = r
	}
}

// WithRemote enables the remote steps of DeleteProject.
func WithRemote(forms FormDeleter, documents DocumentDeleter) Option {
	return func(s *Service) {
		s.forms = forms
		s.documents = documents
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

func New(store persistence.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		templates:  templates.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		log:        logger.For(logger.ComponentProjects),
		cascadeLog: logger.For(logger.ComponentCascade),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Store returns the store the service writes to.
func (s *Service) Store() persistence.Store {
	return s.store
}

// Templates returns the template registry used for installations.
func (s *Service) Templates() *templates.Registry {
	return s.templates
}

func exists(doc persistence.Document) bool {
	_, ok := doc[models.FieldType]

	return ok
}

// touch stamps metadata_.last_modified_at.
func touch(doc persistence.Document, now time.Time) {
	meta := models.MetadataMap(doc)
	if meta == nil {
		meta = map[string]interface{}{}
		doc[models.FieldMetadata] = meta
	}

	meta[models.MetaLastModifiedAt] = models.Timestamp(now)
}

// PutNewDoc creates a blank document of docType unless docID already
// exists, in which case the stored document is returned unchanged. An empty
// docID gets a random one.
func (s *Service) PutNewDoc(ctx context.Context, docName, docID string, docType models.DocType) (persistence.Document, error) {
	doc, _, err := s.putNew(ctx, docID, func(id string) persistence.Document {
		return models.NewShell(id, docType, docName, s.now())
	})

	return doc, err
}

// putNew creates the document built by shell unless it exists. The bool
// reports whether this call created it.
func (s *Service) putNew(ctx context.Context, docID string, shell func(id string) persistence.Document) (persistence.Document, bool, error) {
	if docID == "" {
		docID = s.newID()
	}

	doc, err := s.store.Get(ctx, docID)
	if err == nil {
		s.log.Debugw("document_exists", "doc_id", docID)

		return doc, false, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, false, fmt.Errorf("failed to read %s: %w", docID, err)
	}

	created := false

	_, err = s.store.Upsert(ctx, docID, func(current persistence.Document) (persistence.Document, bool) {
		// Another writer may have created it since the read above.
		if exists(current) {
			created = false

			return nil, false
		}

		created = true

		return shell(docID), true
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create %s: %w", docID, err)
	}

	doc, err = s.store.Get(ctx, docID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", docID, err)
	}

	if created {
		s.log.Debugw("document_created", "doc_id", docID, "type", models.TypeOf(doc))
	}

	return doc, created, nil
}

func (s *Service) PutNewProject(ctx context.Context, docName, docID string) (persistence.Document, error) {
	return s.PutNewDoc(ctx, docName, docID, models.TypeProject)
}

// PutNewInstallation creates an installation for workflowName under
// parentID. An empty or "0" docID gets a random id. An installation that
// already exists is returned as is and still linked to parentID.
func (s *Service) PutNewInstallation(ctx context.Context, docID, workflowName, docName, parentID string) (persistence.Document, error) {
	title, err := s.templates.Title(workflowName)
	if err != nil {
		return nil, err
	}

	if docID == "" || docID == "0" {
		docID = s.newID()
	}

	doc, created, err := s.putNew(ctx, docID, func(id string) persistence.Document {
		shell := models.NewShell(id, models.TypeInstallation, docName, s.now())
		meta := models.MetadataMap(shell)
		meta[models.MetaTemplateName] = workflowName
		meta[models.MetaTemplateTitle] = title

		return shell
	})
	if err != nil {
		return doc, err
	}

	if !created {
		s.log.Debugw("installation_exists", "doc_id", docID, "parent_id", parentID)
	}

	if parentID != "" {
		if err := s.AppendChild(ctx, parentID, docID); err != nil {
			return doc, err
		}
	}

	return doc, nil
}

// AppendChild adds childID to the children of parentID unless present.
func (s *Service) AppendChild(ctx context.Context, parentID, childID string) error {
	found := false

	_, err := s.store.Upsert(ctx, parentID, func(current persistence.Document) (persistence.Document, bool) {
		found = exists(current)
		if !found {
			return nil, false
		}

		children := models.Children(current)
		if slices.Contains(children, childID) {
			return nil, false
		}

		current[models.FieldChildren] = models.ToInterfaces(append(children, childID))
		touch(current, s.now())

		return current, true
	})
	if err != nil {
		return fmt.Errorf("failed to append %s to %s: %w", childID, parentID, err)
	}

	if !found {
		return fmt.Errorf("failed to append %s: parent %s: %w", childID, parentID, persistence.ErrNotFound)
	}

	return nil
}

// UpdateDocChildren replaces the children of parentID.
func (s *Service) UpdateDocChildren(ctx context.Context, parentID string, childIDs []string) error {
	found := false

	_, err := s.store.Upsert(ctx, parentID, func(current persistence.Document) (persistence.Document, bool) {
		found = exists(current)
		if !found {
			return nil, false
		}

		current[models.FieldChildren] = models.ToInterfaces(childIDs)
		touch(current, s.now())

		return current, true
	})
	if err != nil {
		return fmt.Errorf("failed to update children of %s: %w", parentID, err)
	}

	if !found {
		return fmt.Errorf("failed to update children: %s: %w", parentID, persistence.ErrNotFound)
	}

	return nil
}

// GetOrCreateJob returns the installation group whose parent_ids holds
// projectID, creating one named ImportedJobName when there is none.
func (s *Service) GetOrCreateJob(ctx context.Context, projectID string) (string, error) {
	rows, err := s.store.AllDocs(ctx, persistence.AllDocsOptions{
		IncludeDocs: true,
		Query: persistence.NewQuery().
			Filter(models.FieldType, persistence.Eq, string(models.TypeInstallationGroup)).
			Filter(models.FieldParentIDs, persistence.Contains, projectID).
			Limit(1),
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up job of %s: %w", projectID, err)
	}

	if len(rows) > 0 {
		return rows[0].ID, nil
	}

	jobID := s.newID()
	job := models.NewShell(jobID, models.TypeInstallationGroup, ImportedJobName, s.now())
	job[models.FieldParentIDs] = models.ToInterfaces([]string{projectID})

	if _, err := s.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job for %s: %w", projectID, err)
	}

	if err := s.AppendChild(ctx, projectID, jobID); err != nil {
		return "", err
	}

	s.log.Debugw("job_created", "project_id", projectID, "job_id", jobID)

	return jobID, nil
}

// DeleteEmptyProjects removes projects that were never named and never
// left the "new" status. It returns how many were removed.
func (s *Service) DeleteEmptyProjects(ctx context.Context) (int, error) {
	rows, err := s.store.AllDocs(ctx, persistence.AllDocsOptions{
		Query: persistence.NewQuery().
			Filter(models.FieldType, persistence.Eq, string(models.TypeProject)).
			Filter(models.FieldMetadata+"."+models.MetaDocName, persistence.Eq, "").
			Filter(models.FieldMetadata+"."+models.MetaStatus, persistence.Eq, string(models.StatusNew)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list empty projects: %w", err)
	}

	if len(rows) == 0 {
		return 0, nil
	}

	refs := make([]persistence.DocRef, len(rows))
	for i, row := range rows {
		refs[i] = persistence.DocRef{ID: row.ID, Rev: row.Rev}
	}

	results, err := s.store.BulkRemove(ctx, refs)
	if err != nil {
		return 0, fmt.Errorf("failed to remove empty projects: %w", err)
	}

	removed := 0

	var errs []error

	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.ID, r.Err))

			continue
		}

		removed++
	}

	s.log.Infow("empty_projects_removed", "count", removed)

	return removed, errors.Join(errs...)
}
