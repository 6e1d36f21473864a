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

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
)

// maxAttachmentSize bounds raw attachment uploads.
const maxAttachmentSize = 32 << 20

type docURI struct {
	ID string `uri:"id" binding:"required"`
}

type attachmentURI struct {
	ID         string `uri:"id"  binding:"required"`
	Attachment string `uri:"att" binding:"required"`
}

type projectEntry struct {
	ID             string   `json:"id"`
	Rev            string   `json:"rev"`
	Name           string   `json:"name"`
	LastModifiedAt string   `json:"last_modified_at"`
	Children       []string `json:"children"`
}

func (s *Server) listProjects(c *gin.Context) {
	docs, err := s.projects.RetrieveProjectDocs(c.Request.Context())
	if err != nil {
		s.handleError(c, err)

		return
	}

	out := make([]projectEntry, 0, len(docs))
	for _, d := range docs {
		modified, _ := d.Metadata[models.MetaLastModifiedAt].(string)
		out = append(out, projectEntry{
			ID:             d.ID,
			Rev:            d.Rev,
			Name:           d.Name(),
			LastModifiedAt: modified,
			Children:       d.Children,
		})
	}

	c.JSON(http.StatusOK, out)
}

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name" binding:"required"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	doc, err := s.projects.PutNewProject(c.Request.Context(), req.Name, req.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": doc.ID(), "rev": doc.Rev()})
}

func (s *Server) deleteProject(c *gin.Context) {
	var uri docURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	s.dropSession(uri.ID)

	if err := s.projects.DeleteProject(c.Request.Context(), uri.ID); err != nil {
		s.handleError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

type submitRequest struct {
	Measure string `json:"measure" binding:"required"`
}

func (s *Server) submitProject(c *gin.Context) {
	if s.submitter == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "submission is not configured", "status": http.StatusNotImplemented})

		return
	}

	var uri docURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	// Pending edits must reach the store before the project is exported.
	s.mu.Lock()
	open, ok := s.sessions[uri.ID]
	s.mu.Unlock()

	if ok {
		open.Wait()
	}

	res, err := s.submitter.SubmitProject(c.Request.Context(), uri.ID, req.Measure)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"form_id":            res.FormID,
		"report_document_id": res.ReportDocumentID,
		"step_closed":        res.StepClosed,
	})
}

type createInstallationRequest struct {
	ID           string `json:"id"`
	WorkflowName string `json:"workflow_name" binding:"required"`
	Name         string `json:"name"`
	ParentID     string `json:"parent_id"`
}

func (s *Server) createInstallation(c *gin.Context) {
	var req createInstallationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	doc, err := s.projects.PutNewInstallation(c.Request.Context(), req.ID, req.WorkflowName, req.Name, req.ParentID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": doc.ID(), "rev": doc.Rev()})
}

type attachmentView struct {
	ContentType string                 `json:"content_type"`
	Digest      string                 `json:"digest"`
	Size        int                    `json:"size"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type documentView struct {
	ID          string                    `json:"id"`
	Rev         string                    `json:"rev"`
	Deleted     bool                      `json:"deleted,omitempty"`
	Data        map[string]interface{}    `json:"data_"`
	Metadata    map[string]interface{}    `json:"metadata_"`
	Children    []string                  `json:"children"`
	Attachments map[string]attachmentView `json:"attachments"`
}

func (s *Server) getDocument(c *gin.Context) {
	var uri docURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctrl, err := s.session(c.Request.Context(), uri.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	view := ctrl.Snapshot()
	out := documentView{
		ID:          view.DocID,
		Rev:         view.Rev,
		Deleted:     view.Deleted,
		Data:        view.Data,
		Metadata:    view.Metadata,
		Children:    view.Children,
		Attachments: make(map[string]attachmentView, len(view.Attachments)),
	}

	for id, e := range view.Attachments {
		out.Attachments[id] = attachmentView{
			ContentType: e.ContentType,
			Digest:      e.Digest,
			Size:        len(e.Data),
			Metadata:    e.Metadata,
		}
	}

	c.JSON(http.StatusOK, out)
}

type upsertRequest struct {
	Path  string      `json:"path"  binding:"required"`
	Value interface{} `json:"value"`
}

func (s *Server) upsertData(c *gin.Context) {
	s.upsert(c, (*session.Controller).UpsertData)
}

func (s *Server) upsertMetadata(c *gin.Context) {
	s.upsert(c, (*session.Controller).UpsertMetadata)
}

func (s *Server) upsert(c *gin.Context, apply func(*session.Controller, context.Context, string, interface{}) error) {
	var uri docURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctrl, err := s.session(c.Request.Context(), uri.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	if err := apply(ctrl, c.Request.Context(), req.Path, req.Value); err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": uri.ID, "path": req.Path})
}

func (s *Server) putAttachment(c *gin.Context) {
	var uri attachmentURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAttachmentSize+1))
	if err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	if len(data) > maxAttachmentSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":  "attachment too large",
			"status": http.StatusRequestEntityTooLarge,
		})

		return
	}

	if len(data) == 0 {
		s.handleInvalidInput(c, errors.New("empty attachment body"))

		return
	}

	ctrl, err := s.session(c.Request.Context(), uri.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	err = ctrl.UpsertAttachment(c.Request.Context(), data, uri.Attachment, session.AttachmentOptions{
		Filename:    c.Query("filename"),
		ContentType: c.ContentType(),
	})
	if err != nil {
		s.handleError(c, err)

		return
	}

	entry, _ := ctrl.Attachment(uri.Attachment)

	c.JSON(http.StatusCreated, gin.H{"id": uri.ID, "attachment": uri.Attachment, "digest": entry.Digest})
}

func (s *Server) getAttachment(c *gin.Context) {
	var uri attachmentURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctrl, err := s.session(c.Request.Context(), uri.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	entry, ok := ctrl.Attachment(uri.Attachment)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "attachment " + uri.Attachment + " not found",
			"status":  http.StatusNotFound,
			"message": messages[http.StatusNotFound],
		})

		return
	}

	c.Header("ETag", `"`+entry.Digest+`"`)
	c.Data(http.StatusOK, entry.ContentType, entry.Data)
}

func (s *Server) deleteAttachment(c *gin.Context) {
	var uri attachmentURI
	if err := c.ShouldBindUri(&uri); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctrl, err := s.session(c.Request.Context(), uri.ID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	if err := ctrl.DeleteAttachment(c.Request.Context(), uri.Attachment); err != nil {
		s.handleError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

type hydrateRequest struct {
	UserID        string `json:"user_id"`
	ProcessStepID string `json:"process_step_id"`
}

func (s *Server) hydrate(c *gin.Context) {
	if s.hydrator == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "hydration is not configured", "status": http.StatusNotImplemented})

		return
	}

	var req hydrateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.handleInvalidInput(c, err)

			return
		}
	}

	if req.UserID == "" || req.ProcessStepID == "" {
		st, err := s.keeper.Load(c.Request.Context())
		if err != nil {
			s.handleError(c, err)

			return
		}

		if req.UserID == "" {
			req.UserID = st.UserID
		}

		if req.ProcessStepID == "" {
			req.ProcessStepID = st.ProcessStepID
		}
	}

	res, err := s.hydrator.Run(c.Request.Context(), req.UserID, req.ProcessStepID)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"docs_created":        res.DocsCreated,
		"docs_existing":       res.DocsExisting,
		"attachments_written": res.AttachmentsWritten,
		"attachments_skipped": res.AttachmentsSkipped,
		"attachment_failures": res.AttachmentFailures,
		"skipped":             res.Skipped,
		"project_ids":         res.ProjectIDs,
	})
}
