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

// Package submission sends finished projects to the remote backend: the
// form record, the measure and its final report, and the process step
// condition once every expected measure is complete.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/documents"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
	"github.com/united-manufacturing-hub/qisync/pkg/templates"
)

var (
	// ErrMissingIdentifiers is returned when the session lacks the user or
	// process ids a call needs.
	ErrMissingIdentifiers = errors.New("missing session identifiers")
	// ErrIncompleteForm is returned by SubmitProject for a project whose
	// installer or location details are not filled in.
	ErrIncompleteForm = errors.New("form is incomplete")
)

const (
	photoMeasureName  = "project-photo"
	bundleContentType = "application/json"
	documentsField    = "documents"
)

// Remote is the part of the backend client used here.
type Remote interface {
	CreateForm(ctx context.Context, form remote.FormPayload) (string, error)
	UpdateForm(ctx context.Context, id string, form remote.FormPayload) error
	AddMeasure(ctx context.Context, req remote.AddMeasureRequest) error
	GetStepFormData(ctx context.Context, processID, processStepID, userID string) (remote.StepFormData, error)
	CloseStep(ctx context.Context, processID, processStepID, userID string) error
}

// Uploader stores a blob and registers it as a remote document.
type Uploader interface {
	Upload(ctx context.Context, req documents.UploadRequest) (string, error)
}

var (
	_ Remote   = (*remote.Client)(nil)
	_ Uploader = (*documents.Uploader)(nil)
)

type Service struct {
	keeper    *sessionstate.Keeper
	remote    Remote
	projects  *projects.Service
	templates *templates.Registry
	uploader  Uploader
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Service)

// WithUploader enables photo and final report uploads.
func WithUploader(u Uploader) Option {
	return func(s *Service) {
		s.uploader = u
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(keeper *sessionstate.Keeper, client Remote, svc *projects.Service, opts ...Option) *Service {
	s := &Service{
		keeper:    keeper,
		remote:    client,
		projects:  svc,
		templates: svc.Templates(),
		now:       time.Now,
		log:       logger.For(logger.ComponentSubmission),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Photo is an optional image sent along with a form.
type Photo struct {
	Data        []byte
	ContentType string
}

// SaveForm writes formData to the remote form of this session. A known
// form id is updated, recreating the form if the backend lost it; without
// one a form is created and its id kept in the session state. A photo
// that fails to upload is logged and the form is saved without it.
func (s *Service) SaveForm(ctx context.Context, formData map[string]interface{}, photo *Photo) (string, error) {
	st, err := s.keeper.Load(ctx)
	if err != nil {
		return "", err
	}

	if !st.HasIdentifiers() {
		return "", fmt.Errorf("failed to save form: %w", ErrMissingIdentifiers)
	}

	formData = copyMap(formData)

	if photo != nil {
		s.attachPhoto(ctx, st, formData, photo)
	}

	payload := remote.FormPayload{
		UserID:        st.UserID,
		ProcessStepID: st.ProcessStepID,
		FormData:      formData,
	}

	if st.FormID != "" {
		if err := s.remote.UpdateForm(ctx, st.FormID, payload); err != nil {
			sentry.ReportRemoteError(s.log, "quality-install", "update_form", err)

			return "", fmt.Errorf("failed to update form %s: %w", st.FormID, err)
		}

		s.log.Infow("form_updated", "form_id", st.FormID)

		return st.FormID, nil
	}

	formID, err := s.remote.CreateForm(ctx, payload)
	if err != nil {
		sentry.ReportRemoteError(s.log, "quality-install", "create_form", err)

		return "", fmt.Errorf("failed to create form: %w", err)
	}

	if _, err := s.keeper.Persist(ctx, sessionstate.State{FormID: formID}); err != nil {
		return formID, err
	}

	s.log.Infow("form_created", "form_id", formID)

	return formID, nil
}

func (s *Service) attachPhoto(ctx context.Context, st sessionstate.State, formData map[string]interface{}, photo *Photo) {
	if s.uploader == nil {
		s.log.Debugw("photo_upload_disabled")

		return
	}

	if st.OrganizationID == "" {
		s.log.Errorw("photo_upload_skipped", "reason", "missing organization id")

		return
	}

	documentID, err := s.uploader.Upload(ctx, documents.UploadRequest{
		Now:            s.now(),
		UserID:         st.UserID,
		OrganizationID: st.OrganizationID,
		ApplicationID:  st.ApplicationID,
		DocumentType:   documents.TypeQualityInstallPhoto,
		MeasureName:    photoMeasureName,
		ContentType:    photo.ContentType,
		Data:           photo.Data,
	})
	if err != nil {
		s.log.Errorw("photo_upload_failed", "error", err)
		sentry.ReportRemoteError(s.log, "documents", "upload_photo", err)

		return
	}

	list, _ := formData[documentsField].([]interface{})
	formData[documentsField] = append(list, map[string]interface{}{
		"document_id":  documentID,
		"documentType": documents.TypeQualityInstallPhoto,
	})
}

// RecordMeasure marks measureName as completed on the process step.
func (s *Service) RecordMeasure(ctx context.Context, measureName, finalReportDocumentID, jobID string) error {
	st, err := s.keeper.Load(ctx)
	if err != nil {
		return err
	}

	if st.ProcessID == "" || st.ProcessStepID == "" {
		return fmt.Errorf("failed to record measure %s: %w", measureName, ErrMissingIdentifiers)
	}

	err = s.remote.AddMeasure(ctx, remote.AddMeasureRequest{
		UserID:                st.UserID,
		ProcessID:             st.ProcessID,
		ProcessStepID:         st.ProcessStepID,
		MeasureName:           measureName,
		FinalReportDocumentID: finalReportDocumentID,
		JobID:                 jobID,
	})
	if err != nil {
		sentry.ReportRemoteError(s.log, "process", "add_measure", err)

		return fmt.Errorf("failed to record measure %s: %w", measureName, err)
	}

	return nil
}

// CloseStepIfAllMeasuresComplete closes the process step when every
// measure the session expects has a recorded measure under one of its
// template titles whose jobs are all completed. It reports whether the
// step was closed.
func (s *Service) CloseStepIfAllMeasuresComplete(ctx context.Context) (bool, error) {
	st, err := s.keeper.Load(ctx)
	if err != nil {
		return false, err
	}

	if st.ProcessID == "" || st.ProcessStepID == "" {
		s.log.Warnw("close_check_skipped", "reason", "missing identifiers")

		return false, nil
	}

	data, err := s.remote.GetStepFormData(ctx, st.ProcessID, st.ProcessStepID, st.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to read step form data: %w", err)
	}

	for _, expected := range st.Measures {
		if !s.measureCompleted(expected, data.Measures) {
			s.log.Infow("step_left_open", "pending_measure", expected)

			return false, nil
		}
	}

	if err := s.remote.CloseStep(ctx, st.ProcessID, st.ProcessStepID, st.UserID); err != nil {
		return false, fmt.Errorf("failed to close step %s: %w", st.ProcessStepID, err)
	}

	s.log.Infow("step_closed", "process_id", st.ProcessID, "process_step_id", st.ProcessStepID)

	return true, nil
}

func (s *Service) measureCompleted(expected string, recorded []remote.Measure) bool {
	titles, ok := s.templates.TitlesForMeasure(expected)
	if !ok {
		return false
	}

	for _, m := range recorded {
		if !slices.Contains(titles, m.Name) || len(m.Jobs) == 0 {
			continue
		}

		done := true

		for _, job := range m.Jobs {
			if !strings.EqualFold(job.Status, remote.JobStatusCompleted) {
				done = false

				break
			}
		}

		if done {
			return true
		}
	}

	return false
}

// Result is the outcome of SubmitProject.
type Result struct {
	FormID           string
	ReportDocumentID string
	StepClosed       bool
}

// SubmitProject sends a project to the backend: the exported project tree
// becomes the final report, the project data is saved as the form, the
// measure is recorded with the report and the step is closed when all
// measures are done. The close check is best-effort.
func (s *Service) SubmitProject(ctx context.Context, projectID, measureName string) (Result, error) {
	store := s.projects.Store()

	project, err := store.Get(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read project %s: %w", projectID, err)
	}

	formData := models.DataMap(project)
	if !IsFormComplete(formData) {
		return Result{}, fmt.Errorf("failed to submit %s: %w", projectID, ErrIncompleteForm)
	}

	st, err := s.keeper.Load(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result

	if s.uploader != nil {
		res.ReportDocumentID, err = s.uploadReport(ctx, st, projectID, measureName)
		if err != nil {
			return res, err
		}
	}

	if res.FormID, err = s.SaveForm(ctx, formData, nil); err != nil {
		return res, err
	}

	if err := s.RecordMeasure(ctx, measureName, res.ReportDocumentID, projectID); err != nil {
		return res, err
	}

	res.StepClosed, err = s.CloseStepIfAllMeasuresComplete(ctx)
	if err != nil {
		s.log.Warnw("close_check_failed", "project_id", projectID, "error", err)
	}

	_, err = store.Upsert(ctx, projectID, func(current persistence.Document) (persistence.Document, bool) {
		meta := models.MetadataMap(current)
		if meta == nil {
			return nil, false
		}

		meta[models.MetaStatus] = string(models.StatusCreated)
		meta["form_id"] = res.FormID
		meta[models.MetaLastModifiedAt] = models.Timestamp(s.now())

		return current, true
	})
	if err != nil {
		s.log.Errorw("submission_mark_failed", "project_id", projectID, "error", err)
		sentry.ReportStoreError(s.log, projectID, "mark_submitted", err)
	}

	s.log.Infow("project_submitted",
		"project_id", projectID,
		"form_id", res.FormID,
		"report_document_id", res.ReportDocumentID,
		"step_closed", res.StepClosed)

	return res, nil
}

func (s *Service) uploadReport(ctx context.Context, st sessionstate.State, projectID, measureName string) (string, error) {
	bundle, err := s.projects.Export(ctx, projectID, true)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := projects.EncodeBundle(&buf, bundle, false); err != nil {
		return "", fmt.Errorf("failed to encode report of %s: %w", projectID, err)
	}

	documentID, err := s.uploader.Upload(ctx, documents.UploadRequest{
		Now:            s.now(),
		UserID:         st.UserID,
		OrganizationID: st.OrganizationID,
		ApplicationID:  st.ApplicationID,
		DocumentType:   documents.TypeFinalReport,
		MeasureName:    measureName,
		ContentType:    bundleContentType,
		Data:           buf.Bytes(),
	})
	if err != nil {
		sentry.ReportRemoteError(s.log, "documents", "upload_report", err)

		return "", fmt.Errorf("failed to upload report of %s: %w", projectID, err)
	}

	return documentID, nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}

	return out
}
