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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/qisync/pkg/attachments"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

// ErrCascadePartial is matched by every *CascadeError.
var ErrCascadePartial = errors.New("project delete partially failed")

// CascadeLogPrefix names the local documents logging project deletes.
const CascadeLogPrefix = "_local/cascade/"

// DefaultCascadeRetention is how long committed cascade logs are kept.
const DefaultCascadeRetention = 24 * time.Hour

type CascadeOpKind string

const (
	OpRemoteForm       CascadeOpKind = "remote_form"
	OpRegistryDocument CascadeOpKind = "registry_document"
	OpChildDoc         CascadeOpKind = "child_doc"
	OpProject          CascadeOpKind = "project"
)

type CascadeStatus string

const (
	// CascadeStatusPending marks a plan that has not finished executing.
	CascadeStatusPending CascadeStatus = "pending"

	// CascadeStatusCommitted marks a plan whose operations all succeeded.
	CascadeStatusCommitted CascadeStatus = "committed"

	// CascadeStatusFailed marks a plan with at least one failed operation.
	// ResumeCascades retries its open operations.
	CascadeStatusFailed CascadeStatus = "failed"
)

// CascadeOp is one planned removal.
type CascadeOp struct {
	Kind   CascadeOpKind `json:"kind"`
	Target string        `json:"target"`
	Error  string        `json:"error,omitempty"`
	Done   bool          `json:"done"`
}

// CascadeLog is the persisted plan of a project delete.
type CascadeLog struct {
	ProjectID  string        `json:"project_id"`
	Status     CascadeStatus `json:"status"`
	StartedAt  string        `json:"started_at"`
	FinishedAt string        `json:"finished_at,omitempty"`
	Ops        []CascadeOp   `json:"ops"`
	Attempts   int           `json:"attempts"`
}

// Open returns the operations that are not done yet.
func (l CascadeLog) Open() []CascadeOp {
	var out []CascadeOp

	for _, op := range l.Ops {
		if !op.Done {
			out = append(out, op)
		}
	}

	return out
}

// OpFailure is a failed cascade operation.
type OpFailure struct {
	Err    error
	Kind   CascadeOpKind
	Target string
}

// CascadeError lists the operations of a project delete that failed. The
// remaining operations were still executed.
type CascadeError struct {
	ProjectID string
	Failures  []OpFailure
}

func (e *CascadeError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s %s: %v", f.Kind, f.Target, f.Err)
	}

	return fmt.Sprintf("%s: project %s: %d failed: %s", ErrCascadePartial, e.ProjectID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *CascadeError) Is(target error) bool {
	return target == ErrCascadePartial
}

func (e *CascadeError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}

	return out
}

func cascadeLogID(projectID string) string {
	return CascadeLogPrefix + projectID
}

// DeleteProject removes a project, every document below it, the registry
// documents its attachments point at and its remote form.
//
// The plan is logged before anything is removed. A failing operation does
// not stop the others; the failures are returned as a *CascadeError and
// the log stays open for ResumeCascades.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	project, err := s.store.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to read project %s: %w", projectID, err)
	}

	children, err := s.descendants(ctx, project)
	if err != nil {
		return err
	}

	log := CascadeLog{
		ProjectID: projectID,
		Status:    CascadeStatusPending,
		StartedAt: models.Timestamp(s.now()),
	}

	if s.forms != nil {
		log.Ops = append(log.Ops, CascadeOp{Kind: OpRemoteForm, Target: projectID})
	}

	if s.documents != nil {
		for _, id := range registryDocuments(append([]persistence.Document{project}, children...)) {
			log.Ops = append(log.Ops, CascadeOp{Kind: OpRegistryDocument, Target: id})
		}
	}

	for _, child := range children {
		log.Ops = append(log.Ops, CascadeOp{Kind: OpChildDoc, Target: child.ID()})
	}

	log.Ops = append(log.Ops, CascadeOp{Kind: OpProject, Target: projectID})

	if err := s.saveCascadeLog(ctx, log); err != nil {
		return err
	}

	s.cascadeLog.Infow("cascade_planned", "project_id", projectID, "ops", len(log.Ops), "children", len(children))

	return s.runCascade(ctx, &log)
}

// registryDocuments collects every documentId referenced from the
// attachment metadata of docs.
func registryDocuments(docs []persistence.Document) []string {
	seen := map[string]bool{}

	var walk func(v interface{})

	walk = func(v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}

		if id, ok := m[attachments.MetaDocumentID].(string); ok && id != "" {
			seen[id] = true
		}

		for _, child := range m {
			walk(child)
		}
	}

	for _, doc := range docs {
		walk(models.AttachmentMetadata(doc))
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// runCascade executes the open operations of log and records the outcome
// of each one.
func (s *Service) runCascade(ctx context.Context, log *CascadeLog) error {
	log.Attempts++

	var failures []OpFailure

	record := func(i int, err error) {
		op := &log.Ops[i]

		if err != nil {
			op.Error = err.Error()
			failures = append(failures, OpFailure{Kind: op.Kind, Target: op.Target, Err: err})
			metrics.RecordCascadeOp(string(op.Kind), metrics.ResultFailure)
			sentry.ReportIssueWithContext(err, sentry.IssueTypeWarning, s.cascadeLog, map[string]interface{}{
				"operation":  "delete_project",
				"project_id": log.ProjectID,
				"op_kind":    string(op.Kind),
				"target":     op.Target,
			})

			return
		}

		op.Done = true
		op.Error = ""
		metrics.RecordCascadeOp(string(op.Kind), metrics.ResultSuccess)
	}

	var childIdx []int

	for i, op := range log.Ops {
		if op.Done {
			continue
		}

		switch op.Kind {
		case OpRemoteForm:
			if s.forms == nil {
				record(i, errors.New("no remote backend configured"))

				continue
			}

			record(i, s.forms.DeleteForm(ctx, op.Target))
		case OpRegistryDocument:
			if s.documents == nil {
				record(i, errors.New("no document registry configured"))

				continue
			}

			record(i, s.documents.Delete(ctx, op.Target))
		case OpChildDoc:
			childIdx = append(childIdx, i)

			continue
		case OpProject:
			s.removeChildren(ctx, log, childIdx, record)
			childIdx = nil

			_, err := s.store.Remove(ctx, op.Target, "")
			if persistence.IsNotFound(err) {
				err = nil
			}

			record(i, err)
		default:
			record(i, fmt.Errorf("unknown cascade operation %q", op.Kind))
		}

		if err := s.saveCascadeLog(ctx, *log); err != nil {
			s.cascadeLog.Warnw("cascade_log_write_failed", "project_id", log.ProjectID, "error", err)
		}
	}

	s.removeChildren(ctx, log, childIdx, record)

	log.FinishedAt = models.Timestamp(s.now())
	log.Status = CascadeStatusCommitted

	if len(failures) > 0 {
		log.Status = CascadeStatusFailed
	}

	if err := s.saveCascadeLog(ctx, *log); err != nil {
		s.cascadeLog.Warnw("cascade_log_write_failed", "project_id", log.ProjectID, "error", err)
	}

	if len(failures) == 0 {
		s.cascadeLog.Infow("cascade_committed", "project_id", log.ProjectID, "attempt", log.Attempts)

		return nil
	}

	s.cascadeLog.Infow("cascade_incomplete", "project_id", log.ProjectID, "attempt", log.Attempts, "failed_ops", len(failures))

	return &CascadeError{ProjectID: log.ProjectID, Failures: failures}
}

// removeChildren tombstones the child documents at idx in one call.
func (s *Service) removeChildren(ctx context.Context, log *CascadeLog, idx []int, record func(int, error)) {
	if len(idx) == 0 {
		return
	}

	refs := make([]persistence.DocRef, len(idx))
	for j, i := range idx {
		refs[j] = persistence.DocRef{ID: log.Ops[i].Target}
	}

	results, err := s.store.BulkRemove(ctx, refs)
	if err != nil {
		for _, i := range idx {
			record(i, err)
		}

		return
	}

	for j, i := range idx {
		rerr := results[j].Err
		if persistence.IsNotFound(rerr) {
			rerr = nil
		}

		record(i, rerr)
	}

	if err := s.saveCascadeLog(ctx, *log); err != nil {
		s.cascadeLog.Warnw("cascade_log_write_failed", "project_id", log.ProjectID, "error", err)
	}
}

// CascadeLogs returns every stored cascade log.
func (s *Service) CascadeLogs(ctx context.Context) ([]CascadeLog, error) {
	docs, err := s.store.ListLocal(ctx, CascadeLogPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cascade logs: %w", err)
	}

	out := make([]CascadeLog, 0, len(docs))

	for _, doc := range docs {
		log, err := decodeCascadeLog(doc)
		if err != nil {
			s.cascadeLog.Warnw("cascade_log_invalid", "doc_id", doc.ID(), "error", err)

			continue
		}

		out = append(out, log)
	}

	return out, nil
}

// ResumeCascades re-runs the open operations of every pending or failed
// cascade log and drops committed logs older than DefaultCascadeRetention.
// It returns how many cascades were resumed.
func (s *Service) ResumeCascades(ctx context.Context) (int, error) {
	logs, err := s.CascadeLogs(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0

	var errs []error

	for i := range logs {
		log := &logs[i]

		if log.Status == CascadeStatusCommitted {
			s.pruneCascadeLog(ctx, *log)

			continue
		}

		resumed++

		s.cascadeLog.Infow("cascade_resuming", "project_id", log.ProjectID, "status", log.Status, "open_ops", len(log.Open()))

		if err := s.runCascade(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}

	return resumed, errors.Join(errs...)
}

func (s *Service) pruneCascadeLog(ctx context.Context, log CascadeLog) {
	finished, err := time.Parse(models.TimeLayout, log.FinishedAt)
	if err != nil || s.now().Sub(finished) < DefaultCascadeRetention {
		return
	}

	if err := s.store.RemoveLocal(ctx, cascadeLogID(log.ProjectID)); err != nil && !persistence.IsNotFound(err) {
		s.cascadeLog.Warnw("cascade_log_prune_failed", "project_id", log.ProjectID, "error", err)
	}
}

func (s *Service) saveCascadeLog(ctx context.Context, log CascadeLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode cascade log: %w", err)
	}

	var doc persistence.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to encode cascade log: %w", err)
	}

	if err := s.store.PutLocal(ctx, cascadeLogID(log.ProjectID), doc); err != nil {
		return fmt.Errorf("failed to write cascade log of %s: %w", log.ProjectID, err)
	}

	return nil
}

func decodeCascadeLog(doc persistence.Document) (CascadeLog, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return CascadeLog{}, err
	}

	var log CascadeLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return CascadeLog{}, err
	}

	if log.ProjectID == "" {
		return CascadeLog{}, errors.New("cascade log without project id")
	}

	return log, nil
}
