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

package remote

import (
	"context"
	"net/http"
	"net/url"
)

const (
	JobStatusCompleted = "completed"
	ConditionClosed    = "CLOSED"
)

// Job is one job entry of a measure on a process step.
type Job struct {
	JobID                 string `json:"job_id,omitempty"`
	Status                string `json:"status"`
	FinalReportDocumentID string `json:"final_report_document_id,omitempty"`
}

// Measure is a named measure and its jobs.
type Measure struct {
	Name string `json:"name"`
	Jobs []Job  `json:"jobs"`
}

// StepFormData is the form data of a process step.
type StepFormData struct {
	Measures []Measure `json:"measures"`
}

// AddMeasureRequest adds a completed measure to a process step.
type AddMeasureRequest struct {
	UserID                string
	ProcessID             string
	ProcessStepID         string
	MeasureName           string
	FinalReportDocumentID string
	JobID                 string
}

func stepPath(processID, processStepID, suffix string) string {
	return "/api/process/" + url.PathEscape(processID) + "/step/" + url.PathEscape(processStepID) + "/" + suffix
}

// AddMeasure records a completed job for a measure.
func (c *Client) AddMeasure(ctx context.Context, req AddMeasureRequest) error {
	body := map[string]interface{}{
		"add_measure": Measure{
			Name: req.MeasureName,
			Jobs: []Job{{
				JobID:                 req.JobID,
				Status:                JobStatusCompleted,
				FinalReportDocumentID: req.FinalReportDocumentID,
			}},
		},
	}

	return c.do(ctx, request{
		op:      "add_measure",
		method:  http.MethodPatch,
		path:    stepPath(req.ProcessID, req.ProcessStepID, "form-data"),
		headers: map[string]string{"x-user-id": req.UserID},
		body:    body,
	}, nil)
}

// GetStepFormData reads the measures recorded on a process step.
func (c *Client) GetStepFormData(ctx context.Context, processID, processStepID, userID string) (StepFormData, error) {
	var out struct {
		Data StepFormData `json:"data"`
	}

	err := c.do(ctx, request{
		op:     "get_step_form_data",
		method: http.MethodGet,
		path:   stepPath(processID, processStepID, "form-data"),
		query:  url.Values{"user_id": {userID}},
	}, &out)
	if err != nil {
		return StepFormData{}, err
	}

	return out.Data, nil
}

// CloseStep sets the condition of a process step to CLOSED.
func (c *Client) CloseStep(ctx context.Context, processID, processStepID, userID string) error {
	return c.do(ctx, request{
		op:      "close_step",
		method:  http.MethodPut,
		path:    stepPath(processID, processStepID, "condition"),
		headers: map[string]string{"x-user-id": userID},
		body:    map[string]string{"condition": ConditionClosed},
	}, nil)
}
