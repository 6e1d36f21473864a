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
	"fmt"
	"net/http"
	"net/url"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
)

const formsPath = "/api/quality-install"

// FormPayload is the body written for a quality-install form.
type FormPayload struct {
	ID            string                 `json:"id,omitempty"`
	UserID        string                 `json:"user_id"`
	ProcessStepID string                 `json:"process_step_id"`
	FormData      map[string]interface{} `json:"form_data"`
}

type listFormsResponse struct {
	Forms   []models.FormEntry `json:"forms"`
	Success bool               `json:"success"`
}

type createFormResponse struct {
	FormDataID models.RemoteID `json:"form_data_id"`
}

// ListForms returns the form entries stored for a user and process step.
// An unsuccessful response yields an empty list.
func (c *Client) ListForms(ctx context.Context, userID, processStepID string) ([]models.FormEntry, error) {
	var out listFormsResponse

	err := c.do(ctx, request{
		op:     "list_forms",
		method: http.MethodGet,
		path:   formsPath,
		query:  url.Values{"user_id": {userID}, "process_step_id": {processStepID}},
	}, &out)
	if err != nil {
		return nil, err
	}

	if !out.Success {
		return nil, nil
	}

	return out.Forms, nil
}

// CreateForm creates a form and returns the id the backend assigned.
func (c *Client) CreateForm(ctx context.Context, form FormPayload) (string, error) {
	var out createFormResponse

	err := c.do(ctx, request{
		op:     "create_form",
		method: http.MethodPost,
		path:   formsPath,
		body:   form,
	}, &out)
	if err != nil {
		return "", err
	}

	if out.FormDataID == "" {
		return "", &Error{Op: "create_form", Method: http.MethodPost, Path: formsPath, Class: ClassDecode, Message: "form_data_id missing in response"}
	}

	return out.FormDataID.String(), nil
}

// UpdateForm replaces form id. When the backend no longer knows the id the
// form is created under the same id.
func (c *Client) UpdateForm(ctx context.Context, id string, form FormPayload) error {
	path := formsPath + "/" + url.PathEscape(id)

	err := c.do(ctx, request{
		op:     "update_form",
		method: http.MethodPut,
		path:   path,
		body:   form,
	}, nil)
	if err == nil {
		return nil
	}

	if !IsNotFound(err) {
		return err
	}

	c.log.Warnw("form_missing_recreating", "form_id", id)

	form.ID = id

	if _, err := c.createWithID(ctx, form); err != nil {
		return fmt.Errorf("failed to recreate form %s: %w", id, err)
	}

	return nil
}

func (c *Client) createWithID(ctx context.Context, form FormPayload) (string, error) {
	var out createFormResponse

	err := c.do(ctx, request{
		op:     "create_form",
		method: http.MethodPost,
		path:   formsPath,
		body:   form,
	}, &out)
	if err != nil {
		return "", err
	}

	if out.FormDataID == "" {
		return form.ID, nil
	}

	return out.FormDataID.String(), nil
}

// DeleteForm removes a form. A missing form is not an error.
func (c *Client) DeleteForm(ctx context.Context, id string) error {
	err := c.do(ctx, request{
		op:     "delete_form",
		method: http.MethodDelete,
		path:   formsPath + "/" + url.PathEscape(id),
	}, nil)
	if IsNotFound(err) {
		return nil
	}

	return err
}
