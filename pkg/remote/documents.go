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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
)

const documentsPath = "/api/documents"

// ErrUnknownDocumentType is returned when the registry has no type of the
// requested name.
var ErrUnknownDocumentType = errors.New("unknown document type")

// DocumentType is an entry of the document type registry.
type DocumentType struct {
	ID   models.RemoteID `json:"id"`
	Name string          `json:"name"`
}

// Document is a registry record pointing at an object.
type Document struct {
	ID       models.RemoteID `json:"id"`
	FilePath string          `json:"file_path"`
}

// CreateDocumentRequest registers an uploaded object.
type CreateDocumentRequest struct {
	UserID         string                 `json:"user_id"`
	DocumentTypeID string                 `json:"document_type_id"`
	FilePath       string                 `json:"file_path"`
	OrganizationID string                 `json:"organization_id"`
	Application    map[string]interface{} `json:"application"`
	ApplicationID  string                 `json:"application_id"`
	ExpirationDate *string                `json:"expiration_date"`
	Comments       string                 `json:"comments"`
}

// DocumentTypes lists the registry's document types.
func (c *Client) DocumentTypes(ctx context.Context) ([]DocumentType, error) {
	var out struct {
		Data []DocumentType `json:"data"`
	}

	err := c.do(ctx, request{
		op:     "document_types",
		method: http.MethodGet,
		path:   documentsPath + "/types",
	}, &out)
	if err != nil {
		return nil, err
	}

	return out.Data, nil
}

// DocumentTypeID looks up a document type by name, ignoring case.
func (c *Client) DocumentTypeID(ctx context.Context, name string) (string, error) {
	types, err := c.DocumentTypes(ctx)
	if err != nil {
		return "", err
	}

	for _, t := range types {
		if strings.EqualFold(t.Name, name) {
			return t.ID.String(), nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, name)
}

// CreateDocument registers a document and returns its id.
func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (string, error) {
	if req.Application == nil {
		// The backend rejects the call without an application object.
		req.Application = map[string]interface{}{}
	}

	var out struct {
		Data Document `json:"data"`
	}

	err := c.do(ctx, request{
		op:     "create_document",
		method: http.MethodPost,
		path:   documentsPath + "/create",
		body:   req,
	}, &out)
	if err != nil {
		return "", err
	}

	if out.Data.ID == "" {
		return "", &Error{Op: "create_document", Method: http.MethodPost, Path: documentsPath + "/create", Class: ClassDecode, Message: "document id missing in response"}
	}

	return out.Data.ID.String(), nil
}

// GetDocument reads a registry record.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var out struct {
		Data Document `json:"data"`
	}

	err := c.do(ctx, request{
		op:     "get_document",
		method: http.MethodGet,
		path:   documentsPath + "/" + url.PathEscape(id),
	}, &out)
	if err != nil {
		return Document{}, err
	}

	return out.Data, nil
}

// DeleteDocument removes a registry record.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, request{
		op:     "delete_document",
		method: http.MethodDelete,
		path:   documentsPath + "/" + url.PathEscape(id),
	}, nil)
}
