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

// Package documents moves blobs between object storage and the remote
// document registry.
package documents

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/objectstore"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
)

const (
	// TypeQualityInstallPhoto is the registry type of photos taken in the field.
	TypeQualityInstallPhoto = "quality install photo"
	// TypeFinalReport is the registry type of the generated project report.
	TypeFinalReport = "quality install final report"
)

var ErrNoData = errors.New("no data to upload")

// Registry is the part of the remote client the document flows need.
type Registry interface {
	DocumentTypeID(ctx context.Context, name string) (string, error)
	CreateDocument(ctx context.Context, req remote.CreateDocumentRequest) (string, error)
	GetDocument(ctx context.Context, id string) (remote.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

var _ Registry = (*remote.Client)(nil)

// Blob is a document fetched back from object storage.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
}

// UploadRequest describes one document upload.
type UploadRequest struct {
	Now            time.Time
	UserID         string
	OrganizationID string
	ApplicationID  string
	DocumentType   string
	MeasureName    string
	ContentType    string
	Data           []byte
}

// Uploader stores a blob and registers it as a document.
type Uploader struct {
	objects  objectstore.Store
	registry Registry
	log      *zap.SugaredLogger
	bucket   string
}

func NewUploader(objects objectstore.Store, registry Registry, bucket string) *Uploader {
	return &Uploader{
		objects:  objects,
		registry: registry,
		bucket:   bucket,
		log:      logger.For(logger.ComponentObjectStore),
	}
}

// Upload puts the blob under the measure's document key, resolves the
// document type and registers the object. It returns the registry id.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if len(req.Data) == 0 {
		return "", ErrNoData
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	key := objectstore.DocumentKey(req.MeasureName, req.ApplicationID, now)
	loc := objectstore.Location{Bucket: u.bucket, Key: key, FileName: path.Base(key)}

	if err := u.objects.Put(ctx, objectstore.Object{
		Bucket:      loc.Bucket,
		Key:         loc.Key,
		Data:        req.Data,
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", loc.URI(), err)
	}

	typeID, err := u.registry.DocumentTypeID(ctx, req.DocumentType)
	if err != nil {
		return "", fmt.Errorf("failed to resolve document type %q: %w", req.DocumentType, err)
	}

	id, err := u.registry.CreateDocument(ctx, remote.CreateDocumentRequest{
		UserID:         req.UserID,
		DocumentTypeID: typeID,
		FilePath:       loc.URI(),
		OrganizationID: req.OrganizationID,
		ApplicationID:  req.ApplicationID,
		Comments:       "Uploaded photo from QIT: " + strings.TrimSuffix(loc.FileName, path.Ext(loc.FileName)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to register %s: %w", loc.URI(), err)
	}

	u.log.Infow("document_uploaded", "document_id", id, "key", loc.Key, "size", len(req.Data))

	return id, nil
}

// Fetcher resolves a registry id to the blob it points at.
type Fetcher struct {
	objects  objectstore.Store
	registry Registry
	bucket   string
}

// NewFetcher returns a fetcher. A non-empty bucket overrides the bucket
// recorded in the registry.
func NewFetcher(objects objectstore.Store, registry Registry, bucket string) *Fetcher {
	return &Fetcher{objects: objects, registry: registry, bucket: bucket}
}

func (f *Fetcher) Fetch(ctx context.Context, documentID string) (Blob, error) {
	loc, err := locate(ctx, f.registry, documentID, f.bucket)
	if err != nil {
		return Blob{}, err
	}

	obj, err := f.objects.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to get %s: %w", loc.URI(), err)
	}

	contentType := objectstore.ContentTypeFor(loc.FileName)
	if contentType == objectstore.DefaultContentType && obj.ContentType != "" {
		contentType = obj.ContentType
	}

	return Blob{Data: obj.Data, ContentType: contentType, Filename: loc.FileName}, nil
}

// Deleter removes a document from object storage and the registry.
type Deleter struct {
	objects  objectstore.Store
	registry Registry
	log      *zap.SugaredLogger
	bucket   string
}

func NewDeleter(objects objectstore.Store, registry Registry, bucket string) *Deleter {
	return &Deleter{
		objects:  objects,
		registry: registry,
		bucket:   bucket,
		log:      logger.For(logger.ComponentObjectStore),
	}
}

// Delete removes the object first and then the registry record. A record
// already gone from the registry counts as deleted.
func (d *Deleter) Delete(ctx context.Context, documentID string) error {
	loc, err := locate(ctx, d.registry, documentID, d.bucket)
	if remote.IsNotFound(err) {
		d.log.Debugw("document_already_deleted", "document_id", documentID)

		return nil
	}

	if err != nil {
		return err
	}

	if err := d.objects.Delete(ctx, loc.Bucket, loc.Key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", loc.URI(), err)
	}

	if err := d.registry.DeleteDocument(ctx, documentID); err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}

	return nil
}

func locate(ctx context.Context, registry Registry, documentID, bucket string) (objectstore.Location, error) {
	doc, err := registry.GetDocument(ctx, documentID)
	if err != nil {
		return objectstore.Location{}, fmt.Errorf("failed to get document %s: %w", documentID, err)
	}

	loc, err := objectstore.ParseS3Path(doc.FilePath, bucket)
	if err != nil {
		return objectstore.Location{}, fmt.Errorf("document %s: %w", documentID, err)
	}

	return loc, nil
}
