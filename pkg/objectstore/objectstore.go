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

// Package objectstore reads and writes document blobs in S3-compatible
// object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidPath = errors.New("invalid s3 path")
)

const (
	DefaultContentType = "application/octet-stream"
	// DocumentPrefix is the key prefix of every uploaded document.
	DocumentPrefix = "quality-install/documents"
)

// Object is a blob addressed by bucket and key.
type Object struct {
	Bucket      string
	Key         string
	Data        []byte
	ContentType string
}

// Store is the object storage used by the document registry.
type Store interface {
	Put(ctx context.Context, obj Object) error
	Get(ctx context.Context, bucket, key string) (Object, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Location is a parsed object address.
type Location struct {
	Bucket   string
	Key      string
	FileName string
}

// URI renders l as an s3:// path.
func (l Location) URI() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

var s3PathPattern = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

// ParseS3Path splits "s3://bucket/key" into its parts. A path without the
// scheme is treated as a key in bucketOverride. A non-empty bucketOverride
// always wins over the bucket in the path.
func ParseS3Path(s3Path, bucketOverride string) (Location, error) {
	if !strings.HasPrefix(s3Path, "s3://") {
		if bucketOverride == "" {
			return Location{}, fmt.Errorf("%w: bucket required for relative path %q", ErrInvalidPath, s3Path)
		}

		if s3Path == "" {
			return Location{}, fmt.Errorf("%w: empty key", ErrInvalidPath)
		}

		return Location{Bucket: bucketOverride, Key: s3Path, FileName: fileName(s3Path)}, nil
	}

	m := s3PathPattern.FindStringSubmatch(s3Path)
	if m == nil {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidPath, s3Path)
	}

	bucket := m[1]
	if bucketOverride != "" {
		bucket = bucketOverride
	}

	return Location{Bucket: bucket, Key: m[2], FileName: fileName(m[2])}, nil
}

func fileName(key string) string {
	name := path.Base(key)
	if name == "" || name == "." || name == "/" {
		return "Unknown File"
	}

	return name
}

var extensionTypes = map[string]string{
	"pdf":  "application/pdf",
	"svg":  "image/svg+xml",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"xml":  "application/xml",
}

// ContentTypeFor maps a file name to its content type by extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}

	return DefaultContentType
}

var whitespace = regexp.MustCompile(`\s+`)

// Kebab lower-cases s and joins whitespace runs with dashes.
func Kebab(s string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
}

// DocumentKey returns the object key of a document uploaded for measure
// by application appID at now.
func DocumentKey(measure, appID string, now time.Time) string {
	m := Kebab(measure)

	return fmt.Sprintf("%s/%s/%d_%s_%s.pdf", DocumentPrefix, m, now.UnixMilli(), appID, m)
}
