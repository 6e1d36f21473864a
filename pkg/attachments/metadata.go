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

package attachments

import (
	"bytes"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/united-manufacturing-hub/qisync/pkg/objectstore"
)

// Metadata keys written for every attachment.
const (
	MetaFilename    = "filename"
	MetaTimestamp   = "timestamp"
	MetaGeolocation = "geolocation"
	MetaLatitude    = "latitude"
	MetaLongitude   = "longitude"
	// MetaDocumentID points at the remote document registry entry.
	MetaDocumentID = "documentId"
)

// DetectContentType sniffs data and falls back to the file extension when
// sniffing finds nothing more specific than plain bytes or text.
func DetectContentType(data []byte, filename string) string {
	mt := mimetype.Detect(data)
	if !mt.Is(objectstore.DefaultContentType) && !mt.Is("text/plain") {
		return mt.String()
	}

	if ct := objectstore.ContentTypeFor(filename); ct != objectstore.DefaultContentType {
		return ct
	}

	return mt.String()
}

// IsPhoto reports whether data is an image.
func IsPhoto(data []byte) bool {
	return strings.HasPrefix(mimetype.Detect(data).String(), "image/")
}

// DeriveMetadata builds the metadata stored for an attachment without
// caller supplied metadata. Photos carry their EXIF capture time and GPS
// position when present; everything else gets the filename and now.
func DeriveMetadata(data []byte, filename string, now time.Time) map[string]interface{} {
	meta := map[string]interface{}{
		MetaTimestamp: now.UTC().Format(time.RFC3339Nano),
	}

	if filename != "" {
		meta[MetaFilename] = filename
	}

	if !IsPhoto(data) {
		return meta
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return meta
	}

	if taken, err := x.DateTime(); err == nil {
		meta[MetaTimestamp] = taken.UTC().Format(time.RFC3339Nano)
	}

	if lat, long, err := x.LatLong(); err == nil {
		meta[MetaGeolocation] = map[string]interface{}{
			MetaLatitude:  lat,
			MetaLongitude: long,
		}
	}

	return meta
}
