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

package models

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

type DocType string

const (
	TypeProject           DocType = "project"
	TypeInstallation      DocType = "installation"
	TypeInstallationGroup DocType = "installation_group"
)

// Status tracks the remote lifecycle of a document.
type Status string

const (
	StatusNew     Status = "new"
	StatusCreated Status = "created"
	StatusDeleted Status = "deleted"
)

// Top level document partitions.
const (
	FieldType      = "type"
	FieldData      = "data_"
	FieldMetadata  = "metadata_"
	FieldChildren  = "children"
	FieldParentIDs = "parent_ids"
)

// Keys inside metadata_.
const (
	MetaDocName          = "doc_name"
	MetaCreatedAt        = "created_at"
	MetaLastModifiedAt   = "last_modified_at"
	MetaAttachments      = "attachments"
	MetaStatus           = "status"
	MetaTemplateName     = "template_name"
	MetaTemplateTitle    = "template_title"
	MetaPrefilled        = "prefilled"
	MetaPrefillTimestamp = "prefill_timestamp"
)

// TimeLayout is the encoding of every timestamp stored in metadata_.
const TimeLayout = time.RFC3339Nano

// Timestamp renders t the way metadata_ stores it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Metadata is the typed view of a document's metadata_ partition.
type Metadata struct {
	DocName          string                 `mapstructure:"doc_name"`
	CreatedAt        time.Time              `mapstructure:"created_at"`
	LastModifiedAt   time.Time              `mapstructure:"last_modified_at"`
	Attachments      map[string]interface{} `mapstructure:"attachments"`
	Status           Status                 `mapstructure:"status"`
	TemplateName     string                 `mapstructure:"template_name"`
	TemplateTitle    string                 `mapstructure:"template_title"`
	Prefilled        bool                   `mapstructure:"prefilled"`
	PrefillTimestamp string                 `mapstructure:"prefill_timestamp"`
}

// NewShell returns the blank document a project, installation or group
// starts from. The id may be empty when the caller assigns one later.
func NewShell(id string, docType DocType, name string, now time.Time) persistence.Document {
	ts := Timestamp(now)

	doc := persistence.Document{
		FieldType: string(docType),
		FieldData: map[string]interface{}{},
		FieldMetadata: map[string]interface{}{
			MetaDocName:        name,
			MetaCreatedAt:      ts,
			MetaLastModifiedAt: ts,
			MetaAttachments:    map[string]interface{}{},
			MetaStatus:         string(StatusNew),
		},
		FieldChildren: []interface{}{},
	}

	if id != "" {
		doc[persistence.FieldID] = id
	}

	return doc
}

// DecodeMetadata decodes metadata_ into Metadata. A document without
// metadata_ yields the zero value.
func DecodeMetadata(doc persistence.Document) (Metadata, error) {
	var meta Metadata

	raw, ok := doc[FieldMetadata]
	if !ok || raw == nil {
		return meta, nil
	}

	config := &mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook(),
			mapstructure.StringToTimeHookFunc(TimeLayout),
		),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return meta, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return meta, fmt.Errorf("failed to decode metadata of %s: %w", doc.ID(), err)
	}

	return meta, nil
}

// timeHook lets empty timestamps decode to the zero time and accepts
// time.Time values written by Go callers.
func timeHook() mapstructure.DecodeHookFunc {
	timeType := reflect.TypeOf(time.Time{})

	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != timeType {
			return data, nil
		}

		if s, ok := data.(string); ok && strings.TrimSpace(s) == "" {
			return time.Time{}, nil
		}

		return data, nil
	}
}

func TypeOf(doc persistence.Document) DocType {
	s, _ := doc[FieldType].(string)

	return DocType(s)
}

// MetadataMap returns metadata_ as a map, or nil.
func MetadataMap(doc persistence.Document) map[string]interface{} {
	m, _ := doc[FieldMetadata].(map[string]interface{})

	return m
}

// DataMap returns data_ as a map, or nil.
func DataMap(doc persistence.Document) map[string]interface{} {
	m, _ := doc[FieldData].(map[string]interface{})

	return m
}

// DocName returns metadata_.doc_name.
func DocName(doc persistence.Document) string {
	s, _ := MetadataMap(doc)[MetaDocName].(string)

	return s
}

// Children returns the ordered child ids of doc.
func Children(doc persistence.Document) []string {
	return stringList(doc[FieldChildren])
}

// ParentIDs returns parent_ids of an installation group.
func ParentIDs(doc persistence.Document) []string {
	return stringList(doc[FieldParentIDs])
}

// AttachmentMetadata returns metadata_.attachments, or nil.
func AttachmentMetadata(doc persistence.Document) map[string]interface{} {
	m, _ := MetadataMap(doc)[MetaAttachments].(map[string]interface{})

	return m
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)

		return out
	case []interface{}:
		out := make([]string, 0, len(list))

		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// ToInterfaces converts ids to the []interface{} form stored in documents.
func ToInterfaces(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}

	return out
}

// RemoteID is an identifier assigned by the remote backend. It decodes
// from both JSON strings and JSON numbers.
type RemoteID string

func (id *RemoteID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""

		return nil
	}

	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid remote id %s: %w", s, err)
		}

		*id = RemoteID(unquoted)

		return nil
	}

	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid remote id %s", s)
	}

	*id = RemoteID(s)

	return nil
}

func (id RemoteID) String() string {
	return string(id)
}

// FormEntry is one record returned by the remote quality-install endpoint.
type FormEntry struct {
	ID            RemoteID               `json:"id"`
	UserID        RemoteID               `json:"user_id"`
	ProcessStepID RemoteID               `json:"process_step_id"`
	FormData      map[string]interface{} `json:"form_data"`
	CreatedAt     string                 `json:"created_at,omitempty"`
	UpdatedAt     string                 `json:"updated_at,omitempty"`
}
