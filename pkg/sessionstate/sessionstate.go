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

// Package sessionstate keeps the identifiers handed to the tool by the
// host workflow in a local document.
package sessionstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

// DocID is the local document holding the state.
const DocID = "_local/session"

// Keys of the session document.
const (
	KeyUserID          = "user_id"
	KeyApplicationID   = "application_id"
	KeyProcessStepID   = "process_step_id"
	KeyProcessID       = "process_id"
	KeyOrganizationID  = "organization_id"
	KeyFormID          = "form_id"
	KeyMeasures        = "measures"
	KeyFormPrefillData = "form_prefill_data"
)

// State is the decoded session document.
type State struct {
	FormPrefillData map[string]interface{} `mapstructure:"form_prefill_data"`
	UserID          string                 `mapstructure:"user_id"`
	ApplicationID   string                 `mapstructure:"application_id"`
	ProcessStepID   string                 `mapstructure:"process_step_id"`
	ProcessID       string                 `mapstructure:"process_id"`
	OrganizationID  string                 `mapstructure:"organization_id"`
	FormID          string                 `mapstructure:"form_id"`
	Measures        []string               `mapstructure:"measures"`
}

// HasIdentifiers reports whether the user and process step are known.
func (s State) HasIdentifiers() bool {
	return s.UserID != "" && s.ProcessStepID != ""
}

func (s State) fields() map[string]interface{} {
	out := map[string]interface{}{}

	for k, v := range map[string]string{
		KeyUserID:         s.UserID,
		KeyApplicationID:  s.ApplicationID,
		KeyProcessStepID:  s.ProcessStepID,
		KeyProcessID:      s.ProcessID,
		KeyOrganizationID: s.OrganizationID,
		KeyFormID:         s.FormID,
	} {
		if v != "" {
			out[k] = v
		}
	}

	if len(s.Measures) > 0 {
		measures := make([]interface{}, len(s.Measures))
		for i, m := range s.Measures {
			measures[i] = m
		}

		out[KeyMeasures] = measures
	}

	if len(s.FormPrefillData) > 0 {
		out[KeyFormPrefillData] = s.FormPrefillData
	}

	return out
}

// Keeper reads and writes the session document.
type Keeper struct {
	store persistence.Store
}

func New(store persistence.Store) *Keeper {
	return &Keeper{store: store}
}

// Load returns the stored state. A missing document yields an empty State.
func (k *Keeper) Load(ctx context.Context) (State, error) {
	doc, err := k.store.GetLocal(ctx, DocID)
	if errors.Is(err, persistence.ErrNotFound) {
		return State{}, nil
	}

	if err != nil {
		return State{}, fmt.Errorf("failed to load session state: %w", err)
	}

	var st State

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &st,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return State{}, err
	}

	if err := dec.Decode(map[string]interface{}(doc)); err != nil {
		return State{}, fmt.Errorf("failed to decode session state: %w", err)
	}

	return st, nil
}

// Persist writes every non-empty field of st over the stored state.
// Empty fields keep their stored value.
func (k *Keeper) Persist(ctx context.Context, st State) (State, error) {
	doc, err := k.store.GetLocal(ctx, DocID)
	if errors.Is(err, persistence.ErrNotFound) {
		doc = persistence.Document{}
	} else if err != nil {
		return State{}, fmt.Errorf("failed to load session state: %w", err)
	}

	for key, v := range st.fields() {
		doc[key] = v
	}

	if err := k.store.PutLocal(ctx, DocID, doc); err != nil {
		return State{}, fmt.Errorf("failed to persist session state: %w", err)
	}

	return k.Load(ctx)
}

// Clear removes key from the stored state.
func (k *Keeper) Clear(ctx context.Context, key string) error {
	doc, err := k.store.GetLocal(ctx, DocID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load session state: %w", err)
	}

	if _, ok := doc[key]; !ok {
		return nil
	}

	delete(doc, key)

	if err := k.store.PutLocal(ctx, DocID, doc); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}

	return nil
}

// Reset drops the whole session document.
func (k *Keeper) Reset(ctx context.Context) error {
	err := k.store.RemoveLocal(ctx, DocID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}

	return err
}
