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

// Package templates holds the workflow template registry and the mapping
// from remote measure types to template titles.
package templates

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTemplateName = errors.New("template name is not allowed")
	ErrUnknownTemplate     = errors.New("unknown template")
)

const maxNameLength = 64

// Template names a workflow and the title shown for it.
type Template struct {
	Name  string
	Title string
}

// MeasureMapping lists the template titles that can satisfy a measure.
type MeasureMapping struct {
	Measure string
	Titles  []string
}

type Registry struct {
	templates []Template
	byName    map[string]Template
	measures  map[string][]string
	// reverse maps a lower-cased title to the last measure listing it.
	reverse map[string]string
}

// ValidName reports whether name is 1-64 characters of [a-z0-9_] and
// neither starts nor ends with an underscore.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}

	if name[0] == '_' || name[len(name)-1] == '_' {
		return false
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}

	return true
}

// NewRegistry validates every template name. Measure keys are matched
// case-insensitively. When two measures list the same title, the later
// one wins the reverse lookup.
func NewRegistry(templates []Template, measures []MeasureMapping) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]Template, len(templates)),
		measures: make(map[string][]string, len(measures)),
		reverse:  make(map[string]string),
	}

	for _, t := range templates {
		if !ValidName(t.Name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTemplateName, t.Name)
		}

		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.Name)
		}

		r.byName[t.Name] = t
		r.templates = append(r.templates, t)
	}

	for _, m := range measures {
		key := strings.ToUpper(strings.TrimSpace(m.Measure))
		r.measures[key] = append([]string(nil), m.Titles...)

		for _, title := range m.Titles {
			r.reverse[normalizeTitle(title)] = key
		}
	}

	return r, nil
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// Templates returns the registered templates in registration order.
func (r *Registry) Templates() []Template {
	return append([]Template(nil), r.templates...)
}

func (r *Registry) Lookup(name string) (Template, bool) {
	t, ok := r.byName[name]

	return t, ok
}

// Title returns the display title of a template, or ErrUnknownTemplate.
func (r *Registry) Title(name string) (string, error) {
	t, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	return t.Title, nil
}

// TitlesForMeasure returns the template titles for a measure type.
func (r *Registry) TitlesForMeasure(measure string) ([]string, bool) {
	titles, ok := r.measures[strings.ToUpper(strings.TrimSpace(measure))]
	if !ok {
		return nil, false
	}

	return append([]string(nil), titles...), true
}

// MapMeasuresToTemplateTitles returns the distinct titles of all measures
// in first-seen order, plus the measures without a mapping.
func (r *Registry) MapMeasuresToTemplateTitles(measures []string) (titles []string, unmapped []string) {
	seen := make(map[string]struct{})

	for _, m := range measures {
		matches, ok := r.TitlesForMeasure(m)
		if !ok {
			unmapped = append(unmapped, m)

			continue
		}

		for _, title := range matches {
			if _, dup := seen[title]; dup {
				continue
			}

			seen[title] = struct{}{}
			titles = append(titles, title)
		}
	}

	return titles, unmapped
}

// MeasureForTitle is the reverse of TitlesForMeasure.
func (r *Registry) MeasureForTitle(title string) (string, bool) {
	m, ok := r.reverse[normalizeTitle(title)]

	return m, ok
}
