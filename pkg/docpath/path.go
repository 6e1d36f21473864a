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

// Package docpath addresses values inside JSON-like trees built from
// map[string]any, []any and scalars.
//
// Paths are written as dotted strings with optional bracket indices, for
// example "installer.phones[2].number" or "attachments.photos.0". They are
// parsed once into a Path and then applied with UpsertAt, Get or DeleteAt.
// None of these functions modify their input: every container on the path
// is copied, untouched branches are shared with the original tree.
package docpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPath is wrapped by every *ParseError.
var ErrMalformedPath = errors.New("malformed path")

// MaxIndex is the largest sequence index a path may address. Form lists
// stay far below it; larger indices would allocate huge slices.
const MaxIndex = 10000

// ParseError describes where and why a path string was rejected.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed path %q at offset %d: %s", e.Input, e.Pos, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedPath
}

// Segment is one step of a Path: either a mapping key or a sequence index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key returns a mapping segment.
func Key(k string) Segment {
	return Segment{Key: k}
}

// Index returns a sequence segment.
func Index(i int) Segment {
	return Segment{Index: i, IsIndex: true, Key: strconv.Itoa(i)}
}

func (s Segment) String() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}

	return s.Key
}

// Path is a non-empty sequence of segments once returned by Parse.
type Path []Segment

// String renders p in dotted form with bracket indices.
func (p Path) String() string {
	var b strings.Builder

	for i, s := range p {
		if s.IsIndex {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteString("]")

			continue
		}

		if i > 0 {
			b.WriteString(".")
		}

		b.WriteString(s.Key)
	}

	return b.String()
}

// Join returns the path prefix followed by p.
func Join(prefix string, p Path) Path {
	return p.Prepend(Key(prefix))
}

// Prepend returns a new path with segs in front of p.
func (p Path) Prepend(segs ...Segment) Path {
	out := make(Path, 0, len(segs)+len(p))
	out = append(out, segs...)

	return append(out, p...)
}

// Parse turns a dotted path string into a Path.
//
// A dotted segment made only of digits is an index, as is every bracket
// group. Empty segments, unclosed or empty brackets, non-numeric bracket
// contents and text directly after a closing bracket are rejected.
func Parse(s string) (Path, error) {
	if s == "" {
		return nil, &ParseError{Input: s, Pos: 0, Reason: "empty path"}
	}

	var (
		path Path
		i    int
	)

	expectSegment := true

	for i < len(s) {
		switch {
		case s[i] == '.':
			if expectSegment {
				return nil, &ParseError{Input: s, Pos: i, Reason: "empty segment"}
			}

			expectSegment = true
			i++

			if i == len(s) {
				return nil, &ParseError{Input: s, Pos: i, Reason: "trailing dot"}
			}

		case s[i] == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, &ParseError{Input: s, Pos: i, Reason: "unclosed bracket"}
			}

			inner := s[i+1 : i+end]
			if inner == "" {
				return nil, &ParseError{Input: s, Pos: i, Reason: "empty brackets"}
			}

			if !isDigits(inner) {
				return nil, &ParseError{Input: s, Pos: i + 1, Reason: "bracket index must be a non-negative integer"}
			}

			idx, ok := parseIndex(inner)
			if !ok {
				return nil, &ParseError{Input: s, Pos: i + 1, Reason: fmt.Sprintf("index exceeds %d", MaxIndex)}
			}

			path = append(path, Index(idx))
			i += end + 1
			expectSegment = false

			if i < len(s) && s[i] != '.' && s[i] != '[' {
				return nil, &ParseError{Input: s, Pos: i, Reason: "unexpected character after bracket"}
			}

		case s[i] == ']':
			return nil, &ParseError{Input: s, Pos: i, Reason: "unbalanced closing bracket"}

		default:
			if !expectSegment {
				return nil, &ParseError{Input: s, Pos: i, Reason: "missing separator"}
			}

			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' && s[i] != ']' {
				i++
			}

			token := s[start:i]
			if !isDigits(token) {
				path = append(path, Key(token))
				expectSegment = false

				continue
			}

			idx, ok := parseIndex(token)
			if !ok {
				return nil, &ParseError{Input: s, Pos: start, Reason: fmt.Sprintf("index exceeds %d", MaxIndex)}
			}

			path = append(path, Index(idx))

			expectSegment = false
		}
	}

	return path, nil
}

// MustParse is Parse for constant paths; it panics on malformed input.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return p
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// parseIndex converts a digit string, failing above MaxIndex.
func parseIndex(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n > MaxIndex {
		return 0, false
	}

	return n, true
}
