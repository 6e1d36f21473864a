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

package docpath

import "strconv"

// UpsertAt returns a copy of root where the value at p is v.
//
// Missing containers are created on the way down: a slice for an index
// segment and a map for a key segment. A scalar in the way is replaced.
// An index past the end of a slice grows it, padding with nil. A key
// segment that meets a slice turns it into a map keyed by the old indices.
// An empty path returns v. An index outside [0, MaxIndex] is used as a
// key, so UpsertAt never allocates more than MaxIndex+1 elements.
func UpsertAt(root any, p Path, v any) any {
	if len(p) == 0 {
		return v
	}

	seg, rest := p[0], p[1:]
	if seg.IsIndex && !inRange(seg.Index) {
		seg = Key(strconv.Itoa(seg.Index))
	}

	switch node := root.(type) {
	case map[string]any:
		out := make(map[string]any, len(node)+1)
		for k, val := range node {
			out[k] = val
		}

		out[seg.Key] = UpsertAt(node[seg.Key], rest, v)

		return out

	case []any:
		if !seg.IsIndex {
			out := sliceAsMap(node)
			out[seg.Key] = UpsertAt(out[seg.Key], rest, v)

			return out
		}

		size := len(node)
		if seg.Index >= size {
			size = seg.Index + 1
		}

		out := make([]any, size)
		copy(out, node)

		var current any
		if seg.Index < len(node) {
			current = node[seg.Index]
		}

		out[seg.Index] = UpsertAt(current, rest, v)

		return out

	default:
		if seg.IsIndex {
			out := make([]any, seg.Index+1)
			out[seg.Index] = UpsertAt(nil, rest, v)

			return out
		}

		return map[string]any{seg.Key: UpsertAt(nil, rest, v)}
	}
}

// Get returns the value at p, or false when some segment does not exist.
func Get(root any, p Path) (any, bool) {
	current := root

	for _, seg := range p {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[seg.Key]
			if !ok {
				return nil, false
			}

			current = val
		case []any:
			if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(node) {
				return nil, false
			}

			current = node[seg.Index]
		default:
			return nil, false
		}
	}

	return current, true
}

// DeleteAt returns a copy of root without the value at p. Deleting from a
// slice sets the element to nil so sibling indices stay stable. A path that
// does not exist returns root unchanged.
func DeleteAt(root any, p Path) any {
	if len(p) == 0 {
		return nil
	}

	seg, rest := p[0], p[1:]

	switch node := root.(type) {
	case map[string]any:
		child, ok := node[seg.Key]
		if !ok {
			return root
		}

		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = val
		}

		if len(rest) == 0 {
			delete(out, seg.Key)
		} else {
			out[seg.Key] = DeleteAt(child, rest)
		}

		return out

	case []any:
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(node) {
			return root
		}

		out := make([]any, len(node))
		copy(out, node)

		if len(rest) == 0 {
			out[seg.Index] = nil
		} else {
			out[seg.Index] = DeleteAt(node[seg.Index], rest)
		}

		return out

	default:
		return root
	}
}

func inRange(i int) bool {
	return i >= 0 && i <= MaxIndex
}

func sliceAsMap(s []any) map[string]any {
	out := make(map[string]any, len(s)+1)
	for i, val := range s {
		out[strconv.Itoa(i)] = val
	}

	return out
}
