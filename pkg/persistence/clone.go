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

package persistence

import (
	"github.com/tiendc/go-deepcopy"
)

// Clone returns a deep copy of d.
func Clone(d Document) Document {
	if d == nil {
		return nil
	}

	var out Document
	if err := deepcopy.Copy(&out, d); err != nil {
		return cloneTree(d).(Document)
	}

	return out
}

func cloneTree(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		out := make(Document, len(t))
		for k, val := range t {
			out[k] = cloneTree(val)
		}

		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneTree(val)
		}

		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneTree(val)
		}

		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
