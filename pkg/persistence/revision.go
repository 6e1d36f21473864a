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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Generation returns the numeric prefix of a revision token, or 0.
func Generation(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}

	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// NextRevision returns the token that follows prev for the given body.
// The body's own "_rev" and "_mutation_id" fields do not take part in the
// hash.
func NextRevision(prev string, body Document) (string, error) {
	canonical := make(Document, len(body))
	for k, v := range body {
		if k == FieldRev || k == FieldMutationID {
			continue
		}

		canonical[k] = v
	}

	// Map keys are encoded in sorted order, so equal trees hash equally.
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode document for revision: %w", err)
	}

	return fmt.Sprintf("%d-%016x", Generation(prev)+1, xxhash.Sum64(raw)), nil
}

// Digest returns the content digest stored in attachment stubs.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)

	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}
