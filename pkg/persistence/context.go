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

import "context"

type mutationIDKey struct{}

// WithMutationID tags every write made with ctx. The tag is echoed on the
// resulting change events and never stored.
func WithMutationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, mutationIDKey{}, id)
}

// MutationIDFrom returns the tag set by WithMutationID.
func MutationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(mutationIDKey{}).(string)

	return id
}
