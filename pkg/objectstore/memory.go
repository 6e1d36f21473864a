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

package objectstore

import (
	"context"
	"fmt"
	"sync"
)

type memKey struct {
	bucket string
	key    string
}

// Memory is an in-process Store for tests and offline use.
type Memory struct {
	mu      sync.RWMutex
	objects map[memKey]Object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[memKey]Object)}
}

func (m *Memory) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	obj.Data = append([]byte(nil), obj.Data...)
	if obj.ContentType == "" {
		obj.ContentType = ContentTypeFor(obj.Key)
	}

	m.mu.Lock()
	m.objects[memKey{obj.Bucket, obj.Key}] = obj
	m.mu.Unlock()

	return nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[memKey{bucket, key}]
	m.mu.RUnlock()

	if !ok {
		return Object{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	}

	obj.Data = append([]byte(nil), obj.Data...)

	return obj, nil
}

// Delete is idempotent, like S3 DeleteObject.
func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, memKey{bucket, key})
	m.mu.Unlock()

	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.objects)
}
