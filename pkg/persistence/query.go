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
	"fmt"
	"reflect"
	"sort"

	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
)

const (
	DefaultMaxFindLimit = 1000
)

// Operator is a MongoDB-style comparison operator.
type Operator string

const (
	Eq  Operator = "$eq"
	Ne  Operator = "$ne"
	Gt  Operator = "$gt"
	Gte Operator = "$gte"
	Lt  Operator = "$lt"
	Lte Operator = "$lte"
	In  Operator = "$in"
	Nin Operator = "$nin"
	// Contains matches when the field is a sequence holding the value.
	Contains Operator = "$contains"
)

// FilterCondition compares the value at a dotted field path.
type FilterCondition struct {
	Field string
	Op    Operator
	Value interface{}
}

type SortOrder int

const (
	Asc  SortOrder = 1
	Desc SortOrder = -1
)

type SortField struct {
	Field string
	Order SortOrder
}

// Query filters, sorts and pages documents returned by AllDocs.
//
// Fields are dotted paths such as "metadata_.last_modified_at". Filters are
// combined with AND. A document without the field fails every filter
// except Ne and Nin.
//
//	q := persistence.NewQuery().
//	    Filter("type", persistence.Eq, "project").
//	    Sort("metadata_.last_modified_at", persistence.Desc).
//	    Limit(20)
type Query struct {
	Filters      []FilterCondition
	SortBy       []SortField
	LimitCount   int
	SkipCount    int
	MaxFindLimit int
}

func NewQuery() *Query {
	return &Query{}
}

func (q *Query) Filter(field string, op Operator, value interface{}) *Query {
	q.Filters = append(q.Filters, FilterCondition{
		Field: field,
		Op:    op,
		Value: value,
	})

	return q
}

func (q *Query) Sort(field string, order SortOrder) *Query {
	q.SortBy = append(q.SortBy, SortField{
		Field: field,
		Order: order,
	})

	return q
}

// Limit caps the number of results. Zero or negative means no limit.
func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count

	return q
}

// Skip drops the first count results.
func (q *Query) Skip(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.SkipCount = count

	return q
}

func (q *Query) WithMaxFindLimit(limit int) *Query {
	if limit < 0 {
		limit = 0
	}

	q.MaxFindLimit = limit

	return q
}

type compiledFilter struct {
	path  docpath.Path
	op    Operator
	value interface{}
}

type compiledSort struct {
	path  docpath.Path
	order SortOrder
}

// Apply filters, sorts and pages docs. The input slice is not modified.
func (q *Query) Apply(docs []Document) ([]Document, error) {
	if q == nil {
		return docs, nil
	}

	filters := make([]compiledFilter, 0, len(q.Filters))

	for _, f := range q.Filters {
		p, err := docpath.Parse(f.Field)
		if err != nil {
			return nil, fmt.Errorf("invalid filter field: %w", err)
		}

		filters = append(filters, compiledFilter{path: p, op: f.Op, value: f.Value})
	}

	sorts := make([]compiledSort, 0, len(q.SortBy))

	for _, s := range q.SortBy {
		p, err := docpath.Parse(s.Field)
		if err != nil {
			return nil, fmt.Errorf("invalid sort field: %w", err)
		}

		sorts = append(sorts, compiledSort{path: p, order: s.Order})
	}

	out := make([]Document, 0, len(docs))

	for _, doc := range docs {
		ok, err := matchAll(doc, filters)
		if err != nil {
			return nil, err
		}

		if ok {
			out = append(out, doc)
		}
	}

	if len(sorts) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range sorts {
				a, _ := docpath.Get(map[string]interface{}(out[i]), s.path)
				b, _ := docpath.Get(map[string]interface{}(out[j]), s.path)

				c := compareValues(a, b)
				if c == 0 {
					continue
				}

				if s.order == Desc {
					return c > 0
				}

				return c < 0
			}

			return false
		})
	}

	if q.SkipCount > 0 {
		if q.SkipCount >= len(out) {
			return []Document{}, nil
		}

		out = out[q.SkipCount:]
	}

	limit := q.LimitCount
	if q.MaxFindLimit > 0 && (limit == 0 || limit > q.MaxFindLimit) {
		limit = q.MaxFindLimit
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func matchAll(doc Document, filters []compiledFilter) (bool, error) {
	for _, f := range filters {
		v, found := docpath.Get(map[string]interface{}(doc), f.path)

		ok, err := match(v, found, f.op, f.value)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func match(v interface{}, found bool, op Operator, want interface{}) (bool, error) {
	switch op {
	case Eq:
		return found && compareValues(v, want) == 0, nil
	case Ne:
		return !found || compareValues(v, want) != 0, nil
	case Gt:
		return found && orderable(v, want) && compareValues(v, want) > 0, nil
	case Gte:
		return found && orderable(v, want) && compareValues(v, want) >= 0, nil
	case Lt:
		return found && orderable(v, want) && compareValues(v, want) < 0, nil
	case Lte:
		return found && orderable(v, want) && compareValues(v, want) <= 0, nil
	case In:
		return found && containsValue(want, v), nil
	case Nin:
		return !found || !containsValue(want, v), nil
	case Contains:
		return found && containsValue(v, want), nil
	default:
		return false, fmt.Errorf("unsupported query operator %q", op)
	}
}

func containsValue(list interface{}, v interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < rv.Len(); i++ {
		if compareValues(rv.Index(i).Interface(), v) == 0 {
			return true
		}
	}

	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func orderable(a, b interface{}) bool {
	_, aNum := toFloat(a)
	_, bNum := toFloat(b)

	if aNum && bNum {
		return true
	}

	_, aStr := a.(string)
	_, bStr := b.(string)

	return aStr && bStr
}

// typeRank orders values of different kinds: nil, bool, number, string, other.
func typeRank(v interface{}) int {
	if v == nil {
		return 0
	}

	if _, ok := v.(bool); ok {
		return 1
	}

	if _, ok := toFloat(v); ok {
		return 2
	}

	if _, ok := v.(string); ok {
		return 3
	}

	return 4
}

func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}

		return 1
	}

	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)

		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		sa, sb := a.(string), b.(string)

		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	default:
		if reflect.DeepEqual(a, b) {
			return 0
		}

		return 1
	}
}
