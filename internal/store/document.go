// Package store defines the document-store boundary: schema-validated
// collections of JSON-shaped resources with a closed query predicate
// algebra. Two implementations exist, Postgres JSONB and in-memory.
package store

import "context"

// Resource is a persisted entity: a stable id plus a field map. Field
// values are JSON-shaped (string, float64, bool, []any, map[string]any).
type Resource struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Clone returns a deep copy so callers can mutate freely.
func (r Resource) Clone() Resource {
	return Resource{ID: r.ID, Fields: cloneFields(r.Fields)}
}

type SortField struct {
	Field string
	Desc  bool
}

// FindOptions shape a Find call. A zero Limit means the adapter default.
type FindOptions struct {
	Populate []string
	Sort     []SortField
	Select   []string
	Skip     int
	Limit    int
	Lean     bool
}

// Collection is one resource type's persistence handle.
//
// Create and FindByIDAndUpdate validate against the collection schema and
// return *ValidationError / *DuplicateError. FindByID returns (nil, nil)
// when the id is absent; FindByIDAndUpdate returns *NotFoundError instead.
// FindByIDAndDelete is idempotent. Find never errors on zero matches.
type Collection interface {
	Type() string
	Create(ctx context.Context, fields map[string]any) (Resource, error)
	FindByID(ctx context.Context, id string) (*Resource, error)
	FindByIDAndUpdate(ctx context.Context, id string, partial map[string]any) (*Resource, error)
	FindByIDAndDelete(ctx context.Context, id string) error
	Find(ctx context.Context, filter Predicate, opts FindOptions) ([]Resource, error)
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// project reduces a resource to the selected fields. An empty selection
// keeps everything.
func project(resource Resource, selected []string) Resource {
	if len(selected) == 0 {
		return resource
	}
	out := Resource{ID: resource.ID, Fields: make(map[string]any, len(selected))}
	for _, name := range selected {
		if value, ok := resource.Fields[name]; ok {
			out.Fields[name] = cloneValue(value)
		}
	}
	return out
}
