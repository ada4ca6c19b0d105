package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stash/api/internal/util"
)

// MemoryStore is the in-memory adapter. It backs tests and local
// development; the semantics mirror the Postgres adapter.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	docs    map[string]map[string]map[string]any
	order   map[string][]string
}

func NewMemoryStore(schemas ...*Schema) *MemoryStore {
	s := &MemoryStore{
		schemas: make(map[string]*Schema),
		docs:    make(map[string]map[string]map[string]any),
		order:   make(map[string][]string),
	}
	for _, schema := range schemas {
		s.schemas[schema.Type] = schema
		s.docs[schema.Type] = make(map[string]map[string]any)
	}
	return s
}

func (s *MemoryStore) Collection(resourceType string) Collection {
	schema, ok := s.schemas[resourceType]
	if !ok {
		panic(fmt.Sprintf("store: unknown resource type %q", resourceType))
	}
	return &memoryCollection{store: s, schema: schema}
}

type memoryCollection struct {
	store  *MemoryStore
	schema *Schema
}

func (c *memoryCollection) Type() string { return c.schema.Type }

func (c *memoryCollection) Create(ctx context.Context, fields map[string]any) (Resource, error) {
	normalized, err := jsonNormalize(c.schema.Normalize(fields))
	if err != nil {
		return Resource{}, err
	}
	if err := c.schema.Check(normalized); err != nil {
		return Resource{}, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.checkUniqueLocked(normalized, ""); err != nil {
		return Resource{}, err
	}

	id := util.NewID(c.schema.Type)
	c.store.docs[c.schema.Type][id] = normalized
	c.store.order[c.schema.Type] = append(c.store.order[c.schema.Type], id)
	return Resource{ID: id, Fields: cloneFields(normalized)}, nil
}

func (c *memoryCollection) FindByID(ctx context.Context, id string) (*Resource, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	fields, ok := c.store.docs[c.schema.Type][id]
	if !ok {
		return nil, nil
	}
	resource := Resource{ID: id, Fields: cloneFields(fields)}
	return &resource, nil
}

func (c *memoryCollection) FindByIDAndUpdate(ctx context.Context, id string, partial map[string]any) (*Resource, error) {
	normalized, err := jsonNormalize(c.schema.Normalize(partial))
	if err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	existing, ok := c.store.docs[c.schema.Type][id]
	if !ok {
		return nil, &NotFoundError{Type: c.schema.Type, ID: id}
	}
	merged := cloneFields(existing)
	for name, value := range normalized {
		merged[name] = value
	}
	if err := c.schema.Check(merged); err != nil {
		return nil, err
	}
	if err := c.checkUniqueLocked(merged, id); err != nil {
		return nil, err
	}

	c.store.docs[c.schema.Type][id] = merged
	resource := Resource{ID: id, Fields: cloneFields(merged)}
	return &resource, nil
}

func (c *memoryCollection) FindByIDAndDelete(ctx context.Context, id string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if _, ok := c.store.docs[c.schema.Type][id]; !ok {
		return nil
	}
	delete(c.store.docs[c.schema.Type], id)
	ids := c.store.order[c.schema.Type]
	for i, candidate := range ids {
		if candidate == id {
			c.store.order[c.schema.Type] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (c *memoryCollection) Find(ctx context.Context, filter Predicate, opts FindOptions) ([]Resource, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	results := make([]Resource, 0)
	for _, id := range c.store.order[c.schema.Type] {
		fields := c.store.docs[c.schema.Type][id]
		if !c.matches(fields, filter) {
			continue
		}
		results = append(results, Resource{ID: id, Fields: cloneFields(fields)})
	}

	sortResources(results, opts.Sort)
	if opts.Skip > 0 {
		if opts.Skip >= len(results) {
			results = results[:0]
		} else {
			results = results[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	for i := range results {
		results[i] = c.populateLocked(results[i], opts.Populate)
		results[i] = project(results[i], opts.Select)
	}
	return results, nil
}

func (c *memoryCollection) checkUniqueLocked(fields map[string]any, selfID string) error {
	for _, name := range c.schema.UniqueFields() {
		value, ok := fields[name]
		if !ok || value == nil {
			continue
		}
		for id, other := range c.store.docs[c.schema.Type] {
			if id == selfID {
				continue
			}
			if equalValues(other[name], value) {
				return &DuplicateError{Type: c.schema.Type, Field: name}
			}
		}
	}
	return nil
}

func (c *memoryCollection) matches(fields map[string]any, pred Predicate) bool {
	switch p := pred.(type) {
	case nil:
		return true
	case Eq:
		return equalValues(fields[p.Field], normalizeScalar(p.Value))
	case In:
		return containsAny(fields[p.Field], p.Values)
	case Text:
		needle := strings.ToLower(p.Query)
		for _, name := range c.schema.TextFields {
			if str, ok := fields[name].(string); ok && strings.Contains(strings.ToLower(str), needle) {
				return true
			}
		}
		return false
	case And:
		for _, sub := range p.Preds {
			if !c.matches(fields, sub) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (c *memoryCollection) populateLocked(resource Resource, populate []string) Resource {
	for _, name := range populate {
		target, ok := c.schema.RefTarget(name)
		if !ok {
			continue
		}
		switch value := resource.Fields[name].(type) {
		case string:
			if ref, ok := c.store.docs[target][value]; ok {
				resource.Fields[name] = embedDoc(value, ref)
			}
		case []any:
			out := make([]any, 0, len(value))
			for _, entry := range value {
				id, _ := entry.(string)
				if ref, ok := c.store.docs[target][id]; ok {
					out = append(out, embedDoc(id, ref))
				} else {
					out = append(out, entry)
				}
			}
			resource.Fields[name] = out
		}
	}
	return resource
}

func embedDoc(id string, fields map[string]any) map[string]any {
	doc := cloneFields(fields)
	doc["id"] = id
	return doc
}

func sortResources(resources []Resource, sorts []SortField) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(resources, func(i, j int) bool {
		for _, field := range sorts {
			cmp := compareValues(resources[i].Fields[field.Field], resources[j].Fields[field.Field])
			if cmp == 0 {
				continue
			}
			if field.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv, _ := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	case nil:
		if b == nil {
			return 0
		}
		return -1
	default:
		return 0
	}
}

func normalizeScalar(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}

func equalValues(a, b any) bool {
	return normalizeScalar(a) == normalizeScalar(b)
}

func containsAny(field any, values []any) bool {
	switch v := field.(type) {
	case []any:
		for _, entry := range v {
			for _, candidate := range values {
				if equalValues(entry, candidate) {
					return true
				}
			}
		}
		return false
	default:
		for _, candidate := range values {
			if equalValues(field, candidate) {
				return true
			}
		}
		return false
	}
}
