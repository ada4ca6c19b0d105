// Package engine is the uniform data-access façade over one resource
// type. It adds structured log events and the default find limit; all
// authorization lives above it, all persistence below.
package engine

import (
	"context"

	"go.uber.org/zap"

	"stash/api/internal/logger"
	"stash/api/internal/store"
)

// DefaultLimit caps find results when the caller does not set one.
const DefaultLimit = 100

type Engine struct {
	collection store.Collection
	log        logger.Logger
}

// New wires an engine to its backing collection handle. Handles are
// passed explicitly by the composition root, never looked up by name.
func New(collection store.Collection, log logger.Logger) *Engine {
	return &Engine{collection: collection, log: log}
}

func (e *Engine) Type() string { return e.collection.Type() }

func (e *Engine) Create(ctx context.Context, data map[string]any) (store.Resource, error) {
	resource, err := e.collection.Create(ctx, data)
	if err != nil {
		e.log.Error(e.Type()+"_create_error", zap.Error(err))
		return store.Resource{}, err
	}
	e.log.Info(e.Type()+"_created", zap.String("id", resource.ID))
	return resource, nil
}

func (e *Engine) Update(ctx context.Context, id string, partial map[string]any) (store.Resource, error) {
	resource, err := e.collection.FindByIDAndUpdate(ctx, id, partial)
	if err != nil {
		e.log.Error(e.Type()+"_update_error", zap.String("id", id), zap.Error(err))
		return store.Resource{}, err
	}
	e.log.Info(e.Type()+"_updated", zap.String("id", id))
	return *resource, nil
}

// Del removes the resource if present. Deleting a nonexistent id is not
// an error.
func (e *Engine) Del(ctx context.Context, id string) error {
	if err := e.collection.FindByIDAndDelete(ctx, id); err != nil {
		e.log.Error(e.Type()+"_delete_error", zap.String("id", id), zap.Error(err))
		return err
	}
	e.log.Info(e.Type()+"_deleted", zap.String("id", id))
	return nil
}

// GetByID returns nil when the id is absent; only adapter-level failures
// are errors.
func (e *Engine) GetByID(ctx context.Context, id string) (*store.Resource, error) {
	resource, err := e.collection.FindByID(ctx, id)
	if err != nil {
		e.log.Error(e.Type()+"_get_error", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return resource, nil
}

// Find returns all matches; zero matches is an empty slice, never an
// error.
func (e *Engine) Find(ctx context.Context, filter store.Predicate, opts store.FindOptions) ([]store.Resource, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	resources, err := e.collection.Find(ctx, filter, opts)
	if err != nil {
		e.log.Error(e.Type()+"_find_error", zap.Error(err))
		return nil, err
	}
	return resources, nil
}
