package search

import (
	"context"

	"go.uber.org/zap"

	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/store"
	"stash/api/internal/tasks"
)

// Service tries Meilisearch first and falls back to the document
// store's text matching when the index is missing or unhealthy.
type Service struct {
	meili  *Meili
	items  *engine.Engine
	runner *tasks.Runner
	log    logger.Logger
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured. Index writes run on the runner so
// shutdown drains them with the rest of the detached work.
func NewService(meili *Meili, items *engine.Engine, runner *tasks.Runner, log logger.Logger) *Service {
	return &Service{meili: meili, items: items, runner: runner, log: log}
}

// Search runs a scoped text search. Errors degrade to empty results;
// the endpoint never fails on a search backend outage.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if len(q.Workspaces) == 0 {
		return Response{Results: []Record{}, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("search_meili_fallback", zap.Error(err))
	}

	results, err := s.storeSearch(ctx, q)
	if err != nil {
		s.log.Error("search_store_error", zap.Error(err))
		return Response{Results: []Record{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: len(results), Query: q.Text}
}

func (s *Service) storeSearch(ctx context.Context, q Query) ([]Record, error) {
	workspaces := make([]any, len(q.Workspaces))
	for i, id := range q.Workspaces {
		workspaces[i] = id
	}
	filter := store.AndOf(
		store.Text{Query: q.Text},
		store.In{Field: "workspace", Values: workspaces},
	)
	items, err := s.items.Find(ctx, filter, store.FindOptions{Limit: q.Limit, Lean: true})
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		records = append(records, RecordFrom(item))
	}
	return records, nil
}

// IndexItem pushes an item into the search index, fire-and-forget.
func (s *Service) IndexItem(item store.Resource) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFrom(item)
	s.runner.Spawn("search_index_"+record.ID, func(ctx context.Context) error {
		return s.meili.IndexItem(record)
	})
}

// DeleteItem removes an item from the search index, fire-and-forget.
func (s *Service) DeleteItem(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	s.runner.Spawn("search_deindex_"+id, func(ctx context.Context) error {
		return s.meili.DeleteItem(id)
	})
}

func nonNil(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	return records
}
