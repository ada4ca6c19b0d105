package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"stash/api/internal/logger"
)

const idxItems = "stash_items"

// Meili indexes and searches items via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the items
// index. An unreachable server is tolerated; a background loop keeps
// probing and reconfigures on recovery.
func NewMeili(url, apiKey string, log logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch_unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxItems,
		PrimaryKey: "id",
	}); err != nil {
		// Likely already exists.
		m.log.Debug("meilisearch_create_index", zap.Error(err))
	}

	index := m.client.Index(idxItems)
	filterable := []interface{}{"workspace"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("meilisearch_filterable_attrs", zap.Error(err))
	}
	searchable := []string{"name", "description", "url"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("meilisearch_searchable_attrs", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch_recovered")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the items index scoped to the query's workspaces.
func (m *Meili) Search(q Query) ([]Record, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	req := &meili.SearchRequest{
		Limit: limit,
	}
	if len(q.Workspaces) > 0 {
		quoted := make([]string, len(q.Workspaces))
		for i, id := range q.Workspaces {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		req.Filter = fmt.Sprintf("workspace IN [%s]", strings.Join(quoted, ", "))
	}

	resp, err := m.client.Index(idxItems).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Record, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToRecord(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToRecord(hit meili.Hit) Record {
	return Record{
		ID:          decodeString(hit, "id"),
		Name:        decodeString(hit, "name"),
		Description: decodeString(hit, "description"),
		URL:         decodeString(hit, "url"),
		Workspace:   decodeString(hit, "workspace"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexItem adds or updates an item in the search index.
func (m *Meili) IndexItem(record Record) error {
	_, err := m.client.Index(idxItems).AddDocuments([]Record{record}, nil)
	return err
}

// DeleteItem removes an item from the search index.
func (m *Meili) DeleteItem(id string) error {
	_, err := m.client.Index(idxItems).DeleteDocument(id, nil)
	return err
}
