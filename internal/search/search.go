// Package search provides full-text search over items, backed by
// Meilisearch when configured and falling back to the document store's
// own text matching otherwise.
package search

import "stash/api/internal/store"

// Record is the data indexed per item.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Workspace   string `json:"workspace"`
}

// Query describes a search request. Workspaces is the set of workspace
// ids the caller may see; the route injects it, never the client.
type Query struct {
	Text       string
	Workspaces []string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Record `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// RecordFrom projects an item resource into its indexed form.
func RecordFrom(item store.Resource) Record {
	str := func(field string) string {
		value, _ := item.Fields[field].(string)
		return value
	}
	return Record{
		ID:          item.ID,
		Name:        str("name"),
		Description: str("description"),
		URL:         str("url"),
		Workspace:   str("workspace"),
	}
}
