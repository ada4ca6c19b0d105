package search

import (
	"context"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/store"
	"stash/api/internal/tasks"
)

func newFallbackService(t *testing.T) (*Service, *engine.Engine) {
	t.Helper()
	ms := store.NewMemoryStore(store.ItemSchema())
	items := engine.New(ms.Collection(store.TypeItem), logger.NewNop())
	return NewService(nil, items, tasks.NewRunner(logger.NewNop()), logger.NewNop()), items
}

func seedItem(t *testing.T, items *engine.Engine, name, url, workspace string) store.Resource {
	t.Helper()
	item, err := items.Create(context.Background(), map[string]any{
		"name":      name,
		"url":       url,
		"workspace": workspace,
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

func TestSearchFallbackScopesToWorkspaces(t *testing.T) {
	svc, items := newFallbackService(t)
	visible := seedItem(t, items, "golang blog", "https://go.dev/blog", "workspace_a")
	seedItem(t, items, "golang weekly", "https://golangweekly.com", "workspace_b")

	resp := svc.Search(context.Background(), Query{
		Text:       "golang",
		Workspaces: []string{"workspace_a"},
	})

	if len(resp.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Results))
	}
	if resp.Results[0].ID != visible.ID {
		t.Errorf("result id = %s, want %s", resp.Results[0].ID, visible.ID)
	}
	if resp.Results[0].Workspace != "workspace_a" {
		t.Errorf("result workspace = %s", resp.Results[0].Workspace)
	}
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
}

func TestSearchNoWorkspacesYieldsEmpty(t *testing.T) {
	svc, items := newFallbackService(t)
	seedItem(t, items, "golang blog", "https://go.dev/blog", "workspace_a")

	resp := svc.Search(context.Background(), Query{Text: "golang"})
	if len(resp.Results) != 0 {
		t.Fatalf("got %d results, want 0 without visible workspaces", len(resp.Results))
	}
	if resp.Results == nil {
		t.Fatal("results must be an empty slice, not nil")
	}
}

func TestSearchMatchesDescriptionAndURL(t *testing.T) {
	svc, items := newFallbackService(t)
	item, err := items.Create(context.Background(), map[string]any{
		"url":         "https://example.com/recipes",
		"description": "sourdough starter notes",
		"workspace":   "workspace_a",
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}

	for _, text := range []string{"sourdough", "recipes"} {
		resp := svc.Search(context.Background(), Query{
			Text:       text,
			Workspaces: []string{"workspace_a"},
		})
		if len(resp.Results) != 1 || resp.Results[0].ID != item.ID {
			t.Errorf("query %q: got %d results", text, len(resp.Results))
		}
	}
}

func TestIndexWritesDrainWithRunner(t *testing.T) {
	log := logger.NewNop()
	backend := &Meili{client: meili.New("http://127.0.0.1:1"), log: log, done: make(chan struct{})}
	backend.healthy.Store(true)

	runner := tasks.NewRunner(log)
	svc := NewService(backend, nil, runner, log)

	svc.IndexItem(store.Resource{ID: "item_x", Fields: map[string]any{
		"name":      "golang blog",
		"url":       "https://go.dev/blog",
		"workspace": "workspace_a",
	}})
	svc.DeleteItem("item_x")

	// The index attempts fail against the unreachable backend, but
	// Wait must not return before both have finished.
	runner.Wait()
}
