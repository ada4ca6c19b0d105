package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"stash/api/internal/authz"
	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/query"
	"stash/api/internal/session"
	"stash/api/internal/store"
)

// countingCollection records how often the adapter's Find runs, so the
// tests can prove a rejected query never reached it.
type countingCollection struct {
	store.Collection
	finds int
}

func (c *countingCollection) Find(ctx context.Context, filter store.Predicate, opts store.FindOptions) ([]store.Resource, error) {
	c.finds++
	return c.Collection.Find(ctx, filter, opts)
}

func newSanitizationFixture(t *testing.T) (*Service, *countingCollection, session.Identity, string) {
	t.Helper()
	log := logger.NewNop()
	ms := store.NewMemoryStore(
		store.UserSchema(),
		store.WorkspaceSchema(),
		store.TagSchema(),
		store.ItemSchema(),
	)
	counting := &countingCollection{Collection: ms.Collection(store.TypeItem)}

	users := engine.New(ms.Collection(store.TypeUser), log)
	workspaces := engine.New(ms.Collection(store.TypeWorkspace), log)
	tags := engine.New(ms.Collection(store.TypeTag), log)
	items := engine.New(counting, log)

	service := NewService(Deps{
		Users:      users,
		Workspaces: workspaces,
		Tags:       tags,
		Items:      items,
		Authority:  authz.New(workspaces, tags, items),
		JWTSecret:  []byte("test-secret"),
		AccessTTL:  time.Hour,
		Log:        log,
	})

	ctx := context.Background()
	workspace, err := workspaces.Create(ctx, map[string]any{
		"name": "Stash",
		"members": []any{
			map[string]any{"user": "user_alice", "permissionLevel": "admin"},
		},
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return service, counting, session.Identity{UserID: "user_alice"}, workspace.ID
}

func TestFindRejectsEachBadParameterBeforeExecution(t *testing.T) {
	service, counting, ident, workspaceID := newSanitizationFixture(t)

	cases := []struct {
		param  string
		values url.Values
	}{
		{"filter", url.Values{"filter": {`{"secretField":"x"}`}}},
		{"populate", url.Values{"populate": {"owner"}}},
		{"sort", url.Values{"sort": {"-secretField"}}},
		{"select", url.Values{"select": {"passwordHash"}}},
		{"limit", url.Values{"limit": {"-5"}}},
	}
	for _, tc := range cases {
		t.Run(tc.param, func(t *testing.T) {
			before := counting.finds
			_, err := service.FindResources(context.Background(), ident, store.TypeItem, workspaceID, tc.values)

			var paramErr *query.ParamError
			if !errors.As(err, &paramErr) {
				t.Fatalf("expected ParamError, got %v", err)
			}
			if paramErr.Code() != "invalid_"+tc.param+"_query" {
				t.Errorf("code = %q", paramErr.Code())
			}
			if len(paramErr.Issues) == 0 {
				t.Error("expected a structured issue list")
			}
			if counting.finds != before {
				t.Error("adapter find ran despite a rejected parameter")
			}
		})
	}
}

func TestFindRunsOnceAllParametersPass(t *testing.T) {
	service, counting, ident, workspaceID := newSanitizationFixture(t)

	values := url.Values{
		"filter": {`{"pinned":true}`},
		"sort":   {"-name"},
		"select": {"url,name"},
		"limit":  {"10"},
	}
	results, err := service.FindResources(context.Background(), ident, store.TypeItem, workspaceID, values)
	if err != nil {
		t.Fatalf("FindResources: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from an empty store", len(results))
	}
	if counting.finds != 1 {
		t.Errorf("adapter find ran %d times, want 1", counting.finds)
	}
}

func TestFindWithoutWorkspaceIsRejected(t *testing.T) {
	service, counting, ident, _ := newSanitizationFixture(t)

	_, err := service.FindResources(context.Background(), ident, store.TypeItem, "", url.Values{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "insufficient_permission" {
		t.Fatalf("expected insufficient_permission, got %v", err)
	}
	if counting.finds != 0 {
		t.Error("adapter find ran for an unscoped request")
	}
}

func TestMissingResourceMapsToNotFound(t *testing.T) {
	service, _, ident, _ := newSanitizationFixture(t)

	_, err := service.UpdateResource(context.Background(), ident, store.TypeItem, "item_missing", map[string]any{"name": "x"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestWorkspaceFindPagesPastForeignRows(t *testing.T) {
	service, _, ident, _ := newSanitizationFixture(t)
	ctx := context.Background()
	workspaces := service.routes[store.TypeWorkspace].engine

	// The fixture's workspace plus well over one default page of
	// workspaces the caller does not belong to, inserted before theirs.
	for i := 0; i < engine.DefaultLimit+20; i++ {
		_, err := workspaces.Create(ctx, map[string]any{
			"name": fmt.Sprintf("Foreign %03d", i),
			"members": []any{
				map[string]any{"user": "user_other", "permissionLevel": "admin"},
			},
		})
		if err != nil {
			t.Fatalf("create foreign workspace: %v", err)
		}
	}
	mine, err := workspaces.Create(ctx, map[string]any{
		"name": "Buried",
		"members": []any{
			map[string]any{"user": ident.UserID, "permissionLevel": "admin"},
		},
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	results, err := service.FindResources(ctx, ident, store.TypeWorkspace, "", url.Values{})
	if err != nil {
		t.Fatalf("find workspaces: %v", err)
	}
	found := false
	for _, resource := range results {
		if !memberOf(resource, ident.UserID) {
			t.Errorf("workspace %s leaked into the caller's listing", resource.ID)
		}
		if resource.ID == mine.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("workspace %s missing from the caller's listing of %d results", mine.ID, len(results))
	}
}
