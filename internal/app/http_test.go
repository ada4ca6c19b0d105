package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"stash/api/internal/authz"
	"stash/api/internal/blob"
	"stash/api/internal/creds"
	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/store"
	"stash/api/internal/tasks"
)

type testEnv struct {
	t       *testing.T
	server  *httptest.Server
	service *Service
	users   *engine.Engine
	tags    *engine.Engine
	items   *engine.Engine
	runner  *tasks.Runner
	storage *blob.MemoryStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	ms := store.NewMemoryStore(
		store.UserSchema(),
		store.WorkspaceSchema(),
		store.TagSchema(),
		store.ItemSchema(),
	)
	users := engine.New(ms.Collection(store.TypeUser), log)
	workspaces := engine.New(ms.Collection(store.TypeWorkspace), log)
	tags := engine.New(ms.Collection(store.TypeTag), log)
	items := engine.New(ms.Collection(store.TypeItem), log)

	runner := tasks.NewRunner(log)
	storage := blob.NewMemoryStorage()

	service := NewService(Deps{
		Users:      users,
		Workspaces: workspaces,
		Tags:       tags,
		Items:      items,
		Authority:  authz.New(workspaces, tags, items),
		Storage:    storage,
		Runner:     runner,
		JWTSecret:  []byte("test-secret"),
		AccessTTL:  time.Hour,
		Log:        log,
	})

	server := httptest.NewServer(NewHTTPServer(service, "*", log).Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		t:       t,
		server:  server,
		service: service,
		users:   users,
		tags:    tags,
		items:   items,
		runner:  runner,
		storage: storage,
	}
}

func (e *testEnv) request(method, path, token string, body any) (int, map[string]any) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp.StatusCode, payload
}

func (e *testEnv) signup(email, name string) (token, userID string) {
	e.t.Helper()
	status, payload := e.request(http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    email,
		"password": "password-123",
		"name":     name,
	})
	if status != http.StatusCreated {
		e.t.Fatalf("signup %s: status %d (%v)", email, status, payload)
	}
	token, _ = payload["token"].(string)
	userID, _ = payload["userId"].(string)
	return token, userID
}

func (e *testEnv) createWorkspace(token, name string) string {
	e.t.Helper()
	status, payload := e.request(http.MethodPost, "/api/workspaces", token, map[string]any{"name": name})
	if status != http.StatusOK {
		e.t.Fatalf("create workspace: status %d (%v)", status, payload)
	}
	id, _ := payload["id"].(string)
	return id
}

func (e *testEnv) createTag(token, workspaceID, name string) (int, map[string]any) {
	e.t.Helper()
	return e.request(http.MethodPost, "/api/workspaces/"+workspaceID+"/tags", token, map[string]any{
		"name":        name,
		"firstColor":  "ff0000",
		"secondColor": "00ff00",
	})
}

func errorCode(payload map[string]any) string {
	inner, _ := payload["error"].(map[string]any)
	code, _ := inner["code"].(string)
	return code
}

func errorDetails(payload map[string]any) map[string]any {
	inner, _ := payload["error"].(map[string]any)
	details, _ := inner["details"].(map[string]any)
	return details
}

func TestSignupAndSession(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signup("alice@example.com", "Alice")

	status, payload := env.request(http.MethodGet, "/api/session", token, nil)
	if status != http.StatusOK {
		t.Fatalf("session: status %d", status)
	}
	if payload["authenticated"] != true || payload["userId"] != userID {
		t.Errorf("session payload = %v", payload)
	}
}

func TestSigninRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.signup("alice@example.com", "Alice")

	status, payload := env.request(http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong-password-1",
	})
	if status != http.StatusUnauthorized || errorCode(payload) != "unauthorized" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t)
	status, payload := env.request(http.MethodGet, "/api/workspaces", "", nil)
	if status != http.StatusUnauthorized || errorCode(payload) != "unauthorized" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}

func TestWorkspaceAndTagCreation(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	status, payload := env.createTag(token, workspaceID, "demo")
	if status != http.StatusOK {
		t.Fatalf("create tag: status %d (%v)", status, payload)
	}
	tagID, _ := payload["id"].(string)

	status, payload = env.request(http.MethodGet, "/api/tags/"+tagID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get tag: status %d", status)
	}
	data, _ := payload["data"].(map[string]any)
	if data["workspace"] != workspaceID {
		t.Errorf("tag workspace = %v, want %s", data["workspace"], workspaceID)
	}
}

func TestTagCreationRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	aliceToken, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(aliceToken, "Stash")
	bobToken, _ := env.signup("bob@example.com", "Bob")

	status, payload := env.createTag(bobToken, workspaceID, "demo")
	if status != http.StatusForbidden || errorCode(payload) != "insufficient_permission" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}

func TestItemURLValidation(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	status, payload := env.request(http.MethodPost, "/api/workspaces/"+workspaceID+"/items", token, map[string]any{
		"url": "not a url",
	})
	if status != http.StatusBadRequest || errorCode(payload) != "validation_error" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
	if _, ok := errorDetails(payload)["url"]; !ok {
		t.Errorf("details should name url, got %v", errorDetails(payload))
	}
}

func TestDuplicateTagName(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	if status, payload := env.createTag(token, workspaceID, "demo"); status != http.StatusOK {
		t.Fatalf("first tag: status %d (%v)", status, payload)
	}
	status, payload := env.createTag(token, workspaceID, "demo")
	if status != http.StatusBadRequest || errorCode(payload) != "duplicate_entry" {
		t.Fatalf("second tag: status %d code %q", status, errorCode(payload))
	}
}

func TestWorkspaceDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	if status, payload := env.createTag(token, workspaceID, "demo"); status != http.StatusOK {
		t.Fatalf("create tag: %d (%v)", status, payload)
	}
	status, payload := env.request(http.MethodPost, "/api/workspaces/"+workspaceID+"/items", token, map[string]any{
		"url": "https://example.com/post",
	})
	if status != http.StatusOK {
		t.Fatalf("create item: %d (%v)", status, payload)
	}

	status, payload = env.request(http.MethodDelete, "/api/workspaces/"+workspaceID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete workspace: %d (%v)", status, payload)
	}
	env.runner.Wait()

	scope := store.Eq{Field: "workspace", Value: workspaceID}
	for name, eng := range map[string]*engine.Engine{"items": env.items, "tags": env.tags} {
		leftover, err := eng.Find(context.Background(), scope, store.FindOptions{})
		if err != nil {
			t.Fatalf("find %s: %v", name, err)
		}
		if len(leftover) != 0 {
			t.Errorf("%d orphaned %s after cascade", len(leftover), name)
		}
	}
}

func TestWorkspaceDeleteRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	aliceToken, aliceID := env.signup("alice@example.com", "Alice")
	bobToken, bobID := env.signup("bob@example.com", "Bob")

	status, payload := env.request(http.MethodPost, "/api/workspaces", aliceToken, map[string]any{
		"name": "Shared",
		"members": []any{
			map[string]any{"user": aliceID, "permissionLevel": "admin"},
			map[string]any{"user": bobID, "permissionLevel": "write"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("create workspace: %d (%v)", status, payload)
	}
	workspaceID, _ := payload["id"].(string)

	status, payload = env.request(http.MethodDelete, "/api/workspaces/"+workspaceID, bobToken, nil)
	if status != http.StatusForbidden || errorCode(payload) != "insufficient_permission" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}

func TestWorkspaceUpdateKeepsAdminFloor(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	status, payload := env.request(http.MethodPatch, "/api/workspaces/"+workspaceID, token, map[string]any{
		"members": []any{
			map[string]any{"user": userID, "permissionLevel": "write"},
		},
	})
	if status != http.StatusBadRequest || errorCode(payload) != "validation_error" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}

func TestFindScopingByConjunction(t *testing.T) {
	env := newTestEnv(t)
	aliceToken, _ := env.signup("alice@example.com", "Alice")
	mine := env.createWorkspace(aliceToken, "Mine")

	bobToken, _ := env.signup("bob@example.com", "Bob")
	theirs := env.createWorkspace(bobToken, "Theirs")

	status, payload := env.request(http.MethodPost, "/api/workspaces/"+theirs+"/items", bobToken, map[string]any{
		"url": "https://example.com/secret",
	})
	if status != http.StatusOK {
		t.Fatalf("seed foreign item: %d (%v)", status, payload)
	}

	filter := url.QueryEscape(fmt.Sprintf(`{"workspace":%q}`, theirs))
	status, payload = env.request(http.MethodGet, "/api/workspaces/"+mine+"/items?filter="+filter, aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("scoped find: %d (%v)", status, payload)
	}
	data, _ := payload["data"].([]any)
	if len(data) != 0 {
		t.Fatalf("conflicting filter leaked %d foreign items", len(data))
	}
}

func TestItemTagGate(t *testing.T) {
	env := newTestEnv(t)
	aliceToken, _ := env.signup("alice@example.com", "Alice")
	mine := env.createWorkspace(aliceToken, "Mine")

	bobToken, _ := env.signup("bob@example.com", "Bob")
	theirs := env.createWorkspace(bobToken, "Theirs")
	status, payload := env.createTag(bobToken, theirs, "private")
	if status != http.StatusOK {
		t.Fatalf("seed foreign tag: %d (%v)", status, payload)
	}
	foreignTag, _ := payload["id"].(string)

	status, payload = env.request(http.MethodPost, "/api/workspaces/"+mine+"/items", aliceToken, map[string]any{
		"url":  "https://example.com/post",
		"tags": []any{foreignTag},
	})
	if status != http.StatusForbidden || errorCode(payload) != "insufficient_permission" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}

	persisted, err := env.items.Find(context.Background(), store.Eq{Field: "workspace", Value: mine}, store.FindOptions{})
	if err != nil {
		t.Fatalf("find items: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatal("rejected item write must not persist anything")
	}
}

func TestWorkspaceFindListsOnlyMemberships(t *testing.T) {
	env := newTestEnv(t)
	aliceToken, _ := env.signup("alice@example.com", "Alice")
	mine := env.createWorkspace(aliceToken, "Mine")

	bobToken, _ := env.signup("bob@example.com", "Bob")
	env.createWorkspace(bobToken, "Theirs")

	status, payload := env.request(http.MethodGet, "/api/workspaces", aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("find workspaces: %d", status)
	}
	data, _ := payload["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("got %d workspaces, want 1", len(data))
	}
	first, _ := data[0].(map[string]any)
	if first["id"] != mine {
		t.Errorf("workspace id = %v, want %s", first["id"], mine)
	}
}

func TestUserRoutesAreAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")

	status, payload := env.request(http.MethodGet, "/api/users", token, nil)
	if status != http.StatusForbidden || errorCode(payload) != "insufficient_permission" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}

	adminToken := env.signinAsAdmin("root@example.com")
	status, payload = env.request(http.MethodGet, "/api/users", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("admin list users: %d (%v)", status, payload)
	}
	data, _ := payload["data"].([]any)
	if len(data) != 2 {
		t.Errorf("got %d users, want 2", len(data))
	}
	for _, entry := range data {
		user, _ := entry.(map[string]any)
		if _, leaked := user["passwordHash"]; leaked {
			t.Error("password hash leaked in user listing")
		}
	}
}

// signinAsAdmin seeds an admin user behind the API and signs in.
func (e *testEnv) signinAsAdmin(email string) string {
	e.t.Helper()
	hash, err := creds.Hash("password-123")
	if err != nil {
		e.t.Fatalf("hash: %v", err)
	}
	if _, err := e.users.Create(context.Background(), map[string]any{
		"email":        email,
		"name":         "Root",
		"passwordHash": hash,
		"isAdmin":      true,
	}); err != nil {
		e.t.Fatalf("seed admin: %v", err)
	}
	status, payload := e.request(http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    email,
		"password": "password-123",
	})
	if status != http.StatusOK {
		e.t.Fatalf("admin signin: %d (%v)", status, payload)
	}
	token, _ := payload["token"].(string)
	return token
}

func TestItemAssetsReturnSignedURLs(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")

	status, payload := env.request(http.MethodPost, "/api/workspaces/"+workspaceID+"/items", token, map[string]any{
		"url": "https://example.com/post",
	})
	if status != http.StatusOK {
		t.Fatalf("create item: %d (%v)", status, payload)
	}
	itemID, _ := payload["id"].(string)

	ctx := context.Background()
	if err := env.storage.Put(ctx, "img_test.png", []byte("png-bytes"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := env.items.Update(ctx, itemID, map[string]any{"logo": "img_test.png"}); err != nil {
		t.Fatalf("set logo: %v", err)
	}

	status, payload = env.request(http.MethodGet, "/api/items/"+itemID+"/assets", token, nil)
	if status != http.StatusOK {
		t.Fatalf("assets: %d (%v)", status, payload)
	}
	if payload["logo"] != "memory://img_test.png" {
		t.Errorf("logo = %v", payload["logo"])
	}
	if payload["image"] != nil {
		t.Errorf("image = %v, want null", payload["image"])
	}
}

func TestItemUpdateTouchesTagUsage(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")
	status, payload := env.createTag(token, workspaceID, "reading")
	if status != http.StatusOK {
		t.Fatalf("create tag: %d (%v)", status, payload)
	}
	tagID, _ := payload["id"].(string)

	status, payload = env.request(http.MethodPost, "/api/workspaces/"+workspaceID+"/items", token, map[string]any{
		"url":  "https://example.com/post",
		"tags": []any{tagID},
	})
	if status != http.StatusOK {
		t.Fatalf("create item: %d (%v)", status, payload)
	}
	env.runner.Wait()

	tag, err := env.tags.GetByID(context.Background(), tagID)
	if err != nil || tag == nil {
		t.Fatalf("reload tag: %v", err)
	}
	if _, ok := tag.Fields["lastUsedAt"].(string); !ok {
		t.Error("lastUsedAt not stamped after item write")
	}
}

func TestDeletedResourceReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup("alice@example.com", "Alice")
	workspaceID := env.createWorkspace(token, "Stash")
	status, payload := env.createTag(token, workspaceID, "demo")
	if status != http.StatusOK {
		t.Fatalf("create tag: %d", status)
	}
	tagID, _ := payload["id"].(string)

	if status, _ := env.request(http.MethodDelete, "/api/tags/"+tagID, token, nil); status != http.StatusOK {
		t.Fatalf("delete tag: %d", status)
	}
	status, payload = env.request(http.MethodGet, "/api/tags/"+tagID, token, nil)
	if status != http.StatusNotFound || errorCode(payload) != "not_found" {
		t.Fatalf("status %d code %q", status, errorCode(payload))
	}
}
