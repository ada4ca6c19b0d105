// Package app is the request-facing layer: it authorizes and
// sanitizes every inbound operation, maps domain errors to wire
// responses, and delegates the rest to the engines below.
package app

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"go.uber.org/zap"

	"stash/api/internal/auth"
	"stash/api/internal/authz"
	"stash/api/internal/blob"
	"stash/api/internal/creds"
	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/meta"
	"stash/api/internal/query"
	"stash/api/internal/rbac"
	"stash/api/internal/search"
	"stash/api/internal/session"
	"stash/api/internal/store"
	"stash/api/internal/tasks"
	"stash/api/internal/util"
)

// cascadeLimit bounds how many children one workspace delete sweeps.
const cascadeLimit = 10000

// Pinger is implemented by backends the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the composition root wires in. Sessions,
// Storage, Pipeline, Runner, Search and DB may be nil; the service
// degrades the matching feature instead of failing.
type Deps struct {
	Users      *engine.Engine
	Workspaces *engine.Engine
	Tags       *engine.Engine
	Items      *engine.Engine
	Authority  *authz.Authority
	Sessions   *session.RedisStore
	Storage    blob.Storage
	Pipeline   *meta.Pipeline
	Runner     *tasks.Runner
	Search     *search.Service
	DB         Pinger
	JWTSecret  []byte
	AccessTTL  time.Duration
	Log        logger.Logger
}

type Service struct {
	routes    map[string]*resourceRoute
	users     *engine.Engine
	tags      *engine.Engine
	items     *engine.Engine
	authority *authz.Authority
	sessions  *session.RedisStore
	storage   blob.Storage
	pipeline  *meta.Pipeline
	runner    *tasks.Runner
	search    *search.Service
	db        Pinger
	secret    []byte
	accessTTL time.Duration
	log       logger.Logger
}

func NewService(deps Deps) *Service {
	accessTTL := deps.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	return &Service{
		routes: map[string]*resourceRoute{
			store.TypeUser:      userRoute(deps.Users),
			store.TypeWorkspace: workspaceRoute(deps.Workspaces),
			store.TypeTag:       tagRoute(deps.Tags),
			store.TypeItem:      itemRoute(deps.Items),
		},
		users:     deps.Users,
		tags:      deps.Tags,
		items:     deps.Items,
		authority: deps.Authority,
		sessions:  deps.Sessions,
		storage:   deps.Storage,
		pipeline:  deps.Pipeline,
		runner:    deps.Runner,
		search:    deps.Search,
		db:        deps.DB,
		secret:    deps.JWTSecret,
		accessTTL: accessTTL,
		log:       deps.Log,
	}
}

func (s *Service) route(resourceType string) *resourceRoute {
	return s.routes[resourceType]
}

// Ping checks the primary store.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

// ReadyChecks probes each backend for the readiness endpoint.
func (s *Service) ReadyChecks(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			ready = false
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["database"] = map[string]any{"status": "ok"}
		}
	}
	if s.sessions != nil {
		if err := s.sessions.Ping(ctx); err != nil {
			ready = false
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	return ready, checks
}

// --- Authentication ---

type AuthResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	IsAdmin   bool   `json:"isAdmin"`
}

func (s *Service) SignUp(ctx context.Context, email, password, name string) (AuthResult, error) {
	hash, err := creds.Hash(password)
	if err != nil {
		return AuthResult{}, domainError(http.StatusBadRequest, codeValidation, "Validation failed",
			map[string]string{"password": err.Error()})
	}
	user, err := s.users.Create(ctx, map[string]any{
		"email":        email,
		"name":         name,
		"passwordHash": hash,
		"isAdmin":      false,
	})
	if err != nil {
		return AuthResult{}, err
	}
	return s.startSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (AuthResult, error) {
	matches, err := s.users.Find(ctx, store.Eq{Field: "email", Value: email}, store.FindOptions{Limit: 1})
	if err != nil {
		return AuthResult{}, err
	}
	if len(matches) == 0 {
		return AuthResult{}, domainError(http.StatusUnauthorized, codeUnauthorized, "Invalid email or password", nil)
	}
	user := matches[0]
	hash, _ := user.Fields["passwordHash"].(string)
	if !creds.Verify(hash, password) {
		return AuthResult{}, domainError(http.StatusUnauthorized, codeUnauthorized, "Invalid email or password", nil)
	}
	return s.startSession(ctx, user)
}

func (s *Service) startSession(ctx context.Context, user store.Resource) (AuthResult, error) {
	isAdmin, _ := user.Fields["isAdmin"].(bool)
	expiresAt := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:     user.ID,
		IsAdmin: isAdmin,
		JTI:     util.NewID(""),
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return AuthResult{}, err
	}
	if s.sessions != nil {
		identity := session.Identity{UserID: user.ID, IsAdmin: isAdmin}
		if err := s.sessions.Save(ctx, auth.HashToken(token), identity, expiresAt); err != nil {
			return AuthResult{}, err
		}
	}
	name, _ := user.Fields["name"].(string)
	return AuthResult{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		UserID:    user.ID,
		UserName:  name,
		IsAdmin:   isAdmin,
	}, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(token))
}

// IdentityFromToken validates the token signature and, when a session
// store is wired, requires the session to still exist (revocation).
func (s *Service) IdentityFromToken(ctx context.Context, token string) (session.Identity, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return session.Identity{}, err
	}
	if s.sessions != nil {
		return s.sessions.Lookup(ctx, auth.HashToken(token))
	}
	return session.Identity{UserID: claims.Sub, IsAdmin: claims.IsAdmin}, nil
}

// --- CRUD with authorization and sanitization ---

// FindResources sanitizes the client query, then combines the
// authorization predicate with the caller's filter by conjunction. A
// conflicting caller filter yields no matches, never a wider scope.
func (s *Service) FindResources(ctx context.Context, ident session.Identity, resourceType, workspaceID string, params url.Values) ([]store.Resource, error) {
	route := s.route(resourceType)
	fq, err := route.find.Parse(params)
	if err != nil {
		return nil, err
	}

	switch route.mode {
	case ModeUser:
		return s.findMemberships(ctx, ident, route, fq)

	case ModeWorkspace:
		if workspaceID == "" {
			return nil, errPermission()
		}
		ok, err := s.authority.HasWorkspacePermission(ctx, workspaceID, ident.UserID, rbac.LevelRead)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errPermission()
		}
		filter := store.AndOf(store.Eq{Field: "workspace", Value: workspaceID}, fq.Filter)
		return route.engine.Find(ctx, filter, fq.Opts)

	default:
		return route.engine.Find(ctx, fq.Filter, fq.Opts)
	}
}

// findMemberships walks the store page by page until the caller's limit
// of workspaces they are a member of is filled. The membership check is
// a Go-side scan over the members list, so rows the caller cannot see
// must not consume the limit.
func (s *Service) findMemberships(ctx context.Context, ident session.Identity, route *resourceRoute, fq query.FindQuery) ([]store.Resource, error) {
	limit := fq.Opts.Limit
	if limit <= 0 {
		limit = engine.DefaultLimit
	}
	opts := fq.Opts
	opts.Limit = limit

	visible := make([]store.Resource, 0, limit)
	for skip := 0; len(visible) < limit; skip += opts.Limit {
		opts.Skip = skip
		page, err := route.engine.Find(ctx, fq.Filter, opts)
		if err != nil {
			return nil, err
		}
		for _, resource := range page {
			if memberOf(resource, ident.UserID) {
				visible = append(visible, resource)
				if len(visible) == limit {
					break
				}
			}
		}
		if len(page) < opts.Limit {
			break
		}
	}
	return visible, nil
}

func (s *Service) CreateResource(ctx context.Context, ident session.Identity, resourceType, workspaceID string, body map[string]any) (store.Resource, error) {
	route := s.route(resourceType)

	switch route.mode {
	case ModeUser:
		// Workspace creation is open to any authenticated user; the
		// creator becomes the admin member unless members are given.
		if _, present := body["members"]; !present {
			body["members"] = []any{
				map[string]any{"user": ident.UserID, "permissionLevel": string(rbac.LevelAdmin)},
			}
		}

	case ModeWorkspace:
		target, _ := body["workspace"].(string)
		if target == "" {
			target = workspaceID
			body["workspace"] = target
		}
		if target == "" {
			return store.Resource{}, errPermission()
		}
		ok, err := s.authority.HasWorkspacePermission(ctx, target, ident.UserID, rbac.LevelWrite)
		if err != nil {
			return store.Resource{}, err
		}
		if !ok {
			return store.Resource{}, errPermission()
		}
		if resourceType == store.TypeItem {
			if err := s.checkTagGate(ctx, ident, body["tags"]); err != nil {
				return store.Resource{}, err
			}
		}
	}

	resource, err := route.engine.Create(ctx, body)
	if err != nil {
		return store.Resource{}, err
	}
	if resourceType == store.TypeItem {
		s.afterItemWrite(resource)
	}
	return resource, nil
}

func (s *Service) UpdateResource(ctx context.Context, ident session.Identity, resourceType, id string, partial map[string]any) (store.Resource, error) {
	route := s.route(resourceType)
	current, err := s.loadAuthorized(ctx, ident, route, id, rbac.LevelWrite)
	if err != nil {
		return store.Resource{}, err
	}

	if route.mode == ModeWorkspace {
		// Moving a resource needs write on the destination workspace too.
		if target, ok := partial["workspace"].(string); ok && target != current.Fields["workspace"] {
			allowed, err := s.authority.HasWorkspacePermission(ctx, target, ident.UserID, rbac.LevelWrite)
			if err != nil {
				return store.Resource{}, err
			}
			if !allowed {
				return store.Resource{}, errPermission()
			}
		}
		if resourceType == store.TypeItem {
			if _, present := partial["tags"]; present {
				if err := s.checkTagGate(ctx, ident, partial["tags"]); err != nil {
					return store.Resource{}, err
				}
			}
		}
	}

	resource, err := route.engine.Update(ctx, id, partial)
	if err != nil {
		return store.Resource{}, err
	}
	if resourceType == store.TypeItem {
		s.afterItemWrite(resource)
	}
	return resource, nil
}

func (s *Service) DeleteResource(ctx context.Context, ident session.Identity, resourceType, id string) error {
	route := s.route(resourceType)

	level := rbac.LevelWrite
	if resourceType == store.TypeWorkspace {
		// Removing the whole workspace is reserved for its admins.
		level = rbac.LevelAdmin
	}
	if _, err := s.loadAuthorized(ctx, ident, route, id, level); err != nil {
		return err
	}

	if resourceType == store.TypeWorkspace {
		if err := s.cascadeDelete(ctx, id); err != nil {
			return err
		}
	}
	if err := route.engine.Del(ctx, id); err != nil {
		return err
	}
	if resourceType == store.TypeItem && s.search != nil {
		s.search.DeleteItem(id)
	}
	return nil
}

func (s *Service) GetResource(ctx context.Context, ident session.Identity, resourceType, id string) (store.Resource, error) {
	route := s.route(resourceType)
	resource, err := s.loadAuthorized(ctx, ident, route, id, rbac.LevelRead)
	if err != nil {
		return store.Resource{}, err
	}
	return *resource, nil
}

// loadAuthorized fetches the resource and checks the caller's level on
// its owning workspace. Missing resources are a 404; the permission
// answer never leaks whether an id exists elsewhere.
func (s *Service) loadAuthorized(ctx context.Context, ident session.Identity, route *resourceRoute, id string, level rbac.Level) (*store.Resource, error) {
	resource, err := route.engine.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, errNotFound()
	}
	if route.mode == ModeNone {
		return resource, nil
	}

	workspaceID := id
	if route.mode == ModeWorkspace {
		workspaceID, _ = resource.Fields["workspace"].(string)
	}
	ok, err := s.authority.HasWorkspacePermission(ctx, workspaceID, ident.UserID, level)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPermission()
	}
	return resource, nil
}

// checkTagGate requires read on every referenced tag; one failure
// rejects the whole write.
func (s *Service) checkTagGate(ctx context.Context, ident session.Identity, rawTags any) error {
	tagIDs := stringList(rawTags)
	if len(tagIDs) == 0 {
		return nil
	}
	ok, err := s.authority.CanReadTags(ctx, tagIDs, ident.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errPermission()
	}
	return nil
}

// cascadeDelete removes a workspace's items, then its tags. The
// sequence is not transactional; a crash mid-way can orphan children.
func (s *Service) cascadeDelete(ctx context.Context, workspaceID string) error {
	scope := store.Eq{Field: "workspace", Value: workspaceID}
	opts := store.FindOptions{Limit: cascadeLimit, Lean: true}

	items, err := s.items.Find(ctx, scope, opts)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.items.Del(ctx, item.ID); err != nil {
			return err
		}
		if s.search != nil {
			s.search.DeleteItem(item.ID)
		}
	}

	tags, err := s.tags.Find(ctx, scope, opts)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := s.tags.Del(ctx, tag.ID); err != nil {
			return err
		}
	}
	return nil
}

// afterItemWrite starts the detached enrichment work for an item
// write. The caller's response never waits on any of it.
func (s *Service) afterItemWrite(item store.Resource) {
	if s.search != nil {
		s.search.IndexItem(item)
	}
	if s.runner == nil {
		return
	}
	if s.pipeline != nil {
		itemID := item.ID
		s.runner.Spawn("metadata_"+itemID, func(ctx context.Context) error {
			return s.pipeline.Run(ctx, itemID)
		})
	}
	if tagIDs := stringList(item.Fields["tags"]); len(tagIDs) > 0 {
		s.runner.Spawn("touch_tags_"+item.ID, func(ctx context.Context) error {
			s.touchTags(ctx, tagIDs)
			return nil
		})
	}
}

// touchTags stamps lastUsedAt on tags referenced by a fresh item
// write. Best effort.
func (s *Service) touchTags(ctx context.Context, tagIDs []string) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, tagID := range tagIDs {
		if _, err := s.tags.Update(ctx, tagID, map[string]any{"lastUsedAt": now}); err != nil {
			s.log.Warn("tag_touch_failed", zap.String("tag", tagID), zap.Error(err))
		}
	}
}

// --- Item assets and metadata ---

// ItemAssets returns time-limited read URLs for the item's stored
// images. Roles without a stored asset come back null.
func (s *Service) ItemAssets(ctx context.Context, ident session.Identity, itemID string) (map[string]any, error) {
	item, err := s.loadAuthorized(ctx, ident, s.route(store.TypeItem), itemID, rbac.LevelRead)
	if err != nil {
		return nil, err
	}

	assets := map[string]any{"logo": nil, "image": nil}
	if s.storage == nil {
		return assets, nil
	}
	for _, role := range []string{"logo", "image"} {
		key, ok := item.Fields[role].(string)
		if !ok || key == "" {
			continue
		}
		signed, err := s.storage.SignedReadURL(ctx, key)
		if err != nil {
			return nil, err
		}
		assets[role] = signed
	}
	return assets, nil
}

// TriggerMetadata re-runs the extraction pipeline for one item,
// detached. Concurrent runs are not serialized; last writer wins.
func (s *Service) TriggerMetadata(ctx context.Context, ident session.Identity, itemID string) error {
	if _, err := s.loadAuthorized(ctx, ident, s.route(store.TypeItem), itemID, rbac.LevelWrite); err != nil {
		return err
	}
	if s.runner == nil || s.pipeline == nil {
		return domainError(http.StatusServiceUnavailable, codeInternal, "Metadata pipeline not configured", nil)
	}
	s.runner.Spawn("metadata_"+itemID, func(ctx context.Context) error {
		return s.pipeline.Run(ctx, itemID)
	})
	return nil
}

// MetadataPreview fetches title/description synchronously for form
// previews.
func (s *Service) MetadataPreview(ctx context.Context, pageURL string) (meta.BasicMetadata, error) {
	if s.pipeline == nil {
		return meta.BasicMetadata{}, domainError(http.StatusServiceUnavailable, codeInternal, "Metadata pipeline not configured", nil)
	}
	basic, err := s.pipeline.Preview(ctx, pageURL)
	if err != nil {
		return meta.BasicMetadata{}, domainError(http.StatusBadRequest, codeValidation, "Validation failed",
			map[string]string{"url": "page could not be fetched"})
	}
	return basic, nil
}

// SearchItems runs a text search scoped to the caller's workspaces.
func (s *Service) SearchItems(ctx context.Context, ident session.Identity, text, workspaceID string, limit int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Record{}, Query: text}, nil
	}
	workspaceIDs, err := s.visibleWorkspaceIDs(ctx, ident)
	if err != nil {
		return search.Response{}, err
	}
	if workspaceID != "" {
		if !slices.Contains(workspaceIDs, workspaceID) {
			return search.Response{}, errPermission()
		}
		workspaceIDs = []string{workspaceID}
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		Workspaces: workspaceIDs,
		Limit:      limit,
	}), nil
}

func (s *Service) visibleWorkspaceIDs(ctx context.Context, ident session.Identity) ([]string, error) {
	workspaces, err := s.routes[store.TypeWorkspace].engine.Find(ctx, nil, store.FindOptions{Limit: cascadeLimit, Lean: true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(workspaces))
	for _, workspace := range workspaces {
		if memberOf(workspace, ident.UserID) {
			ids = append(ids, workspace.ID)
		}
	}
	return ids, nil
}

func memberOf(workspace store.Resource, userID string) bool {
	members, _ := workspace.Fields["members"].([]any)
	for _, entry := range members {
		member, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if member["user"] == userID {
			return true
		}
	}
	return false
}

func stringList(value any) []string {
	raw, _ := value.([]any)
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if id, ok := entry.(string); ok {
			out = append(out, id)
		}
	}
	return out
}
