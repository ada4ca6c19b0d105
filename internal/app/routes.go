package app

import (
	"stash/api/internal/engine"
	"stash/api/internal/query"
	"stash/api/internal/store"
)

// PermissionMode selects how a resource route is authorized.
type PermissionMode int

const (
	// ModeNone adds no authorization predicate; the transport gates the
	// route separately (admin-only user management).
	ModeNone PermissionMode = iota
	// ModeUser scopes finds to workspaces the caller is a member of and
	// delegates id-targeted mutations to the resource's own check.
	ModeUser
	// ModeWorkspace scopes finds to the workspace named in the path and
	// requires write on the target workspace for creates.
	ModeWorkspace
)

// resourceRoute binds one resource type to its engine, its
// authorization mode, and the only client-supplied find shapes it
// accepts.
type resourceRoute struct {
	engine *engine.Engine
	mode   PermissionMode
	find   query.FindSchema
}

func userRoute(users *engine.Engine) *resourceRoute {
	return &resourceRoute{
		engine: users,
		mode:   ModeNone,
		find: query.FindSchema{
			Filter: map[string]query.FilterSpec{
				"email":   {Kind: store.KindString},
				"name":    {Kind: store.KindString},
				"isAdmin": {Kind: store.KindBool},
			},
			TextSearch: true,
			Sort:       []string{"email", "name"},
			Select:     []string{"email", "name", "isAdmin"},
			MaxLimit:   200,
		},
	}
}

func workspaceRoute(workspaces *engine.Engine) *resourceRoute {
	return &resourceRoute{
		engine: workspaces,
		mode:   ModeUser,
		find: query.FindSchema{
			Filter: map[string]query.FilterSpec{
				"name": {Kind: store.KindString},
			},
			TextSearch: true,
			Sort:       []string{"name"},
			Select:     []string{"name", "members"},
			MaxLimit:   200,
		},
	}
}

func tagRoute(tags *engine.Engine) *resourceRoute {
	return &resourceRoute{
		engine: tags,
		mode:   ModeWorkspace,
		find: query.FindSchema{
			Filter: map[string]query.FilterSpec{
				"name":      {Kind: store.KindString},
				"workspace": {Kind: store.KindString},
			},
			TextSearch: true,
			Populate:   []string{"workspace"},
			Sort:       []string{"name", "lastUsedAt"},
			Select:     []string{"name", "firstColor", "secondColor", "workspace", "lastUsedAt"},
			MaxLimit:   500,
		},
	}
}

func itemRoute(items *engine.Engine) *resourceRoute {
	return &resourceRoute{
		engine: items,
		mode:   ModeWorkspace,
		find: query.FindSchema{
			Filter: map[string]query.FilterSpec{
				"url":       {Kind: store.KindString},
				"name":      {Kind: store.KindString},
				"tags":      {Kind: store.KindList},
				"workspace": {Kind: store.KindString},
				"pinned":    {Kind: store.KindBool},
			},
			TextSearch: true,
			Populate:   []string{"tags", "workspace"},
			Sort:       []string{"name", "url", "pinned"},
			Select:     []string{"url", "name", "description", "tags", "workspace", "pinned", "logo", "image"},
			MaxLimit:   500,
		},
	}
}
