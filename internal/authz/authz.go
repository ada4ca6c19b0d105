// Package authz is the single source of truth for "can user U perform
// action A on workspace or resource R". Tag and item checks resolve to
// the owning workspace, so the member scan exists exactly once.
package authz

import (
	"context"

	"stash/api/internal/engine"
	"stash/api/internal/rbac"
)

type Authority struct {
	workspaces *engine.Engine
	tags       *engine.Engine
	items      *engine.Engine
}

func New(workspaces, tags, items *engine.Engine) *Authority {
	return &Authority{workspaces: workspaces, tags: tags, items: items}
}

// HasWorkspacePermission reports whether the user holds at least the
// given level on the workspace. A missing workspace or a non-member is
// false, never an error.
func (a *Authority) HasWorkspacePermission(ctx context.Context, workspaceID, userID string, level rbac.Level) (bool, error) {
	workspace, err := a.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	if workspace == nil {
		return false, nil
	}
	members, _ := workspace.Fields["members"].([]any)
	for _, entry := range members {
		member, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if member["user"] != userID {
			continue
		}
		held, _ := member["permissionLevel"].(string)
		return rbac.Can(rbac.Level(held), level), nil
	}
	return false, nil
}

// HasTagPermission resolves a tag to its workspace and checks there.
func (a *Authority) HasTagPermission(ctx context.Context, tagID, userID string, level rbac.Level) (bool, error) {
	tag, err := a.tags.GetByID(ctx, tagID)
	if err != nil {
		return false, err
	}
	if tag == nil {
		return false, nil
	}
	workspaceID, _ := tag.Fields["workspace"].(string)
	return a.HasWorkspacePermission(ctx, workspaceID, userID, level)
}

// HasItemPermission resolves an item to its workspace and checks there.
func (a *Authority) HasItemPermission(ctx context.Context, itemID, userID string, level rbac.Level) (bool, error) {
	item, err := a.items.GetByID(ctx, itemID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	workspaceID, _ := item.Fields["workspace"].(string)
	return a.HasWorkspacePermission(ctx, workspaceID, userID, level)
}

// CanReadTags is the tag-permission gate for item writes: the caller
// needs at least read on every referenced tag, or the whole write is
// rejected. Partial tag association is never allowed.
func (a *Authority) CanReadTags(ctx context.Context, tagIDs []string, userID string) (bool, error) {
	for _, tagID := range tagIDs {
		ok, err := a.HasTagPermission(ctx, tagID, userID, rbac.LevelRead)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
