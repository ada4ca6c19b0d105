package store

import (
	"fmt"
	"net/url"
	"regexp"

	"stash/api/internal/rbac"
)

// Resource type tags.
const (
	TypeUser      = "user"
	TypeWorkspace = "workspace"
	TypeTag       = "tag"
	TypeItem      = "item"
)

var (
	emailPattern   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	tagNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	hexColor       = regexp.MustCompile(`^[0-9a-f]{6}$`)
)

func UserSchema() *Schema {
	return &Schema{
		Type: TypeUser,
		Fields: map[string]FieldSpec{
			"email":        {Kind: KindString, Required: true, Unique: true, Lowercase: true, Pattern: emailPattern},
			"name":         {Kind: KindString, Required: true},
			"passwordHash": {Kind: KindString},
			"isAdmin":      {Kind: KindBool},
		},
		TextFields: []string{"email", "name"},
	}
}

func WorkspaceSchema() *Schema {
	return &Schema{
		Type: TypeWorkspace,
		Fields: map[string]FieldSpec{
			"name":    {Kind: KindString, Required: true},
			"members": {Kind: KindList, Required: true},
		},
		TextFields:  []string{"name"},
		DocValidate: validateMembers,
	}
}

// validateMembers enforces the two workspace invariants: no duplicate
// member users, and at least one admin so the workspace cannot lock
// itself out.
func validateMembers(fields map[string]any) map[string]string {
	raw, _ := fields["members"].([]any)
	seen := make(map[string]bool, len(raw))
	admins := 0
	for i, entry := range raw {
		member, ok := entry.(map[string]any)
		if !ok {
			return map[string]string{"members": fmt.Sprintf("member %d must be an object", i)}
		}
		user, _ := member["user"].(string)
		if user == "" {
			return map[string]string{"members": fmt.Sprintf("member %d is missing a user reference", i)}
		}
		level, _ := member["permissionLevel"].(string)
		if !rbac.Valid(level) {
			return map[string]string{"members": fmt.Sprintf("member %d has unknown permission level %q", i, level)}
		}
		if seen[user] {
			return map[string]string{"members": fmt.Sprintf("duplicate member user %s", user)}
		}
		seen[user] = true
		if rbac.Level(level) == rbac.LevelAdmin {
			admins++
		}
	}
	if admins == 0 {
		return map[string]string{"members": "at least one member must hold admin"}
	}
	return nil
}

func TagSchema() *Schema {
	return &Schema{
		Type: TypeTag,
		Fields: map[string]FieldSpec{
			"name":        {Kind: KindString, Required: true, Unique: true, Lowercase: true, Pattern: tagNamePattern},
			"firstColor":  {Kind: KindString, Required: true, Lowercase: true, Pattern: hexColor},
			"secondColor": {Kind: KindString, Required: true, Lowercase: true, Pattern: hexColor},
			"workspace":   {Kind: KindString, Required: true, Ref: TypeWorkspace},
			"lastUsedAt":  {Kind: KindString},
		},
		TextFields: []string{"name"},
	}
}

func ItemSchema() *Schema {
	return &Schema{
		Type: TypeItem,
		Fields: map[string]FieldSpec{
			"url":         {Kind: KindString, Required: true, Lowercase: true, Validate: validateURL},
			"name":        {Kind: KindString},
			"description": {Kind: KindString},
			"tags":        {Kind: KindList, Ref: TypeTag, Validate: validateStringList},
			"workspace":   {Kind: KindString, Required: true, Ref: TypeWorkspace},
			"pinned":      {Kind: KindBool},
			"logo":        {Kind: KindString},
			"image":       {Kind: KindString},
		},
		TextFields: []string{"name", "description", "url"},
	}
}

func validateURL(value any) string {
	raw, _ := value.(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "must be a well-formed http(s) URL"
	}
	return ""
}

func validateStringList(value any) string {
	list, _ := value.([]any)
	for i, entry := range list {
		if _, ok := entry.(string); !ok {
			return fmt.Sprintf("entry %d must be a string id", i)
		}
	}
	return ""
}
