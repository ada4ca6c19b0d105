// Package query validates untrusted find parameters against
// per-resource schemas and turns them into store predicates. Nothing
// client-shaped passes this boundary unchecked.
package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"stash/api/internal/store"
)

// searchKey is the only non-field key accepted inside a filter object.
const searchKey = "$search"

type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ParamError reports which of the five find parameters failed and why.
type ParamError struct {
	Param  string
	Issues []Issue
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s query (%d issues)", e.Param, len(e.Issues))
}

// Code is the wire-level error code for this parameter.
func (e *ParamError) Code() string {
	return "invalid_" + e.Param + "_query"
}

// FilterSpec describes one filterable field.
type FilterSpec struct {
	Kind store.FieldKind
}

// FindSchema is the per-resource contract for client-supplied find
// parameters.
type FindSchema struct {
	Filter     map[string]FilterSpec
	TextSearch bool
	Populate   []string
	Sort       []string
	Select     []string
	MaxLimit   int
}

// FindQuery is the sanitized result: a closed predicate plus options.
type FindQuery struct {
	Filter store.Predicate
	Opts   store.FindOptions
}

// Parse validates each of filter, populate, sort, select and limit
// independently; the first parameter to fail aborts with its own
// ParamError and the request must not be executed at all.
func (s FindSchema) Parse(values url.Values) (FindQuery, error) {
	out := FindQuery{}

	filter, err := s.parseFilter(values.Get("filter"))
	if err != nil {
		return FindQuery{}, err
	}
	out.Filter = filter

	populate, err := s.parseList("populate", values.Get("populate"), s.Populate)
	if err != nil {
		return FindQuery{}, err
	}
	out.Opts.Populate = populate

	sorts, err := s.parseSort(values.Get("sort"))
	if err != nil {
		return FindQuery{}, err
	}
	out.Opts.Sort = sorts

	selected, err := s.parseList("select", values.Get("select"), s.Select)
	if err != nil {
		return FindQuery{}, err
	}
	out.Opts.Select = selected

	limit, err := s.parseLimit(values.Get("limit"))
	if err != nil {
		return FindQuery{}, err
	}
	out.Opts.Limit = limit

	out.Opts.Lean = values.Get("lean") == "true"
	return out, nil
}

func (s FindSchema) parseFilter(raw string) (store.Predicate, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, &ParamError{Param: "filter", Issues: []Issue{{Path: "filter", Message: "must be a JSON object"}}}
	}

	var issues []Issue
	var preds []store.Predicate
	for field, value := range body {
		if field == searchKey {
			text, ok := value.(string)
			if !ok || !s.TextSearch {
				issues = append(issues, Issue{Path: field, Message: "text search is not supported here"})
				continue
			}
			preds = append(preds, store.Text{Query: text})
			continue
		}
		spec, allowed := s.Filter[field]
		if !allowed {
			issues = append(issues, Issue{Path: field, Message: "field is not filterable"})
			continue
		}
		pred, issue := buildFieldPredicate(field, spec, value)
		if issue != nil {
			issues = append(issues, *issue)
			continue
		}
		preds = append(preds, pred)
	}
	if len(issues) > 0 {
		return nil, &ParamError{Param: "filter", Issues: issues}
	}
	return store.AndOf(preds...), nil
}

func buildFieldPredicate(field string, spec FilterSpec, value any) (store.Predicate, *Issue) {
	if obj, ok := value.(map[string]any); ok {
		rawIn, hasIn := obj["in"]
		if !hasIn || len(obj) != 1 {
			return nil, &Issue{Path: field, Message: `only the "in" operator is supported`}
		}
		list, ok := rawIn.([]any)
		if !ok {
			return nil, &Issue{Path: field, Message: `"in" must be a list`}
		}
		for i, entry := range list {
			if issue := checkScalar(fmt.Sprintf("%s.in[%d]", field, i), spec.Kind, entry); issue != nil {
				return nil, issue
			}
		}
		return store.In{Field: field, Values: list}, nil
	}

	if issue := checkScalar(field, spec.Kind, value); issue != nil {
		return nil, issue
	}
	// A scalar against a list field means containment.
	if spec.Kind == store.KindList {
		return store.In{Field: field, Values: []any{value}}, nil
	}
	return store.Eq{Field: field, Value: value}, nil
}

// checkScalar validates a single filter value. List fields filter by
// their element values, which are ids, hence strings.
func checkScalar(path string, kind store.FieldKind, value any) *Issue {
	switch kind {
	case store.KindString, store.KindList:
		if _, ok := value.(string); !ok {
			return &Issue{Path: path, Message: "must be a string"}
		}
	case store.KindBool:
		if _, ok := value.(bool); !ok {
			return &Issue{Path: path, Message: "must be a boolean"}
		}
	case store.KindNumber:
		if _, ok := value.(float64); !ok {
			return &Issue{Path: path, Message: "must be a number"}
		}
	default:
		return &Issue{Path: path, Message: "field is not filterable"}
	}
	return nil
}

func (s FindSchema) parseList(param, raw string, allowed []string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var issues []Issue
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		name := strings.TrimSpace(entry)
		if name == "" {
			continue
		}
		if !contains(allowed, name) {
			issues = append(issues, Issue{Path: name, Message: "field is not allowed"})
			continue
		}
		out = append(out, name)
	}
	if len(issues) > 0 {
		return nil, &ParamError{Param: param, Issues: issues}
	}
	return out, nil
}

func (s FindSchema) parseSort(raw string) ([]store.SortField, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var issues []Issue
	var out []store.SortField
	for _, entry := range strings.Split(raw, ",") {
		name := strings.TrimSpace(entry)
		if name == "" {
			continue
		}
		desc := strings.HasPrefix(name, "-")
		name = strings.TrimPrefix(name, "-")
		if !contains(s.Sort, name) {
			issues = append(issues, Issue{Path: name, Message: "field is not sortable"})
			continue
		}
		out = append(out, store.SortField{Field: name, Desc: desc})
	}
	if len(issues) > 0 {
		return nil, &ParamError{Param: "sort", Issues: issues}
	}
	return out, nil
}

func (s FindSchema) parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return 0, &ParamError{Param: "limit", Issues: []Issue{{Path: "limit", Message: "must be a positive integer"}}}
	}
	if s.MaxLimit > 0 && parsed > s.MaxLimit {
		return 0, &ParamError{Param: "limit", Issues: []Issue{{Path: "limit", Message: fmt.Sprintf("must not exceed %d", s.MaxLimit)}}}
	}
	return parsed, nil
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
