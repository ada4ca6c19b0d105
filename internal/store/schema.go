package store

import (
	"encoding/json"
	"fmt"
	"regexp"
)

type FieldKind int

const (
	KindString FieldKind = iota
	KindBool
	KindNumber
	KindList
	KindMap
)

// FieldSpec constrains a single document field.
type FieldSpec struct {
	Kind      FieldKind
	Required  bool
	Unique    bool
	Lowercase bool
	Pattern   *regexp.Regexp
	Ref       string                 // resource type this field (or its elements) references
	Validate  func(value any) string // custom validator, returns a message or ""
}

// Schema constrains one resource type. DocValidate sees the whole field
// map after per-field checks pass, for cross-field rules.
type Schema struct {
	Type        string
	Fields      map[string]FieldSpec
	TextFields  []string
	DocValidate func(fields map[string]any) map[string]string
}

// Normalize applies lowercase rules and drops unknown fields. It returns
// a cleaned copy; the input is not mutated.
func (s *Schema) Normalize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		spec, known := s.Fields[name]
		if !known {
			continue
		}
		if spec.Lowercase {
			if str, ok := value.(string); ok {
				value = lowerASCII(str)
			}
		}
		out[name] = cloneValue(value)
	}
	return out
}

// Check validates a full field map, returning *ValidationError on the
// first complete pass over all fields (all messages are collected).
func (s *Schema) Check(fields map[string]any) error {
	issues := make(map[string]string)
	for name, spec := range s.Fields {
		value, present := fields[name]
		if !present || value == nil {
			if spec.Required {
				issues[name] = "is required"
			}
			continue
		}
		if msg := checkKind(spec.Kind, value); msg != "" {
			issues[name] = msg
			continue
		}
		if spec.Pattern != nil {
			if str, ok := value.(string); ok && !spec.Pattern.MatchString(str) {
				issues[name] = fmt.Sprintf("must match %s", spec.Pattern.String())
				continue
			}
		}
		if spec.Validate != nil {
			if msg := spec.Validate(value); msg != "" {
				issues[name] = msg
			}
		}
	}
	if len(issues) == 0 && s.DocValidate != nil {
		for name, msg := range s.DocValidate(fields) {
			issues[name] = msg
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Fields: issues}
	}
	return nil
}

func checkKind(kind FieldKind, value any) string {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case KindNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return "must be a number"
		}
	case KindList:
		if _, ok := value.([]any); !ok {
			return "must be a list"
		}
	case KindMap:
		if _, ok := value.(map[string]any); !ok {
			return "must be an object"
		}
	}
	return ""
}

// UniqueFields lists the fields carrying a uniqueness constraint.
func (s *Schema) UniqueFields() []string {
	var out []string
	for name, spec := range s.Fields {
		if spec.Unique {
			out = append(out, name)
		}
	}
	return out
}

// RefTarget returns the referenced resource type for a populatable field.
func (s *Schema) RefTarget(field string) (string, bool) {
	spec, ok := s.Fields[field]
	if !ok || spec.Ref == "" {
		return "", false
	}
	return spec.Ref, true
}

func lowerASCII(s string) string {
	buf := []byte(s)
	for i, c := range buf {
		if c >= 'A' && c <= 'Z' {
			buf[i] = c + 'a' - 'A'
		}
	}
	return string(buf)
}

// jsonNormalize round-trips a value through JSON so adapters hold the
// same shapes the HTTP layer decodes (numbers as float64, maps as
// map[string]any).
func jsonNormalize(fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	return out, nil
}
