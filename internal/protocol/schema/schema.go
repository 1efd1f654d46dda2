package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind is the JSON value kind a required envelope field must carry.
type Kind string

const (
	KindObject Kind = "object"
	KindString Kind = "string"
)

// Requirement is one envelope field a reply must carry when no feature
// schema is given.
type Requirement struct {
	Path []string
	Kind Kind
}

var envelope = []Requirement{
	{[]string{"header"}, KindObject},
	{[]string{"header", "msg_id"}, KindString},
	{[]string{"header", "msg_type"}, KindString},
	{[]string{"content"}, KindObject},
}

// ValidationError names the instance location and constraint that failed.
type ValidationError struct {
	Field      string
	Constraint string
	Reason     string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Constraint, e.Reason)
	}
	return fmt.Sprintf("schema: field=%s %s: %s", e.Field, e.Constraint, e.Reason)
}

// Schema is a compiled expected-response document.
type Schema struct {
	url      string
	compiled *jsonschema.Schema
}

func (s *Schema) URL() string {
	if s == nil {
		return ""
	}
	return s.url
}

// Compile compiles doc, registered under url so relative refs resolve
// next to the fixture file.
func Compile(url string, doc []byte) (*Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("schema: add %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", url, err)
	}
	return &Schema{url: url, compiled: compiled}, nil
}

// Validate checks response (generic JSON values as produced by
// encoding/json) against s. The fixture schema is the only authority when
// present; a nil s checks the envelope requirements instead. Unknown fields
// are ignored.
func Validate(response any, s *Schema) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ValidationError{Constraint: "validator", Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if s == nil || s.compiled == nil {
		for _, req := range envelope {
			if err := checkRequirement(response, req); err != nil {
				log.Debug().Err(err).Msg("schema envelope check failed")
				return err
			}
		}
		return nil
	}
	if verr := s.compiled.Validate(response); verr != nil {
		out := fromSchemaError(verr)
		log.Debug().Str("schema", s.url).Err(out).Msg("schema validation failed")
		return out
	}
	return nil
}

func checkRequirement(response any, req Requirement) error {
	field := strings.Join(req.Path, ".")
	cur := response
	for _, key := range req.Path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ValidationError{Field: field, Constraint: "type", Reason: "parent is not an object"}
		}
		next, found := obj[key]
		if !found {
			return ValidationError{Field: field, Constraint: "required", Reason: "missing required field " + key}
		}
		cur = next
	}
	if kindOf(cur) != req.Kind {
		return ValidationError{
			Field:      field,
			Constraint: "type",
			Reason:     fmt.Sprintf("type mismatch: got %s want %s", kindOf(cur), req.Kind),
		}
	}
	return nil
}

func kindOf(v any) Kind {
	switch v.(type) {
	case map[string]any:
		return KindObject
	case string:
		return KindString
	case nil:
		return "null"
	case bool:
		return "boolean"
	case []any:
		return "array"
	default:
		return "number"
	}
}

// fromSchemaError reduces the jsonschema error tree to its first leaf, which
// carries the concrete constraint (e.g. "missing properties: 'status'").
func fromSchemaError(err error) ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationError{Constraint: "schema", Reason: err.Error()}
	}
	leaf := firstLeaf(ve)
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	return ValidationError{
		Field:      field,
		Constraint: keyword(leaf.KeywordLocation),
		Reason:     leaf.Message,
	}
}

func firstLeaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		causes := append([]*jsonschema.ValidationError(nil), ve.Causes...)
		sort.SliceStable(causes, func(i, j int) bool {
			return causes[i].InstanceLocation < causes[j].InstanceLocation
		})
		ve = causes[0]
	}
	return ve
}

func keyword(location string) string {
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}
