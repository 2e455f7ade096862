package schema

import (
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
)

var (
	// ErrDuplicateDescription is returned when a schema node would receive a second description.
	ErrDuplicateDescription = errors.New("schema: description already set")
	// ErrNestedUnion is returned when a union appears anywhere but the root.
	ErrNestedUnion = errors.New("schema: nested unions are not supported")
)

// Compile renders t as a JSON Schema. Nullable types render as their inner
// type; an object re-entered while it is being rendered becomes a $ref into
// the root's $defs ("#" when it is the root itself).
func Compile(t TypeDef) (*jsonschema.Schema, error) {
	c := &compiler{
		active: make(map[*ObjectType]bool),
		names:  make(map[*ObjectType]string),
		used:   make(map[string]bool),
		defs:   make(jsonschema.Definitions),
	}
	if obj, ok := t.(*ObjectType); ok {
		c.root = obj
	}
	s, err := c.compile(t)
	if err != nil {
		return nil, err
	}
	if len(c.defs) > 0 {
		s.Definitions = c.defs
	}
	return s, nil
}

type compiler struct {
	root   *ObjectType
	active map[*ObjectType]bool
	names  map[*ObjectType]string
	used   map[string]bool
	defs   jsonschema.Definitions
}

func (c *compiler) compile(t TypeDef) (*jsonschema.Schema, error) {
	switch v := t.(type) {
	case *Prim:
		return &jsonschema.Schema{Type: v.Kind.JSONType()}, nil
	case *LiteralType:
		return &jsonschema.Schema{Type: "string", Enum: []any{v.Value}}, nil
	case *Enum:
		names := make([]any, len(v.Values))
		for i, ev := range v.Values {
			names[i] = ev.Name
		}
		return &jsonschema.Schema{Type: "string", Enum: names}, nil
	case *Array:
		items, err := c.compile(v.Elem)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Schema{Type: "array", Items: items}, nil
	case *Map:
		values, err := c.compile(v.Value)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Schema{Type: "object", AdditionalProperties: values}, nil
	case *Alias:
		return c.compile(v.Underlying)
	case *Nullable:
		return c.compile(v.Inner)
	case *ObjectType:
		return c.object(v)
	case *UnionType:
		return nil, fmt.Errorf("%w: %s", ErrNestedUnion, v.Name)
	default:
		return nil, fmt.Errorf("schema: unsupported type %T", t)
	}
}

func (c *compiler) object(o *ObjectType) (*jsonschema.Schema, error) {
	if c.active[o] {
		if o == c.root {
			return &jsonschema.Schema{Ref: "#"}, nil
		}
		return &jsonschema.Schema{Ref: "#/$defs/" + c.defName(o)}, nil
	}
	c.active[o] = true
	defer delete(c.active, o)

	s := &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
	required := make([]string, 0, len(o.Fields))
	for _, f := range o.Fields {
		fs, err := c.compile(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", o.Name, f.Name, err)
		}
		if f.Doc != "" {
			if err := describe(fs, f.Doc); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", o.Name, f.Name, err)
			}
		}
		s.Properties.Set(f.Name, fs)
		if _, nullable := f.Type.(*Nullable); !nullable {
			required = append(required, f.Name)
		}
	}
	s.Required = required

	if name, ok := c.names[o]; ok {
		if _, done := c.defs[name]; !done {
			def := *s
			c.defs[name] = &def
		}
	}
	return s, nil
}

// defName assigns o a unique $defs key.
func (c *compiler) defName(o *ObjectType) string {
	if name, ok := c.names[o]; ok {
		return name
	}
	base := o.Name
	if base == "" {
		base = "Object"
	}
	name := base
	for i := 2; c.used[name]; i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	c.used[name] = true
	c.names[o] = name
	return name
}

// describe sets s.Description, refusing to overwrite an existing one.
func describe(s *jsonschema.Schema, doc string) error {
	if s.Description != "" {
		return fmt.Errorf("%w: %q", ErrDuplicateDescription, s.Description)
	}
	s.Description = doc
	return nil
}
