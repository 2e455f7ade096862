package schema

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned for descriptors with missing parts, such as a
// field without a type.
var ErrIncomplete = errors.New("schema: incomplete descriptor")

// Walker resolves descriptors into TypeDefs. Results are memoized per
// descriptor, so shared types resolve to the same TypeDef and
// self-referential objects terminate.
type Walker struct {
	cache map[*Descriptor]TypeDef
}

func NewWalker() *Walker {
	return &Walker{cache: make(map[*Descriptor]TypeDef)}
}

// Walk resolves d.
func (w *Walker) Walk(d *Descriptor) (TypeDef, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil type", ErrIncomplete)
	}
	if t, ok := w.cache[d]; ok {
		return t, nil
	}

	switch d.kind {
	case kindNullable:
		// Not cached: the nullable wrapper has no identity of its own.
		inner, err := w.Walk(d.elem)
		if err != nil {
			return nil, err
		}
		return &Nullable{Inner: inner}, nil

	case kindObject:
		obj := &ObjectType{Name: d.name, Doc: d.doc}
		// Cached before the fields are walked so cycles find it.
		w.cache[d] = obj
		obj.Fields = make([]ObjectField, 0, len(d.fields))
		for _, f := range d.fields {
			if f == nil {
				return nil, fmt.Errorf("%w: nil field in %s", ErrIncomplete, d.name)
			}
			ft, err := w.Walk(f.typ)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", d.name, f.name, err)
			}
			obj.Fields = append(obj.Fields, ObjectField{Name: f.name, Type: ft, Doc: f.doc})
		}
		return obj, nil
	}

	var t TypeDef
	switch d.kind {
	case kindPrim:
		t = &Prim{Kind: d.prim}
	case kindLiteral:
		t = &LiteralType{Value: d.literal}
	case kindEnum:
		t = &Enum{Name: d.name, Values: append([]EnumValue(nil), d.values...), Doc: d.doc}
	case kindArray:
		elem, err := w.Walk(d.elem)
		if err != nil {
			return nil, err
		}
		t = &Array{Elem: elem}
	case kindMap:
		key, err := w.Walk(d.key)
		if err != nil {
			return nil, err
		}
		val, err := w.Walk(d.elem)
		if err != nil {
			return nil, err
		}
		t = &Map{Key: key, Value: val}
	case kindAlias:
		under, err := w.Walk(d.elem)
		if err != nil {
			return nil, err
		}
		t = &Alias{Name: d.name, Underlying: under, Doc: d.doc}
	case kindUnion:
		names := make([]string, len(d.members))
		for i, m := range d.members {
			if m == nil {
				return nil, fmt.Errorf("%w: nil member in %s", ErrIncomplete, d.name)
			}
			names[i] = m.name
		}
		t = &UnionType{Name: d.name, Members: names, Doc: d.doc}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrIncomplete, d.kind)
	}
	w.cache[d] = t
	return t, nil
}
