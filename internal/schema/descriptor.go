package schema

import (
	"bytes"
	"encoding/json"
)

type kind int

const (
	kindPrim kind = iota
	kindLiteral
	kindEnum
	kindArray
	kindMap
	kindAlias
	kindObject
	kindUnion
	kindNullable
)

// DefaultDiscriminant and DefaultValueField are the field names of a request
// union's tag and payload.
const (
	DefaultDiscriminant = "type"
	DefaultValueField   = "value"
)

// Descriptor declares a type. Descriptors are built once at startup with the
// constructors in this file; identity matters, since a Walker resolves each
// *Descriptor exactly once.
type Descriptor struct {
	kind     kind
	name     string
	doc      string
	requires string

	prim    PrimKind
	literal string
	values  []EnumValue

	elem *Descriptor // array element, map value, alias target, nullable inner
	key  *Descriptor

	fields []*FieldDescriptor

	members      []*Descriptor
	discriminant string
	valueField   string

	decode func([]byte) (any, error)
	zero   any
}

// FieldDescriptor declares one field of an object.
type FieldDescriptor struct {
	name string
	doc  string
	typ  *Descriptor
}

// Field declares an object field of type d.
func Field(name string, d *Descriptor) *FieldDescriptor {
	return &FieldDescriptor{name: name, typ: d}
}

// Doc sets the field description shown to the model.
func (f *FieldDescriptor) Doc(s string) *FieldDescriptor {
	f.doc = s
	return f
}

func prim(k PrimKind) *Descriptor { return &Descriptor{kind: kindPrim, prim: k} }

func String() *Descriptor { return prim(PrimString) }
func Char() *Descriptor   { return prim(PrimChar) }
func Bool() *Descriptor   { return prim(PrimBool) }
func Byte() *Descriptor   { return prim(PrimByte) }
func Short() *Descriptor  { return prim(PrimShort) }
func Int() *Descriptor    { return prim(PrimInt) }
func Long() *Descriptor   { return prim(PrimLong) }
func Float() *Descriptor  { return prim(PrimFloat) }
func Double() *Descriptor { return prim(PrimDouble) }

// Literal declares a singleton string type.
func Literal(value string) *Descriptor {
	return &Descriptor{kind: kindLiteral, literal: value}
}

// Value declares an enum value.
func Value(name, doc string) EnumValue { return EnumValue{Name: name, Doc: doc} }

func EnumOf(name string, values ...EnumValue) *Descriptor {
	return &Descriptor{kind: kindEnum, name: name, values: values}
}

func ListOf(elem *Descriptor) *Descriptor {
	return &Descriptor{kind: kindArray, elem: elem}
}

func MapOf(key, value *Descriptor) *Descriptor {
	return &Descriptor{kind: kindMap, key: key, elem: value}
}

// AliasOf declares a named wrapper that renders as its target.
func AliasOf(name string, target *Descriptor) *Descriptor {
	return &Descriptor{kind: kindAlias, name: name, elem: target}
}

// Optional marks a type nullable. Nullable fields are left out of the
// required list; their schema is that of the inner type.
func Optional(inner *Descriptor) *Descriptor {
	return &Descriptor{kind: kindNullable, elem: inner}
}

// Object declares a structured type. Use Add to declare fields after
// creation when the object refers to itself.
func Object(name string, fields ...*FieldDescriptor) *Descriptor {
	return &Descriptor{kind: kindObject, name: name, fields: fields}
}

// Variant declares a request union member decoded into T. The JSON field
// names declared here must match T's json tags; unknown fields are rejected.
func Variant[T any](name string, fields ...*FieldDescriptor) *Descriptor {
	var zero T
	d := Object(name, fields...)
	d.zero = zero
	d.decode = func(data []byte) (any, error) {
		var v T
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return d
}

// Union declares a tagged union tagged by "type" with its payload in "value".
func Union(name string, members ...*Descriptor) *Descriptor {
	return &Descriptor{
		kind:         kindUnion,
		name:         name,
		members:      members,
		discriminant: DefaultDiscriminant,
		valueField:   DefaultValueField,
	}
}

// Tagged overrides the tag and payload field names of a union.
func (d *Descriptor) Tagged(discriminant, valueField string) *Descriptor {
	d.discriminant = discriminant
	d.valueField = valueField
	return d
}

// Add appends fields to an object.
func (d *Descriptor) Add(fields ...*FieldDescriptor) *Descriptor {
	d.fields = append(d.fields, fields...)
	return d
}

// Doc sets the type's documentation. On a union member it becomes the
// function description.
func (d *Descriptor) Doc(s string) *Descriptor {
	d.doc = s
	return d
}

// Requires attaches an access requirement to a union member. The string is
// parsed when functions are built.
func (d *Descriptor) Requires(expr string) *Descriptor {
	d.requires = expr
	return d
}

// Name reports the declared type name.
func (d *Descriptor) Name() string { return d.name }
