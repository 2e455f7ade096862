// Package schema turns declarative request descriptors into the function
// schemas offered to the model, and decodes the model's arguments back into
// typed requests.
//
// Descriptors are resolved into a neutral TypeDef tree by a Walker, and a
// TypeDef is rendered into JSON Schema by Compile. MakeFunctions runs both
// over a request union and yields one Function per variant.
package schema

// PrimKind enumerates the primitive kinds a descriptor can declare.
type PrimKind int

const (
	PrimString PrimKind = iota
	PrimChar
	PrimBool
	PrimByte
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
)

var primNames = [...]string{
	PrimString: "string",
	PrimChar:   "char",
	PrimBool:   "bool",
	PrimByte:   "byte",
	PrimShort:  "short",
	PrimInt:    "int",
	PrimLong:   "long",
	PrimFloat:  "float",
	PrimDouble: "double",
}

func (k PrimKind) String() string {
	if int(k) < len(primNames) {
		return primNames[k]
	}
	return "unknown"
}

// JSONType is the JSON Schema type a primitive renders as.
func (k PrimKind) JSONType() string {
	switch k {
	case PrimString, PrimChar:
		return "string"
	case PrimBool:
		return "boolean"
	default:
		return "number"
	}
}

// TypeDef is a resolved type. The set of implementations is closed.
type TypeDef interface {
	isTypeDef()
}

type Prim struct {
	Kind PrimKind
}

// LiteralType is a singleton string type.
type LiteralType struct {
	Value string
}

type EnumValue struct {
	Name string
	Doc  string
}

type Enum struct {
	Name   string
	Values []EnumValue
	Doc    string
}

type Array struct {
	Elem TypeDef
}

type Map struct {
	Key   TypeDef
	Value TypeDef
}

// Alias is a named wrapper around another type. It renders as Underlying.
type Alias struct {
	Name       string
	Underlying TypeDef
	Doc        string
}

type ObjectField struct {
	Name string
	Type TypeDef
	Doc  string
}

// ObjectType fields keep declaration order; it drives property order and the
// required list of the rendered schema.
type ObjectType struct {
	Name   string
	Fields []ObjectField
	Doc    string
}

// UnionType is a tagged union. Only member names are kept; members are resolved
// separately when functions are built.
type UnionType struct {
	Name    string
	Members []string
	Doc     string
}

type Nullable struct {
	Inner TypeDef
}

func (*Prim) isTypeDef()        {}
func (*LiteralType) isTypeDef() {}
func (*Enum) isTypeDef()        {}
func (*Array) isTypeDef()       {}
func (*Map) isTypeDef()         {}
func (*Alias) isTypeDef()       {}
func (*ObjectType) isTypeDef()  {}
func (*UnionType) isTypeDef()   {}
func (*Nullable) isTypeDef()    {}
