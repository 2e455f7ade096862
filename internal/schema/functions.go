package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"steward/internal/domain"
	"steward/internal/requirement"
)

var (
	// ErrNotUnion is returned when a request root is not a union tagged by "type" with its payload in "value".
	ErrNotUnion = errors.New("schema: request root must be a union tagged by \"type\" with payload \"value\"")
	// ErrInvalidMemberName is returned for union members whose name contains a dot.
	ErrInvalidMemberName = errors.New("schema: member name must not contain '.'")
	// ErrUntypedVariant is returned for union members declared with Object instead of Variant.
	ErrUntypedVariant = errors.New("schema: union member has no decoder; declare it with Variant")
)

// marshalFunc renders parameter schemas. Package-level so tests can inject a
// failing marshaler.
var marshalFunc = json.Marshal

// Function is one model-callable function compiled from a union member.
// Functions are immutable once built.
type Function struct {
	Name        string
	Description string
	// Parameters is nil for members without fields.
	Parameters  *jsonschema.Schema
	Requirement requirement.Requirement

	raw       json.RawMessage
	validator *validator.Schema
	decode    func([]byte) (any, error)
	zero      any
}

// MakeFunctions compiles every member of a request union. Members share one
// Walker, so a type used by several members resolves once.
func MakeFunctions(root *Descriptor) ([]*Function, error) {
	if root == nil || root.kind != kindUnion ||
		root.discriminant != DefaultDiscriminant || root.valueField != DefaultValueField {
		return nil, ErrNotUnion
	}

	w := NewWalker()
	out := make([]*Function, 0, len(root.members))
	for _, m := range root.members {
		fn, err := makeFunction(w, m)
		if err != nil {
			name := "<nil>"
			if m != nil {
				name = m.name
			}
			return nil, fmt.Errorf("schema: %s.%s: %w", root.name, name, err)
		}
		out = append(out, fn)
	}
	return out, nil
}

func makeFunction(w *Walker, m *Descriptor) (*Function, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil member", ErrIncomplete)
	}
	if strings.Contains(m.name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemberName, m.name)
	}
	if m.kind != kindObject {
		return nil, fmt.Errorf("%w: member is not an object", ErrIncomplete)
	}
	if m.decode == nil {
		return nil, ErrUntypedVariant
	}

	t, err := w.Walk(m)
	if err != nil {
		return nil, err
	}
	obj := t.(*ObjectType)

	fn := &Function{
		Name:        m.name,
		Description: m.doc,
		Requirement: requirement.Always,
		decode:      m.decode,
		zero:        m.zero,
	}
	if m.requires != "" {
		r, err := requirement.Parse(m.requires)
		if err != nil {
			return nil, err
		}
		fn.Requirement = r
	}
	if len(obj.Fields) == 0 {
		return fn, nil
	}

	params, err := Compile(obj)
	if err != nil {
		return nil, err
	}
	raw, err := marshalFunc(params)
	if err != nil {
		return nil, fmt.Errorf("render parameters: %w", err)
	}
	v, err := validator.CompileString(m.name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile validator: %w", err)
	}
	fn.Parameters = params
	fn.raw = raw
	fn.validator = v
	return fn, nil
}

// Allowed reports whether the function is visible to s.
func (f *Function) Allowed(s requirement.Subject, superusers map[string]struct{}) bool {
	return requirement.Allowed(f.Requirement, s, superusers)
}

// Zero is the zero value of the Go type the function decodes into.
func (f *Function) Zero() any { return f.zero }

// Definition is the schema offered to the model.
func (f *Function) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{Name: f.Name, Description: f.Description, InputSchema: f.raw}
}

// DecodeError reports arguments that could not be turned into a request.
type DecodeError struct {
	Function string
	Kind     string // "MalformedJSON" | "SchemaViolation" | "DecodeFailure"
	Err      error
}

func (e *DecodeError) Error() string { return e.Kind + " :: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode validates args against the parameter schema and decodes them into
// the member's Go type. Empty or null arguments are read as {}.
func (f *Function) Decode(args json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &DecodeError{Function: f.Name, Kind: "MalformedJSON", Err: err}
	}
	if f.validator != nil {
		if err := f.validator.Validate(doc); err != nil {
			return nil, &DecodeError{Function: f.Name, Kind: "SchemaViolation", Err: err}
		}
	}
	v, err := f.decode(trimmed)
	if err != nil {
		return nil, &DecodeError{Function: f.Name, Kind: "DecodeFailure", Err: err}
	}
	return v, nil
}
