package mmdb

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

type IndexKind uint8

const (
	NoIndex IndexKind = iota
	Hashed
	Ordered
)

func (k IndexKind) String() string {
	switch k {
	case NoIndex:
		return "none"
	case Hashed:
		return "hash"
	case Ordered:
		return "tree"
	default:
		return "index(" + strconv.Itoa(int(k)) + ")"
	}
}

type FieldDesc struct {
	Name  string
	Kind  Kind
	Index IndexKind
}

func (f FieldDesc) String() string {
	if f.Index == NoIndex {
		return f.Name + " " + f.Kind.String()
	}
	return f.Name + " " + f.Kind.String() + " " + f.Index.String()
}

// Type describes the layout of a record. Types are immutable once created.
type Type struct {
	name     string
	fields   []FieldDesc
	byName   map[string]int
	goType   reflect.Type // struct type, nil for types built with NewType
	goFields [][]int      // struct field index per field
}

func NewType(name string, fields ...FieldDesc) (*Type, error) {
	if name == "" {
		return nil, typeErrf(ErrConfig, "define type", nil, "", "empty type name")
	}
	if len(fields) == 0 {
		return nil, typeErrf(ErrConfig, "define type", nil, "", "type %s has no fields", name)
	}
	t := &Type{
		name:   name,
		fields: slices.Clone(fields),
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range t.fields {
		if f.Name == "" {
			return nil, typeErrf(ErrConfig, "define type", t, "", "field %d has no name", i)
		}
		if !f.Kind.Valid() {
			return nil, typeErrf(ErrConfig, "define type", t, f.Name, "invalid kind %v", f.Kind)
		}
		if f.Index > Ordered {
			return nil, typeErrf(ErrConfig, "define type", t, f.Name, "invalid index kind %v", f.Index)
		}
		if _, dup := t.byName[f.Name]; dup {
			return nil, typeErrf(ErrConfig, "define type", t, f.Name, "duplicate field")
		}
		t.byName[f.Name] = i
	}
	return t, nil
}

func MustNewType(name string, fields ...FieldDesc) *Type {
	return must(NewType(name, fields...))
}

func (t *Type) Name() string          { return t.name }
func (t *Type) NumFields() int        { return len(t.fields) }
func (t *Type) Field(i int) FieldDesc { return t.fields[i] }
func (t *Type) Fields() []FieldDesc   { return slices.Clone(t.fields) }
func (t *Type) GoType() reflect.Type  { return t.goType }
func (t *Type) String() string        { return t.name }

// FieldIndex returns the position of the named field.
func (t *Type) FieldIndex(name string) (int, bool) {
	i, ok := t.byName[name]
	return i, ok
}

func (t *Type) fieldIndex(op, name string) (int, error) {
	i, ok := t.byName[name]
	if !ok {
		return -1, &Error{Kind: ErrUnknownField, Op: op, Type: t.name, Field: name}
	}
	return i, nil
}

// IndexedFields returns positions of fields that carry an index.
func (t *Type) IndexedFields() []int {
	var result []int
	for i, f := range t.fields {
		if f.Index != NoIndex {
			result = append(result, i)
		}
	}
	return result
}

func (t *Type) sameLayout(o *Type) bool {
	return t.name == o.name && slices.Equal(t.fields, o.fields)
}

// Describe returns a one-line description like "Stock(code string hash, price float64)".
func (t *Type) Describe() string {
	var buf strings.Builder
	buf.WriteString(t.name)
	buf.WriteByte('(')
	for i, f := range t.fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f.String())
	}
	buf.WriteByte(')')
	return buf.String()
}

// Schema is a set of record types registered with a database on Open.
type Schema struct {
	types    []*Type
	byName   map[string]*Type
	byGoType map[reflect.Type]*Type
}

func NewSchema() *Schema {
	return &Schema{
		byName:   make(map[string]*Type),
		byGoType: make(map[reflect.Type]*Type),
	}
}

func (scm *Schema) init() {
	if scm.byName == nil {
		scm.byName = make(map[string]*Type)
		scm.byGoType = make(map[reflect.Type]*Type)
	}
}

// Add adds a type to the schema. Adding a type with the same name and layout
// as an existing one returns the existing type; a conflicting layout panics.
func (scm *Schema) Add(t *Type) *Type {
	scm.init()
	if prev := scm.byName[t.name]; prev != nil {
		if !prev.sameLayout(t) {
			panic(fmt.Errorf("mmdb: type %s redefined with a different layout: %s vs %s", t.name, prev.Describe(), t.Describe()))
		}
		if t.goType != nil {
			scm.byGoType[t.goType] = t
		}
		return prev
	}
	scm.types = append(scm.types, t)
	scm.byName[t.name] = t
	if t.goType != nil {
		scm.byGoType[t.goType] = t
	}
	return t
}

func (scm *Schema) Types() []*Type {
	return slices.Clone(scm.types)
}

func (scm *Schema) TypeNamed(name string) *Type {
	return scm.byName[name]
}

// AddType derives a record type from the struct T and adds it to the schema.
// See TypeOf for the struct tag format.
func AddType[T any](scm *Schema, name string) *Type {
	t, err := TypeOf[T](name)
	if err != nil {
		panic(err)
	}
	return scm.Add(t)
}
