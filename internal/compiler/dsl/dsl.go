// Package dsl defines the policy document model produced by the parser and
// consumed by the validator and code generator.
package dsl

import (
	"sort"
	"strings"
)

// FieldType is the closed set of schema types.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeU32         FieldType = "u32"
	TypeU64         FieldType = "u64"
	TypeI32         FieldType = "i32"
	TypeI64         FieldType = "i64"
	TypeBool        FieldType = "bool"
	TypeBytes       FieldType = "bytes"
	TypeStringArray FieldType = "array<string>"
	TypeU32Array    FieldType = "array<u32>"
	TypeU64Array    FieldType = "array<u64>"
)

var fieldTypes = map[string]FieldType{
	"string":        TypeString,
	"u32":           TypeU32,
	"u64":           TypeU64,
	"i32":           TypeI32,
	"i64":           TypeI64,
	"bool":          TypeBool,
	"bytes":         TypeBytes,
	"array<string>": TypeStringArray,
	"array<u32>":    TypeU32Array,
	"array<u64>":    TypeU64Array,
}

// ParseFieldType maps a schema type string, accepting array[T] as a synonym
// for array<T>.
func ParseFieldType(s string) (FieldType, bool) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if strings.HasPrefix(s, "array[") && strings.HasSuffix(s, "]") {
		s = "array<" + s[len("array["):len(s)-1] + ">"
	}
	t, ok := fieldTypes[s]
	return t, ok
}

// IsUnsigned reports u32 and u64.
func (t FieldType) IsUnsigned() bool { return t == TypeU32 || t == TypeU64 }

// IsSigned reports i32 and i64.
func (t FieldType) IsSigned() bool { return t == TypeI32 || t == TypeI64 }

// IsInteger reports any scalar integer type.
func (t FieldType) IsInteger() bool { return t.IsUnsigned() || t.IsSigned() }

// IsArray reports the array types.
func (t FieldType) IsArray() bool { return strings.HasPrefix(string(t), "array<") }

// Elem returns the element type of an array type.
func (t FieldType) Elem() FieldType {
	if !t.IsArray() {
		return ""
	}
	return FieldType(strings.TrimSuffix(strings.TrimPrefix(string(t), "array<"), ">"))
}

// Field is one declared schema entry.
type Field struct {
	// Path is the dotted JSON path inside the input object.
	Path string
	// Name is the leaf segment of Path.
	Name string
	Type FieldType
}

// Schema is an ordered set of fields, sorted by Path.
type Schema struct {
	Fields []Field
	// Groups lists named object groups (the first path segment) when the
	// schema used the grouped form.
	Groups []string
}

// NewSchema sorts fields by path.
func NewSchema(fields []Field, groups []string) Schema {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })
	sort.Strings(groups)
	return Schema{Fields: fields, Groups: groups}
}

// Resolve finds a field by exact path, or by leaf name when that name is unique.
// ambiguous is true when the leaf name matches more than one field.
func (s Schema) Resolve(name string) (f Field, ok bool, ambiguous bool) {
	for _, fld := range s.Fields {
		if fld.Path == name {
			return fld, true, false
		}
	}
	matches := 0
	for _, fld := range s.Fields {
		if fld.Name == name {
			f = fld
			matches++
		}
	}
	switch matches {
	case 0:
		return Field{}, false, false
	case 1:
		return f, true, false
	default:
		return Field{}, false, true
	}
}

// HasGroup reports whether name is a declared object group.
func (s Schema) HasGroup(name string) bool {
	for _, g := range s.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// GroupFields returns the fields under a group, in path order.
func (s Schema) GroupFields(group string) []Field {
	var out []Field
	for _, f := range s.Fields {
		if strings.HasPrefix(f.Path, group+".") {
			out = append(out, f)
		}
	}
	return out
}

// Output is one declared disclosure beyond compliance_result.
type Output struct {
	Name string
	Type string
}

// ComplianceOutput is the output every program emits.
const ComplianceOutput = "compliance_result"

// DefaultVersion is applied when a document omits version.
const DefaultVersion = "1.0"

// Document is a parsed policy document.
type Document struct {
	UseCase       string
	Description   string
	Version       string
	PrivateInputs Schema
	PublicParams  Schema
	Rules         []Rule
	// Outputs excludes compliance_result and is sorted by name.
	Outputs []Output
}

// GoName maps a dotted snake_case path to the exported identifier used for it in
// generated code: user_data.date_of_birth becomes UserDataDateOfBirth.
func GoName(path string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '.' || r == '_' }) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
