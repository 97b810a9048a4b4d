package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFieldType(t *testing.T) {
	cases := map[string]FieldType{
		"string":        TypeString,
		" U32 ":         TypeU32,
		"array<string>": TypeStringArray,
		"array[u64]":    TypeU64Array,
		"array< u32 >":  TypeU32Array,
	}
	for in, want := range cases {
		got, ok := ParseFieldType(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseFieldType("float")
	assert.False(t, ok)
	_, ok = ParseFieldType("array<bool>")
	assert.False(t, ok)
}

func TestFieldTypeFamilies(t *testing.T) {
	assert.True(t, TypeU32.IsUnsigned())
	assert.True(t, TypeI64.IsInteger())
	assert.False(t, TypeString.IsInteger())
	assert.Equal(t, TypeU64, TypeU64Array.Elem())
	assert.Equal(t, FieldType(""), TypeBytes.Elem())
}

func TestSchemaResolve(t *testing.T) {
	s := NewSchema([]Field{
		{Path: "shipment.weight", Name: "weight", Type: TypeU32},
		{Path: "parcel.weight", Name: "weight", Type: TypeU32},
		{Path: "shipment.origin", Name: "origin", Type: TypeString},
	}, []string{"shipment", "parcel"})

	f, ok, _ := s.Resolve("origin")
	assert.True(t, ok)
	assert.Equal(t, "shipment.origin", f.Path)

	_, ok, ambiguous := s.Resolve("weight")
	assert.False(t, ok)
	assert.True(t, ambiguous)

	f, ok, _ = s.Resolve("parcel.weight")
	assert.True(t, ok)
	assert.Equal(t, TypeU32, f.Type)

	assert.Equal(t, "parcel.weight", s.Fields[0].Path, "fields sorted by path")
	assert.Len(t, s.GroupFields("shipment"), 2)
	assert.True(t, s.HasGroup("parcel"))
}

func TestGoName(t *testing.T) {
	assert.Equal(t, "UserDataDateOfBirth", GoName("user_data.date_of_birth"))
	assert.Equal(t, "MaxQuantity", GoName("max_quantity"))
	assert.Equal(t, "X", GoName("_x_"))
}
