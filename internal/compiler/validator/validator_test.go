package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkgate/internal/compiler/dsl"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/templates"
	dErrors "zkgate/pkg/domain-errors"
)

func parse(t *testing.T, src string) *dsl.Document {
	t.Helper()
	doc, err := parser.ParseBytes([]byte(src))
	require.NoError(t, err)
	return doc
}

func requireRuleError(t *testing.T, err error, index int, contains string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	var re *RuleError
	require.True(t, errors.As(err, &re), "error should carry rule location")
	assert.Equal(t, index, re.Index)
	assert.Contains(t, re.Error(), contains)
}

func TestValidate_Templates(t *testing.T) {
	for _, name := range templates.Names() {
		b, err := templates.Get(name)
		require.NoError(t, err)
		doc, err := parser.ParseBytes(b)
		require.NoError(t, err)
		_, err = Validate(doc)
		assert.NoError(t, err, name)
	}
}

func TestValidate_UndeclaredParam(t *testing.T) {
	doc := parse(t, `{
		"use_case": "pharmacy",
		"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
		"public_params": {},
		"validation_rules": [{"type": "range_check", "field": "quantity", "min": 1, "max_param": "max_quantity"}]
	}`)
	_, err := Validate(doc)
	requireRuleError(t, err, 0, `"max_quantity" is not declared in public_params`)
}

func TestValidate_RangeSemanticsAcceptedWhenWellFormed(t *testing.T) {
	doc := parse(t, `{
		"use_case": "pharmacy",
		"private_inputs": {"type": "object", "fields": {"quantity": "u32"}},
		"public_params": {},
		"validation_rules": [{"type": "range_check", "field": "quantity", "min": 1, "max": 90}]
	}`)
	_, err := Validate(doc)
	require.NoError(t, err)
}

func TestValidate_RuleErrors(t *testing.T) {
	const schemas = `
		"private_inputs": {"type": "object", "fields": {
			"qty": "u32", "delta": "i64", "dob": "string", "born": "u64", "country": "string",
			"items": "array<string>", "codes": "array<u64>", "sig": "bytes", "flag": "bool"
		}},
		"public_params": {
			"max_qty": "u32", "signed_max": "i64", "min_age": "u32", "key": "bytes",
			"sanctioned": "array<string>", "banned_codes": "array<u32>", "count": "u32"
		},`
	cases := []struct {
		name     string
		rule     string
		contains string
	}{
		{"range on string field", `{"type":"range_check","field":"country","min":1}`, "requires an integer field"},
		{"range without bounds", `{"type":"range_check","field":"qty"}`, "at least one bound"},
		{"range literal and param", `{"type":"range_check","field":"qty","max":5,"max_param":"max_qty"}`, "mutually exclusive"},
		{"range min above max", `{"type":"range_check","field":"qty","min":9,"max":3}`, "exceeds max"},
		{"range negative literal on unsigned", `{"type":"range_check","field":"qty","min":-1}`, "does not fit u32"},
		{"range signedness mismatch", `{"type":"range_check","field":"qty","max_param":"signed_max"}`, "same signedness"},
		{"age on numeric field", `{"type":"age_verification","dob_field":"born","min_age":18}`, "must be a string"},
		{"age both sources", `{"type":"age_verification","dob_field":"dob","min_age":18,"min_age_param":"min_age"}`, "mutually exclusive"},
		{"age no source", `{"type":"age_verification","dob_field":"dob"}`, "one of min_age or min_age_param"},
		{"blacklist element mismatch", `{"type":"blacklist_check","field":"country","blacklist_param":"banned_codes"}`, "cannot hold values"},
		{"blacklist param not array", `{"type":"blacklist_check","field":"qty","blacklist_param":"count"}`, "cannot hold values"},
		{"intersection scalar field", `{"type":"array_intersection_check","field":"country","prohibited_param":"sanctioned"}`, "requires an array field"},
		{"intersection family mismatch", `{"type":"array_intersection_check","field":"items","prohibited_param":"banned_codes"}`, "not comparable"},
		{"unsupported algorithm", `{"type":"signature_check","field":"sig","algorithm":"dsa","public_key_param":"key","message_fields":["qty"]}`, "unsupported algorithm"},
		{"duplicate message field", `{"type":"signature_check","field":"sig","algorithm":"ed25519","public_key_param":"key","message_fields":["qty","qty"]}`, "duplicate field"},
		{"signature over itself", `{"type":"signature_check","field":"sig","algorithm":"ed25519","public_key_param":"key","message_fields":["sig"]}`, "own message"},
		{"undeclared message field", `{"type":"signature_check","field":"sig","algorithm":"ed25519","public_key_param":"key","message_fields":["nonce"]}`, "not declared in private_inputs"},
		{"signature bool field", `{"type":"signature_check","field":"flag","algorithm":"ed25519","public_key_param":"key","message_fields":["qty"]}`, "must be bytes or string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := parse(t, `{"use_case":"x",`+schemas+`"validation_rules":[{"type":"custom","code":"true"},`+tc.rule+`]}`)
			_, err := Validate(doc)
			requireRuleError(t, err, 1, tc.contains)
		})
	}
}

func TestValidate_CompatibleFamilies(t *testing.T) {
	doc := parse(t, `{
		"use_case": "x",
		"private_inputs": {"type": "object", "fields": {"code": "u32", "codes": "array<u64>"}},
		"public_params": {"banned": "array<u64>", "banned32": "array<u32>"},
		"validation_rules": [
			{"type": "blacklist_check", "field": "code", "blacklist_param": "banned"},
			{"type": "array_intersection_check", "field": "codes", "prohibited_param": "banned32", "must_be_empty": true}
		]
	}`)
	_, err := Validate(doc)
	require.NoError(t, err)
}

func TestValidate_AmbiguousLeaf(t *testing.T) {
	doc := parse(t, `{
		"use_case": "x",
		"private_inputs": {
			"sender": {"type": "object", "fields": {"country": "string"}},
			"receiver": {"type": "object", "fields": {"country": "string"}}
		},
		"public_params": {"sanctioned": "array<string>"},
		"validation_rules": [
			{"type": "blacklist_check", "field": "receiver.country", "blacklist_param": "sanctioned"},
			{"type": "blacklist_check", "field": "country", "blacklist_param": "sanctioned"}
		]
	}`)
	_, err := Validate(doc)
	requireRuleError(t, err, 1, "more than one private field")
}

func TestValidate_Outputs(t *testing.T) {
	src := func(outputs string) string {
		return `{
			"use_case": "x",
			"private_inputs": {"order": {"type": "object", "fields": {"id": "string", "qty": "u32"}}},
			"public_params": {"max_qty": "u32"},
			"validation_rules": [{"type": "range_check", "field": "qty", "max_param": "max_qty"}],
			"outputs": ` + outputs + `
		}`
	}

	v, err := Validate(parse(t, src(`{"compliance_result":"bool","max_qty":"u32","id":"bytes32","order_hash":"bytes32","qty_hash":"bytes32"}`)))
	require.NoError(t, err)
	outs := v.Outputs()
	require.Len(t, outs, 4)
	assert.Equal(t, "id", outs[0].Name)
	assert.Equal(t, OutputPrivateHash, outs[0].Source)
	assert.Equal(t, "max_qty", outs[1].Name)
	assert.Equal(t, OutputPublic, outs[1].Source)
	assert.Equal(t, "order_hash", outs[2].Name)
	assert.Len(t, outs[2].Fields, 2, "group hash covers every field in the group")
	assert.Equal(t, "qty_hash", outs[3].Name)

	_, err = Validate(parse(t, src(`{"secret":"string"}`)))
	requireRuleError(t, err, -1, "outputs.secret")
}

func TestValidate_DocumentLevel(t *testing.T) {
	_, err := Validate(nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = Validate(&dsl.Document{UseCase: "x"})
	requireRuleError(t, err, -1, "at least one rule")

	doc := parse(t, `{
		"use_case": "x",
		"private_inputs": {"type": "object", "fields": {"first_name": "string", "firstName": "string"}},
		"public_params": {},
		"validation_rules": [{"type": "custom", "code": "true"}]
	}`)
	_, err = Validate(doc)
	requireRuleError(t, err, -1, "collides with")
}
