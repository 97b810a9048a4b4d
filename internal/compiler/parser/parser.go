// Package parser turns a JSON or YAML policy document into a dsl.Document.
//
// The parser checks shape only: required keys, scalar kinds and the closed set of
// rule tags and field types. Cross-references are checked by the validator.
package parser

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"zkgate/internal/compiler/dsl"
	dErrors "zkgate/pkg/domain-errors"
)

// Option configures parsing.
type Option func(*options)

type options struct {
	strict bool
}

// WithStrict rejects unknown keys at the document and rule level.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

var topLevelKeys = map[string]bool{
	"use_case": true, "description": true, "version": true,
	"private_inputs": true, "public_params": true,
	"validation_rules": true, "outputs": true,
}

var ruleKeys = map[dsl.RuleKind][]string{
	dsl.KindSignatureCheck:         {"field", "algorithm", "public_key_param", "message_fields"},
	dsl.KindRangeCheck:             {"field", "min", "max", "min_param", "max_param"},
	dsl.KindAgeVerification:        {"dob_field", "date_of_birth_field", "min_age", "min_age_param"},
	dsl.KindBlacklistCheck:         {"field", "blacklist_param"},
	dsl.KindArrayIntersectionCheck: {"field", "prohibited_param", "must_be_empty"},
	dsl.KindCustom:                 {"code"},
}

// ParseFile reads and parses a document from disk.
func ParseFile(path string, opts ...Option) (*dsl.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeParse, "failed to read policy document")
	}
	return ParseBytes(b, opts...)
}

// ParseBytes decodes JSON or YAML text. JSON is accepted as a YAML subset.
func ParseBytes(b []byte, opts ...Option) (*dsl.Document, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, dErrors.New(dErrors.CodeParse, "policy document is empty")
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeParse, "policy document is not valid JSON or YAML")
	}
	if raw == nil {
		return nil, dErrors.New(dErrors.CodeParse, "policy document must be an object")
	}
	return Parse(raw, opts...)
}

// Parse converts a generic decoded document.
func Parse(raw map[string]any, opts ...Option) (*dsl.Document, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	p := &parser{opts: o}
	doc, err := p.document(raw)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type parser struct {
	opts *options
}

func parseErr(path, format string, args ...any) error {
	return dErrors.New(dErrors.CodeParse, path+": "+fmt.Sprintf(format, args...))
}

func (p *parser) document(raw map[string]any) (*dsl.Document, error) {
	if p.opts.strict {
		if err := rejectUnknown("", raw, topLevelKeys); err != nil {
			return nil, err
		}
	}

	useCase, err := requiredString(raw, "use_case", "use_case")
	if err != nil {
		return nil, err
	}
	doc := &dsl.Document{UseCase: useCase, Version: dsl.DefaultVersion}
	if doc.Description, err = optionalString(raw, "description", "description"); err != nil {
		return nil, err
	}
	if v, err := optionalString(raw, "version", "version"); err != nil {
		return nil, err
	} else if v != "" {
		doc.Version = v
	}

	privRaw, err := requiredObject(raw, "private_inputs")
	if err != nil {
		return nil, err
	}
	if doc.PrivateInputs, err = privateSchema(privRaw); err != nil {
		return nil, err
	}

	pubRaw, err := requiredObject(raw, "public_params")
	if err != nil {
		return nil, err
	}
	if doc.PublicParams, err = publicSchema(pubRaw); err != nil {
		return nil, err
	}

	rulesRaw, ok := raw["validation_rules"]
	if !ok {
		return nil, parseErr("validation_rules", "is required")
	}
	list, ok := rulesRaw.([]any)
	if !ok {
		return nil, parseErr("validation_rules", "expected array")
	}
	if len(list) == 0 {
		return nil, parseErr("validation_rules", "at least one rule is required")
	}
	for i, item := range list {
		rule, err := p.rule(fmt.Sprintf("validation_rules[%d]", i), item)
		if err != nil {
			return nil, err
		}
		doc.Rules = append(doc.Rules, rule)
	}

	if outRaw, ok := raw["outputs"]; ok && outRaw != nil {
		outputs, ok := outRaw.(map[string]any)
		if !ok {
			return nil, parseErr("outputs", "expected object")
		}
		if doc.Outputs, err = outputSchema(outputs); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (p *parser) rule(path string, item any) (dsl.Rule, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, parseErr(path, "expected object")
	}
	kindStr, err := requiredString(obj, "type", path+".type")
	if err != nil {
		return nil, err
	}
	kind := dsl.RuleKind(kindStr)
	allowed, known := ruleKeys[kind]
	if !known {
		return nil, parseErr(path+".type", "unknown rule type %q", kindStr)
	}
	if p.opts.strict {
		keys := map[string]bool{"type": true, "description": true}
		for _, k := range allowed {
			keys[k] = true
		}
		if err := rejectUnknown(path+".", obj, keys); err != nil {
			return nil, err
		}
	}

	desc, err := optionalString(obj, "description", path+".description")
	if err != nil {
		return nil, err
	}
	meta := dsl.Meta{Description: desc}
	f := fieldReader{obj: obj, path: path}

	switch kind {
	case dsl.KindSignatureCheck:
		r := dsl.SignatureCheck{Meta: meta}
		r.Field = f.str("field", true)
		r.Algorithm = strings.ToLower(f.str("algorithm", true))
		r.PublicKeyParam = f.str("public_key_param", true)
		r.MessageFields = f.strs("message_fields")
		return r, f.err
	case dsl.KindRangeCheck:
		r := dsl.RangeCheck{Meta: meta}
		r.Field = f.str("field", true)
		r.Min = f.int("min")
		r.Max = f.int("max")
		r.MinParam = f.str("min_param", false)
		r.MaxParam = f.str("max_param", false)
		return r, f.err
	case dsl.KindAgeVerification:
		r := dsl.AgeVerification{Meta: meta}
		if _, ok := obj["date_of_birth_field"]; ok {
			r.DOBField = f.str("date_of_birth_field", true)
		} else {
			r.DOBField = f.str("dob_field", true)
		}
		r.MinAge = f.int("min_age")
		if r.MinAge != nil && *r.MinAge < 0 {
			return nil, parseErr(path+".min_age", "must not be negative")
		}
		r.MinAgeParam = f.str("min_age_param", false)
		return r, f.err
	case dsl.KindBlacklistCheck:
		r := dsl.BlacklistCheck{Meta: meta}
		r.Field = f.str("field", true)
		r.BlacklistParam = f.str("blacklist_param", true)
		return r, f.err
	case dsl.KindArrayIntersectionCheck:
		r := dsl.ArrayIntersectionCheck{Meta: meta}
		r.Field = f.str("field", true)
		r.ProhibitedParam = f.str("prohibited_param", true)
		r.MustBeEmpty = f.bool("must_be_empty")
		return r, f.err
	default:
		r := dsl.Custom{Meta: meta}
		r.Code = f.str("code", true)
		return r, f.err
	}
}

// fieldReader extracts typed rule fields, keeping the first error.
type fieldReader struct {
	obj  map[string]any
	path string
	err  error
}

func (f *fieldReader) fail(key, format string, args ...any) {
	if f.err == nil {
		f.err = parseErr(f.path+"."+key, format, args...)
	}
}

func (f *fieldReader) str(key string, required bool) string {
	v, ok := f.obj[key]
	if !ok || v == nil {
		if required {
			f.fail(key, "is required")
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.fail(key, "expected string")
		return ""
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		f.fail(key, "must not be empty")
	}
	return s
}

func (f *fieldReader) strs(key string) []string {
	v, ok := f.obj[key]
	if !ok {
		f.fail(key, "is required")
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		f.fail(key, "expected array of strings")
		return nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "expected string")
			return nil
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func (f *fieldReader) int(key string) *int64 {
	v, ok := f.obj[key]
	if !ok || v == nil {
		return nil
	}
	n, ok := asInt(v)
	if !ok {
		f.fail(key, "expected integer")
		return nil
	}
	return &n
}

func (f *fieldReader) bool(key string) bool {
	v, ok := f.obj[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		f.fail(key, "expected bool")
	}
	return b
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func privateSchema(raw map[string]any) (dsl.Schema, error) {
	if _, flat := raw["fields"]; flat {
		fields, err := objectFields("private_inputs", raw, "")
		return dsl.NewSchema(fields, nil), err
	}
	var (
		fields []dsl.Field
		groups []string
	)
	for _, group := range sortedKeys(raw) {
		path := "private_inputs." + group
		obj, ok := raw[group].(map[string]any)
		if !ok {
			return dsl.Schema{}, parseErr(path, "expected object schema")
		}
		if _, ok := obj["fields"]; !ok {
			return dsl.Schema{}, parseErr(path, "object schema requires fields")
		}
		groupFields, err := objectFields(path, obj, group+".")
		if err != nil {
			return dsl.Schema{}, err
		}
		fields = append(fields, groupFields...)
		groups = append(groups, group)
	}
	return dsl.NewSchema(fields, groups), nil
}

func publicSchema(raw map[string]any) (dsl.Schema, error) {
	if t, ok := raw["type"].(string); ok && t == "object" {
		if _, ok := raw["fields"].(map[string]any); ok {
			fields, err := objectFields("public_params", raw, "")
			return dsl.NewSchema(fields, nil), err
		}
	}
	fields, err := typeMap("public_params", raw, "")
	return dsl.NewSchema(fields, nil), err
}

func objectFields(path string, obj map[string]any, prefix string) ([]dsl.Field, error) {
	if t, ok := obj["type"]; ok {
		if s, _ := t.(string); s != "object" {
			return nil, parseErr(path+".type", "expected \"object\"")
		}
	}
	fieldsRaw, ok := obj["fields"].(map[string]any)
	if !ok {
		return nil, parseErr(path+".fields", "expected object")
	}
	return typeMap(path+".fields", fieldsRaw, prefix)
}

func typeMap(path string, raw map[string]any, prefix string) ([]dsl.Field, error) {
	fields := make([]dsl.Field, 0, len(raw))
	for _, name := range sortedKeys(raw) {
		typeStr, ok := raw[name].(string)
		if !ok {
			return nil, parseErr(path+"."+name, "expected type name")
		}
		t, ok := dsl.ParseFieldType(typeStr)
		if !ok {
			return nil, parseErr(path+"."+name, "unknown type %q", typeStr)
		}
		if strings.Contains(name, ".") || strings.TrimSpace(name) == "" {
			return nil, parseErr(path+"."+name, "invalid field name")
		}
		fields = append(fields, dsl.Field{Path: prefix + name, Name: name, Type: t})
	}
	return fields, nil
}

func outputSchema(raw map[string]any) ([]dsl.Output, error) {
	var outputs []dsl.Output
	for _, name := range sortedKeys(raw) {
		typeStr, ok := raw[name].(string)
		if !ok {
			return nil, parseErr("outputs."+name, "expected type name")
		}
		if name == dsl.ComplianceOutput {
			if typeStr != "bool" {
				return nil, parseErr("outputs."+name, "must be bool")
			}
			continue
		}
		outputs = append(outputs, dsl.Output{Name: name, Type: typeStr})
	}
	return outputs, nil
}

func requiredString(raw map[string]any, key, path string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", parseErr(path, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", parseErr(path, "expected string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", parseErr(path, "must not be empty")
	}
	return s, nil
}

func optionalString(raw map[string]any, key, path string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", parseErr(path, "expected string")
	}
	return strings.TrimSpace(s), nil
}

func requiredObject(raw map[string]any, key string) (map[string]any, error) {
	v, ok := raw[key]
	if !ok {
		return nil, parseErr(key, "is required")
	}
	if v == nil {
		return map[string]any{}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, parseErr(key, "expected object")
	}
	return obj, nil
}

func rejectUnknown(prefix string, raw map[string]any, allowed map[string]bool) error {
	for _, k := range sortedKeys(raw) {
		if !allowed[k] {
			return parseErr(prefix+k, "unknown field")
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
