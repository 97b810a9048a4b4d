// Package validator is the security boundary between customer documents and code
// generation. Only documents that pass Validate can be handed to codegen.
package validator

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"zkgate/internal/compiler/dsl"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/guestlib"
	pstrings "zkgate/pkg/platform/strings"
)

// RuleError locates a validation failure. Index is -1 for document-level errors.
type RuleError struct {
	Index  int
	Kind   dsl.RuleKind
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	if e.Index < 0 {
		if e.Field != "" {
			return fmt.Sprintf("%s: %s", e.Field, e.Reason)
		}
		return e.Reason
	}
	if e.Field != "" {
		return fmt.Sprintf("rule %d (%s) %s: %s", e.Index, e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %d (%s): %s", e.Index, e.Kind, e.Reason)
}

// OutputSource says where a disclosed output value comes from.
type OutputSource int

const (
	// OutputPublic echoes a public parameter.
	OutputPublic OutputSource = iota
	// OutputPrivateHash discloses the SHA-256 of private fields.
	OutputPrivateHash
)

// OutputBinding is a resolved disclosure.
type OutputBinding struct {
	Name   string
	Source OutputSource
	// Fields holds one public field for OutputPublic, or the hashed private
	// fields (in path order) for OutputPrivateHash.
	Fields []dsl.Field
}

// Validated is a document that passed every check. Its zero value is unusable.
type Validated struct {
	doc     *dsl.Document
	outputs []OutputBinding
}

// Document returns the validated document.
func (v Validated) Document() *dsl.Document { return v.doc }

// Outputs returns resolved disclosures sorted by name.
func (v Validated) Outputs() []OutputBinding { return v.outputs }

// Private resolves a private field reference. It panics on an unknown name,
// which cannot happen for names that passed validation.
func (v Validated) Private(name string) dsl.Field {
	f, ok, _ := v.doc.PrivateInputs.Resolve(name)
	if !ok {
		panic("validator: unresolved private field " + name)
	}
	return f
}

// Public resolves a public parameter reference.
func (v Validated) Public(name string) dsl.Field {
	f, ok, _ := v.doc.PublicParams.Resolve(name)
	if !ok {
		panic("validator: unresolved public param " + name)
	}
	return f
}

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks schema closure, type compatibility, bound well-formedness and
// algorithm support, rule by rule in document order.
func Validate(doc *dsl.Document) (Validated, error) {
	if doc == nil {
		return Validated{}, dErrors.New(dErrors.CodeValidation, "document is required")
	}
	v := &checker{doc: doc}
	if err := v.document(); err != nil {
		return Validated{}, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	return Validated{doc: doc, outputs: v.outputs}, nil
}

type checker struct {
	doc     *dsl.Document
	outputs []OutputBinding
}

func docErr(field, format string, args ...any) *RuleError {
	return &RuleError{Index: -1, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (c *checker) document() *RuleError {
	if strings.TrimSpace(c.doc.UseCase) == "" {
		return docErr("use_case", "must not be empty")
	}
	if len(c.doc.Rules) == 0 {
		return docErr("validation_rules", "at least one rule is required")
	}
	if err := schemaNames("private_inputs", c.doc.PrivateInputs); err != nil {
		return err
	}
	if err := schemaNames("public_params", c.doc.PublicParams); err != nil {
		return err
	}
	for i, rule := range c.doc.Rules {
		if err := c.rule(rule); err != nil {
			err.Index = i
			err.Kind = rule.Kind()
			return err
		}
	}
	return c.resolveOutputs()
}

// schemaNames ensures every field maps to a distinct generated identifier.
func schemaNames(section string, s dsl.Schema) *RuleError {
	seen := map[string]string{}
	for _, f := range s.Fields {
		for _, seg := range strings.Split(f.Path, ".") {
			if !identPattern.MatchString(seg) {
				return docErr(section+"."+f.Path, "field names must match [A-Za-z][A-Za-z0-9_]*")
			}
		}
		name := dsl.GoName(f.Path)
		if prev, ok := seen[name]; ok {
			return docErr(section+"."+f.Path, "collides with %s", prev)
		}
		seen[name] = f.Path
	}
	return nil
}

func fieldErr(field, format string, args ...any) *RuleError {
	return &RuleError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (c *checker) private(key, name string) (dsl.Field, *RuleError) {
	f, ok, ambiguous := c.doc.PrivateInputs.Resolve(name)
	if ambiguous {
		return dsl.Field{}, fieldErr(key, "%q matches more than one private field, use the full path", name)
	}
	if !ok {
		return dsl.Field{}, fieldErr(key, "%q is not declared in private_inputs", name)
	}
	return f, nil
}

func (c *checker) public(key, name string) (dsl.Field, *RuleError) {
	f, ok, ambiguous := c.doc.PublicParams.Resolve(name)
	if ambiguous {
		return dsl.Field{}, fieldErr(key, "%q matches more than one public param", name)
	}
	if !ok {
		return dsl.Field{}, fieldErr(key, "%q is not declared in public_params", name)
	}
	return f, nil
}

func (c *checker) rule(rule dsl.Rule) *RuleError {
	switch r := rule.(type) {
	case dsl.SignatureCheck:
		return c.signature(r)
	case dsl.RangeCheck:
		return c.rangeCheck(r)
	case dsl.AgeVerification:
		return c.age(r)
	case dsl.BlacklistCheck:
		return c.blacklist(r)
	case dsl.ArrayIntersectionCheck:
		return c.intersection(r)
	case dsl.Custom:
		if strings.TrimSpace(r.Code) == "" {
			return fieldErr("code", "must not be empty")
		}
		return nil
	default:
		return fieldErr("type", "unsupported rule %T", rule)
	}
}

func (c *checker) signature(r dsl.SignatureCheck) *RuleError {
	if !slices.Contains(guestlib.Algorithms, r.Algorithm) {
		return fieldErr("algorithm", "unsupported algorithm %q (supported: %s)", r.Algorithm, strings.Join(guestlib.Algorithms, ", "))
	}
	sig, err := c.private("field", r.Field)
	if err != nil {
		return err
	}
	if sig.Type != dsl.TypeBytes && sig.Type != dsl.TypeString {
		return fieldErr("field", "signature field must be bytes or string, got %s", sig.Type)
	}
	key, err := c.public("public_key_param", r.PublicKeyParam)
	if err != nil {
		return err
	}
	if key.Type != dsl.TypeBytes && key.Type != dsl.TypeString {
		return fieldErr("public_key_param", "key param must be bytes or string, got %s", key.Type)
	}
	if len(r.MessageFields) == 0 {
		return fieldErr("message_fields", "at least one field is required")
	}
	if dups := pstrings.Duplicates(r.MessageFields); len(dups) > 0 {
		return fieldErr("message_fields", "duplicate field %q", dups[0])
	}
	for _, name := range r.MessageFields {
		f, err := c.private("message_fields", name)
		if err != nil {
			return err
		}
		if f.Path == sig.Path {
			return fieldErr("message_fields", "signature field %q cannot be part of its own message", name)
		}
	}
	return nil
}

func (c *checker) rangeCheck(r dsl.RangeCheck) *RuleError {
	f, err := c.private("field", r.Field)
	if err != nil {
		return err
	}
	if !f.Type.IsInteger() {
		return fieldErr("field", "range_check requires an integer field, got %s", f.Type)
	}
	if r.Min != nil && r.MinParam != "" {
		return fieldErr("min", "min and min_param are mutually exclusive")
	}
	if r.Max != nil && r.MaxParam != "" {
		return fieldErr("max", "max and max_param are mutually exclusive")
	}
	if r.Min == nil && r.MinParam == "" && r.Max == nil && r.MaxParam == "" {
		return fieldErr("min", "at least one bound is required")
	}
	for _, b := range []struct {
		key string
		lit *int64
	}{{"min", r.Min}, {"max", r.Max}} {
		if b.lit == nil {
			continue
		}
		if err := literalFits(b.key, *b.lit, f.Type); err != nil {
			return err
		}
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fieldErr("min", "min %d exceeds max %d", *r.Min, *r.Max)
	}
	for _, b := range []struct{ key, name string }{{"min_param", r.MinParam}, {"max_param", r.MaxParam}} {
		if b.name == "" {
			continue
		}
		p, err := c.public(b.key, b.name)
		if err != nil {
			return err
		}
		if !p.Type.IsInteger() || p.Type.IsUnsigned() != f.Type.IsUnsigned() {
			return fieldErr(b.key, "bound param %s must be an integer of the same signedness as %s (%s)", p.Type, f.Path, f.Type)
		}
	}
	return nil
}

func literalFits(key string, v int64, t dsl.FieldType) *RuleError {
	switch t {
	case dsl.TypeU32:
		if v < 0 || v > math.MaxUint32 {
			return fieldErr(key, "%d does not fit u32", v)
		}
	case dsl.TypeU64:
		if v < 0 {
			return fieldErr(key, "%d does not fit u64", v)
		}
	case dsl.TypeI32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fieldErr(key, "%d does not fit i32", v)
		}
	}
	return nil
}

func (c *checker) age(r dsl.AgeVerification) *RuleError {
	f, err := c.private("dob_field", r.DOBField)
	if err != nil {
		return err
	}
	if f.Type != dsl.TypeString {
		return fieldErr("dob_field", "date of birth must be a string, got %s", f.Type)
	}
	switch {
	case r.MinAge != nil && r.MinAgeParam != "":
		return fieldErr("min_age", "min_age and min_age_param are mutually exclusive")
	case r.MinAge == nil && r.MinAgeParam == "":
		return fieldErr("min_age", "one of min_age or min_age_param is required")
	case r.MinAgeParam != "":
		p, err := c.public("min_age_param", r.MinAgeParam)
		if err != nil {
			return err
		}
		if !p.Type.IsUnsigned() {
			return fieldErr("min_age_param", "must be u32 or u64, got %s", p.Type)
		}
	}
	return nil
}

func (c *checker) blacklist(r dsl.BlacklistCheck) *RuleError {
	f, err := c.private("field", r.Field)
	if err != nil {
		return err
	}
	if f.Type != dsl.TypeString && !f.Type.IsUnsigned() {
		return fieldErr("field", "blacklist_check requires a string or unsigned field, got %s", f.Type)
	}
	p, err := c.public("blacklist_param", r.BlacklistParam)
	if err != nil {
		return err
	}
	if !p.Type.IsArray() || !sameFamily(f.Type, p.Type.Elem()) {
		return fieldErr("blacklist_param", "%s cannot hold values of %s (%s)", p.Type, f.Path, f.Type)
	}
	return nil
}

func (c *checker) intersection(r dsl.ArrayIntersectionCheck) *RuleError {
	f, err := c.private("field", r.Field)
	if err != nil {
		return err
	}
	if !f.Type.IsArray() {
		return fieldErr("field", "array_intersection_check requires an array field, got %s", f.Type)
	}
	p, err := c.public("prohibited_param", r.ProhibitedParam)
	if err != nil {
		return err
	}
	if !p.Type.IsArray() || !sameFamily(f.Type.Elem(), p.Type.Elem()) {
		return fieldErr("prohibited_param", "%s is not comparable with %s", p.Type, f.Type)
	}
	return nil
}

// sameFamily groups u32 and u64 together; both decode to uint64.
func sameFamily(a, b dsl.FieldType) bool {
	if a.IsUnsigned() && b.IsUnsigned() {
		return true
	}
	return a == b
}

// resolveOutputs binds each declared output. A name resolves to, in order: a
// public param (echoed), a private field (hashed), or "<field-or-group>_hash".
func (c *checker) resolveOutputs() *RuleError {
	for _, out := range c.doc.Outputs {
		key := "outputs." + out.Name
		if p, ok, _ := c.doc.PublicParams.Resolve(out.Name); ok {
			c.outputs = append(c.outputs, OutputBinding{Name: out.Name, Source: OutputPublic, Fields: []dsl.Field{p}})
			continue
		}
		if f, ok, _ := c.doc.PrivateInputs.Resolve(out.Name); ok {
			c.outputs = append(c.outputs, OutputBinding{Name: out.Name, Source: OutputPrivateHash, Fields: []dsl.Field{f}})
			continue
		}
		if target, ok := strings.CutSuffix(out.Name, "_hash"); ok {
			if f, ok, _ := c.doc.PrivateInputs.Resolve(target); ok {
				c.outputs = append(c.outputs, OutputBinding{Name: out.Name, Source: OutputPrivateHash, Fields: []dsl.Field{f}})
				continue
			}
			if c.doc.PrivateInputs.HasGroup(target) {
				c.outputs = append(c.outputs, OutputBinding{Name: out.Name, Source: OutputPrivateHash, Fields: c.doc.PrivateInputs.GroupFields(target)})
				continue
			}
		}
		return docErr(key, "output does not resolve to a public param, private field or <name>_hash")
	}
	return nil
}
