// Package codegen lowers a validated policy document into Go source for the
// guest interpreter. Output is a pure function of the document: the same
// document always yields byte-identical source.
package codegen

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"strconv"
	"strings"

	"zkgate/internal/compiler/dsl"
	"zkgate/internal/compiler/validator"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/guestlib"
)

// Entry is the symbol the engine calls.
const Entry = "guest.Evaluate"

// Source is a generated program.
type Source struct {
	UseCase string
	Code    []byte
}

type fieldCodec struct {
	goType string
	read   string
	encode string
}

var codecs = map[dsl.FieldType]fieldCodec{
	dsl.TypeString:      {"string", "String", "guestlib.StringBytes"},
	dsl.TypeU32:         {"uint64", "U32", "guestlib.Uint64Bytes"},
	dsl.TypeU64:         {"uint64", "U64", "guestlib.Uint64Bytes"},
	dsl.TypeI32:         {"int64", "I32", "guestlib.Int64Bytes"},
	dsl.TypeI64:         {"int64", "I64", "guestlib.Int64Bytes"},
	dsl.TypeBool:        {"bool", "Bool", "guestlib.BoolBytes"},
	dsl.TypeBytes:       {"[]byte", "Bytes", ""},
	dsl.TypeStringArray: {"[]string", "Strings", "guestlib.StringsBytes"},
	dsl.TypeU32Array:    {"[]uint64", "U32s", "guestlib.Uint64sBytes"},
	dsl.TypeU64Array:    {"[]uint64", "U64s", "guestlib.Uint64sBytes"},
}

// Generate emits the program source.
func Generate(v validator.Validated) (Source, error) {
	doc := v.Document()
	if doc == nil {
		return Source{}, dErrors.New(dErrors.CodeInvariantViolation, "codegen requires a validated document")
	}
	g := &generator{v: v, doc: doc}
	g.file()

	code, err := format.Source(g.buf.Bytes())
	if err != nil {
		return Source{}, dErrors.Wrap(err, dErrors.CodeCompilation, err.Error())
	}
	return Source{UseCase: doc.UseCase, Code: code}, nil
}

type generator struct {
	v   validator.Validated
	doc *dsl.Document
	buf bytes.Buffer
}

func (g *generator) p(format string, args ...any) {
	fmt.Fprintf(&g.buf, format, args...)
	g.buf.WriteByte('\n')
}

func comment(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (g *generator) file() {
	g.p("// Code generated by zkgate codegen. DO NOT EDIT.")
	g.p("")
	g.p("// Program %s (version %s).", comment(g.doc.UseCase), comment(g.doc.Version))
	if g.doc.Description != "" {
		g.p("// %s", comment(g.doc.Description))
	}
	g.p("package guest")
	g.p("")
	g.p("import %q", guestlib.ImportPath)
	g.p("")
	g.p("const (")
	g.p("useCase = %s", strconv.Quote(g.doc.UseCase))
	g.p("version = %s", strconv.Quote(g.doc.Version))
	g.p(")")
	g.p("")
	g.inputs("PrivateInputs", "decodePrivate", "private_inputs", g.doc.PrivateInputs)
	g.inputs("PublicParams", "decodePublic", "public_params", g.doc.PublicParams)
	for i, rule := range g.doc.Rules {
		g.rule(i, rule)
	}
	g.evaluate()
}

func (g *generator) inputs(typeName, decodeName, section string, s dsl.Schema) {
	g.p("// %s mirrors %s.", typeName, section)
	g.p("type %s struct {", typeName)
	for _, f := range s.Fields {
		g.p("%s %s // %s", dsl.GoName(f.Path), codecs[f.Type].goType, f.Path)
	}
	g.p("}")
	g.p("")
	g.p("func %s(r *guestlib.Reader) %s {", decodeName, typeName)
	g.p("return %s{", typeName)
	for _, f := range s.Fields {
		g.p("%s: r.%s(%q),", dsl.GoName(f.Path), codecs[f.Type].read, f.Path)
	}
	g.p("}")
	g.p("}")
	g.p("")
}

func privRef(f dsl.Field) string { return "priv." + dsl.GoName(f.Path) }
func pubRef(f dsl.Field) string  { return "pub." + dsl.GoName(f.Path) }

func encode(f dsl.Field, expr string) string {
	if fn := codecs[f.Type].encode; fn != "" {
		return fn + "(" + expr + ")"
	}
	return expr
}

// asBytes converts a string-typed key or signature to bytes.
func asBytes(f dsl.Field, expr string) string {
	if f.Type == dsl.TypeString {
		return "guestlib.DecodeBinary(" + expr + ")"
	}
	return expr
}

func (g *generator) rule(i int, rule dsl.Rule) {
	header := fmt.Sprintf("// rule%d: %s.", i, rule.Kind())
	if d := rule.Describe(); d != "" {
		header += " " + comment(d)
	}
	g.p("%s", header)
	g.p("func rule%d(priv PrivateInputs, pub PublicParams, in guestlib.Input) bool {", i)

	switch r := rule.(type) {
	case dsl.SignatureCheck:
		g.p("msg := guestlib.Message(")
		for _, name := range r.MessageFields {
			f := g.v.Private(name)
			g.p("%s,", encode(f, privRef(f)))
		}
		g.p(")")
		sig := g.v.Private(r.Field)
		key := g.v.Public(r.PublicKeyParam)
		g.p("return guestlib.VerifySignature(%q, %s, msg, %s)", r.Algorithm, asBytes(key, pubRef(key)), asBytes(sig, privRef(sig)))
	case dsl.RangeCheck:
		f := g.v.Private(r.Field)
		g.p("v := %s", privRef(f))
		var conds []string
		switch {
		case r.Min != nil:
			conds = append(conds, fmt.Sprintf("v >= %d", *r.Min))
		case r.MinParam != "":
			conds = append(conds, "v >= "+pubRef(g.v.Public(r.MinParam)))
		}
		switch {
		case r.Max != nil:
			conds = append(conds, fmt.Sprintf("v <= %d", *r.Max))
		case r.MaxParam != "":
			conds = append(conds, "v <= "+pubRef(g.v.Public(r.MaxParam)))
		}
		g.p("return %s", strings.Join(conds, " && "))
	case dsl.AgeVerification:
		f := g.v.Private(r.DOBField)
		var bound string
		if r.MinAge != nil {
			bound = strconv.FormatInt(*r.MinAge, 10)
		} else {
			bound = pubRef(g.v.Public(r.MinAgeParam))
		}
		g.p("return guestlib.AgeAtLeast(%s, in.AsOf, %s)", privRef(f), bound)
	case dsl.BlacklistCheck:
		f := g.v.Private(r.Field)
		list := g.v.Public(r.BlacklistParam)
		fn := "guestlib.ContainsString"
		if f.Type.IsUnsigned() {
			fn = "guestlib.ContainsUint64"
		}
		g.p("return !%s(%s, %s)", fn, pubRef(list), privRef(f))
	case dsl.ArrayIntersectionCheck:
		f := g.v.Private(r.Field)
		prohibited := g.v.Public(r.ProhibitedParam)
		fn := "guestlib.IntersectsString"
		if f.Type.Elem().IsUnsigned() {
			fn = "guestlib.IntersectsUint64"
		}
		if !r.MustBeEmpty {
			g.p("// must_be_empty is false: the intersection is not constrained.")
			g.p("return true")
			break
		}
		g.p("return !%s(%s, %s)", fn, privRef(f), pubRef(prohibited))
	case dsl.Custom:
		g.customLocals()
		g.p("return (%s)", r.Code)
	}
	g.p("}")
	g.p("")
}

var reserved = map[string]bool{
	"priv": true, "pub": true, "in": true, "guestlib": true, "useCase": true, "version": true,
	"bool": true, "byte": true, "string": true, "int": true, "int64": true, "uint64": true,
	"len": true, "cap": true, "append": true, "true": true, "false": true, "nil": true,
	"min": true, "max": true, "copy": true, "make": true, "new": true, "panic": true,
}

// customLocals binds every unambiguous leaf name so custom expressions can
// write prescriber_id instead of priv.PrescriptionPrescriberId.
func (g *generator) customLocals() {
	count := map[string]int{}
	for _, f := range g.doc.PrivateInputs.Fields {
		count[f.Name]++
	}
	for _, f := range g.doc.PublicParams.Fields {
		count[f.Name]++
	}
	var names []string
	bind := func(f dsl.Field, ref string) {
		if count[f.Name] != 1 || reserved[f.Name] || token.IsKeyword(f.Name) || !token.IsIdentifier(f.Name) {
			return
		}
		g.p("%s := %s", f.Name, ref)
		names = append(names, f.Name)
	}
	for _, f := range g.doc.PrivateInputs.Fields {
		bind(f, privRef(f))
	}
	for _, f := range g.doc.PublicParams.Fields {
		bind(f, pubRef(f))
	}
	for _, n := range names {
		g.p("_ = %s", n)
	}
}

func (g *generator) evaluate() {
	g.p("// Evaluate decodes the inputs, applies every rule and discloses the declared outputs.")
	g.p("func Evaluate(in guestlib.Input) guestlib.Outputs {")
	g.p("pr := guestlib.NewReader(in.Private)")
	g.p("pu := guestlib.NewReader(in.Public)")
	g.p("priv := decodePrivate(pr)")
	g.p("pub := decodePublic(pu)")
	g.p("if reason := guestlib.FirstErr(pr, pu); reason != \"\" {")
	g.p("return guestlib.Failure(in, reason)")
	g.p("}")
	g.p("")
	g.p("results := []bool{")
	for i := range g.doc.Rules {
		g.p("rule%d(priv, pub, in),", i)
	}
	g.p("}")
	g.p("ok := true")
	g.p("for _, r := range results {")
	g.p("ok = ok && r")
	g.p("}")
	g.p("")
	g.p("md := guestlib.NewMetadata(useCase, in.AsOf)")
	for _, out := range g.v.Outputs() {
		switch out.Source {
		case validator.OutputPublic:
			g.p("md.Set(%q, %s)", out.Name, pubRef(out.Fields[0]))
		case validator.OutputPrivateHash:
			if len(out.Fields) == 1 {
				g.p("md.Set(%q, guestlib.HashHex(%s))", out.Name, g.hashInput(out.Fields[0]))
				continue
			}
			parts := make([]string, len(out.Fields))
			for i, f := range out.Fields {
				parts[i] = g.hashInput(f)
			}
			g.p("md.Set(%q, guestlib.HashHex(guestlib.Message(%s)))", out.Name, strings.Join(parts, ", "))
		}
	}
	g.p("return guestlib.Outputs{Token: in.Token, ComplianceResult: ok, Metadata: md.Bytes()}")
	g.p("}")
}

func (g *generator) hashInput(f dsl.Field) string {
	return encode(f, privRef(f))
}
