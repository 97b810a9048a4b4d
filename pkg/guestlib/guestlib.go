// Package guestlib is the only package visible to generated policy programs.
//
// Generated code decodes its inputs through Reader, evaluates rule predicates with
// the helpers in this package and returns Outputs. The interpreter that runs a
// program exposes nothing else: no standard library, no I/O.
package guestlib

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Input is what the host hands to a program's Evaluate function.
type Input struct {
	// Private and Public are JSON objects matching the program's schemas.
	Private []byte
	Public  []byte
	// Token is the single-use token bound to this evaluation.
	Token [32]byte
	// AsOf is the evaluation date (YYYY-MM-DD) used by date-relative rules.
	AsOf string
}

// Outputs is what a program returns.
type Outputs struct {
	Token            [32]byte
	ComplianceResult bool
	Metadata         []byte
	// Err is non-empty when the inputs did not match the baked-in schema.
	Err string
}

// Failure returns the outputs of a program whose inputs failed to decode.
func Failure(in Input, reason string) Outputs {
	return Outputs{Token: in.Token, Err: reason}
}

// FirstErr returns the first decode error recorded by any reader, or "".
func FirstErr(readers ...*Reader) string {
	for _, r := range readers {
		if r.err != nil {
			return r.err.Error()
		}
	}
	return ""
}

// Reader decodes typed values from a JSON object by dotted path. The first
// failure is kept and later reads return zero values.
type Reader struct {
	root map[string]any
	err  error
}

// NewReader parses doc. An empty doc decodes as an empty object.
func NewReader(doc []byte) *Reader {
	r := &Reader{root: map[string]any{}}
	if len(bytes.TrimSpace(doc)) == 0 {
		return r
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&r.root); err != nil {
		r.err = fmt.Errorf("inputs are not a JSON object: %v", err)
	}
	return r
}

// Err returns the first decode failure.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(path, format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...))
	}
}

func (r *Reader) lookup(path string) (any, bool) {
	if r.err != nil {
		return nil, false
	}
	var cur any = r.root
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			r.fail(path, "expected object at %q", part)
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			r.fail(path, "missing field")
			return nil, false
		}
	}
	return cur, true
}

func (r *Reader) String(path string) string {
	v, ok := r.lookup(path)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(path, "expected string")
	}
	return s
}

func (r *Reader) Bool(path string) bool {
	v, ok := r.lookup(path)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(path, "expected bool")
	}
	return b
}

func (r *Reader) U64(path string) uint64 {
	v, ok := r.lookup(path)
	if !ok {
		return 0
	}
	return r.unsigned(path, v, math.MaxUint64)
}

func (r *Reader) U32(path string) uint64 {
	v, ok := r.lookup(path)
	if !ok {
		return 0
	}
	return r.unsigned(path, v, math.MaxUint32)
}

func (r *Reader) I64(path string) int64 {
	v, ok := r.lookup(path)
	if !ok {
		return 0
	}
	return r.signed(path, v, math.MinInt64, math.MaxInt64)
}

func (r *Reader) I32(path string) int64 {
	v, ok := r.lookup(path)
	if !ok {
		return 0
	}
	return r.signed(path, v, math.MinInt32, math.MaxInt32)
}

// Bytes accepts hex (optionally 0x-prefixed) or standard base64.
func (r *Reader) Bytes(path string) []byte {
	v, ok := r.lookup(path)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		r.fail(path, "expected hex or base64 string")
		return nil
	}
	b, err := decodeBinary(s)
	if err != nil {
		r.fail(path, "%v", err)
	}
	return b
}

func (r *Reader) Strings(path string) []string {
	items := r.array(path)
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			r.fail(path, "element %d: expected string", i)
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (r *Reader) U64s(path string) []uint64 {
	return r.unsignedArray(path, math.MaxUint64)
}

func (r *Reader) U32s(path string) []uint64 {
	return r.unsignedArray(path, math.MaxUint32)
}

func (r *Reader) array(path string) []any {
	v, ok := r.lookup(path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		r.fail(path, "expected array")
	}
	return items
}

func (r *Reader) unsignedArray(path string, limit uint64) []uint64 {
	items := r.array(path)
	out := make([]uint64, 0, len(items))
	for i, item := range items {
		n := r.unsigned(fmt.Sprintf("%s[%d]", path, i), item, limit)
		if r.err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func (r *Reader) unsigned(path string, v any, limit uint64) uint64 {
	num, ok := v.(json.Number)
	if !ok {
		r.fail(path, "expected unsigned integer")
		return 0
	}
	n, err := strconv.ParseUint(num.String(), 10, 64)
	if err != nil || n > limit {
		r.fail(path, "expected unsigned integer <= %d", limit)
		return 0
	}
	return n
}

func (r *Reader) signed(path string, v any, lo, hi int64) int64 {
	num, ok := v.(json.Number)
	if !ok {
		r.fail(path, "expected integer")
		return 0
	}
	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil || n < lo || n > hi {
		r.fail(path, "expected integer in [%d, %d]", lo, hi)
		return 0
	}
	return n
}

func decodeBinary(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed)%2 == 0 {
		if b, err := hex.DecodeString(trimmed); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("expected hex or base64 string")
}

// DecodeBinary decodes a hex or base64 string, returning nil when it is neither.
func DecodeBinary(s string) []byte {
	b, err := decodeBinary(s)
	if err != nil {
		return nil
	}
	return b
}
