package guestlib

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

const dateLayout = "2006-01-02"

// AgeOn returns whole years between dob and asOf, or -1 if either date is
// malformed or dob is after asOf.
func AgeOn(dob, asOf string) int64 {
	birth, err := time.Parse(dateLayout, dob)
	if err != nil {
		return -1
	}
	ref, err := time.Parse(dateLayout, asOf)
	if err != nil || ref.Before(birth) {
		return -1
	}
	age := int64(ref.Year() - birth.Year())
	if ref.Month() < birth.Month() || (ref.Month() == birth.Month() && ref.Day() < birth.Day()) {
		age--
	}
	return age
}

// AgeAtLeast reports whether the holder of dob is at least minAge years old on asOf.
func AgeAtLeast(dob, asOf string, minAge uint64) bool {
	age := AgeOn(dob, asOf)
	return age >= 0 && uint64(age) >= minAge
}

func ContainsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func ContainsUint64(list []uint64, v uint64) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func IntersectsString(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func IntersectsUint64(a, b []uint64) bool {
	set := make(map[uint64]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// Message frames signed fields: each part is prefixed with its 4-byte
// big-endian length so field boundaries cannot shift.
func Message(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

func StringBytes(s string) []byte { return []byte(s) }

func Uint64Bytes(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func Int64Bytes(v int64) []byte { return binary.BigEndian.AppendUint64(nil, uint64(v)) }

func BoolBytes(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func StringsBytes(v []string) []byte {
	parts := make([][]byte, len(v))
	for i, s := range v {
		parts[i] = []byte(s)
	}
	return Message(parts...)
}

func Uint64sBytes(v []uint64) []byte {
	out := make([]byte, 0, 8*len(v))
	for _, n := range v {
		out = binary.BigEndian.AppendUint64(out, n)
	}
	return out
}

// HashHex is the disclosure form of a private value.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Metadata accumulates the disclosed outputs of one evaluation.
type Metadata struct {
	fields map[string]any
}

// NewMetadata seeds metadata with the program's use case and evaluation date.
func NewMetadata(useCase, asOf string) *Metadata {
	return &Metadata{fields: map[string]any{"use_case": useCase, "as_of": asOf}}
}

func (m *Metadata) Set(key string, v any) {
	m.fields[key] = v
}

// Bytes encodes metadata as JSON with sorted keys.
func (m *Metadata) Bytes() []byte {
	b, err := json.Marshal(m.fields)
	if err != nil {
		return []byte("{}")
	}
	return b
}
