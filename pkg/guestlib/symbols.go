package guestlib

import "reflect"

// ImportPath is the path generated programs import.
const ImportPath = "zkgate/pkg/guestlib"

// Symbols is the interpreter export table for this package. It is the complete
// surface a guest program can reach.
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/guestlib": {
		"Input":    reflect.ValueOf((*Input)(nil)),
		"Outputs":  reflect.ValueOf((*Outputs)(nil)),
		"Reader":   reflect.ValueOf((*Reader)(nil)),
		"Metadata": reflect.ValueOf((*Metadata)(nil)),

		"NewReader":   reflect.ValueOf(NewReader),
		"NewMetadata": reflect.ValueOf(NewMetadata),
		"Failure":     reflect.ValueOf(Failure),
		"FirstErr":    reflect.ValueOf(FirstErr),

		"AgeOn":            reflect.ValueOf(AgeOn),
		"AgeAtLeast":       reflect.ValueOf(AgeAtLeast),
		"ContainsString":   reflect.ValueOf(ContainsString),
		"ContainsUint64":   reflect.ValueOf(ContainsUint64),
		"IntersectsString": reflect.ValueOf(IntersectsString),
		"IntersectsUint64": reflect.ValueOf(IntersectsUint64),
		"VerifySignature":  reflect.ValueOf(VerifySignature),
		"DecodeBinary":     reflect.ValueOf(DecodeBinary),
		"HashHex":          reflect.ValueOf(HashHex),

		"Message":      reflect.ValueOf(Message),
		"StringBytes":  reflect.ValueOf(StringBytes),
		"Uint64Bytes":  reflect.ValueOf(Uint64Bytes),
		"Int64Bytes":   reflect.ValueOf(Int64Bytes),
		"BoolBytes":    reflect.ValueOf(BoolBytes),
		"StringsBytes": reflect.ValueOf(StringsBytes),
		"Uint64sBytes": reflect.ValueOf(Uint64sBytes),
	},
}
