// Package types implements the broker's dynamic value model: the set of
// scalar and array data types signals can declare, parsing of string
// literals into typed values, and type/equality checks over them.
package types

import "strings"

// Kind enumerates every data type a datapoint can declare, plus the
// Failure and Unspecified pseudo-kinds used internally by the kernel.
type Kind int

const (
	Unspecified Kind = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float
	Double
	String
	Timestamp

	BoolArray
	Int8Array
	Int16Array
	Int32Array
	Int64Array
	Uint8Array
	Uint16Array
	Uint32Array
	Uint64Array
	FloatArray
	DoubleArray
	StringArray
	TimestampArray

	// Failure is a distinct value kind meaning "no value yet / unknown
	// datapoint"; it is never equal to a normal value of any kind.
	Failure
)

func (k Kind) String() string {
	switch k {
	case Unspecified:
		return "unspecified"
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float:
		return "float"
	case Double:
		return "double"
	case String:
		return "string"
	case Timestamp:
		return "timestamp"
	case BoolArray:
		return "bool[]"
	case Int8Array:
		return "int8[]"
	case Int16Array:
		return "int16[]"
	case Int32Array:
		return "int32[]"
	case Int64Array:
		return "int64[]"
	case Uint8Array:
		return "uint8[]"
	case Uint16Array:
		return "uint16[]"
	case Uint32Array:
		return "uint32[]"
	case Uint64Array:
		return "uint64[]"
	case FloatArray:
		return "float[]"
	case DoubleArray:
		return "double[]"
	case StringArray:
		return "string[]"
	case TimestampArray:
		return "timestamp[]"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// kindNames is the inverse of Kind.String(), used by ParseKind.
var kindNames = map[string]Kind{
	"bool": Bool, "int8": Int8, "int16": Int16, "int32": Int32, "int64": Int64,
	"uint8": Uint8, "uint16": Uint16, "uint32": Uint32, "uint64": Uint64,
	"float": Float, "double": Double, "string": String, "timestamp": Timestamp,
	"bool[]": BoolArray, "int8[]": Int8Array, "int16[]": Int16Array, "int32[]": Int32Array, "int64[]": Int64Array,
	"uint8[]": Uint8Array, "uint16[]": Uint16Array, "uint32[]": Uint32Array, "uint64[]": Uint64Array,
	"float[]": FloatArray, "double[]": DoubleArray, "string[]": StringArray, "timestamp[]": TimestampArray,
}

// ParseKind resolves a data type's name (case-insensitive, matching
// Kind.String()'s spelling) back to a Kind, for wire adapters and the
// query compiler's CAST(expr AS data_type) that only ever see type
// names as text.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindNames[strings.ToLower(name)]
	return k, ok
}

// MarshalJSON implements json.Marshaler, rendering a Kind by name
// rather than its underlying int so metadata round-trips over the wire
// without a separate lookup table on the client side.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (k *Kind) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	parsed, ok := ParseKind(name)
	if !ok {
		return &unknownKindError{name: name}
	}
	*k = parsed
	return nil
}

type unknownKindError struct{ name string }

func (e *unknownKindError) Error() string { return "types: unknown data type \"" + e.name + "\"" }

// IsArray reports whether k is one of the array variants.
func (k Kind) IsArray() bool {
	return k >= BoolArray && k <= TimestampArray
}

// Elem returns the scalar element kind for an array kind (identity for
// scalar kinds). Used by the array parser/formatter.
func (k Kind) Elem() Kind {
	switch k {
	case BoolArray:
		return Bool
	case Int8Array:
		return Int8
	case Int16Array:
		return Int16
	case Int32Array:
		return Int32
	case Int64Array:
		return Int64
	case Uint8Array:
		return Uint8
	case Uint16Array:
		return Uint16
	case Uint32Array:
		return Uint32
	case Uint64Array:
		return Uint64
	case FloatArray:
		return Float
	case DoubleArray:
		return Double
	case StringArray:
		return String
	case TimestampArray:
		return Timestamp
	default:
		return k
	}
}

// intWidths maps integer kinds to their bit width, for narrowing checks.
var intWidths = map[Kind]int{
	Int8: 8, Int16: 16, Int32: 32, Int64: 64,
	Uint8: 8, Uint16: 16, Uint32: 32, Uint64: 64,
}

func isSignedInt(k Kind) bool {
	switch k {
	case Int8, Int16, Int32, Int64:
		return true
	default:
		return false
	}
}

func isUnsignedInt(k Kind) bool {
	switch k {
	case Uint8, Uint16, Uint32, Uint64:
		return true
	default:
		return false
	}
}

func isNumeric(k Kind) bool {
	return isSignedInt(k) || isUnsignedInt(k) || k == Float || k == Double
}
