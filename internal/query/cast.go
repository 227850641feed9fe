package query

import "github.com/vehiclebroker/databroker/internal/types"

func isNumericKind(k types.Kind) bool {
	switch k {
	case types.Int8, types.Int16, types.Int32, types.Int64,
		types.Uint8, types.Uint16, types.Uint32, types.Uint64,
		types.Float, types.Double:
		return true
	default:
		return false
	}
}

// canCast reports whether a value of kind from may be CAST to kind to:
// any scalar to/from string (via Format/Parse round-trip), or between
// two numeric kinds. Arrays, Failure, and Unspecified never cast.
func canCast(from, to types.Kind) bool {
	if from == to {
		return true
	}
	if from.IsArray() || to.IsArray() || from == types.Failure || to == types.Failure ||
		from == types.Unspecified || to == types.Unspecified {
		return false
	}
	if from == types.String || to == types.String {
		return true
	}
	return isNumericKind(from) && isNumericKind(to)
}

// castValue performs a cast already validated by canCast, reusing the
// value model's own Format/Parse codec rather than duplicating
// per-kind numeric conversions.
func castValue(v types.Value, target types.Kind) types.Value {
	if v.IsFailure() {
		return v
	}
	if v.Kind() == target {
		return v
	}
	s, err := types.Format(v)
	if err != nil {
		return types.NewFailure("cast source unformattable")
	}
	out, err := types.Parse(target, s)
	if err != nil {
		return types.NewFailure("cast failed")
	}
	return out
}

// compareValues orders two same-kind, non-Failure values. ok is false
// when they can't be ordered (different kinds, or a kind with no
// ordering defined here).
func compareValues(a, b types.Value) (int, bool) {
	if a.Kind() != b.Kind() || a.IsFailure() || b.IsFailure() {
		return 0, false
	}
	switch {
	case a.Kind() == types.Bool:
		switch {
		case a.Bool() == b.Bool():
			return 0, true
		case !a.Bool():
			return -1, true
		default:
			return 1, true
		}
	case a.Kind() == types.String:
		switch {
		case a.Str() < b.Str():
			return -1, true
		case a.Str() > b.Str():
			return 1, true
		default:
			return 0, true
		}
	case a.Kind() == types.Timestamp:
		switch {
		case a.Time().Before(b.Time()):
			return -1, true
		case a.Time().After(b.Time()):
			return 1, true
		default:
			return 0, true
		}
	case isNumericKind(a.Kind()):
		af, bf := numericAsFloat(a), numericAsFloat(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func numericAsFloat(v types.Value) float64 {
	switch v.Kind() {
	case types.Int8, types.Int16, types.Int32, types.Int64:
		return float64(v.Int())
	case types.Uint8, types.Uint16, types.Uint32, types.Uint64:
		return float64(v.Uint())
	default:
		return v.Float64()
	}
}
