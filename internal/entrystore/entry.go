// Package entrystore implements the broker's typed, path-indexed
// signal registry: the Entry Store of spec.md §4.4.
package entrystore

import (
	"time"

	"github.com/vehiclebroker/databroker/internal/types"
)

// EntryType is a signal's role.
type EntryType int

const (
	Sensor EntryType = iota
	Attribute
	Actuator
)

func (t EntryType) String() string {
	switch t {
	case Sensor:
		return "sensor"
	case Attribute:
		return "attribute"
	case Actuator:
		return "actuator"
	default:
		return "unknown"
	}
}

// ChangeType is a signal's change-notification policy.
type ChangeType int

const (
	Static ChangeType = iota
	OnChange
	Continuous
)

func (c ChangeType) String() string {
	switch c {
	case Static:
		return "static"
	case OnChange:
		return "on_change"
	case Continuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// Datapoint pairs a value with the instant it was recorded.
type Datapoint struct {
	Value     types.Value
	Timestamp time.Time
}

// Allowed constrains admissible values for an entry: set membership
// for discrete types, a closed numeric range for numeric types (open
// question in spec.md §9, resolved here).
type Allowed struct {
	Set      []types.Value
	HasRange bool
	Min, Max types.Value
}

// Check reports whether v satisfies the constraint.
func (a *Allowed) Check(v types.Value) bool {
	if a == nil {
		return true
	}
	if a.HasRange {
		return compareNumeric(v, a.Min) >= 0 && compareNumeric(v, a.Max) <= 0
	}
	for _, allowed := range a.Set {
		if allowed.Equal(v) {
			return true
		}
	}
	return len(a.Set) == 0
}

// compareNumeric compares two numeric Values, returning -1/0/1. Only
// meaningful when both are numeric of a comparable representation;
// Allowed.Check only calls it for HasRange constraints, which are only
// ever built over numeric data types.
func compareNumeric(a, b types.Value) int {
	af, aok := numericAsFloat(a)
	bf, bok := numericAsFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func numericAsFloat(v types.Value) (float64, bool) {
	switch v.Kind() {
	case types.Int8, types.Int16, types.Int32, types.Int64:
		return float64(v.Int()), true
	case types.Uint8, types.Uint16, types.Uint32, types.Uint64:
		return float64(v.Uint()), true
	case types.Float, types.Double:
		return v.Float64(), true
	default:
		return 0, false
	}
}

// Metadata is the immutable-after-creation part of an Entry, plus the
// mutable description/unit/allowed fields (invariant 7, spec §3).
type Metadata struct {
	Path        string
	DataType    types.Kind
	EntryType   EntryType
	ChangeType  ChangeType
	Description string
	Unit        string
	Allowed     *Allowed
}

// Entry is the canonical record for one signal (spec.md §3).
type Entry struct {
	ID   int64
	Meta Metadata

	CurrentValue   *Datapoint
	ActuatorTarget *Datapoint
}

// MetadataMatches reports whether two metadata values describe the
// same immutable shape, used by the idempotent re-add check (Create)
// and by callers validating a create before committing it.
func MetadataMatches(a, b Metadata) bool {
	return sameMetadata(a, b)
}

// sameMetadata reports whether two metadata values describe the same
// immutable shape, used by Txn.Create's idempotent re-add check.
func sameMetadata(a, b Metadata) bool {
	return a.Path == b.Path &&
		a.DataType == b.DataType &&
		a.EntryType == b.EntryType &&
		a.ChangeType == b.ChangeType
}

// clone returns a deep-enough copy of e for safe external use: the
// returned Entry shares no mutable state with the store's internal
// record (invariant: "concurrent readers see a consistent snapshot").
func (e *Entry) clone() *Entry {
	cp := *e
	if e.CurrentValue != nil {
		dp := *e.CurrentValue
		cp.CurrentValue = &dp
	}
	if e.ActuatorTarget != nil {
		dp := *e.ActuatorTarget
		cp.ActuatorTarget = &dp
	}
	return &cp
}
