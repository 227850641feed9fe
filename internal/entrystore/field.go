package entrystore

// Field identifies one of an entry's mutable, subscribable facets.
type Field uint8

const (
	FieldCurrentValue Field = 1 << iota
	FieldActuatorTarget
	FieldMetadata
)

// FieldSet is a bitmask of Field values, used by path subscriptions to
// restrict which facets of a matched path are delivered (spec §3).
type FieldSet uint8

// Has reports whether f is present in the set.
func (s FieldSet) Has(f Field) bool { return FieldSet(f)&s != 0 }

// With returns a new FieldSet with f added.
func (s FieldSet) With(f Field) FieldSet { return s | FieldSet(f) }

// Intersect returns the fields present in both sets.
func (s FieldSet) Intersect(o FieldSet) FieldSet { return s & o }

// AllFields is the field set subscribing to every facet.
const AllFields FieldSet = FieldSet(FieldCurrentValue | FieldActuatorTarget | FieldMetadata)
