package subscriptions

import (
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/pipeline"
)

// pathSub is a registered path subscription: a set of filters plus the
// common delivery machinery shared with query subscriptions.
type pathSub struct {
	common
	filters []PathFilter
	perm    permissions.Permissions
}

// match reports whether ch touches any of sub's filters and, if so,
// returns the PathUpdate restricted to the intersection of changed and
// subscribed fields. store is consulted for description/unit when a
// metadata change is within scope, since EntryChange itself carries
// only the changed-field bitmask and value deltas.
func (sub *pathSub) match(store *entrystore.Store, ch pipeline.EntryChange) (PathUpdate, bool) {
	var fields entrystore.FieldSet
	for _, f := range sub.filters {
		if f.match(ch.Path) {
			fields |= f.Fields.Intersect(ch.Fields)
		}
	}
	if fields == 0 {
		return PathUpdate{}, false
	}
	if err := sub.perm.CanRead(ch.Path); err != nil {
		return PathUpdate{}, false
	}

	pu := PathUpdate{Path: ch.Path, Fields: fields}
	if fields.Has(entrystore.FieldCurrentValue) {
		pu.CurrentValue = ch.CurrentValue
	}
	if fields.Has(entrystore.FieldActuatorTarget) {
		pu.ActuatorTarget = ch.ActuatorTarget
	}
	if fields.Has(entrystore.FieldMetadata) {
		if e, err := store.GetByID(ch.ID); err == nil {
			pu.Description = e.Meta.Description
			pu.Unit = e.Meta.Unit
		}
	}
	return pu, true
}
