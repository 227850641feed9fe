// Package pipeline implements the Update Pipeline (spec §4.5): the
// sole mutation entry point for entry values, actuator targets, and
// mutable metadata, producing a ChangeSet the Subscription Engine
// fans out to matching subscribers.
package pipeline

import (
	"github.com/vehiclebroker/databroker/internal/entrystore"
)

// EntryChange is one entry's delta within a ChangeSet.
type EntryChange struct {
	ID             int64
	Path           string
	Fields         entrystore.FieldSet
	CurrentValue   *entrystore.Datapoint
	ActuatorTarget *entrystore.Datapoint
	Notify         bool // always true: writes that notify no one are left out of the ChangeSet
}

// ChangeSet is the collection of per-entry deltas produced by one
// batch commit (spec glossary). Order matches commit order within the
// batch; map iteration order is not used for delivery ordering by
// callers — callers that need order should range over Order.
type ChangeSet struct {
	Order   []int64
	Entries map[int64]EntryChange
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{Entries: make(map[int64]EntryChange)}
}

func (c *ChangeSet) add(ch EntryChange) {
	if _, exists := c.Entries[ch.ID]; !exists {
		c.Order = append(c.Order, ch.ID)
	}
	c.Entries[ch.ID] = ch
}

// Empty reports whether the change set carries no entries worth
// notifying subscribers about.
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Entries) == 0
}
