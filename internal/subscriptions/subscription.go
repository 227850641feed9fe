// Package subscriptions implements the broker's fan-out layer: path and
// query subscriptions consuming change sets from the Update Pipeline and
// delivering filtered notifications to their own bounded, single-reader
// outbound queues.
package subscriptions

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/types"
)

// OverflowPolicy governs what happens when a subscriber's outbound
// queue is full at delivery time.
type OverflowPolicy int

const (
	// DropOldest discards the queue's oldest undelivered message to make
	// room for the new one; the subscriber is told about the gap via a
	// separate Gap message queued ahead of its next delivered message.
	DropOldest OverflowPolicy = iota
	// DropConnection cancels the subscription outright instead of
	// dropping individual messages.
	DropConnection
)

// ID identifies a live subscription.
type ID = uuid.UUID

// PathUpdate is one matched path's delta within a delivered Message,
// restricted to the fields the subscription asked for.
type PathUpdate struct {
	Path           string
	Fields         entrystore.FieldSet
	CurrentValue   *entrystore.Datapoint
	ActuatorTarget *entrystore.Datapoint
	Description    string
	Unit           string
}

// Message is one delivery on a subscription's outbound queue: either a
// path-subscription update batch, a query-subscription row, or a Gap
// marker reporting dropped messages since the last delivery.
type Message struct {
	Gap bool

	PathUpdates []PathUpdate

	Row map[string]types.Value
}

// PathFilter is one (glob, field-mask) pair within a path subscription.
// Regex is the compiled form of the glob that registered it.
type PathFilter struct {
	Regex  *regexp.Regexp
	Fields entrystore.FieldSet
}

func (f PathFilter) match(path string) bool {
	return f.Regex.MatchString(path)
}

// Query is the narrow interface the engine needs from a compiled query
// subscription, satisfied by *query.Compiled. Keeping it an interface
// here (rather than importing the query package) lets the executor
// live entirely on the query side of the boundary.
type Query interface {
	// ReferencedIDs returns the entry ids the query's columns and
	// predicate reference; the engine only re-evaluates a query
	// subscription when a ChangeSet touches one of these.
	ReferencedIDs() []int64
	// Evaluate runs the query against a snapshot accessor, returning
	// the emitted row (alias to value) and whether the predicate held.
	Evaluate(lookup func(id int64) (*entrystore.Entry, bool)) (map[string]types.Value, bool)
}
