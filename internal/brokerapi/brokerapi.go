// Package brokerapi implements the kernel facade spec.md §6 exposes to
// wire adapters: GetDatapoints, SetDatapoints, StreamDatapoints,
// Subscribe, SubscribePaths, GetMetadata, RegisterDatapoints, and
// UpdateDatapoints. Every method takes an explicit
// permissions.Permissions rather than reaching for ambient state
// (spec.md §9, "interceptor-style auth").
package brokerapi

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/pathglob"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/pipeline"
	"github.com/vehiclebroker/databroker/internal/query"
	"github.com/vehiclebroker/databroker/internal/subscriptions"
	"github.com/vehiclebroker/databroker/internal/types"
)

// API wires the store, pipeline, and subscription engine into the
// narrow surface the rest of the broker is built against.
type API struct {
	store    *entrystore.Store
	pipeline *pipeline.Pipeline
	engine   *subscriptions.Engine
	log      *zap.Logger
}

// New builds an API over an already-wired kernel.
func New(store *entrystore.Store, pl *pipeline.Pipeline, engine *subscriptions.Engine, log *zap.Logger) *API {
	return &API{store: store, pipeline: pl, engine: engine, log: log}
}

// Datapoint is the value half of spec.md §6's `map<path, Datapoint|Failure>`
// union: when Value.IsFailure(), Timestamp is zero and Value.Reason()
// names why (unknown datapoint, access denied, or no value recorded
// yet).
type Datapoint struct {
	Value     types.Value
	Timestamp time.Time
}

// GetDatapoints resolves each requested path's current value under
// perm. Unknown paths and denied paths are both reported as a Failure
// value rather than omitted, so callers get one entry per request.
func (a *API) GetDatapoints(perm permissions.Permissions, paths []string) map[string]Datapoint {
	out := make(map[string]Datapoint, len(paths))
	for _, p := range paths {
		out[p] = a.getOne(perm, p)
	}
	return out
}

func (a *API) getOne(perm permissions.Permissions, path string) Datapoint {
	if err := perm.CanRead(path); err != nil {
		return Datapoint{Value: types.NewFailure("access denied")}
	}
	e, err := a.store.GetByPath(path)
	if err != nil {
		return Datapoint{Value: types.NewFailure("unknown datapoint")}
	}
	if e.CurrentValue == nil {
		return Datapoint{Value: types.NewFailure("no current value")}
	}
	return Datapoint{Value: e.CurrentValue.Value, Timestamp: e.CurrentValue.Timestamp}
}

// DatapointWrite identifies one write in a batch by path or id (ID
// takes precedence when both are set, matching pipeline.EntryUpdate's
// own resolution order).
type DatapointWrite struct {
	Path  string
	ID    int64
	Value types.Value
}

func (w DatapointWrite) toUpdate() pipeline.EntryUpdate {
	v := w.Value
	return pipeline.EntryUpdate{ID: w.ID, Path: w.Path, CurrentValue: &v}
}

// SetDatapoints applies writes non-atomically (spec.md §6): one bad
// write produces an error entry for its key but does not block the
// rest of the batch.
func (a *API) SetDatapoints(perm permissions.Permissions, writes []DatapointWrite) map[string]error {
	updates := make([]pipeline.EntryUpdate, len(writes))
	for i, w := range writes {
		updates[i] = w.toUpdate()
	}
	return a.pipeline.ExecuteBatch(perm, updates)
}

// UpdateDatapoints pushes current values by entry id (spec.md §6), the
// by-id counterpart to SetDatapoints's by-path-or-id batch. Like
// SetDatapoints it is non-atomic.
func (a *API) UpdateDatapoints(perm permissions.Permissions, values map[int64]types.Value) map[string]error {
	writes := make([]DatapointWrite, 0, len(values))
	for id, v := range values {
		writes = append(writes, DatapointWrite{ID: id, Value: v})
	}
	return a.SetDatapoints(perm, writes)
}

// StreamDatapoints applies one frame of a provider's streaming-set as
// a single atomic unit (spec.md §6/§7): any validation failure aborts
// the whole frame with no commits. The wire adapter is expected to
// call this once per inbound stream message.
func (a *API) StreamDatapoints(perm permissions.Permissions, writes []DatapointWrite) error {
	updates := make([]pipeline.EntryUpdate, len(writes))
	for i, w := range writes {
		updates[i] = w.toUpdate()
	}
	return a.pipeline.ExecuteAtomic(perm, updates)
}

// StreamErrors flattens the *multierror.Error StreamDatapoints may
// return into a plain slice, for adapters that want to enumerate every
// rejected write rather than format a single combined error string.
func StreamErrors(err error) []error {
	if err == nil {
		return nil
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		return []error{err}
	}
	return merr.Errors
}

// GetMetadata returns the metadata of every requested path the caller
// may read; an empty paths list means "all entries" (spec.md §6).
// Paths that don't exist or aren't readable are silently omitted,
// matching GetMetadata's list-shaped (not map-shaped) return.
func (a *API) GetMetadata(perm permissions.Permissions, paths []string) []entrystore.Metadata {
	var entries []*entrystore.Entry
	if len(paths) == 0 {
		entries = a.store.List(nil)
	} else {
		entries = make([]*entrystore.Entry, 0, len(paths))
		for _, p := range paths {
			if e, err := a.store.GetByPath(p); err == nil {
				entries = append(entries, e)
			}
		}
	}

	out := make([]entrystore.Metadata, 0, len(entries))
	for _, e := range entries {
		if perm.CanRead(e.Meta.Path) != nil {
			continue
		}
		out = append(out, e.Meta)
	}
	return out
}

// RegisterDatapoints creates new entries (spec.md §6), non-atomically:
// a conflicting re-registration produces an error for its path but
// does not block the rest of the list. Only paths that registered (or
// already existed with identical metadata) appear in the result.
func (a *API) RegisterDatapoints(perm permissions.Permissions, metas []entrystore.Metadata) map[string]int64 {
	updates := make([]pipeline.EntryUpdate, len(metas))
	for i, m := range metas {
		updates[i] = pipeline.EntryUpdate{
			Create:     true,
			Path:       m.Path,
			DataType:   m.DataType,
			EntryType:  m.EntryType,
			ChangeType: m.ChangeType,
			Allowed:    m.Allowed,
		}
	}
	errs := a.pipeline.ExecuteBatch(perm, updates)

	out := make(map[string]int64, len(metas))
	for _, m := range metas {
		if errs[m.Path] != nil {
			continue
		}
		if id, err := a.store.ResolveID(m.Path); err == nil {
			out[m.Path] = id
		}
	}
	return out
}

// PathSubscriptionSpec is one (glob, field-mask) filter requested by a
// path subscription (spec.md §3, §6).
type PathSubscriptionSpec struct {
	Glob   string
	Fields entrystore.FieldSet
}

// SubscribePaths compiles each glob and registers a path subscription
// with the Subscription Engine. The returned cancel func must be
// called once the consumer stops reading from msgs.
func (a *API) SubscribePaths(perm permissions.Permissions, specs []PathSubscriptionSpec, queueCap int, overflow subscriptions.OverflowPolicy) (subscriptions.ID, <-chan *subscriptions.Message, func(), error) {
	filters := make([]subscriptions.PathFilter, len(specs))
	for i, s := range specs {
		re, err := pathglob.ToRegex(s.Glob)
		if err != nil {
			return subscriptions.ID{}, nil, nil, err
		}
		filters[i] = subscriptions.PathFilter{Regex: re, Fields: s.Fields}
	}
	id, msgs, cancel := a.engine.RegisterPath(filters, perm, queueCap, overflow)
	return id, msgs, cancel, nil
}

// Subscribe compiles raw as a subscription query (spec.md §4.7) and
// registers it with the Subscription Engine. The returned cancel func
// must be called once the consumer stops reading from msgs.
func (a *API) Subscribe(perm permissions.Permissions, raw string, queueCap int, overflow subscriptions.OverflowPolicy) (subscriptions.ID, <-chan *subscriptions.Message, func(), error) {
	compiled, err := query.Compile(raw, query.NewResolver(a.store))
	if err != nil {
		return subscriptions.ID{}, nil, nil, err
	}
	id, msgs, cancel := a.engine.RegisterQuery(compiled, perm, queueCap, overflow)
	return id, msgs, cancel, nil
}
