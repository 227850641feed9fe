package pipeline

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/vehiclebroker/databroker/internal/brokererr"
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/metrics"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/types"
)

// EntryUpdate is one element of a batch submitted to the pipeline. It
// identifies its target entry by ID (if known) or Path (resolved
// first), and carries any subset of the fields spec.md §4.5 allows a
// single update to touch.
type EntryUpdate struct {
	ID   int64
	Path string

	// Create, if true, registers path with the metadata below instead
	// of updating an existing entry (§4.5 phase 1, "if the update is a
	// create").
	Create     bool
	DataType   types.Kind
	EntryType  entrystore.EntryType
	ChangeType entrystore.ChangeType

	CurrentValue   *types.Value
	ActuatorTarget *types.Value
	Description    *string
	Unit           *string
	Allowed        *entrystore.Allowed
}

// Key identifies this update in a result map: its path if given, else
// "id:<n>".
func (u EntryUpdate) Key() string {
	if u.Path != "" {
		return u.Path
	}
	return fmt.Sprintf("id:%d", u.ID)
}

// Pipeline is the sole mutation entry point for entry values, targets,
// and mutable metadata (spec §4.5). It owns no state of its own beyond
// a reference to the Entry Store and the single-producer channel that
// feeds the Subscription Engine.
type Pipeline struct {
	store   *entrystore.Store
	changes chan<- *ChangeSet
	log     *zap.Logger
	clock   func() time.Time
	metrics *metrics.Metrics
}

// New builds a Pipeline writing to store and publishing ChangeSets on
// changes. changes must be consumed by exactly one goroutine (the
// Subscription Engine) to preserve per-subscription delivery ordering
// (spec §5).
func New(store *entrystore.Store, changes chan<- *ChangeSet, log *zap.Logger) *Pipeline {
	return &Pipeline{store: store, changes: changes, log: log, clock: time.Now}
}

// SetMetrics attaches the collectors ExecuteBatch and ExecuteAtomic
// report through. Optional: a Pipeline built without calling
// this records nothing, which is what every existing test does.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// recordRejection labels a validation failure by its brokererr.Kind for
// the changeset_rejections_total counter.
func (p *Pipeline) recordRejection(err error) {
	if p.metrics == nil {
		return
	}
	if be, ok := err.(*brokererr.Error); ok {
		p.metrics.ChangesetRejected(be.Kind.String())
		return
	}
	p.metrics.ChangesetRejected("")
}

// ExecuteBatch applies updates non-atomically: one bad update produces
// an error entry for its key but does not block the others (spec
// §4.5, §7 "Per-entry errors... collected and returned alongside
// successes"). All updates in the batch are applied under one atomic
// section of the store, so subscribers see them as a single ChangeSet.
func (p *Pipeline) ExecuteBatch(perm permissions.Permissions, updates []EntryUpdate) map[string]error {
	results := make(map[string]error, len(updates))
	cs := newChangeSet()
	created := 0

	p.store.Mutate(func(tx *entrystore.Txn) {
		for _, u := range updates {
			plan, err := p.validateOne(tx, perm, u)
			if err != nil {
				results[u.Key()] = err
				p.recordRejection(err)
				continue
			}
			results[u.Key()] = nil
			change, didCreate := p.commitOne(tx, plan)
			if didCreate {
				created++
			}
			if change != nil {
				cs.add(*change)
			}
		}
	})

	p.reportCreated(created)
	p.publish(cs)
	return results
}

// reportCreated records created new registrations, reading the store's
// post-commit size once the write lock from Mutate has been released
// (Len takes a read lock, which would deadlock if called from inside
// commitOne while Mutate still holds the write lock).
func (p *Pipeline) reportCreated(created int) {
	if p.metrics == nil || created == 0 {
		return
	}
	total := p.store.Len()
	for i := 0; i < created; i++ {
		p.metrics.EntryRegistered(total)
	}
}

// ExecuteAtomic validates and applies updates as a single all-or-
// nothing unit (the streaming-set frame of spec §6/§7): any error
// aborts with no commits at all, and every validation failure found is
// reported via a *multierror.Error rather than just the first one.
//
// Validation and commit run inside one Mutate call, so the write lock
// is held for the whole operation and no concurrent batch can observe
// (or interleave with) a partially-decided atomic set. Validation
// itself never mutates an entry -- it only computes what a commit
// would do -- so a failing update leaves every entry, including ones
// already visited earlier in the loop, exactly as it found them.
func (p *Pipeline) ExecuteAtomic(perm permissions.Permissions, updates []EntryUpdate) error {
	var result *multierror.Error
	cs := newChangeSet()
	created := 0

	p.store.Mutate(func(tx *entrystore.Txn) {
		plans := make([]*plannedChange, len(updates))
		for i, u := range updates {
			plan, err := p.validateOne(tx, perm, u)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", u.Key(), err))
				p.recordRejection(err)
				continue
			}
			plans[i] = plan
		}
		if result.ErrorOrNil() != nil {
			return
		}
		for _, plan := range plans {
			if plan == nil {
				continue
			}
			change, didCreate := p.commitOne(tx, plan)
			if didCreate {
				created++
			}
			if change != nil {
				cs.add(*change)
			}
		}
	})
	if result.ErrorOrNil() != nil {
		return result
	}
	p.reportCreated(created)
	p.publish(cs)
	return nil
}

func (p *Pipeline) publish(cs *ChangeSet) {
	if cs.Empty() {
		return
	}
	select {
	case p.changes <- cs:
		if p.metrics != nil {
			p.metrics.ChangesetApplied()
		}
	default:
		// Single-producer, but never block the writer indefinitely on
		// a slow/absent consumer; log and drop rather than stall every
		// provider (spec §5: "never an unbounded wait").
		if p.log != nil {
			p.log.Warn("changeset channel full, dropping", zap.Int("entries", len(cs.Entries)))
		}
	}
}

// plannedChange is the output of validateOne: everything commitOne
// needs to apply an update for real, computed without having written
// anything to the store yet. Keeping the two phases separate is what
// lets ExecuteAtomic validate a whole batch before committing any of
// it (spec §4.5/§7, "abort with no effect").
type plannedChange struct {
	create     bool
	createMeta entrystore.Metadata

	entry *entrystore.Entry // live pointer for an existing entry; nil when create

	newCurrent *entrystore.Datapoint
	newTarget  *entrystore.Datapoint

	description *string
	unit        *string
	allowed     *entrystore.Allowed

	fields entrystore.FieldSet
	notify bool
}

// validateOne runs phases 1-3 of §4.5 (resolve & authorize, type-check,
// change-type gate) against the live txn, reading but never writing
// any entry. Its result fully determines what commitOne will do, so
// once every update in a batch has validated, committing cannot fail.
func (p *Pipeline) validateOne(tx *entrystore.Txn, perm permissions.Permissions, u EntryUpdate) (*plannedChange, error) {
	plan := &plannedChange{}

	var e *entrystore.Entry
	if u.Create {
		if err := perm.CanCreate(u.Path); err != nil {
			return nil, authErr(err)
		}
		meta := entrystore.Metadata{
			Path: u.Path, DataType: u.DataType, EntryType: u.EntryType,
			ChangeType: u.ChangeType, Allowed: u.Allowed,
		}
		if existing := tx.GetByPath(u.Path); existing != nil {
			if !entrystore.MetadataMatches(existing.Meta, meta) {
				return nil, brokererr.New(brokererr.AlreadyExists, u.Path, nil)
			}
			// Idempotent re-add: nothing to commit, but not an error.
			return &plannedChange{entry: existing}, nil
		}
		plan.create = true
		plan.createMeta = meta
		// Creation carries only the immutable shape plus the initial
		// Allowed constraint. Any current value, target, description
		// or unit on a create update is ignored: it is neither applied
		// nor reported as an error.
		return plan, nil
	}

	if u.ID != 0 {
		e = tx.Get(u.ID)
	} else if u.Path != "" {
		e = tx.GetByPath(u.Path)
	}
	if e == nil {
		return nil, brokererr.New(brokererr.NotFound, u.Key(), nil)
	}
	plan.entry = e

	if u.CurrentValue != nil {
		if err := perm.CanProvide(e.Meta.Path); err != nil {
			return nil, authErr(err)
		}
	}
	if u.ActuatorTarget != nil {
		if err := perm.CanActuate(e.Meta.Path); err != nil {
			return nil, authErr(err)
		}
	}
	if (u.Description != nil || u.Unit != nil || u.Allowed != nil) && u.CurrentValue == nil && u.ActuatorTarget == nil {
		if err := perm.CanRead(e.Meta.Path); err != nil {
			return nil, authErr(err)
		}
	}

	if u.CurrentValue != nil {
		if !types.Check(*u.CurrentValue, e.Meta.DataType) {
			return nil, brokererr.New(brokererr.WrongType, u.Key(), nil)
		}
		if !e.Meta.Allowed.Check(*u.CurrentValue) {
			return nil, brokererr.New(brokererr.OutOfBounds, u.Key(), nil)
		}

		dp := entrystore.Datapoint{Value: *u.CurrentValue, Timestamp: p.clock()}
		switch e.Meta.ChangeType {
		case entrystore.Static:
			if e.CurrentValue != nil {
				return nil, brokererr.New(brokererr.StaticNotAllowed, u.Key(), nil)
			}
			plan.notify = true
		case entrystore.OnChange:
			if e.CurrentValue == nil || !e.CurrentValue.Value.Equal(dp.Value) {
				plan.notify = true
			}
		case entrystore.Continuous:
			plan.notify = true
		}
		plan.newCurrent = &dp
		plan.fields = plan.fields.With(entrystore.FieldCurrentValue)
	}

	// Actuator target: always notify when different from prior target.
	if u.ActuatorTarget != nil {
		if !types.Check(*u.ActuatorTarget, e.Meta.DataType) {
			return nil, brokererr.New(brokererr.WrongType, u.Key(), nil)
		}
		if !e.Meta.Allowed.Check(*u.ActuatorTarget) {
			return nil, brokererr.New(brokererr.OutOfBounds, u.Key(), nil)
		}
		dp := entrystore.Datapoint{Value: *u.ActuatorTarget, Timestamp: p.clock()}
		if e.ActuatorTarget == nil || !e.ActuatorTarget.Value.Equal(dp.Value) {
			plan.notify = true
		}
		plan.newTarget = &dp
		plan.fields = plan.fields.With(entrystore.FieldActuatorTarget)
	}

	metaChanged := false
	if u.Description != nil {
		plan.description = u.Description
		metaChanged = true
	}
	if u.Unit != nil {
		plan.unit = u.Unit
		metaChanged = true
	}
	if u.Allowed != nil {
		plan.allowed = u.Allowed
		metaChanged = true
	}
	if metaChanged {
		plan.fields = plan.fields.With(entrystore.FieldMetadata)
		plan.notify = true
	}

	return plan, nil
}

// commitOne applies a previously validated plan to the live store
// under tx. It performs no checks of its own -- validateOne already
// proved the write is admissible -- so it cannot fail, save for the
// inherent create race handled below. Returns the resulting EntryChange
// (nil if nothing should be notified) and whether a new entry was
// created, so the caller can report registrations once the store's
// write lock is released.
func (p *Pipeline) commitOne(tx *entrystore.Txn, plan *plannedChange) (*EntryChange, bool) {
	if plan.create {
		if _, err := tx.Create(plan.createMeta); err != nil {
			// Two creates for the same path landed in one batch;
			// validateOne saw no existing entry for either, but the
			// first one to commit here wins and the second now
			// conflicts. Not worth a notification either way.
			return nil, false
		}
		return nil, true // registration alone has nothing to notify about
	}

	e := plan.entry
	if plan.fields == 0 {
		return nil, false
	}
	if plan.newCurrent != nil {
		e.CurrentValue = plan.newCurrent
	}
	if plan.newTarget != nil {
		e.ActuatorTarget = plan.newTarget
	}
	if plan.description != nil {
		e.Meta.Description = *plan.description
	}
	if plan.unit != nil {
		e.Meta.Unit = *plan.unit
	}
	if plan.allowed != nil {
		e.Meta.Allowed = plan.allowed
	}
	if !plan.notify {
		// Value (or target) applied, but it matched what was already
		// there -- an OnChange dedup or a repeated actuator target.
		// Nothing for subscribers to hear about.
		return nil, false
	}
	return &EntryChange{
		ID: e.ID, Path: e.Meta.Path, Fields: plan.fields,
		CurrentValue: plan.newCurrent, ActuatorTarget: plan.newTarget, Notify: plan.notify,
	}, false
}

func authErr(err error) error {
	if pe, ok := err.(*permissions.CheckError); ok && pe.Expired {
		return brokererr.New(brokererr.Expired, "", err)
	}
	return brokererr.New(brokererr.Denied, "", err)
}
