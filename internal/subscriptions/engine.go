package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/metrics"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/pipeline"
)

// common holds the outbound-queue and overflow-policy machinery shared
// by path and query subscriptions: one bounded channel, a single
// producer (the engine's dispatch goroutine), and a pending-gap flag
// set when DropOldest silently discards a message.
type common struct {
	id       ID
	out      chan *Message
	overflow OverflowPolicy

	mu         sync.Mutex
	closed     bool
	gapPending bool
}

// deliver sends msg according to the subscription's overflow policy,
// prefixing a pending gap marker first if one is owed. Returns false
// if the subscription should be torn down (DropConnection overflow, or
// already closed).
func (c *common) deliver(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	if c.gapPending {
		select {
		case c.out <- &Message{Gap: true}:
			c.gapPending = false
		default:
			return c.tryDeliverLocked(msg)
		}
	}
	return c.tryDeliverLocked(msg)
}

func (c *common) tryDeliverLocked(msg *Message) bool {
	select {
	case c.out <- msg:
		return true
	default:
	}

	switch c.overflow {
	case DropOldest:
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- msg:
		default:
			// Still full; the one slot we just freed raced with
			// another send. Leave the gap flag set for next time.
		}
		c.gapPending = true
		return true
	default: // DropConnection
		c.closeLocked()
		return false
	}
}

func (c *common) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *common) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// Engine owns the path and query subscription registries and is the
// sole consumer of the Update Pipeline's ChangeSet channel.
type Engine struct {
	store *entrystore.Store
	log   *zap.Logger

	mu        sync.RWMutex
	pathSubs  map[ID]*pathSub
	querySubs map[ID]*querySub

	clock   func() time.Time
	metrics *metrics.Metrics
}

// New builds an Engine reading entry snapshots from store for the
// metadata lookups its dispatch path needs.
func New(store *entrystore.Store, log *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		log:       log,
		pathSubs:  make(map[ID]*pathSub),
		querySubs: make(map[ID]*querySub),
		clock:     time.Now,
	}
}

// SetMetrics attaches the collectors that RegisterPath, RegisterQuery,
// unsubscription, expiry and overflow closes, and each delivery to a
// subscriber report through. Optional: an Engine built without calling
// this records nothing, which is what every existing test does.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Run consumes changes until ctx is cancelled or the channel is
// closed (broker shutdown); it is meant to run in its own goroutine,
// the single reader the Update Pipeline publishes to.
func (e *Engine) Run(ctx context.Context, changes <-chan *pipeline.ChangeSet) {
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case cs, ok := <-changes:
			if !ok {
				e.shutdown()
				return
			}
			e.dispatch(cs)
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.pathSubs {
		sub.close()
		delete(e.pathSubs, id)
	}
	for id, sub := range e.querySubs {
		sub.close()
		delete(e.querySubs, id)
	}
}

func (e *Engine) dispatch(cs *pipeline.ChangeSet) {
	now := e.clock()
	e.mu.RLock()
	pathSubs := make([]*pathSub, 0, len(e.pathSubs))
	for _, s := range e.pathSubs {
		pathSubs = append(pathSubs, s)
	}
	querySubs := make([]*querySub, 0, len(e.querySubs))
	for _, s := range e.querySubs {
		querySubs = append(querySubs, s)
	}
	e.mu.RUnlock()

	e.dispatchPath(cs, pathSubs, now)
	e.dispatchQuery(cs, querySubs, now)
}

func (e *Engine) dispatchPath(cs *pipeline.ChangeSet, subs []*pathSub, now time.Time) {
	if len(subs) == 0 {
		return
	}
	batches := make(map[ID][]PathUpdate, len(subs))
	for _, id := range cs.Order {
		ch := cs.Entries[id]
		if !ch.Notify {
			continue
		}
		for _, sub := range subs {
			if sub.perm.Expired(now) {
				continue
			}
			if pu, ok := sub.match(e.store, ch); ok {
				batches[sub.id] = append(batches[sub.id], pu)
			}
		}
	}
	for _, sub := range subs {
		if sub.perm.Expired(now) {
			e.unregisterReason(sub.id, "expired")
			continue
		}
		pu := batches[sub.id]
		if len(pu) == 0 {
			continue
		}
		if !sub.deliver(&Message{PathUpdates: pu}) {
			e.unregisterReason(sub.id, "queue_overflow")
			continue
		}
		if e.metrics != nil {
			e.metrics.UpdateDispatched()
		}
	}
}

func (e *Engine) dispatchQuery(cs *pipeline.ChangeSet, subs []*querySub, now time.Time) {
	if len(subs) == 0 {
		return
	}
	lookup := func(id int64) (*entrystore.Entry, bool) {
		ent, err := e.store.GetByID(id)
		if err != nil {
			return nil, false
		}
		return ent, true
	}
	for _, sub := range subs {
		if sub.expired(now) {
			e.unregisterReason(sub.id, "expired")
			continue
		}
		if !touched(sub.query.ReferencedIDs(), cs.Order) {
			continue
		}
		row, ok := sub.query.Evaluate(lookup)
		if !ok {
			continue
		}
		if !sub.deliver(&Message{Row: row}) {
			e.unregisterReason(sub.id, "queue_overflow")
			continue
		}
		if e.metrics != nil {
			e.metrics.UpdateDispatched()
		}
	}
}

// RegisterPath adds a path subscription matching any of filters,
// authorized against perm (checked again on every delivery, since
// perm may carry an absolute expiry). queueCap bounds the outbound
// queue; overflow governs what happens when it fills. Returns the
// subscription id, its receive-only outbound channel, and a cancel
// function the consumer must call when it stops reading.
func (e *Engine) RegisterPath(filters []PathFilter, perm permissions.Permissions, queueCap int, overflow OverflowPolicy) (ID, <-chan *Message, func()) {
	sub := &pathSub{
		common:  common{id: uuid.New(), out: make(chan *Message, queueCap), overflow: overflow},
		filters: filters,
		perm:    perm,
	}
	e.mu.Lock()
	e.pathSubs[sub.id] = sub
	e.mu.Unlock()
	e.reportOpened()
	return sub.id, sub.out, func() { e.Unregister(sub.id) }
}

// RegisterQuery adds a query subscription evaluated whenever a change
// touches one of q's referenced entries.
func (e *Engine) RegisterQuery(q Query, perm permissions.Permissions, queueCap int, overflow OverflowPolicy) (ID, <-chan *Message, func()) {
	sub := &querySub{
		common: common{id: uuid.New(), out: make(chan *Message, queueCap), overflow: overflow},
		query:  q,
		perm:   perm,
	}
	e.mu.Lock()
	e.querySubs[sub.id] = sub
	e.mu.Unlock()
	e.reportOpened()
	return sub.id, sub.out, func() { e.Unregister(sub.id) }
}

func (e *Engine) reportOpened() {
	if e.metrics == nil {
		return
	}
	paths, queries := e.Len()
	e.metrics.SubscriptionOpened(paths + queries)
}

// Unregister cancels a subscription, idempotently, recording it as
// consumer-initiated. Safe to call concurrently with dispatch and with
// the consumer's own cancel func.
func (e *Engine) Unregister(id ID) {
	e.unregisterReason(id, "unsubscribed")
}

// unregisterReason is Unregister's implementation, labelled by why the
// subscription is closing (spec.md §6 reasons: "unsubscribed",
// "expired", "queue_overflow") for the subscriptions_closed_total
// counter.
func (e *Engine) unregisterReason(id ID, reason string) {
	e.mu.Lock()
	sub, ok := e.pathSubs[id]
	if ok {
		delete(e.pathSubs, id)
	}
	qsub, qok := e.querySubs[id]
	if qok {
		delete(e.querySubs, id)
	}
	e.mu.Unlock()

	if ok {
		sub.close()
	}
	if qok {
		qsub.close()
	}

	if (ok || qok) && e.metrics != nil {
		paths, queries := e.Len()
		e.metrics.SubscriptionClosed(reason, paths+queries)
	}
}

// Len reports the number of live subscriptions of each kind, used by
// metrics and tests.
func (e *Engine) Len() (paths, queries int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pathSubs), len(e.querySubs)
}

// SweepExpired closes every subscription whose permissions have
// expired as of now, independent of dispatch. Without it, a
// subscription on a signal that stops changing would never have its
// expiry checked again once its last change passed through dispatch;
// a periodic housekeeping task is expected to call this on an
// interval regardless of update traffic. Returns the number of
// subscriptions it closed.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.RLock()
	var expired []ID
	for id, sub := range e.pathSubs {
		if sub.perm.Expired(now) {
			expired = append(expired, id)
		}
	}
	for id, sub := range e.querySubs {
		if sub.expired(now) {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range expired {
		e.unregisterReason(id, "expired")
	}
	return len(expired)
}
