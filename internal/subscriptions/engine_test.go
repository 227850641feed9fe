package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/metrics"
	"github.com/vehiclebroker/databroker/internal/pathglob"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/pipeline"
	"github.com/vehiclebroker/databroker/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *entrystore.Store, *pipeline.Pipeline, chan *pipeline.ChangeSet) {
	t.Helper()
	store := entrystore.New()
	changes := make(chan *pipeline.ChangeSet, 8)
	p := pipeline.New(store, changes, nil)
	eng := New(store, nil)
	return eng, store, p, changes
}

func createEntry(t *testing.T, store *entrystore.Store, path string, ct entrystore.ChangeType) int64 {
	t.Helper()
	var id int64
	store.Mutate(func(tx *entrystore.Txn) {
		e, err := tx.Create(entrystore.Metadata{
			Path: path, DataType: types.Float, EntryType: entrystore.Sensor, ChangeType: ct,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		id = e.ID
	})
	return id
}

func floatVal(f float64) *types.Value {
	v := types.NewFloat(f)
	return &v
}

func filterFor(t *testing.T, glob string, fields entrystore.FieldSet) PathFilter {
	t.Helper()
	re, err := pathglob.ToRegex(glob)
	if err != nil {
		t.Fatalf("ToRegex(%q): %v", glob, err)
	}
	return PathFilter{Regex: re, Fields: fields}
}

func runEngine(eng *Engine, changes chan *pipeline.ChangeSet) (cancel func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx, changes)
	return cancel
}

func TestPathSubscriptionReceivesMatchingUpdate(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.*", entrystore.AllFields)},
		permissions.AllowAll(), 4, DropOldest,
	)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(5.0)}})

	select {
	case msg := <-out:
		if len(msg.PathUpdates) != 1 || msg.PathUpdates[0].Path != "Vehicle.Speed" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPathSubscriptionIgnoresNonMatchingPath(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Width", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.AllFields)},
		permissions.AllowAll(), 4, DropOldest,
	)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(5.0)}})

	select {
	case msg := <-out:
		t.Fatalf("expected no delivery for a non-matching path, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPathSubscriptionFieldMaskRestrictsDelivery(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.FieldSet(entrystore.FieldActuatorTarget))},
		permissions.AllowAll(), 4, DropOldest,
	)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(5.0)}})

	select {
	case msg := <-out:
		t.Fatalf("expected no delivery when only an unsubscribed field changed, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDropOldestEmitsGapMarker(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.AllFields)},
		permissions.AllowAll(), 2, DropOldest,
	)
	defer cancel()

	update := func(v float64) {
		p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(v)}})
	}
	recv := func() *Message {
		select {
		case msg := <-out:
			return msg
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
			return nil
		}
	}

	// Overflow the 2-slot queue without reading, so drop-oldest kicks in
	// and the subscription owes a gap marker.
	for i := 0; i < 4; i++ {
		update(float64(i))
	}
	recv() // drain the two surviving pre-gap messages
	recv()

	// The next update finds room and should be preceded by the gap.
	update(99)
	first := recv()
	if !first.Gap {
		t.Fatalf("expected the first post-overflow message to be a gap marker, got %+v", first)
	}
	second := recv()
	if len(second.PathUpdates) != 1 {
		t.Fatalf("expected the real update to follow the gap marker, got %+v", second)
	}
}

func TestDropConnectionClosesOnOverflow(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.AllFields)},
		permissions.AllowAll(), 1, DropConnection,
	)
	defer cancel()

	for i := 0; i < 3; i++ {
		p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(float64(i))}})
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the outbound channel to close after a drop-connection overflow")
		}
	}
}

func TestUnregisterClosesOutboundChannel(t *testing.T) {
	eng, _, _, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	_, out, cancel := eng.RegisterPath(nil, permissions.AllowAll(), 1, DropOldest)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected outbound channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

type stubQuery struct {
	refs []int64
	rows []map[string]types.Value
	i    int
}

func (q *stubQuery) ReferencedIDs() []int64 { return q.refs }

func (q *stubQuery) Evaluate(lookup func(id int64) (*entrystore.Entry, bool)) (map[string]types.Value, bool) {
	_ = lookup
	if q.i >= len(q.rows) {
		return nil, false
	}
	row := q.rows[q.i]
	q.i++
	return row, true
}

func TestQuerySubscriptionReEvaluatesOnTouchedChange(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	q := &stubQuery{refs: []int64{id}, rows: []map[string]types.Value{{"speed": types.NewFloat(1.0)}}}
	_, out, cancel := eng.RegisterQuery(q, permissions.AllowAll(), 4, DropOldest)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})

	select {
	case msg := <-out:
		if msg.Row["speed"].Float64() != 1.0 {
			t.Fatalf("unexpected row: %+v", msg.Row)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query delivery")
	}
}

func TestQuerySubscriptionIgnoresUntouchedChange(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	watchedID := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	otherID := createEntry(t, store, "Vehicle.Width", entrystore.Continuous)
	q := &stubQuery{refs: []int64{watchedID}, rows: []map[string]types.Value{{"speed": types.NewFloat(1.0)}}}
	_, out, cancel := eng.RegisterQuery(q, permissions.AllowAll(), 4, DropOldest)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: otherID, CurrentValue: floatVal(2.0)}})

	select {
	case msg := <-out:
		t.Fatalf("expected no delivery for an untouched query, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPathSubscriptionSuppressesUnchangedOnChangeWrite(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Cabin.Light", entrystore.OnChange)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.*", entrystore.AllFields)},
		permissions.AllowAll(), 4, DropOldest,
	)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	select {
	case msg := <-out:
		if len(msg.PathUpdates) != 1 || msg.PathUpdates[0].Path != "Vehicle.Cabin.Light" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first delivery")
	}

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	select {
	case msg := <-out:
		t.Fatalf("expected no delivery for a repeat on_change write of the same value, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuerySubscriptionSuppressesUnchangedOnChangeWrite(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Cabin.Light", entrystore.OnChange)
	q := &stubQuery{refs: []int64{id}, rows: []map[string]types.Value{
		{"light": types.NewFloat(1.0)},
		{"light": types.NewFloat(1.0)},
	}}
	_, out, cancel := eng.RegisterQuery(q, permissions.AllowAll(), 4, DropOldest)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	select {
	case msg := <-out:
		if msg.Row["light"].Float64() != 1.0 {
			t.Fatalf("unexpected row: %+v", msg.Row)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first delivery")
	}

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	select {
	case msg := <-out:
		t.Fatalf("expected no re-evaluation for a repeat on_change write of the same value, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnginePermissionExpiryCancelsSubscription(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	perm, err := permissions.NewBuilder().
		Add(permissions.ActionRead, permissions.All()).
		ExpiresAt(time.Now().Add(-time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.AllFields)},
		perm, 4, DropOldest,
	)
	defer cancel()

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(5.0)}})

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected the outbound channel to be closed for an expired subscription")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry-driven close")
	}
}

// TestSetMetricsReportsWithoutDeadlock exercises open, delivery,
// unsubscribe-close and an expiry sweep with a real Metrics instance
// attached, guarding against Len()'s RLock colliding with a path
// already holding e.mu.
func TestSetMetricsReportsWithoutDeadlock(t *testing.T) {
	eng, store, p, changes := newTestEngine(t)
	eng.SetMetrics(metrics.New())
	stop := runEngine(eng, changes)
	defer stop()

	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	_, out, cancel := eng.RegisterPath(
		[]PathFilter{filterFor(t, "Vehicle.Speed", entrystore.AllFields)},
		permissions.AllowAll(), 4, DropOldest,
	)

	p.ExecuteBatch(permissions.AllowAll(), []pipeline.EntryUpdate{{ID: id, CurrentValue: floatVal(5.0)}})
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected outbound channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	if n := eng.SweepExpired(time.Now()); n != 0 {
		t.Fatalf("expected no expired subscriptions left, got %d", n)
	}
}
