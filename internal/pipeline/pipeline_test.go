package pipeline

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/vehiclebroker/databroker/internal/brokererr"
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/metrics"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *entrystore.Store, chan *ChangeSet) {
	t.Helper()
	store := entrystore.New()
	changes := make(chan *ChangeSet, 8)
	p := New(store, changes, nil)
	return p, store, changes
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

func errKind(t *testing.T, err error) brokererr.Kind {
	t.Helper()
	var be *brokererr.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *brokererr.Error, got %T (%v)", err, err)
	}
	return be.Kind
}

func TestContinuousAlwaysNotifies(t *testing.T) {
	p, store, changes := newTestPipeline(t)
	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)

	for i := 0; i < 3; i++ {
		results := p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{
			{ID: id, CurrentValue: floatVal(10.0)},
		})
		if err := results["id:"+strconv.FormatInt(id, 10)]; err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		select {
		case cs := <-changes:
			if ch, ok := cs.Entries[id]; !ok || !ch.Notify {
				t.Fatalf("update %d: expected notify", i)
			}
		default:
			t.Fatalf("update %d: expected a changeset", i)
		}
	}
}

func TestOnChangeDedupsIdenticalValue(t *testing.T) {
	p, store, changes := newTestPipeline(t)
	id := createEntry(t, store, "Vehicle.Cabin.Light", entrystore.OnChange)

	results := p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	if err := results["id:"+strconv.FormatInt(id, 10)]; err != nil {
		t.Fatalf("first write: %v", err)
	}
	<-changes // drain the first (notifying) changeset

	results = p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	if err := results["id:"+strconv.FormatInt(id, 10)]; err != nil {
		t.Fatalf("repeat write: %v", err)
	}
	select {
	case cs := <-changes:
		t.Fatalf("expected no changeset for an unchanged on_change write, got %+v", cs)
	default:
	}
}

func TestStaticSecondWriteFails(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	id := createEntry(t, store, "Vehicle.VehicleIdentification.VIN", entrystore.Static)

	results := p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	if err := results["id:"+strconv.FormatInt(id, 10)]; err != nil {
		t.Fatalf("first write: %v", err)
	}

	results = p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{{ID: id, CurrentValue: floatVal(2.0)}})
	err := results["id:"+strconv.FormatInt(id, 10)]
	if err == nil {
		t.Fatal("expected second write to a static entry to fail")
	}
	if kind := errKind(t, err); kind != brokererr.StaticNotAllowed {
		t.Fatalf("expected StaticNotAllowed, got %v", kind)
	}
}

func TestExecuteAtomicAbortsWithNoEffect(t *testing.T) {
	p, store, changes := newTestPipeline(t)
	speedID := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	createEntry(t, store, "Vehicle.Width", entrystore.Continuous)

	err := p.ExecuteAtomic(permissions.AllowAll(), []EntryUpdate{
		{ID: speedID, CurrentValue: floatVal(42.0)},
		{Path: "Vehicle.DoesNotExist", CurrentValue: floatVal(1.0)},
	})
	if err == nil {
		t.Fatal("expected ExecuteAtomic to fail when one update targets a missing entry")
	}

	snap, getErr := store.GetByID(speedID)
	if getErr != nil {
		t.Fatalf("GetByID: %v", getErr)
	}
	if snap.CurrentValue != nil {
		t.Fatal("expected Vehicle.Speed to be untouched after an aborted atomic batch")
	}
	select {
	case cs := <-changes:
		t.Fatalf("expected no changeset published for an aborted atomic batch, got %+v", cs)
	default:
	}
}

func TestExecuteAtomicCommitsAllOnSuccess(t *testing.T) {
	p, store, changes := newTestPipeline(t)
	speedID := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)
	widthID := createEntry(t, store, "Vehicle.Width", entrystore.Continuous)

	err := p.ExecuteAtomic(permissions.AllowAll(), []EntryUpdate{
		{ID: speedID, CurrentValue: floatVal(42.0)},
		{ID: widthID, CurrentValue: floatVal(2.1)},
	})
	if err != nil {
		t.Fatalf("ExecuteAtomic: %v", err)
	}

	select {
	case cs := <-changes:
		if len(cs.Entries) != 2 {
			t.Fatalf("expected 2 entries in the changeset, got %d", len(cs.Entries))
		}
	default:
		t.Fatal("expected a changeset")
	}
}

func TestPermissionDeniedAndExpired(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	id := createEntry(t, store, "Vehicle.Speed", entrystore.Continuous)

	results := p.ExecuteBatch(permissions.AllowNone(), []EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	err := results["id:"+strconv.FormatInt(id, 10)]
	if err == nil {
		t.Fatal("expected denied error")
	}
	if kind := errKind(t, err); kind != brokererr.Denied {
		t.Fatalf("expected Denied, got %v", kind)
	}

	perm, buildErr := permissions.NewBuilder().
		Add(permissions.ActionProvide, permissions.All()).
		ExpiresAt(time.Now().Add(-time.Hour)).
		Build()
	if buildErr != nil {
		t.Fatalf("Build: %v", buildErr)
	}

	results = p.ExecuteBatch(perm, []EntryUpdate{{ID: id, CurrentValue: floatVal(1.0)}})
	err = results["id:"+strconv.FormatInt(id, 10)]
	if err == nil {
		t.Fatal("expected expired error")
	}
	if kind := errKind(t, err); kind != brokererr.Expired {
		t.Fatalf("expected Expired, got %v", kind)
	}
}

func TestCreateIsIdempotentThroughPipeline(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	u := EntryUpdate{
		Create: true, Path: "Vehicle.Speed",
		DataType: types.Float, EntryType: entrystore.Sensor, ChangeType: entrystore.Continuous,
	}
	results := p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{u})
	if err := results["Vehicle.Speed"]; err != nil {
		t.Fatalf("first create: %v", err)
	}
	results = p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{u})
	if err := results["Vehicle.Speed"]; err != nil {
		t.Fatalf("idempotent re-create: %v", err)
	}

	conflicting := u
	conflicting.DataType = types.Int32
	results = p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{conflicting})
	err := results["Vehicle.Speed"]
	if err == nil {
		t.Fatal("expected conflicting create to fail")
	}
	if kind := errKind(t, err); kind != brokererr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", kind)
	}
}

// TestSetMetricsReportsWithoutDeadlock exercises every commit path
// (create, accepted write, rejected write) with a real Metrics instance
// attached, guarding against EntryRegistered's Store.Len() call
// colliding with Mutate's write lock.
func TestSetMetricsReportsWithoutDeadlock(t *testing.T) {
	p, store, changes := newTestPipeline(t)
	p.SetMetrics(metrics.New())

	results := p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{{
		Create: true, Path: "Vehicle.Speed",
		DataType: types.Float, EntryType: entrystore.Sensor, ChangeType: entrystore.Continuous,
	}})
	if err := results["Vehicle.Speed"]; err != nil {
		t.Fatalf("create: %v", err)
	}

	id := createEntry(t, store, "Vehicle.Width", entrystore.Continuous)
	results = p.ExecuteBatch(permissions.AllowAll(), []EntryUpdate{
		{ID: id, CurrentValue: floatVal(2.0)},
		{ID: 999999, CurrentValue: floatVal(1.0)}, // rejected: NotFound
	})
	if err := results["id:"+strconv.FormatInt(id, 10)]; err != nil {
		t.Fatalf("accepted write: %v", err)
	}
	if results["id:999999"] == nil {
		t.Fatal("expected rejected write to report an error")
	}
	<-changes

	if err := p.ExecuteAtomic(permissions.AllowAll(), []EntryUpdate{{ID: id, CurrentValue: floatVal(3.0)}}); err != nil {
		t.Fatalf("ExecuteAtomic: %v", err)
	}
}
