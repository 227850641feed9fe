package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	m := New()
	m.EntryRegistered(3)
	m.SubscriptionOpened(1)
	m.SubscriptionClosed("unsubscribed", 0)
	m.ChangesetApplied()
	m.ChangesetRejected("Denied")
	m.UpdateDispatched()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"databroker_entrystore_entries_registered_total 1",
		"databroker_entrystore_entries 3",
		"databroker_subscriptions_opened_total 1",
		`databroker_subscriptions_closed_total{reason="unsubscribed"} 1`,
		"databroker_subscriptions_active 0",
		"databroker_pipeline_changesets_applied_total 1",
		`databroker_pipeline_changeset_rejections_total{kind="Denied"} 1`,
		"databroker_pipeline_updates_dispatched_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSeparateInstancesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.EntryRegistered(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), "databroker_entrystore_entries 5") {
		t.Fatal("expected independent Metrics instances to have independent registries")
	}
}
