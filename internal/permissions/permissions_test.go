package permissions

import (
	"errors"
	"testing"
	"time"
)

func TestReadImpliedByOtherActions(t *testing.T) {
	p, err := NewBuilder().
		Add(ActionRead, Path("Vehicle.Speed")).
		Add(ActionProvide, Path("Vehicle.ADAS.*")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.CanRead("Vehicle.Speed"); err != nil {
		t.Errorf("expected read granted directly: %v", err)
	}
	if err := p.CanRead("Vehicle.ADAS.ABS.Error"); err != nil {
		t.Errorf("expected read implied by provide: %v", err)
	}
	if err := p.CanRead("Vehicle.Cabin.Lights.AmbientLight"); err == nil {
		t.Error("expected read denied for unrelated path")
	}
	if err := p.CanProvide("Vehicle.ADAS.ABS.Error"); err != nil {
		t.Errorf("expected provide granted: %v", err)
	}
}

func TestAllPromotesIrrevocably(t *testing.T) {
	p, err := NewBuilder().
		Add(ActionRead, All()).
		Add(ActionRead, Path("Vehicle.Speed")). // no-op, already Everything
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.CanRead("Anything.At.All"); err != nil {
		t.Errorf("expected Everything to match any path: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	p, err := NewBuilder().Add(ActionRead, All()).ExpiresAt(past).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	err = p.CanRead("Vehicle.Speed")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected Expired error, got %v", err)
	}
}

func TestDeniedIsDistinctFromExpired(t *testing.T) {
	p := AllowNone()
	err := p.CanRead("Vehicle.Speed")
	if !errors.Is(err, ErrDenied) {
		t.Errorf("expected Denied error, got %v", err)
	}
	if errors.Is(err, ErrExpired) {
		t.Error("Denied must not match Expired")
	}
}

func TestMonotonicGrants(t *testing.T) {
	before, err := NewBuilder().Add(ActionRead, Path("Vehicle.Speed")).Build()
	if err != nil {
		t.Fatal(err)
	}
	after, err := NewBuilder().
		Add(ActionRead, Path("Vehicle.Speed")).
		Add(ActionRead, Path("Vehicle.Width")).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if before.CanRead("Vehicle.Speed") != nil {
		t.Fatal("precondition: Vehicle.Speed should be readable before")
	}
	if after.CanRead("Vehicle.Speed") != nil {
		t.Error("adding a scope must never remove a previously granted access")
	}
}

func TestAllowAllAndAllowNoneSingletons(t *testing.T) {
	all := AllowAll()
	if err := all.CanActuate("Any.Path"); err != nil {
		t.Errorf("AllowAll should permit actuate: %v", err)
	}
	none := AllowNone()
	if err := none.CanRead("Any.Path"); err == nil {
		t.Error("AllowNone should deny read")
	}
}
