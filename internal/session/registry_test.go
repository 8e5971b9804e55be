package session

import (
	"errors"
	"testing"
	"time"

	"github.com/sovereign/sovereign/internal/phase"
)

func newTestRegistry(t *testing.T) (*Registry, *manualClock) {
	t.Helper()
	clock := newManualClock()
	r := NewRegistry(Options{Clock: clock}, testLogger())
	t.Cleanup(func() { _ = r.Close() })
	return r, clock
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := r.Create(CreateOptions{Locale: "fr"})
	got, err := r.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != s {
		t.Error("Get() returned a different session")
	}
	if loc := got.Snapshot().Locale; loc != "fr" {
		t.Errorf("Locale = %q, want fr", loc)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", r.ActiveCount())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get("ses_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_SessionsAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := r.Create(CreateOptions{})
	b := r.Create(CreateOptions{})

	if _, err := a.TransitionPhase(phase.Execution); err != nil {
		t.Fatal(err)
	}

	if snap := b.Snapshot(); snap.Phase != phase.Analysis || snap.AuditCount != 0 {
		t.Errorf("second session affected by the first: %+v", snap)
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	r, clock := newTestRegistry(t)
	first := r.Create(CreateOptions{})
	clock.Advance(time.Second)
	second := r.Create(CreateOptions{})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(list))
	}
	if list[0].ID != first.ID() || list[1].ID != second.ID() {
		t.Errorf("List() order = %s, %s", list[0].ID, list[1].ID)
	}
}

func TestRegistry_End(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := r.Create(CreateOptions{})

	if err := r.End(s.ID()); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after End error = %v", err)
	}
	if !s.Snapshot().Ended {
		t.Error("session not marked ended")
	}
	if err := r.End(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second End error = %v", err)
	}
}

func TestRegistry_UpdateDefaultsAffectsNewSessionsOnly(t *testing.T) {
	r, clock := newTestRegistry(t)
	old := r.Create(CreateOptions{})

	r.UpdateDefaults(func(o *Options) { o.RevertAfter = 10 * time.Second })
	fresh := r.Create(CreateOptions{})

	_, _ = old.TransitionPhase(phase.Planning)
	_, _ = fresh.TransitionPhase(phase.Planning)
	clock.Advance(DefaultRevertAfter)

	if p := old.Snapshot().Posture; p != phase.Secure {
		t.Errorf("old session posture = %q, want secure", p)
	}
	if p := fresh.Snapshot().Posture; p != phase.Elevated {
		t.Errorf("new session posture = %q, want elevated", p)
	}
	if d := r.Defaults().RevertAfter; d != 10*time.Second {
		t.Errorf("Defaults().RevertAfter = %v", d)
	}
}

func TestRegistry_Close(t *testing.T) {
	r, clock := newTestRegistry(t)
	a := r.Create(CreateOptions{})
	_, _ = a.TransitionPhase(phase.Planning)

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after Close", r.ActiveCount())
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d after Close", clock.pending())
	}
}
