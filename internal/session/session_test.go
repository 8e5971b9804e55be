package session

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/notify"
	"github.com/sovereign/sovereign/internal/phase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// manualClock fires scheduled callbacks only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every due callback in schedule order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// pending counts timers that have neither fired nor been stopped.
func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type notifications struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notifications) Notify(x notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notifications) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

func newTestSession(t *testing.T, mode RevertMode) (*Session, *manualClock, *notifications) {
	t.Helper()
	clock := newManualClock()
	notes := &notifications{}
	s := New(Options{
		Clock:      clock,
		Notifier:   notes,
		RevertMode: mode,
		Logger:     testLogger(),
	})
	t.Cleanup(func() { _ = s.End() })
	return s, clock, notes
}

func auditOf(t *testing.T, s *Session) []*audit.Entry {
	t.Helper()
	entries, err := s.Audit(audit.Filter{})
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	return entries
}

func TestNew_InitialState(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)
	snap := s.Snapshot()

	if snap.Phase != phase.Analysis {
		t.Errorf("Phase = %q, want analysis", snap.Phase)
	}
	if snap.Posture != phase.Secure {
		t.Errorf("Posture = %q, want secure", snap.Posture)
	}
	if snap.EntryMethod != DefaultEntryMethod {
		t.Errorf("EntryMethod = %q, want %q", snap.EntryMethod, DefaultEntryMethod)
	}
	if snap.AuditCount != 0 || len(auditOf(t, s)) != 0 {
		t.Error("new session should have an empty audit log")
	}
	if len(snap.ID) <= len(sessionIDPrefix) || snap.ID[:len(sessionIDPrefix)] != sessionIDPrefix {
		t.Errorf("ID = %q, want %q prefix", snap.ID, sessionIDPrefix)
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestTransitionPhase_BasicWalk(t *testing.T) {
	s, clock, notes := newTestSession(t, RevertLatest)

	snap, err := s.TransitionPhase(phase.Planning)
	if err != nil {
		t.Fatalf("TransitionPhase() error: %v", err)
	}
	if snap.Phase != phase.Planning {
		t.Errorf("Phase = %q, want planning", snap.Phase)
	}
	if snap.Posture != phase.Elevated {
		t.Errorf("Posture = %q, want elevated immediately", snap.Posture)
	}

	entries := auditOf(t, s)
	if len(entries) != 1 {
		t.Fatalf("audit length = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != "PHASE_TRANSITION: analysis -> planning" {
		t.Errorf("Action = %q", e.Action)
	}
	if e.Phase != phase.Analysis {
		t.Errorf("PhaseAtTime = %q, want analysis (recorded before the change)", e.Phase)
	}
	if e.Actor != DefaultActor {
		t.Errorf("Actor = %q, want %q", e.Actor, DefaultActor)
	}
	wantMeta := map[string]any{"previousPhase": "analysis", "newPhase": "planning"}
	if !reflect.DeepEqual(e.Metadata, wantMeta) {
		t.Errorf("Metadata = %v, want %v", e.Metadata, wantMeta)
	}

	got := notes.all()
	if len(got) != 1 || got[0].Kind != notify.KindPhaseChanged || got[0].Phase != phase.Planning {
		t.Errorf("notifications = %+v, want one phase_changed for planning", got)
	}

	clock.Advance(2999 * time.Millisecond)
	if p := s.Snapshot().Posture; p != phase.Elevated {
		t.Errorf("Posture before delay = %q, want elevated", p)
	}
	clock.Advance(time.Millisecond)
	if p := s.Snapshot().Posture; p != phase.Secure {
		t.Errorf("Posture after delay = %q, want secure", p)
	}
}

func TestTransitionPhase_SelfTransitionStillLogs(t *testing.T) {
	s, clock, _ := newTestSession(t, RevertLatest)

	snap, err := s.TransitionPhase(phase.Analysis)
	if err != nil {
		t.Fatalf("TransitionPhase() error: %v", err)
	}
	if snap.Phase != phase.Analysis || snap.Posture != phase.Secure {
		t.Errorf("snapshot = %+v, want analysis/secure", snap)
	}
	entries := auditOf(t, s)
	if len(entries) != 1 || entries[0].Action != "PHASE_TRANSITION: analysis -> analysis" {
		t.Errorf("audit = %v, want one self-transition entry", entries)
	}
	if clock.pending() != 0 {
		t.Error("self-transition should not schedule a reversion")
	}
}

func TestTransitionPhase_RegressionDoesNotElevate(t *testing.T) {
	s, clock, _ := newTestSession(t, RevertLatest)

	if _, err := s.TransitionPhase(phase.Execution); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultRevertAfter)
	before := len(auditOf(t, s))

	snap, err := s.TransitionPhase(phase.Analysis)
	if err != nil {
		t.Fatalf("TransitionPhase() error: %v", err)
	}
	if snap.Phase != phase.Analysis {
		t.Errorf("Phase = %q, want analysis", snap.Phase)
	}
	if snap.Posture != phase.Secure {
		t.Errorf("Posture = %q, want secure", snap.Posture)
	}
	if after := len(auditOf(t, s)); after != before+1 {
		t.Errorf("audit length = %d, want %d", after, before+1)
	}
}

func TestTransitionPhase_InvalidPhase(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)

	_, err := s.TransitionPhase(phase.Phase("deploying"))
	if !errors.Is(err, phase.ErrInvalidPhase) {
		t.Errorf("error = %v, want ErrInvalidPhase", err)
	}
	if len(auditOf(t, s)) != 0 {
		t.Error("invalid phase should not be logged")
	}
}

func TestAuditLog_AppendOnly(t *testing.T) {
	s, clock, _ := newTestSession(t, RevertLatest)

	calls := 0
	steps := []func() error{
		func() error { _, err := s.TransitionPhase(phase.Planning); return err },
		func() error { return s.LogAction("OPEN_FILE", map[string]any{"path": "main.go"}) },
		func() error { _, err := s.TransitionPhase(phase.Planning); return err },
		func() error { return s.LogAction("RUN_SEARCH", nil) },
		func() error { _, err := s.TransitionPhase(phase.Execution); return err },
		func() error { _, err := s.TransitionPhase(phase.Analysis); return err },
	}

	var previous []*audit.Entry
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		calls++
		clock.Advance(time.Second)

		entries := auditOf(t, s)
		if len(entries) != calls {
			t.Fatalf("after step %d audit length = %d, want %d", i, len(entries), calls)
		}
		for j, prev := range previous {
			if !reflect.DeepEqual(prev, entries[j]) {
				t.Errorf("entry %d changed after step %d", j, i)
			}
		}
		previous = entries
	}

	if snap := s.Snapshot(); snap.AuditCount != calls {
		t.Errorf("AuditCount = %d, want %d", snap.AuditCount, calls)
	}
	valid, n, err := s.VerifyAudit()
	if err != nil || !valid || n != calls {
		t.Errorf("VerifyAudit() = %v, %d, %v; want true, %d, nil", valid, n, err, calls)
	}
}

func TestLogAction_UsesCurrentPhaseAndActor(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)
	_, _ = s.TransitionPhase(phase.Execution)

	meta := map[string]any{"target": "staging"}
	if err := s.LogAction("DEPLOY_REQUESTED", meta); err != nil {
		t.Fatalf("LogAction() error: %v", err)
	}
	meta["target"] = "production"

	entries := auditOf(t, s)
	last := entries[len(entries)-1]
	if last.Phase != phase.Execution {
		t.Errorf("Phase = %q, want execution", last.Phase)
	}
	if last.Actor != DefaultActor {
		t.Errorf("Actor = %q", last.Actor)
	}
	if last.Metadata["target"] != "staging" {
		t.Errorf("Metadata mutated through caller map: %v", last.Metadata)
	}
}

func TestCapabilities_FollowPhase(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)
	if got := len(s.Capabilities()); got != 4 {
		t.Errorf("analysis capabilities = %d, want 4", got)
	}
	snap, _ := s.TransitionPhase(phase.Execution)
	if got := len(snap.Capabilities); got != 9 {
		t.Errorf("execution capabilities = %d, want 9", got)
	}
}

func TestRevertLatest_NewElevationReschedules(t *testing.T) {
	s, clock, _ := newTestSession(t, RevertLatest)

	_, _ = s.TransitionPhase(phase.Planning)
	clock.Advance(2 * time.Second)
	_, _ = s.TransitionPhase(phase.Execution)

	if clock.pending() != 1 {
		t.Errorf("pending timers = %d, want 1", clock.pending())
	}

	// The first elevation's deadline passes; the second still holds.
	clock.Advance(1500 * time.Millisecond)
	if p := s.Snapshot().Posture; p != phase.Elevated {
		t.Errorf("Posture = %q, want elevated until the latest deadline", p)
	}

	clock.Advance(1500 * time.Millisecond)
	if p := s.Snapshot().Posture; p != phase.Secure {
		t.Errorf("Posture = %q, want secure after the latest deadline", p)
	}
}

func TestRevertOverlapping_EarlierTimerClearsLaterElevation(t *testing.T) {
	s, clock, _ := newTestSession(t, RevertOverlapping)

	_, _ = s.TransitionPhase(phase.Planning)
	clock.Advance(2 * time.Second)
	_, _ = s.TransitionPhase(phase.Execution)

	if clock.pending() != 2 {
		t.Errorf("pending timers = %d, want 2", clock.pending())
	}

	clock.Advance(1500 * time.Millisecond)
	if p := s.Snapshot().Posture; p != phase.Secure {
		t.Errorf("Posture = %q, want secure (first timer wins the race)", p)
	}
}

func TestRevertCallback_StaleGenerationIgnored(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)
	_, _ = s.TransitionPhase(phase.Planning)

	s.mu.Lock()
	gen := s.revertGen
	s.mu.Unlock()

	// A timer that lost its Stop race calls back with an old generation.
	_, _ = s.TransitionPhase(phase.Execution)
	s.revertIfCurrent(gen)
	if p := s.Snapshot().Posture; p != phase.Elevated {
		t.Errorf("Posture = %q, stale callback must not revert", p)
	}
}

func TestRestrict_CancelsReversionAndBlocksElevation(t *testing.T) {
	s, clock, notes := newTestSession(t, RevertLatest)

	_, _ = s.TransitionPhase(phase.Planning)
	snap, err := s.Restrict("suspicious activity")
	if err != nil {
		t.Fatalf("Restrict() error: %v", err)
	}
	if snap.Posture != phase.Restricted {
		t.Errorf("Posture = %q, want restricted", snap.Posture)
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d, want 0 after restrict", clock.pending())
	}

	clock.Advance(10 * time.Second)
	if p := s.Snapshot().Posture; p != phase.Restricted {
		t.Errorf("Posture = %q, restriction must not revert automatically", p)
	}

	snap, _ = s.TransitionPhase(phase.Execution)
	if snap.Posture != phase.Restricted {
		t.Errorf("Posture = %q, escalation must not lift restriction", snap.Posture)
	}
	if snap.Phase != phase.Execution {
		t.Errorf("Phase = %q, escalation should still proceed", snap.Phase)
	}

	snap, err = s.Release()
	if err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if snap.Posture != phase.Secure {
		t.Errorf("Posture = %q, want secure after release", snap.Posture)
	}

	kinds := map[string]int{}
	for _, e := range auditOf(t, s) {
		kinds[e.Kind()]++
	}
	if kinds[audit.ActionPostureRestrict] != 1 || kinds[audit.ActionPostureRelease] != 1 {
		t.Errorf("audit kinds = %v", kinds)
	}

	var postureNotes int
	for _, n := range notes.all() {
		if n.Kind == notify.KindPostureChanged {
			postureNotes++
		}
	}
	if postureNotes != 2 {
		t.Errorf("posture notifications = %d, want 2", postureNotes)
	}
}

func TestRelease_NoopWhenNotRestricted(t *testing.T) {
	s, _, _ := newTestSession(t, RevertLatest)
	if _, err := s.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if n := len(auditOf(t, s)); n != 0 {
		t.Errorf("audit length = %d, want 0", n)
	}
}

func TestEnd_StopsTimersAndRejectsOperations(t *testing.T) {
	store := audit.NewMemoryStore()
	clock := newManualClock()
	s := New(Options{Clock: clock, Store: store, RevertMode: RevertOverlapping, Logger: testLogger()})

	_, _ = s.TransitionPhase(phase.Planning)
	_, _ = s.TransitionPhase(phase.Execution)
	if err := s.End(); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d after End, want 0", clock.pending())
	}
	if n, _ := store.Count(s.ID()); n != 0 {
		t.Errorf("audit entries after End = %d, want 0", n)
	}

	if _, err := s.TransitionPhase(phase.Analysis); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("TransitionPhase after End error = %v", err)
	}
	if err := s.LogAction("X", nil); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("LogAction after End error = %v", err)
	}
	if err := s.End(); err != nil {
		t.Errorf("second End() error = %v", err)
	}
}

// failingStore rejects appends to exercise the no-partial-transition path.
type failingStore struct {
	*audit.MemoryStore
}

func (f failingStore) Append(*audit.Entry) error { return errors.New("disk full") }

func TestTransitionPhase_AppendFailureLeavesStateUnchanged(t *testing.T) {
	clock := newManualClock()
	s := New(Options{Clock: clock, Store: failingStore{audit.NewMemoryStore()}, Logger: testLogger()})
	defer func() { _ = s.End() }()

	if _, err := s.TransitionPhase(phase.Planning); err == nil {
		t.Fatal("expected error from failing store")
	}
	snap := s.Snapshot()
	if snap.Phase != phase.Analysis || snap.Posture != phase.Secure {
		t.Errorf("snapshot = %+v, want unchanged analysis/secure", snap)
	}
	if clock.pending() != 0 {
		t.Error("no reversion should be scheduled when the transition is not recorded")
	}
}

func TestOnChange_ReceivesReversion(t *testing.T) {
	clock := newManualClock()
	var mu sync.Mutex
	var postures []phase.Posture
	s := New(Options{
		Clock:  clock,
		Logger: testLogger(),
		OnChange: func(snap Snapshot) {
			mu.Lock()
			postures = append(postures, snap.Posture)
			mu.Unlock()
		},
	})
	defer func() { _ = s.End() }()

	_, _ = s.TransitionPhase(phase.Planning)
	clock.Advance(DefaultRevertAfter)

	mu.Lock()
	defer mu.Unlock()
	want := []phase.Posture{phase.Elevated, phase.Secure}
	if !reflect.DeepEqual(postures, want) {
		t.Errorf("OnChange postures = %v, want %v", postures, want)
	}
}

func TestPostureReversion_SystemClock(t *testing.T) {
	s := New(Options{RevertAfter: 20 * time.Millisecond, Logger: testLogger()})
	defer func() { _ = s.End() }()

	snap, _ := s.TransitionPhase(phase.Planning)
	if snap.Posture != phase.Elevated {
		t.Fatalf("Posture = %q, want elevated", snap.Posture)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().Posture == phase.Secure {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("posture did not revert to secure")
}

func TestParseRevertMode(t *testing.T) {
	tests := []struct {
		in      string
		want    RevertMode
		wantErr bool
	}{
		{"", RevertLatest, false},
		{"latest", RevertLatest, false},
		{"Overlapping", RevertOverlapping, false},
		{"random", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRevertMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseRevertMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
