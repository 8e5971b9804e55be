// Package session implements the sovereign session authority: a per-view
// trust phase machine with a transient security posture and an append-only,
// hash-chained audit trail.
//
// A Session is pure in-memory state. Phase changes and capability labels are
// descriptive; they do not authorize anything on their own.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/capability"
	"github.com/sovereign/sovereign/internal/notify"
	"github.com/sovereign/sovereign/internal/phase"
)

const (
	sessionIDPrefix = "ses_"

	// DefaultRevertAfter is how long an escalation keeps the posture elevated.
	DefaultRevertAfter = 3 * time.Second

	// DefaultActor is the operator identity recorded on audit entries.
	DefaultActor = "sovereign-operator"

	// DefaultEntryMethod tags how the session was established.
	DefaultEntryMethod = "three-stage"
)

var (
	// ErrSessionNotFound is returned by the Registry for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned by operations on a session whose view has
	// been unmounted.
	ErrSessionEnded = errors.New("session ended")
)

// RevertMode selects how overlapping posture reversions interact.
type RevertMode string

const (
	// RevertLatest keeps one outstanding reversion per session. Each new
	// elevation cancels and reschedules it, so the latest elevation wins.
	RevertLatest RevertMode = "latest"

	// RevertOverlapping lets every elevation schedule its own reversion.
	// Each one fires independently and forces the posture back to secure,
	// which can cut a later elevation short.
	RevertOverlapping RevertMode = "overlapping"
)

// ParseRevertMode converts a config string into a RevertMode. Empty selects
// RevertLatest.
func ParseRevertMode(s string) (RevertMode, error) {
	switch RevertMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RevertLatest:
		return RevertLatest, nil
	case RevertOverlapping:
		return RevertOverlapping, nil
	}
	return "", fmt.Errorf("unknown revert mode %q (use latest or overlapping)", s)
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Actor       string
	EntryMethod string
	Locale      string
	RevertAfter time.Duration
	RevertMode  RevertMode

	Store    audit.Store
	Notifier notify.Notifier
	Clock    Clock
	Logger   *slog.Logger

	// OnChange, if set, receives a snapshot after every state change,
	// including automatic posture reversion. Called without locks held.
	OnChange func(Snapshot)
}

func (o Options) withDefaults() Options {
	if o.Actor == "" {
		o.Actor = DefaultActor
	}
	if o.EntryMethod == "" {
		o.EntryMethod = DefaultEntryMethod
	}
	if o.Locale == "" {
		o.Locale = notify.DefaultLocale
	}
	if o.RevertAfter <= 0 {
		o.RevertAfter = DefaultRevertAfter
	}
	if o.RevertMode == "" {
		o.RevertMode = RevertLatest
	}
	if o.Store == nil {
		o.Store = audit.NewMemoryStore()
	}
	if o.Notifier == nil {
		o.Notifier = notify.Discard
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Snapshot is an immutable view of a session for rendering.
type Snapshot struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	EntryMethod  string        `json:"entry_method"`
	Actor        string        `json:"actor"`
	Phase        phase.Phase   `json:"phase"`
	Posture      phase.Posture `json:"posture"`
	Capabilities []string      `json:"capabilities"`
	AuditCount   int           `json:"audit_count"`
	Locale       string        `json:"locale"`
	Ended        bool          `json:"ended,omitempty"`
}

// Session is one sovereign session. It is safe for concurrent use; all
// mutations are serialized so audit entries keep call order.
type Session struct {
	mu sync.Mutex

	id          string
	startedAt   time.Time
	entryMethod string
	actor       string
	locale      string

	current    phase.Phase
	posture    phase.Posture
	auditCount int
	ended      bool

	// revert is the outstanding reversion in RevertLatest mode; revertGen
	// invalidates callbacks whose timer lost a Stop race.
	revert    Timer
	revertGen uint64
	// overlapping holds every scheduled reversion in RevertOverlapping mode
	// so End can stop them.
	overlapping []Timer

	revertAfter time.Duration
	revertMode  RevertMode

	store    audit.Store
	notifier notify.Notifier
	clock    Clock
	onChange func(Snapshot)
	logger   *slog.Logger
}

// New creates a session in the analysis phase with a secure posture and an
// empty audit log.
func New(opts Options) *Session {
	opts = opts.withDefaults()
	id := generateSessionID()
	return &Session{
		id:          id,
		startedAt:   opts.Clock.Now().UTC(),
		entryMethod: opts.EntryMethod,
		actor:       opts.Actor,
		locale:      opts.Locale,
		current:     phase.Analysis,
		posture:     phase.Secure,
		revertAfter: opts.RevertAfter,
		revertMode:  opts.RevertMode,
		store:       opts.Store,
		notifier:    opts.Notifier,
		clock:       opts.Clock,
		onChange:    opts.OnChange,
		logger:      opts.Logger.With("component", "session.Session", "session_id", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// TransitionPhase moves the session to target. Moving to a higher phase
// elevates the posture and schedules its reversion; moving sideways or down
// leaves the posture alone. Every call, including a self-transition, appends
// exactly one audit entry before the phase changes.
func (s *Session) TransitionPhase(target phase.Phase) (Snapshot, error) {
	if !target.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", phase.ErrInvalidPhase, target)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionEnded
	}

	previous := s.current
	escalates := previous.Escalates(target)

	entry := s.newEntryLocked(audit.PhaseTransitionAction(previous, target), map[string]any{
		"previousPhase": string(previous),
		"newPhase":      string(target),
	})
	if err := s.appendLocked(entry); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}

	if escalates && s.posture != phase.Restricted {
		s.posture = phase.Elevated
		s.scheduleRevertLocked()
	}
	s.current = target
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("phase transition",
		"from", string(previous),
		"to", string(target),
		"posture", string(snap.Posture),
	)
	s.notifier.Notify(notify.PhaseChanged(s.id, previous, target, s.locale))
	s.changed(snap)
	return snap, nil
}

// LogAction appends one audit entry at the current phase.
func (s *Session) LogAction(action string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	return s.appendLocked(s.newEntryLocked(action, metadata))
}

// Capabilities returns the capability labels of the current phase.
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return capability.For(s.current)
}

// Restrict sets the posture to restricted. Any pending reversion is
// cancelled and later escalations do not elevate until Release.
func (s *Session) Restrict(reason string) (Snapshot, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionEnded
	}

	entry := s.newEntryLocked(audit.ActionPostureRestrict, map[string]any{
		"previousPosture": string(s.posture),
		"reason":          reason,
	})
	if err := s.appendLocked(entry); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.cancelRevertLocked()
	s.posture = phase.Restricted
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn("session restricted", "reason", reason)
	s.notifier.Notify(notify.Restricted(s.id, snap.Phase, reason, s.locale))
	s.changed(snap)
	return snap, nil
}

// Release returns a restricted session to the secure posture. It is a no-op
// when the session is not restricted.
func (s *Session) Release() (Snapshot, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionEnded
	}
	if s.posture != phase.Restricted {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}

	if err := s.appendLocked(s.newEntryLocked(audit.ActionPostureRelease, nil)); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.posture = phase.Secure
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("session restriction released")
	s.notifier.Notify(notify.Released(s.id, snap.Phase, s.locale))
	s.changed(snap)
	return snap, nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Audit returns copies of the session's audit entries in append order.
func (s *Session) Audit(filter audit.Filter) ([]*audit.Entry, error) {
	return s.store.List(s.id, filter)
}

// VerifyAudit checks the hash chain of the session's audit log.
func (s *Session) VerifyAudit() (bool, int, error) {
	return s.store.Verify(s.id)
}

// End tears the session down: pending reversions are cancelled and the audit
// log is discarded. Further operations return ErrSessionEnded.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.cancelRevertLocked()
	for _, t := range s.overlapping {
		t.Stop()
	}
	s.overlapping = nil
	count := s.auditCount
	s.mu.Unlock()

	if err := s.store.Drop(s.id); err != nil {
		return fmt.Errorf("failed to drop audit log of %s: %w", s.id, err)
	}
	s.logger.Info("session ended", "audit_entries", count)
	return nil
}

func (s *Session) newEntryLocked(action string, metadata map[string]any) *audit.Entry {
	return &audit.Entry{
		ID:        ulid.Make().String(),
		SessionID: s.id,
		Timestamp: s.clock.Now().UTC(),
		Action:    action,
		Phase:     s.current,
		Actor:     s.actor,
		Metadata:  metadata,
	}
}

func (s *Session) appendLocked(e *audit.Entry) error {
	if err := s.store.Append(e); err != nil {
		s.logger.Error("failed to append audit entry", "action", e.Action, "error", err)
		return fmt.Errorf("failed to record %q: %w", e.Action, err)
	}
	s.auditCount++
	return nil
}

func (s *Session) scheduleRevertLocked() {
	if s.revertMode == RevertOverlapping {
		t := s.clock.AfterFunc(s.revertAfter, s.forceSecure)
		s.overlapping = append(s.overlapping, t)
		return
	}

	s.cancelRevertLocked()
	gen := s.revertGen
	s.revert = s.clock.AfterFunc(s.revertAfter, func() { s.revertIfCurrent(gen) })
}

func (s *Session) cancelRevertLocked() {
	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
	s.revertGen++
}

// revertIfCurrent is the RevertLatest callback. A stale generation means a
// newer elevation, a restriction or End superseded this timer.
func (s *Session) revertIfCurrent(gen uint64) {
	s.mu.Lock()
	if s.ended || gen != s.revertGen || s.posture != phase.Elevated {
		s.mu.Unlock()
		return
	}
	s.revert = nil
	s.posture = phase.Secure
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("security posture reverted", "posture", string(phase.Secure))
	s.changed(snap)
}

// forceSecure is the RevertOverlapping callback. It clears any elevation,
// including one made after this timer was scheduled. Restriction is kept.
func (s *Session) forceSecure() {
	s.mu.Lock()
	if s.ended || s.posture == phase.Restricted {
		s.mu.Unlock()
		return
	}
	changed := s.posture != phase.Secure
	s.posture = phase.Secure
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.logger.Debug("security posture forced secure")
		s.changed(snap)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		StartedAt:    s.startedAt,
		EntryMethod:  s.entryMethod,
		Actor:        s.actor,
		Phase:        s.current,
		Posture:      s.posture,
		Capabilities: capability.For(s.current),
		AuditCount:   s.auditCount,
		Locale:       s.locale,
		Ended:        s.ended,
	}
}

func (s *Session) changed(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// generateSessionID creates a session ID with the "ses_" prefix followed by a
// lowercase ULID (millisecond timestamp plus 80 random bits).
func generateSessionID() string {
	return sessionIDPrefix + strings.ToLower(ulid.Make().String())
}
