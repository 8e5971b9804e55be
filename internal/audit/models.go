// Package audit holds the append-only audit trail of sovereign sessions.
// Entries are hash-chained per session so tampering is detectable, and
// stores never update or remove an individual entry.
package audit

import (
	"strings"
	"time"

	"github.com/sovereign/sovereign/internal/phase"
)

// Well-known action labels.
const (
	ActionPhaseTransition  = "PHASE_TRANSITION"
	ActionPostureRestrict  = "POSTURE_RESTRICTED"
	ActionPostureRelease   = "POSTURE_RELEASED"
	ActionMessageQueued    = "MESSAGE_QUEUED"
	ActionMessageSent      = "MESSAGE_SENT"
	ActionMessageSendError = "MESSAGE_SEND_FAILED"
)

// PhaseTransitionAction formats the action label recorded for a phase change,
// e.g. "PHASE_TRANSITION: analysis -> planning".
func PhaseTransitionAction(from, to phase.Phase) string {
	return ActionPhaseTransition + ": " + string(from) + " -> " + string(to)
}

// Entry is one immutable record of a notable session action.
type Entry struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int            `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Phase     phase.Phase    `json:"phase_at_time"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

// Kind returns the action label up to the first colon, e.g.
// "PHASE_TRANSITION" for a transition entry.
func (e *Entry) Kind() string {
	kind, _, _ := strings.Cut(e.Action, ":")
	return strings.TrimSpace(kind)
}

// Filter narrows a listing of one session's entries.
type Filter struct {
	Phase        phase.Phase
	ActionPrefix string
	Since        *time.Time
	Match        Predicate // applied after the structured fields
	Limit        int
	Offset       int
}

// Predicate reports whether an entry should be kept.
type Predicate func(*Entry) bool

func (f Filter) keep(e *Entry) bool {
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.ActionPrefix != "" && !strings.HasPrefix(e.Action, f.ActionPrefix) {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Match != nil && !f.Match(e) {
		return false
	}
	return true
}

// apply filters entries in order, then pages the result.
func (f Filter) apply(entries []*Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if f.keep(e) {
			out = append(out, e)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Entry{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
