package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sovereign/sovereign/internal/phase"
)

// DefaultLocale is used when a requested locale has no catalog.
const DefaultLocale = "en"

// Catalog keys.
const (
	msgPhaseTitle         = "phase.title"
	msgPhaseAnalysis      = "phase.analysis"
	msgPhasePlanning      = "phase.planning"
	msgPhaseExecution     = "phase.execution"
	msgRestrictedTitle    = "posture.restricted.title"
	msgRestrictedDesc     = "posture.restricted.description"
	msgReleasedTitle      = "posture.released.title"
	msgReleasedDesc       = "posture.released.description"
	msgQueuedTitle        = "message.queued.title"
	msgQueuedDesc         = "message.queued.description"
	msgFailedTitle        = "message.failed.title"
	msgFailedDesc         = "message.failed.description"
	msgTransportUpTitle   = "transport.up.title"
	msgTransportDownTitle = "transport.down.title"
	msgTransportUpDesc    = "transport.up.description"
	msgTransportDownDesc  = "transport.down.description"
)

var (
	catalogMu sync.RWMutex
	catalogs  = map[string]map[string]string{
		DefaultLocale: {
			msgPhaseTitle:         "Phase changed: %s",
			msgPhaseAnalysis:      "Read-only analysis. Reading, searching and reporting are available.",
			msgPhasePlanning:      "Planning enabled. Simulation and plan drafting are now available.",
			msgPhaseExecution:     "Execution enabled. Execute, deploy and modify are now available.",
			msgRestrictedTitle:    "Session restricted",
			msgRestrictedDesc:     "Security posture set to restricted: %s",
			msgReleasedTitle:      "Restriction lifted",
			msgReleasedDesc:       "Security posture returned to secure.",
			msgQueuedTitle:        "Message queued",
			msgQueuedDesc:         "Not connected. The message will be sent once the connection is ready.",
			msgFailedTitle:        "Message not sent",
			msgFailedDesc:         "Could not reach the assistant: %s",
			msgTransportUpTitle:   "Connected",
			msgTransportUpDesc:    "The assistant connection is ready.",
			msgTransportDownTitle: "Disconnected",
			msgTransportDownDesc:  "The assistant connection was lost.",
		},
	}
)

// RegisterLocale adds or replaces the message catalog for a locale. Missing
// keys fall back to the default locale.
func RegisterLocale(locale string, messages map[string]string) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	cp := make(map[string]string, len(messages))
	for k, v := range messages {
		cp[k] = v
	}
	catalogs[normalizeLocale(locale)] = cp
}

func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if base, _, ok := strings.Cut(locale, "-"); ok {
		return base
	}
	return locale
}

// resolve returns the effective locale and the message for key.
func resolve(locale, key string) (string, string) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()

	loc := normalizeLocale(locale)
	if msgs, ok := catalogs[loc]; ok {
		if m, ok := msgs[key]; ok {
			return loc, m
		}
	}
	return DefaultLocale, catalogs[DefaultLocale][key]
}

func text(locale, key string, args ...any) (string, string) {
	loc, m := resolve(locale, key)
	if len(args) > 0 {
		m = fmt.Sprintf(m, args...)
	}
	return loc, m
}

func phaseKey(p phase.Phase) string {
	switch p {
	case phase.Planning:
		return msgPhasePlanning
	case phase.Execution:
		return msgPhaseExecution
	default:
		return msgPhaseAnalysis
	}
}

// PhaseChanged builds the notification emitted after a phase transition.
func PhaseChanged(sessionID string, from, to phase.Phase, locale string) Notification {
	loc, title := text(locale, msgPhaseTitle, titleCase(string(to)))
	_, desc := text(loc, phaseKey(to))
	return Notification{
		Kind:        KindPhaseChanged,
		Level:       LevelInfo,
		Title:       title,
		Description: desc,
		SessionID:   sessionID,
		Phase:       to,
		Locale:      loc,
		Details: map[string]any{
			"previousPhase": string(from),
			"newPhase":      string(to),
		},
	}
}

// Restricted builds the notification emitted when a session is restricted.
func Restricted(sessionID string, p phase.Phase, reason, locale string) Notification {
	loc, title := text(locale, msgRestrictedTitle)
	_, desc := text(loc, msgRestrictedDesc, reason)
	return Notification{
		Kind:        KindPostureChanged,
		Level:       LevelWarning,
		Title:       title,
		Description: desc,
		SessionID:   sessionID,
		Phase:       p,
		Locale:      loc,
		Details:     map[string]any{"posture": string(phase.Restricted)},
	}
}

// Released builds the notification emitted when a restriction is lifted.
func Released(sessionID string, p phase.Phase, locale string) Notification {
	loc, title := text(locale, msgReleasedTitle)
	_, desc := text(loc, msgReleasedDesc)
	return Notification{
		Kind:        KindPostureChanged,
		Level:       LevelInfo,
		Title:       title,
		Description: desc,
		SessionID:   sessionID,
		Phase:       p,
		Locale:      loc,
		Details:     map[string]any{"posture": string(phase.Secure)},
	}
}

// MessageQueued builds the notification emitted when a message waits for
// the transport.
func MessageQueued(sessionID, locale string) Notification {
	loc, title := text(locale, msgQueuedTitle)
	_, desc := text(loc, msgQueuedDesc)
	return Notification{
		Kind:        KindMessageQueued,
		Level:       LevelInfo,
		Title:       title,
		Description: desc,
		SessionID:   sessionID,
		Locale:      loc,
	}
}

// MessageFailed builds the single error notification for a failed send.
func MessageFailed(sessionID string, cause error, locale string) Notification {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	loc, title := text(locale, msgFailedTitle)
	_, desc := text(loc, msgFailedDesc, reason)
	return Notification{
		Kind:        KindMessageFailed,
		Level:       LevelError,
		Title:       title,
		Description: desc,
		SessionID:   sessionID,
		Locale:      loc,
	}
}

// TransportChanged builds the notification emitted when the assistant
// connection becomes ready or is lost.
func TransportChanged(ready bool, locale string) Notification {
	titleKey, descKey, level := msgTransportDownTitle, msgTransportDownDesc, LevelWarning
	if ready {
		titleKey, descKey, level = msgTransportUpTitle, msgTransportUpDesc, LevelInfo
	}
	loc, title := text(locale, titleKey)
	_, desc := text(loc, descKey)
	return Notification{
		Kind:        KindTransportChanged,
		Level:       level,
		Title:       title,
		Description: desc,
		Locale:      loc,
		Details:     map[string]any{"ready": ready},
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
