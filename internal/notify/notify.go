// Package notify delivers the transient, user-visible notifications a
// session emits (phase changes, restrictions, failed sends) to every
// configured channel.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sovereign/sovereign/internal/phase"
)

// Notification kinds.
const (
	KindPhaseChanged     = "phase_changed"
	KindPostureChanged   = "posture_changed"
	KindMessageQueued    = "message_queued"
	KindMessageFailed    = "message_failed"
	KindTransportChanged = "transport_changed"
)

// Levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification is a title/description pair shown briefly to the user.
type Notification struct {
	Kind        string         `json:"kind"`
	Level       string         `json:"level"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	SessionID   string         `json:"session_id,omitempty"`
	Phase       phase.Phase    `json:"phase,omitempty"`
	Locale      string         `json:"locale"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier accepts notifications. Delivery never fails from the caller's
// point of view.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Sender is an interface for notification delivery channels.
type Sender interface {
	Send(n Notification) error
	Name() string
}

// Hub fans notifications out to all registered senders with optional
// deduplication.
type Hub struct {
	mu       sync.RWMutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey -> lastSent
	dedupTTL time.Duration
	wg       sync.WaitGroup
	now      func() time.Time
	logger   *slog.Logger
}

// NewHub creates a hub. A zero dedupTTL disables deduplication.
func NewHub(dedupTTL time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dedup:    make(map[string]time.Time),
		dedupTTL: dedupTTL,
		now:      time.Now,
		logger:   logger.With("component", "notify.Hub"),
	}
}

// AddSender registers a delivery channel.
func (h *Hub) AddSender(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders = append(h.senders, s)
}

// SetSenders replaces every delivery channel, e.g. after a config reload.
func (h *Hub) SetSenders(senders ...Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders = append([]Sender(nil), senders...)
}

// SenderNames lists registered channels in registration order.
func (h *Hub) SenderNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.senders))
	for i, s := range h.senders {
		names[i] = s.Name()
	}
	return names
}

// Notify dispatches n to all senders asynchronously.
func (h *Hub) Notify(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now().UTC()
	}
	if n.Locale == "" {
		n.Locale = DefaultLocale
	}

	h.mu.Lock()
	if h.dedupTTL > 0 {
		key := n.Kind + "|" + n.SessionID + "|" + n.Title + "|" + n.Description
		if last, ok := h.dedup[key]; ok && h.now().Sub(last) < h.dedupTTL {
			h.mu.Unlock()
			h.logger.Debug("notification deduplicated", "kind", n.Kind, "session_id", n.SessionID)
			return
		}
		h.dedup[key] = h.now()
	}
	senders := append([]Sender(nil), h.senders...)
	h.mu.Unlock()

	for _, sender := range senders {
		h.wg.Add(1)
		go func(s Sender) {
			defer h.wg.Done()
			if err := s.Send(n); err != nil {
				h.logger.Error("failed to send notification",
					"sender", s.Name(),
					"kind", n.Kind,
					"error", err,
				)
			}
		}(sender)
	}
}

// PruneDedup removes old dedup entries. Call periodically.
func (h *Hub) PruneDedup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for key, ts := range h.dedup {
		if now.Sub(ts) > h.dedupTTL*2 {
			delete(h.dedup, key)
		}
	}
}

// Flush blocks until every in-flight delivery has returned.
func (h *Hub) Flush() {
	h.wg.Wait()
}

// LogSender writes notifications to a structured logger.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that logs at info level (warn/error for
// higher levels).
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify.LogSender")}
}

func (l *LogSender) Name() string { return "log" }

// Send logs n.
func (l *LogSender) Send(n Notification) error {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Title,
		"kind", n.Kind,
		"description", n.Description,
		"session_id", n.SessionID,
		"phase", string(n.Phase),
	)
	return nil
}
