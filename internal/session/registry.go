package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks the live sessions of every mounted view. Sessions are
// created on mount and removed on unmount; nothing survives a restart.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	defaults Options
	logger   *slog.Logger
}

// NewRegistry creates a registry whose sessions start from defaults.
func NewRegistry(defaults Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Logger == nil {
		defaults.Logger = logger
	}
	return &Registry{
		sessions: make(map[string]*Session),
		defaults: defaults.withDefaults(),
		logger:   logger.With("component", "session.Registry"),
	}
}

// CreateOptions are per-session overrides of the registry defaults.
type CreateOptions struct {
	Locale string
}

// Create starts a new session and registers it.
func (r *Registry) Create(co CreateOptions) *Session {
	r.mu.RLock()
	opts := r.defaults
	r.mu.RUnlock()

	if co.Locale != "" {
		opts.Locale = co.Locale
	}
	s := New(opts)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	r.logger.Info("created session", "session_id", s.ID(), "entry_method", s.entryMethod)
	return s
}

// Get returns the live session with the given ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// List returns snapshots of every live session, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	return snaps
}

// End unregisters a session and tears it down.
func (r *Registry) End(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if err := s.End(); err != nil {
		return err
	}
	r.logger.Info("ended session", "session_id", sessionID)
	return nil
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UpdateDefaults changes the options used for sessions created from now on.
// Live sessions keep the options they started with.
func (r *Registry) UpdateDefaults(fn func(*Options)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.defaults)
	r.defaults = r.defaults.withDefaults()
}

// Defaults returns a copy of the options new sessions start from.
func (r *Registry) Defaults() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Close ends every live session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.End(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
