package audit

import "sync"

// MemoryStore implements Store with per-session slices.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]*Entry)}
}

func (s *MemoryStore) Initialize() error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string][]*Entry)
	return nil
}

func (s *MemoryStore) Append(e *Entry) error {
	if e.SessionID == "" {
		return ErrMissingSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sessions[e.SessionID]
	var prev *Entry
	if n := len(entries); n > 0 {
		prev = entries[n-1]
	}
	Seal(e, prev)
	s.sessions[e.SessionID] = append(entries, e.Clone())
	return nil
}

func (s *MemoryStore) List(sessionID string, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	entries := s.sessions[sessionID]
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	return filter.apply(out), nil
}

func (s *MemoryStore) Count(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID]), nil
}

func (s *MemoryStore) Drop(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Verify(sessionID string) (bool, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sessions[sessionID]
	valid, broken := VerifyChain(entries)
	if !valid {
		return false, broken, nil
	}
	return true, len(entries), nil
}
