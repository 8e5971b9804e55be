package audit

import "errors"

// ErrMissingSession is returned when an entry is appended without a session ID.
var ErrMissingSession = errors.New("audit entry has no session id")

// Store defines the interface for audit persistence backends. Implementations
// are append-only: there is no way to edit or delete a single entry.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Append seals e onto its session's chain (assigning Seq, PrevHash and
	// Hash) and stores a copy of it.
	Append(e *Entry) error

	// List returns copies of one session's entries in append order.
	List(sessionID string, filter Filter) ([]*Entry, error)

	// Count returns the number of entries recorded for a session.
	Count(sessionID string) (int, error)

	// Drop discards every entry of a session. Called only when the session ends.
	Drop(sessionID string) error

	// Verify walks the session's hash chain. Returns (valid, entries checked,
	// error); on a broken chain the count is the index of the first bad entry.
	Verify(sessionID string) (bool, int, error)
}
