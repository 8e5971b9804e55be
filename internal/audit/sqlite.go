package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/sovereign/sovereign/internal/phase"
)

// MemoryDSN selects a private in-memory SQLite database.
const MemoryDSN = ":memory:"

// SQLiteStore implements Store using SQLite. By default the database lives in
// memory and disappears with the process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed audit store. An empty path or
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	if path == "" || path == MemoryDSN {
		// Named so every pooled connection sees the same database.
		dsn = fmt.Sprintf("file:audit_%s?mode=memory&cache=shared", ulid.Make().String())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Appends read the chain head and insert in one transaction; a single
	// connection keeps them serialized.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		ts_unix_ns  INTEGER NOT NULL,
		action      TEXT NOT NULL,
		phase       TEXT NOT NULL,
		actor       TEXT NOT NULL,
		metadata    TEXT,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_phase ON audit_entries(phase);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(e *Entry) error {
	if e.SessionID == "" {
		return ErrMissingSession
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev *Entry
	var seq int
	var hash string
	err = tx.QueryRow(`SELECT seq, hash FROM audit_entries WHERE session_id = ?
		ORDER BY seq DESC LIMIT 1`, e.SessionID).Scan(&seq, &hash)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read chain head: %w", err)
	default:
		prev = &Entry{Seq: seq, Hash: hash}
	}

	Seal(e, prev)

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO audit_entries (id, session_id, seq, ts_unix_ns, action, phase,
		actor, metadata, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, e.Timestamp.UnixNano(), e.Action, string(e.Phase),
		e.Actor, meta, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(sessionID string, filter Filter) ([]*Entry, error) {
	where, args := buildEntryWhere(sessionID, filter)
	query := `SELECT id, session_id, seq, ts_unix_ns, action, phase, actor, metadata, prev_hash, hash
		FROM audit_entries` + where + " ORDER BY seq ASC"

	// Paging can only be pushed down when no Go-side predicate runs.
	pushDown := filter.Match == nil
	if pushDown && (filter.Limit > 0 || filter.Offset > 0) {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	entries, err := s.query(query, args...)
	if err != nil {
		return nil, err
	}
	if pushDown {
		return entries, nil
	}
	return Filter{Match: filter.Match, Limit: filter.Limit, Offset: filter.Offset}.apply(entries), nil
}

func (s *SQLiteStore) Count(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_entries WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) Drop(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM audit_entries WHERE session_id = ?", sessionID)
	return err
}

func (s *SQLiteStore) Verify(sessionID string) (bool, int, error) {
	entries, err := s.List(sessionID, Filter{})
	if err != nil {
		return false, 0, err
	}
	valid, brokenAt := VerifyChain(entries)
	if !valid {
		return false, brokenAt, nil
	}
	return true, len(entries), nil
}

func (s *SQLiteStore) query(query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var tsNanos int64
		var ph string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &tsNanos, &e.Action, &ph,
			&e.Actor, &meta, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		e.Phase = phase.Phase(ph)
		if meta.Valid && meta.String != "" {
			m, err := unmarshalMetadata(meta.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", e.ID, err)
			}
			e.Metadata = m
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func buildEntryWhere(sessionID string, f Filter) (string, []any) {
	conditions := []string{"session_id = ?"}
	args := []any{sessionID}

	if f.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, string(f.Phase))
	}
	if f.ActionPrefix != "" {
		conditions = append(conditions, "substr(action, 1, ?) = ?")
		args = append(args, len(f.ActionPrefix), f.ActionPrefix)
	}
	if f.Since != nil {
		conditions = append(conditions, "ts_unix_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func marshalMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// unmarshalMetadata decodes numbers without a float64 round trip so that
// large integers hash the same as when they were appended.
func unmarshalMetadata(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = normalizeNumbers(v)
	}
	return m, nil
}

// normalizeNumbers turns json.Number into int64 or float64. Integers outside
// the int64 range stay json.Number, which marshals back verbatim.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if strings.ContainsAny(x.String(), ".eE") {
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}
