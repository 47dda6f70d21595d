// Package archive keeps a local SQLite mirror of sessions and completed
// messages. It lets the client list recent conversations without the
// backend, serves as a history fallback when the directory fetch fails,
// and gives simulated mode something to show after a restart.
package archive

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"database/sql"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	_ "modernc.org/sqlite"

	"github.com/vakta-ai/chatcore/internal/chat"
)

// maxSessions is the maximum number of sessions to retain locally.
// Older sessions (and their messages) are deleted when exceeded.
const maxSessions = 50

// ErrSessionNotFound is returned when a session lookup fails.
var ErrSessionNotFound = errors.New("session not found")

// Session is the locally mirrored directory entry.
type Session struct {
	ID         string
	DocumentID string
	Title      string
	Status     string
	LastActive time.Time
}

// Store mirrors sessions and messages in SQLite. It creates the database
// and tables on first use and supports concurrent access through
// internal locking.
type Store struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations.
}

// Open opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*Store, error) {
	log.Printf("archive: opening database at %s", path)

	// Foreign keys enabled so deleting a session drops its messages.
	// busy_timeout handles concurrent access from overlapping runs.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *Store) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			document_id TEXT,
			title       TEXT NOT NULL,
			status      TEXT NOT NULL,
			last_active TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			citation   TEXT,
			simulated  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SaveSession upserts a session and enforces retention: only the most
// recently active maxSessions sessions are kept.
func (s *Store) SaveSession(session Session) error {
	if session.ID == "" {
		return errors.New("session id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lastActive := session.LastActive
	if lastActive.IsZero() {
		lastActive = time.Now()
	}

	var documentID sql.NullString
	if session.DocumentID != "" {
		documentID = sql.NullString{String: session.DocumentID, Valid: true}
	}

	// A real upsert, not INSERT OR REPLACE: REPLACE deletes the old row
	// first, which would cascade and wipe the session's messages.
	const query = `
		INSERT INTO sessions (id, document_id, title, status, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			title       = excluded.title,
			status      = excluded.status,
			last_active = excluded.last_active
	`
	_, err := s.db.Exec(query,
		session.ID,
		documentID,
		session.Title,
		session.Status,
		lastActive.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	// Enforce retention: delete the least recently active sessions
	// beyond the limit. Messages go with them via ON DELETE CASCADE.
	const cleanupQuery = `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY last_active DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxSessions); err != nil {
		return fmt.Errorf("enforce session retention: %w", err)
	}

	return nil
}

// GetSession retrieves a session by id.
// Returns ErrSessionNotFound if the session does not exist locally.
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, document_id, title, status, last_active
		FROM sessions WHERE id = ?
	`
	var (
		session    Session
		documentID sql.NullString
		lastActive string
	)
	err := s.db.QueryRow(query, id).Scan(
		&session.ID, &documentID, &session.Title, &session.Status, &lastActive)
	if err == sql.ErrNoRows {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	session.DocumentID = documentID.String
	if ts, err := time.Parse(time.RFC3339Nano, lastActive); err == nil {
		session.LastActive = ts
	}
	return session, nil
}

// ListSessions returns all mirrored sessions, most recently active first.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, document_id, title, status, last_active
		FROM sessions ORDER BY last_active DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			session    Session
			documentID sql.NullString
			lastActive string
		)
		if err := rows.Scan(&session.ID, &documentID, &session.Title, &session.Status, &lastActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.DocumentID = documentID.String
		if ts, err := time.Parse(time.RFC3339Nano, lastActive); err == nil {
			session.LastActive = ts
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its messages. Deleting an absent
// session is a no-op.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveMessage mirrors one completed message. Streaming messages are not
// archived until they finish; the caller only passes final content.
// Saving the same (session, message) pair twice keeps the latest copy.
func (s *Store) SaveMessage(sessionID string, msg chat.Message) error {
	if msg.Streaming {
		return errors.New("refusing to archive a streaming message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A resumed session may not be mirrored yet; satisfy the foreign key
	// with a stub row. The real directory entry overwrites it on the next
	// SaveSession.
	const stubQuery = `
		INSERT OR IGNORE INTO sessions (id, document_id, title, status, last_active)
		VALUES (?, NULL, '', '', ?)
	`
	if _, err := s.db.Exec(stubQuery, sessionID, time.Now().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("ensure session row: %w", err)
	}

	const query = `
		INSERT OR REPLACE INTO messages (id, session_id, sender, content, citation, simulated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var citation sql.NullString
	if msg.Metadata.Citation != "" {
		citation = sql.NullString{String: msg.Metadata.Citation, Valid: true}
	}
	simulated := 0
	if msg.Metadata.Simulated {
		simulated = 1
	}

	_, err := s.db.Exec(query,
		msg.ID,
		sessionID,
		string(msg.Sender),
		msg.Content,
		citation,
		simulated,
		msg.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Messages returns up to limit mirrored messages for a session, oldest
// first. limit <= 0 means no limit.
func (s *Store) Messages(sessionID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, sender, content, citation, simulated, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			msg       chat.Message
			sender    string
			citation  sql.NullString
			simulated int
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &sender, &msg.Content, &citation, &simulated, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Sender = chat.Sender(sender)
		msg.Metadata.Citation = citation.String
		msg.Metadata.Simulated = simulated != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.Timestamp = ts
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
