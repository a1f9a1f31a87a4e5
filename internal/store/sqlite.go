// ABOUTME: SQLite implementation of the TranscriptStore interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements TranscriptStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ TranscriptStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_archived_updated
			ON sessions(archived, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			metadata_json TEXT,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'tool_use', 'tool_result'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
			ON messages(session_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the initial schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "engine_session_id",
			apply:  `ALTER TABLE sessions ADD COLUMN engine_session_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `id, name, title, archived, created_by, engine_session_id, created_at, updated_at`

// CreateOrGetSession returns the existing session for name or inserts a new one.
func (s *SQLiteStore) CreateOrGetSession(ctx context.Context, name, createdBy string) (*Session, error) {
	name = NormalizeName(name)
	now := s.now().UTC()
	if name == "" {
		name = GenerateSessionName(now)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Title:     name,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// INSERT OR IGNORE keeps creation idempotent when two callers race on the same name.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, name, title, archived, created_by, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, sess.ID, sess.Name, sess.Title, sess.CreatedBy,
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	return s.GetSession(ctx, name)
}

// GetSession retrieves a session by name
func (s *SQLiteStore) GetSession(ctx context.Context, name string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns sessions filtered by archived flag, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, archived bool) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE archived = ?
		ORDER BY updated_at DESC, name ASC
	`, boolToInt(archived))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// ArchiveSession hides a session from the active list without touching its messages.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, name string) (bool, error) {
	return s.updateSession(ctx, `UPDATE sessions SET archived = 1, updated_at = ? WHERE name = ?`,
		s.now().UTC().Format(timeFormat), name)
}

// UnarchiveSession returns an archived session to the active list.
func (s *SQLiteStore) UnarchiveSession(ctx context.Context, name string) (bool, error) {
	return s.updateSession(ctx, `UPDATE sessions SET archived = 0, updated_at = ? WHERE name = ?`,
		s.now().UTC().Format(timeFormat), name)
}

// RenameSession changes the display title. The name is immutable.
func (s *SQLiteStore) RenameSession(ctx context.Context, name, title string) (bool, error) {
	return s.updateSession(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE name = ?`,
		title, s.now().UTC().Format(timeFormat), name)
}

// DeleteSession removes a session and, through the foreign key, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, name string) (bool, error) {
	return s.updateSession(ctx, `DELETE FROM sessions WHERE name = ?`, name)
}

// SetEngineSessionID records the engine's conversation id for later resumption.
func (s *SQLiteStore) SetEngineSessionID(ctx context.Context, name, engineSessionID string) error {
	found, err := s.updateSession(ctx,
		`UPDATE sessions SET engine_session_id = ? WHERE name = ?`, nullString(engineSessionID), name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) updateSession(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendMessage inserts a message and touches its session in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now().UTC()
	}

	var metadata any
	if len(stored.Metadata) > 0 {
		raw, err := json.Marshal(stored.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding message metadata: %w", err)
		}
		metadata = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := stored.Timestamp.Format(timeFormat)
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, stored.SessionID)
	if err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("session %s: %w", stored.SessionID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, source, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.SessionID, string(stored.Role), stored.Content, stored.Source, metadata, ts)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	return &stored, nil
}

// GetMessages returns the latest limit messages for a session in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionName string, limit int) ([]*Message, error) {
	sess, err := s.GetSession(ctx, sessionName)
	if err != nil {
		return nil, err
	}

	var query string
	var args []any

	if limit > 0 {
		// Newest N via the subquery, then flip back to ascending
		query = `
			SELECT id, session_id, role, content, source, metadata_json, timestamp
			FROM (
				SELECT id, session_id, role, content, source, metadata_json, timestamp, rowid AS seq
				FROM messages
				WHERE session_id = ?
				ORDER BY timestamp DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY timestamp ASC, seq ASC
		`
		args = []any{sess.ID, limit}
	} else {
		query = `
			SELECT id, session_id, role, content, source, metadata_json, timestamp
			FROM messages
			WHERE session_id = ?
			ORDER BY timestamp ASC, rowid ASC
		`
		args = []any{sess.ID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, tsStr string
		var metadata *string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Source, &metadata, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = Role(role)

		msg.Timestamp, err = time.Parse(timeFormat, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}

		if metadata != nil && *metadata != "" {
			if err := json.Unmarshal([]byte(*metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var archived int
	var engineID *string
	var createdAtStr, updatedAtStr string

	err := row.Scan(&sess.ID, &sess.Name, &sess.Title, &archived, &sess.CreatedBy,
		&engineID, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	sess.Archived = archived != 0
	if engineID != nil {
		sess.EngineSessionID = *engineID
	}

	sess.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.UpdatedAt, err = time.Parse(timeFormat, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// nullString converts empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
