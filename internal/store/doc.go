// Package store provides transcript persistence for the relay using SQLite.
//
// # Data Models
//
//   - Session: named conversation with title, archived flag and the engine's
//     resume id. Names are unique and never change.
//   - Message: append-only transcript row (user, assistant, tool_use, tool_result).
//     Each assistant text fragment streamed by the engine is its own row, so
//     history replays exactly what subscribers saw live.
//
// Appending a message touches the parent session's updated_at, so ListSessions
// orders by conversational activity.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (no cgo) with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a session cascades to its messages.
//
// # Testing
//
// Use NewMockStore() for unit tests of components that only need the
// TranscriptStore contract, and NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
// for integration tests.
package store
