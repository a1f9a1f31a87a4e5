// ABOUTME: TranscriptStore interface and data types for relay-gateway persistence
// ABOUTME: Defines Session, Message and the append-only transcript contract

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned when a message carries an unknown role
var ErrInvalidRole = errors.New("invalid message role")

// Role identifies who produced a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolUse, RoleToolResult:
		return true
	}
	return false
}

// Session is a named conversation shared across front-ends.
type Session struct {
	ID        string
	Name      string // immutable slug, unique
	Title     string
	Archived  bool
	CreatedBy string // front-end that created it: web, bot, api

	// EngineSessionID is the engine's own conversation id, used to resume
	// after a connection is replaced.
	EngineSessionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one append-only transcript entry.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Source    string // web, bot, api, agent
	Metadata  map[string]any
	Timestamp time.Time
}

// TranscriptStore is the persistence contract the session core depends on.
// Apart from ErrNotFound, any error is a persistence failure the caller must propagate.
type TranscriptStore interface {
	// CreateOrGetSession returns the session called name, creating it if needed.
	// An empty name gets a generated one.
	CreateOrGetSession(ctx context.Context, name, createdBy string) (*Session, error)

	GetSession(ctx context.Context, name string) (*Session, error)

	// ListSessions returns sessions with the given archived flag, most recently updated first.
	ListSessions(ctx context.Context, archived bool) ([]*Session, error)

	ArchiveSession(ctx context.Context, name string) (bool, error)
	UnarchiveSession(ctx context.Context, name string) (bool, error)
	RenameSession(ctx context.Context, name, title string) (bool, error)
	DeleteSession(ctx context.Context, name string) (bool, error)

	// AppendMessage stores msg (assigning ID and Timestamp when empty) and touches
	// the parent session's UpdatedAt.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// GetMessages returns up to limit of the latest messages for a session, oldest first.
	// A limit <= 0 returns the whole transcript.
	GetMessages(ctx context.Context, sessionName string, limit int) ([]*Message, error)

	SetEngineSessionID(ctx context.Context, name, engineSessionID string) error

	Close() error
}

// GenerateSessionName returns a readable unique slug for an unnamed session.
func GenerateSessionName(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("chat-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// NormalizeName trims a user-supplied session name into slug form.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "-")
}
