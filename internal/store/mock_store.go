// ABOUTME: Mock TranscriptStore implementation for testing
// ABOUTME: Allows session and front-end tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory TranscriptStore implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session    // keyed by name
	messages map[string][]*Message // keyed by session ID
	clock    time.Time

	appendErr error
}

var _ TranscriptStore = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		clock:    time.Now().UTC(),
	}
}

// tick returns a strictly increasing timestamp. Callers must hold mu.
func (m *MockStore) tick() time.Time {
	m.clock = m.clock.Add(time.Microsecond)
	return m.clock
}

// FailAppends makes every later AppendMessage return err. Pass nil to recover.
func (m *MockStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// CreateOrGetSession returns or creates a session by name.
func (m *MockStore) CreateOrGetSession(ctx context.Context, name, createdBy string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = NormalizeName(name)
	now := m.tick()
	if name == "" {
		name = GenerateSessionName(now)
	}

	if sess, ok := m.sessions[name]; ok {
		cp := *sess
		return &cp, nil
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Title:     name,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[name] = sess

	cp := *sess
	return &cp, nil
}

// GetSession retrieves a session by name.
func (m *MockStore) GetSession(ctx context.Context, name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// ListSessions returns sessions with the archived flag, newest activity first.
func (m *MockStore) ListSessions(ctx context.Context, archived bool) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if sess.Archived == archived {
			cp := *sess
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// ArchiveSession marks a session archived.
func (m *MockStore) ArchiveSession(ctx context.Context, name string) (bool, error) {
	return m.mutate(name, func(s *Session) { s.Archived = true })
}

// UnarchiveSession clears the archived flag.
func (m *MockStore) UnarchiveSession(ctx context.Context, name string) (bool, error) {
	return m.mutate(name, func(s *Session) { s.Archived = false })
}

// RenameSession sets the title.
func (m *MockStore) RenameSession(ctx context.Context, name, title string) (bool, error) {
	return m.mutate(name, func(s *Session) { s.Title = title })
}

func (m *MockStore) mutate(name string, fn func(*Session)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[name]
	if !ok {
		return false, nil
	}
	fn(sess)
	sess.UpdatedAt = m.tick()
	return true, nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[name]
	if !ok {
		return false, nil
	}
	delete(m.messages, sess.ID)
	delete(m.sessions, name)
	return true, nil
}

// SetEngineSessionID records the engine conversation id.
func (m *MockStore) SetEngineSessionID(ctx context.Context, name, engineSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[name]
	if !ok {
		return ErrNotFound
	}
	sess.EngineSessionID = engineSessionID
	return nil
}

// AppendMessage stores a message and touches its session.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return nil, m.appendErr
	}
	if !msg.Role.Valid() {
		return nil, ErrInvalidRole
	}

	var owner *Session
	for _, sess := range m.sessions {
		if sess.ID == msg.SessionID {
			owner = sess
			break
		}
	}
	if owner == nil {
		return nil, fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.tick()
	}
	owner.UpdatedAt = stored.Timestamp

	m.messages[stored.SessionID] = append(m.messages[stored.SessionID], &stored)

	cp := stored
	return &cp, nil
}

// GetMessages returns the latest limit messages, oldest first.
func (m *MockStore) GetMessages(ctx context.Context, sessionName string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionName]
	if !ok {
		return nil, ErrNotFound
	}

	msgs := m.messages[sess.ID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
