// ABOUTME: Registry tracks live ManagedSessions by name and each client's current subscription
// ABOUTME: It is the single authority that guarantees one live session per name

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/activity"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/store"
)

// Option customizes a Registry.
type Option func(*Registry)

// WithReplaceTimeout bounds how long a connection replacement waits for the old listening loop.
func WithReplaceTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.deps.replaceTimeout = d
		}
	}
}

// Registry maps session names to live sessions and clients to subscriptions.
// Lock order is clientsMu before mu.
type Registry struct {
	deps deps

	clientsMu sync.Mutex
	clients   map[string]*Subscription // clientID -> current subscription

	mu       sync.Mutex
	sessions map[string]*ManagedSession // name -> live session
}

// NewRegistry creates a registry. A nil observer discards activity; a nil logger uses the default.
func NewRegistry(st store.TranscriptStore, factory engine.Factory, observer activity.Observer, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = activity.Nop{}
	}
	r := &Registry{
		deps: deps{
			store:          st,
			factory:        factory,
			activity:       observer,
			logger:         logger.With("component", "sessions"),
			replaceTimeout: defaultReplaceTimeout,
		},
		clients:  make(map[string]*Subscription),
		sessions: make(map[string]*ManagedSession),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateSession returns the live session for name, creating the persisted
// session and its live side if needed. An empty name creates a new session.
func (r *Registry) GetOrCreateSession(ctx context.Context, name, createdBy string) (*ManagedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(ctx, name, createdBy)
}

func (r *Registry) getOrCreateLocked(ctx context.Context, name, createdBy string) (*ManagedSession, error) {
	name = store.NormalizeName(name)
	if ms, ok := r.sessions[name]; ok && name != "" {
		return ms, nil
	}

	info, err := r.deps.store.CreateOrGetSession(ctx, name, createdBy)
	if err != nil {
		return nil, fmt.Errorf("resolving session %q: %w", name, err)
	}
	if info.Archived {
		// Talking to an archived session brings it back.
		if _, err := r.deps.store.UnarchiveSession(ctx, info.Name); err != nil {
			return nil, fmt.Errorf("unarchiving session %q: %w", info.Name, err)
		}
		info.Archived = false
	}
	if ms, ok := r.sessions[info.Name]; ok {
		return ms, nil
	}

	ms := newManagedSession(info, r.deps)
	r.sessions[info.Name] = ms
	r.deps.logger.Info("session activated", "session", info.Name, "created_by", createdBy)
	return ms, nil
}

// attach resolves sub's session and registers sub on it while holding mu, so a
// concurrent Cleanup cannot evict the session in between.
func (r *Registry) attach(ctx context.Context, sub *Subscription) (*ManagedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.getOrCreateLocked(ctx, sub.SessionName, string(sub.ClientType))
	if err != nil {
		return nil, err
	}
	sub.SessionName = ms.Name()
	ms.Subscribe(sub)
	return ms, nil
}

// detach removes sub from its live session, if the session is live.
func (r *Registry) detach(sub *Subscription) {
	r.mu.Lock()
	ms := r.sessions[sub.SessionName]
	r.mu.Unlock()
	if ms != nil {
		ms.Unsubscribe(sub.ClientID)
	}
}

// SubscribeClient moves a client onto sub.SessionName, leaving its previous session.
// Re-subscribing to the current session only refreshes the callback.
func (r *Registry) SubscribeClient(ctx context.Context, sub *Subscription) (*ManagedSession, error) {
	if sub == nil || sub.ClientID == "" || sub.Deliver == nil {
		return nil, ErrInvalidSubscription
	}

	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	target := store.NormalizeName(sub.SessionName)
	prev := r.clients[sub.ClientID]
	if prev != nil && (target == "" || prev.SessionName != target) {
		r.detach(prev)
		delete(r.clients, sub.ClientID)
	}

	next := *sub
	next.SessionName = target
	ms, err := r.attach(ctx, &next)
	if err != nil {
		return nil, err
	}
	r.clients[sub.ClientID] = &next

	if prev != nil && prev.SessionName != ms.Name() {
		r.deps.logger.Info("client switched session",
			"client_id", sub.ClientID, "from", prev.SessionName, "to", ms.Name())
		r.emitSwitch(ms, sub, prev.SessionName)
	}
	return ms, nil
}

func (r *Registry) emitSwitch(ms *ManagedSession, sub *Subscription, from string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.logger.Warn("activity observer panicked", "panic", rec)
		}
	}()
	r.deps.activity.OnActivity(activity.Event{
		Type:        activity.TypeSessionSwitch,
		SessionID:   ms.ID(),
		SessionName: ms.Name(),
		Summary:     fmt.Sprintf("%s client switched from %s to %s", sub.ClientType, from, ms.Name()),
		Details:     map[string]any{"client_id": sub.ClientID, "from": from},
		Timestamp:   time.Now().UTC(),
	})
}

// UnsubscribeClient drops a client's subscription. Unknown clients are ignored.
func (r *Registry) UnsubscribeClient(clientID string) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return
	}
	r.detach(sub)
	delete(r.clients, clientID)
}

// CurrentSession returns the session name a client is subscribed to.
func (r *Registry) CurrentSession(clientID string) (string, bool) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	sub, ok := r.clients[clientID]
	if !ok {
		return "", false
	}
	return sub.SessionName, true
}

func (r *Registry) subscription(clientID string) *Subscription {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	return r.clients[clientID]
}

// SendMessage sends content on the client's current session.
func (r *Registry) SendMessage(ctx context.Context, clientID, content, source string) error {
	sub := r.subscription(clientID)
	if sub == nil {
		return ErrNotSubscribed
	}

	for attempt := 0; ; attempt++ {
		// attach also re-registers a subscription that an idle sweep dropped.
		// It gets a copy: the client map's entry is only written under clientsMu.
		next := *sub
		ms, err := r.attach(ctx, &next)
		if err != nil {
			return err
		}
		err = ms.SendMessage(ctx, content, source)
		if !errors.Is(err, ErrSessionClosed) || attempt > 0 {
			return err
		}
		// Closed between lookup and send; go again unless the client moved away
		// or the session was archived or deleted.
		if r.subscription(clientID) != sub {
			return ErrNotSubscribed
		}
	}
}

// SendToSession sends content on a named session without a subscription.
func (r *Registry) SendToSession(ctx context.Context, name, content, source string) error {
	for attempt := 0; ; attempt++ {
		ms, err := r.GetOrCreateSession(ctx, name, source)
		if err != nil {
			return err
		}
		err = ms.SendMessage(ctx, content, source)
		if !errors.Is(err, ErrSessionClosed) || attempt > 0 {
			return err
		}
	}
}

// retire forgets every client on name, closes its live session and applies
// op to the store while holding both locks, so nothing can bring name back to
// life until the store has caught up.
func (r *Registry) retire(ctx context.Context, name string, op func(context.Context, string) (bool, error)) (bool, error) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.clients {
		if sub.SessionName == name {
			delete(r.clients, id)
		}
	}
	if ms, ok := r.sessions[name]; ok {
		delete(r.sessions, name)
		ms.Close()
		r.deps.logger.Info("session evicted", "session", name)
	}
	return op(ctx, name)
}

// ArchiveSession closes the live session, then archives it in the store.
func (r *Registry) ArchiveSession(ctx context.Context, name string) (bool, error) {
	return r.retire(ctx, name, r.deps.store.ArchiveSession)
}

// DeleteSession closes the live session, then deletes it and its transcript.
func (r *Registry) DeleteSession(ctx context.Context, name string) (bool, error) {
	return r.retire(ctx, name, r.deps.store.DeleteSession)
}

// UnarchiveSession passes through to the store.
func (r *Registry) UnarchiveSession(ctx context.Context, name string) (bool, error) {
	return r.deps.store.UnarchiveSession(ctx, name)
}

// RenameSession passes through to the store.
func (r *Registry) RenameSession(ctx context.Context, name, title string) (bool, error) {
	return r.deps.store.RenameSession(ctx, name, title)
}

// ListSessions passes through to the store.
func (r *Registry) ListSessions(ctx context.Context, archived bool) ([]*store.Session, error) {
	return r.deps.store.ListSessions(ctx, archived)
}

// GetSession passes through to the store.
func (r *Registry) GetSession(ctx context.Context, name string) (*store.Session, error) {
	return r.deps.store.GetSession(ctx, name)
}

// History returns up to limit of the latest messages of a session, oldest first.
func (r *Registry) History(ctx context.Context, name string, limit int) ([]*store.Message, error) {
	return r.deps.store.GetMessages(ctx, name, limit)
}

// Live returns the live session for name, if any.
func (r *Registry) Live(name string) (*ManagedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.sessions[name]
	return ms, ok
}

// LiveSessions returns the names of live sessions, sorted.
func (r *Registry) LiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cleanup closes and evicts live sessions without subscribers. It returns how many were evicted.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	var idle []*ManagedSession
	for name, ms := range r.sessions {
		if ms.SubscriberCount() == 0 {
			delete(r.sessions, name)
			idle = append(idle, ms)
		}
	}
	r.mu.Unlock()

	for _, ms := range idle {
		ms.Close()
	}
	if len(idle) > 0 {
		r.deps.logger.Info("cleaned up idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Close shuts every live session down and forgets all clients.
func (r *Registry) Close() {
	r.clientsMu.Lock()
	clear(r.clients)
	r.clientsMu.Unlock()

	r.mu.Lock()
	live := make([]*ManagedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		live = append(live, ms)
	}
	clear(r.sessions)
	r.mu.Unlock()

	for _, ms := range live {
		ms.Close()
	}
	r.deps.logger.Info("session registry closed", "sessions", len(live))
}
