// ABOUTME: ManagedSession binds one persisted session to a live engine connection and its subscribers
// ABOUTME: Records user input first, dispatches to the engine, and fans streamed output back out

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/activity"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	// persistTimeout bounds transcript writes made from the listening goroutine.
	persistTimeout = 5 * time.Second

	defaultReplaceTimeout = 5 * time.Second
)

// deps are the collaborators a ManagedSession shares with its Registry.
type deps struct {
	store          store.TranscriptStore
	factory        engine.Factory
	activity       activity.Observer
	logger         *slog.Logger
	replaceTimeout time.Duration
}

// ManagedSession is the live side of one session.
type ManagedSession struct {
	id   string
	name string
	deps

	sendMu sync.Mutex // serializes SendMessage
	emitMu sync.Mutex // keeps append+broadcast pairs in order

	mu         sync.Mutex
	conn       engine.Connection
	resumeID   string
	listenConn engine.Connection // connection the listening goroutine drains, nil when Idle
	loopDone   chan struct{}
	closed     bool

	subMu       sync.RWMutex
	subscribers map[string]*Subscription
}

func newManagedSession(info *store.Session, d deps) *ManagedSession {
	ms := &ManagedSession{
		id:          info.ID,
		name:        info.Name,
		deps:        d,
		resumeID:    info.EngineSessionID,
		subscribers: make(map[string]*Subscription),
	}
	ms.logger = d.logger.With("session", info.Name)
	ms.conn = ms.newConnLocked()
	return ms
}

// ID returns the persisted session id.
func (ms *ManagedSession) ID() string { return ms.id }

// Name returns the session name.
func (ms *ManagedSession) Name() string { return ms.name }

// newConnLocked creates a connection resuming the last known engine conversation.
// Callers must hold mu (or own ms exclusively).
func (ms *ManagedSession) newConnLocked() engine.Connection {
	return ms.factory(engine.Options{SessionName: ms.name, ResumeID: ms.resumeID})
}

// Subscribe adds or replaces the subscription for sub.ClientID.
func (ms *ManagedSession) Subscribe(sub *Subscription) {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	ms.subscribers[sub.ClientID] = sub
}

// Unsubscribe removes a client. It reports whether the client was subscribed.
func (ms *ManagedSession) Unsubscribe(clientID string) bool {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	_, ok := ms.subscribers[clientID]
	delete(ms.subscribers, clientID)
	return ok
}

// SubscriberCount returns the number of current subscribers.
func (ms *ManagedSession) SubscriberCount() int {
	ms.subMu.RLock()
	defer ms.subMu.RUnlock()
	return len(ms.subscribers)
}

// IsListening reports whether a goroutine is draining engine output.
func (ms *ManagedSession) IsListening() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.listenConn != nil
}

func (ms *ManagedSession) isClosed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed
}

// SendMessage records a user turn, shows it to every subscriber and hands it to the engine.
// Engine failures are reported to subscribers as an error event, not returned.
func (ms *ManagedSession) SendMessage(ctx context.Context, content, source string) error {
	ms.sendMu.Lock()
	defer ms.sendMu.Unlock()

	if ms.isClosed() {
		return ErrSessionClosed
	}

	msg, err := ms.persistAndBroadcast(ctx, &store.Message{
		Role:    store.RoleUser,
		Content: content,
		Source:  source,
	}, func(m *store.Message) Event {
		return Event{
			Type:      EventUserMessage,
			Content:   m.Content,
			Source:    m.Source,
			MessageID: m.ID,
			Timestamp: m.Timestamp,
		}
	})
	if err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	ms.emit(activity.TypeMessage,
		fmt.Sprintf("User (%s): %s", source, activity.Summarize(content, activity.SummaryLength)),
		map[string]any{"source": source, "message_id": msg.ID})

	conn, err := ms.dispatch(ctx, content)
	if err != nil {
		ms.logger.Error("engine send failed after reconnect", "error", err)
		ms.broadcast(Event{Type: EventError, Error: fmt.Sprintf("Failed to reach the agent: %v", err)})
		ms.emit(activity.TypeError, "Engine send failed: "+activity.Summarize(err.Error(), activity.SummaryLength), nil)
		return nil
	}

	ms.ensureListening(conn)
	return nil
}

// dispatch sends on the current connection, replacing it once if the send fails.
func (ms *ManagedSession) dispatch(ctx context.Context, content string) (engine.Connection, error) {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()

	err := conn.Send(ctx, content)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; the connection itself may be fine.
		return nil, err
	}

	ms.logger.Warn("engine send failed, replacing connection", "error", err)
	conn, err = ms.replaceConnection()
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, content); err != nil {
		return nil, err
	}
	return conn, nil
}

// replaceConnection discards the current connection and installs a fresh one.
// It waits, bounded, for the old listening goroutine so only one runs at a time.
func (ms *ManagedSession) replaceConnection() (engine.Connection, error) {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return nil, ErrSessionClosed
	}
	old := ms.conn
	var oldDone chan struct{}
	if ms.listenConn == old {
		oldDone = ms.loopDone
	}
	fresh := ms.newConnLocked()
	ms.conn = fresh
	ms.mu.Unlock()

	_ = old.Close()
	if oldDone != nil {
		select {
		case <-oldDone:
		case <-time.After(ms.replaceTimeout):
			ms.logger.Warn("previous listening loop did not stop in time")
		}
	}

	ms.logger.Info("engine connection replaced")
	return fresh, nil
}

// ensureListening starts the listening goroutine for conn unless one already drains it.
func (ms *ManagedSession) ensureListening(conn engine.Connection) {
	ms.mu.Lock()
	if ms.closed || conn != ms.conn || ms.listenConn == conn {
		ms.mu.Unlock()
		return
	}
	done := make(chan struct{})
	ms.listenConn = conn
	ms.loopDone = done
	ms.mu.Unlock()

	ms.logger.Debug("listening loop started")
	go ms.listen(conn, done)
}

func (ms *ManagedSession) stopListening(conn engine.Connection) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.listenConn == conn {
		ms.listenConn = nil
		ms.loopDone = nil
	}
}

// listen drains conn until its stream ends. Failures stop the loop, close the
// connection so the next send replaces it, and are reported to subscribers.
func (ms *ManagedSession) listen(conn engine.Connection, done chan struct{}) {
	defer close(done)
	defer ms.stopListening(conn)

	err := ms.drain(conn)
	if err == nil {
		ms.logger.Debug("listening loop finished")
		return
	}

	ms.logger.Error("listening loop failed", "error", err)
	_ = conn.Close()
	ms.broadcast(Event{Type: EventError, Error: err.Error()})
	ms.emit(activity.TypeError, activity.Summarize(err.Error(), activity.SummaryLength), nil)
}

func (ms *ManagedSession) drain(conn engine.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listening loop panic: %v", r)
		}
	}()

	for ev := range conn.Events() {
		if ev.Type == engine.EventEnded {
			if ev.Err != nil {
				return fmt.Errorf("agent stream ended unexpectedly: %w", ev.Err)
			}
			return nil
		}
		if err := ms.handleEngineEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (ms *ManagedSession) handleEngineEvent(ev engine.Event) error {
	switch ev.Type {
	case engine.EventText:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		_, err := ms.persistAndBroadcast(ctx, &store.Message{
			Role:    store.RoleAssistant,
			Content: ev.Text,
			Source:  SourceAgent,
		}, func(m *store.Message) Event {
			return Event{
				Type:      EventAssistantMessage,
				Content:   m.Content,
				Source:    m.Source,
				MessageID: m.ID,
				Timestamp: m.Timestamp,
			}
		})
		if err != nil {
			return fmt.Errorf("persisting assistant message: %w", err)
		}
		ms.emit(activity.TypeMessage, "Agent: "+activity.Summarize(ev.Text, activity.SummaryLength), nil)

	case engine.EventToolUse:
		if ev.Tool == nil {
			return nil
		}
		ms.broadcast(Event{
			Type:      EventToolUse,
			ToolName:  ev.Tool.Name,
			ToolID:    ev.Tool.ID,
			ToolInput: ev.Tool.Input,
		})
		ms.emit(activity.TypeToolUse, "Using tool: "+ev.Tool.Name, map[string]any{
			"tool_id": ev.Tool.ID,
			"input":   activity.Summarize(string(ev.Tool.Input), activity.SummaryLength),
		})

	case engine.EventToolResult:
		if ev.ToolResult == nil {
			return nil
		}
		status := "ok"
		if ev.ToolResult.IsError {
			status = "error"
		}
		ms.emit(activity.TypeToolResult,
			fmt.Sprintf("Tool result (%s): %s", status, activity.Summarize(ev.ToolResult.Output, activity.SummaryLength)),
			map[string]any{"tool_id": ev.ToolResult.ToolUseID, "is_error": ev.ToolResult.IsError})

	case engine.EventResult:
		ms.rememberEngineSession(ev.EngineSessionID)
		if ev.Result == nil {
			return nil
		}
		success := ev.Result.Success
		ms.broadcast(Event{
			Type:     EventResult,
			Success:  &success,
			Cost:     ev.Result.CostUSD,
			Duration: ev.Result.DurationMS,
		})
		if !success {
			ms.emit(activity.TypeError, "Turn finished unsuccessfully: "+activity.Summarize(ev.Result.Text, activity.SummaryLength), nil)
		}

	case engine.EventInit:
		ms.rememberEngineSession(ev.EngineSessionID)
	}
	return nil
}

// rememberEngineSession stores the engine conversation id so a replacement connection can resume it.
func (ms *ManagedSession) rememberEngineSession(id string) {
	if id == "" {
		return
	}
	ms.mu.Lock()
	if ms.resumeID == id {
		ms.mu.Unlock()
		return
	}
	ms.resumeID = id
	ms.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := ms.store.SetEngineSessionID(ctx, ms.name, id); err != nil {
		ms.logger.Warn("failed to record engine session id", "error", err)
	}
}

// persistAndBroadcast appends msg and broadcasts the event built from the stored row.
func (ms *ManagedSession) persistAndBroadcast(ctx context.Context, msg *store.Message, toEvent func(*store.Message) Event) (*store.Message, error) {
	ms.emitMu.Lock()
	defer ms.emitMu.Unlock()

	msg.SessionID = ms.id
	stored, err := ms.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	ms.fanOut(toEvent(stored))
	return stored, nil
}

// broadcast sends an event that has no transcript row.
func (ms *ManagedSession) broadcast(ev Event) {
	ms.emitMu.Lock()
	defer ms.emitMu.Unlock()
	ms.fanOut(ev)
}

// fanOut delivers ev to every subscriber, dropping the ones that fail. Callers hold emitMu.
func (ms *ManagedSession) fanOut(ev Event) {
	ev.SessionName = ms.name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	ms.subMu.RLock()
	targets := make([]*Subscription, 0, len(ms.subscribers))
	for _, sub := range ms.subscribers {
		targets = append(targets, sub)
	}
	ms.subMu.RUnlock()

	var failed []*Subscription
	for _, sub := range targets {
		if err := deliver(sub, ev); err != nil {
			ms.logger.Warn("dropping subscriber after failed delivery",
				"client_id", sub.ClientID,
				"client_type", sub.ClientType,
				"event", ev.Type,
				"error", err)
			failed = append(failed, sub)
		}
	}

	if len(failed) == 0 {
		return
	}
	ms.subMu.Lock()
	for _, sub := range failed {
		// Only remove the exact subscription that failed; the client may have re-subscribed.
		if cur, ok := ms.subscribers[sub.ClientID]; ok && cur == sub {
			delete(ms.subscribers, sub.ClientID)
		}
	}
	ms.subMu.Unlock()
}

func deliver(sub *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.Deliver(ev)
}

// emit notifies the activity observer. A misbehaving observer never reaches the caller.
func (ms *ManagedSession) emit(t activity.Type, summary string, details map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			ms.logger.Warn("activity observer panicked", "panic", r)
		}
	}()
	ms.activity.OnActivity(activity.Event{
		Type:        t,
		SessionID:   ms.id,
		SessionName: ms.name,
		Summary:     summary,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	})
}

// Close tears down the engine connection. Safe to call more than once.
func (ms *ManagedSession) Close() {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return
	}
	ms.closed = true
	conn := ms.conn
	ms.mu.Unlock()

	_ = conn.Close()
	ms.logger.Info("session closed")
}

// waitIdle blocks until no listening goroutine runs or the timeout passes.
func (ms *ManagedSession) waitIdle(timeout time.Duration) bool {
	ms.mu.Lock()
	done := ms.loopDone
	ms.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
