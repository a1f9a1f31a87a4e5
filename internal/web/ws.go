// ABOUTME: WebSocket front-end: one connection is one registry client
// ABOUTME: Reads subscribe/message/ping frames and streams session events back through a bounded outbox

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

// SourceWeb tags messages typed into the web front-end.
const SourceWeb = "web"

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var errOutboxFull = errors.New("websocket outbox full")

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameMessage     = "message"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
)

// Server-only frame types; session events use their own types.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePong         = "pong"
	FrameError        = "error"
)

// ClientFrame is anything a browser sends.
type ClientFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName,omitempty"`
	Content     string `json:"content,omitempty"`
}

// ControlFrame is a server reply that is not a session event.
type ControlFrame struct {
	Type        string            `json:"type"`
	SessionName string            `json:"sessionName,omitempty"`
	History     []MessageResponse `json:"history,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// wsClient is the server side of one WebSocket.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	outbox chan any
	cancel context.CancelFunc
	logger *slog.Logger

	// While a subscribe waits on the registry and the history read, deliveries
	// are held here instead of blocking the session's broadcast. Once the
	// subscribed frame is queued they are replayed, minus events from other
	// sessions and events the history already carried.
	mu      sync.Mutex
	current string
	holding bool
	held    []session.Event
	skip    map[string]struct{}
}

// handleWebSocket handles GET /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		id:     "web:" + uuid.NewString(),
		conn:   conn,
		outbox: make(chan any, outboxSize),
		cancel: cancel,
	}
	c.logger = s.logger.With("client_id", c.id)
	c.logger.Info("websocket connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	s.readLoop(ctx, c)

	s.registry.UnsubscribeClient(c.id)
	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Info("websocket disconnected")
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, frame)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

// enqueue never blocks. A full outbox means the browser is not keeping up; the
// connection is dropped and the browser reconnects.
func (c *wsClient) enqueue(frame any) error {
	select {
	case c.outbox <- frame:
		return nil
	default:
		c.logger.Warn("websocket outbox full, closing connection")
		c.cancel()
		return errOutboxFull
	}
}

// deliver is the registry callback for this connection. It never waits on I/O.
func (c *wsClient) deliver(ev session.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		if len(c.held) >= outboxSize {
			c.logger.Warn("too many events while subscribing, closing connection")
			c.cancel()
			return errOutboxFull
		}
		c.held = append(c.held, ev)
		return nil
	}
	return c.forwardLocked(ev)
}

func (c *wsClient) forwardLocked(ev session.Event) error {
	if ev.SessionName != c.current {
		return nil
	}
	if ev.MessageID != "" {
		if _, dup := c.skip[ev.MessageID]; dup {
			return nil
		}
	}
	return c.enqueue(ev)
}

// hold starts buffering deliveries; release stops and returns what was held.
func (c *wsClient) hold() {
	c.mu.Lock()
	c.holding, c.held = true, nil
	c.mu.Unlock()
}

func (c *wsClient) releaseLocked() []session.Event {
	held := c.held
	c.holding, c.held = false, nil
	return held
}

func (s *Server) readLoop(ctx context.Context, c *wsClient) {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch frame.Type {
		case FrameSubscribe:
			s.handleSubscribe(ctx, c, frame.SessionName)
		case FrameMessage:
			s.handleClientMessage(ctx, c, frame.Content)
		case FrameUnsubscribe:
			s.registry.UnsubscribeClient(c.id)
			c.mu.Lock()
			c.current = ""
			c.mu.Unlock()
			_ = c.enqueue(ControlFrame{Type: FrameUnsubscribed})
		case FramePing:
			_ = c.enqueue(ControlFrame{Type: FramePong})
		default:
			_ = c.enqueue(ControlFrame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, c *wsClient, name string) {
	c.hold()

	ms, err := s.registry.SubscribeClient(ctx, &session.Subscription{
		ClientID:    c.id,
		ClientType:  session.ClientWeb,
		SessionName: name,
		Deliver:     c.deliver,
	})
	var history []*store.Message
	if err == nil {
		var herr error
		history, herr = s.registry.History(ctx, ms.Name(), s.cfg.HistoryLimit)
		if herr != nil {
			c.logger.Warn("failed to load history", "session", ms.Name(), "error", herr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.releaseLocked()
	if err != nil {
		c.current = ""
		c.logger.Error("subscribe failed", "session", name, "error", err)
		_ = c.enqueue(ControlFrame{Type: FrameError, Error: "failed to subscribe"})
		return
	}

	c.current = ms.Name()
	c.skip = make(map[string]struct{}, len(history))
	for _, m := range history {
		c.skip[m.ID] = struct{}{}
	}
	if c.enqueue(ControlFrame{
		Type:        FrameSubscribed,
		SessionName: ms.Name(),
		History:     toMessageResponses(history),
	}) != nil {
		return
	}
	for _, ev := range held {
		if c.forwardLocked(ev) != nil {
			return
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, c *wsClient, content string) {
	if strings.TrimSpace(content) == "" {
		_ = c.enqueue(ControlFrame{Type: FrameError, Error: "content is required"})
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	err := s.registry.SendMessage(sctx, c.id, content, SourceWeb)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotSubscribed):
		_ = c.enqueue(ControlFrame{Type: FrameError, Error: "subscribe to a session first"})
	default:
		c.logger.Error("send failed", "error", err)
		_ = c.enqueue(ControlFrame{Type: FrameError, Error: "failed to send message"})
	}
}
