// ABOUTME: Matrix bot front-end: each room is one registry client bound to a session
// ABOUTME: Inbound messages become session sends or commands; session events flow back through an outbox

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/session"
)

// SourceBot tags messages typed into a Matrix room.
const SourceBot = "bot"

const (
	outboxSize     = 256
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
	sendTimeout    = 30 * time.Second
	dedupeTTL      = 10 * time.Minute
	dedupeMax      = 4096
)

var errOutboxFull = errors.New("matrix outbox full")

// sender is the part of *mautrix.Client the bot writes through.
type sender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Config controls who the bot serves and how.
type Config struct {
	UserID         string
	AllowedUsers   []string
	CommandPrefix  string
	DefaultSession string
	HistoryLimit   int
	SendTimeout    time.Duration
}

// outbound is one queued write: a message, a typing change, or both.
type outbound struct {
	room    id.RoomID
	content *event.MessageEventContent
	typing  *bool
}

// Bot bridges Matrix rooms to sessions.
type Bot struct {
	client   *mautrix.Client
	out      sender
	registry *session.Registry
	cfg      Config
	allowed  map[id.UserID]struct{}
	seen     *dedupe.Cache
	started  time.Time
	logger   *slog.Logger

	outbox chan outbound

	mu      sync.Mutex
	rooms   map[id.RoomID]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a bot on an authenticated mautrix client.
func New(client *mautrix.Client, reg *session.Registry, cfg Config, logger *slog.Logger) *Bot {
	b := newBot(client, reg, cfg, logger)
	b.client = client
	return b
}

func newBot(out sender, reg *session.Registry, cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	allowed := make(map[id.UserID]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[id.UserID(u)] = struct{}{}
	}
	return &Bot{
		out:      out,
		registry: reg,
		cfg:      cfg,
		allowed:  allowed,
		seen:     dedupe.New(dedupeTTL, dedupeMax),
		started:  time.Now(),
		logger:   logger.With("component", "matrix"),
		outbox:   make(chan outbound, outboxSize),
		rooms:    make(map[id.RoomID]struct{}),
	}
}

// Run syncs with the homeserver until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		return errors.New("matrix bot has no client")
	}
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	ctx = b.start(ctx)
	defer b.Close()

	b.logger.Info("matrix bot running", "user_id", b.cfg.UserID, "allowed_users", len(b.allowed))
	err := b.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// start launches the outbox writer and returns the bot's context.
func (b *Bot) start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.writeLoop(ctx)
	}()
	return ctx
}

// Close stops the writer and releases every room subscription.
func (b *Bot) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel, done := b.cancel, b.done
	rooms := b.rooms
	b.rooms = make(map[id.RoomID]struct{})
	b.mu.Unlock()

	for room := range rooms {
		b.registry.UnsubscribeClient(clientID(room))
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Bot) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-b.outbox:
			b.write(o)
		}
	}
}

func (b *Bot) write(o outbound) {
	if o.typing != nil {
		b.setTyping(o.room, *o.typing)
	}
	if o.content == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := b.out.SendMessageEvent(ctx, o.room, event.EventMessage, o.content); err != nil {
		b.logger.Error("failed to send message", "room", o.room.String(), "error", err)
	}
}

func (b *Bot) setTyping(room id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.out.UserTyping(ctx, room, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", room.String(), "error", err)
	}
}

// enqueue never blocks; a full outbox fails the write.
func (b *Bot) enqueue(o outbound) error {
	select {
	case b.outbox <- o:
		return nil
	default:
		b.logger.Warn("matrix outbox full, dropping", "room", o.room.String())
		return errOutboxFull
	}
}

func (b *Bot) notice(room id.RoomID, text string) {
	_ = b.enqueue(outbound{room: room, content: noticeContent(text)})
}

func clientID(room id.RoomID) string {
	return "matrix:" + room.String()
}

func (b *Bot) isAllowed(user id.UserID) bool {
	_, ok := b.allowed[user]
	return ok
}

// handleMessageEvent is the syncer callback for m.room.message.
func (b *Bot) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(b.cfg.UserID) {
		return
	}
	if evt.Timestamp < b.started.UnixMilli() {
		return
	}
	if !b.isAllowed(evt.Sender) {
		b.logger.Debug("ignoring message from user not in allowed_users", "sender", evt.Sender.String())
		return
	}
	if evt.ID != "" && b.seen.Seen(evt.ID.String()) {
		b.logger.Debug("dropping redelivered event", "event_id", evt.ID.String())
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return
	}

	b.logger.Info("received message",
		"room", evt.RoomID.String(),
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	if strings.HasPrefix(body, b.cfg.CommandPrefix) {
		b.handleCommand(ctx, evt.RoomID, strings.TrimPrefix(body, b.cfg.CommandPrefix))
		return
	}
	b.handleChat(ctx, evt.RoomID, body)
}

// handleChat forwards text to the room's session, subscribing the room to the
// default session first if it has none.
func (b *Bot) handleChat(ctx context.Context, room id.RoomID, body string) {
	if _, ok := b.registry.CurrentSession(clientID(room)); !ok {
		if _, err := b.subscribe(ctx, room, b.cfg.DefaultSession); err != nil {
			b.logger.Error("failed to subscribe room", "room", room.String(), "error", err)
			b.notice(room, "Could not open a session for this room.")
			return
		}
	}

	sctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	if err := b.registry.SendMessage(sctx, clientID(room), body, SourceBot); err != nil {
		b.logger.Error("send failed", "room", room.String(), "error", err)
		b.notice(room, "Failed to deliver your message: "+err.Error())
	}
}

// subscribe points the room at name, creating the session if needed.
func (b *Bot) subscribe(ctx context.Context, room id.RoomID, name string) (*session.ManagedSession, error) {
	ms, err := b.registry.SubscribeClient(ctx, &session.Subscription{
		ClientID:    clientID(room),
		ClientType:  session.ClientBot,
		SessionName: name,
		Deliver:     b.deliverFunc(room),
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.rooms[room] = struct{}{}
	b.mu.Unlock()
	return ms, nil
}

func (b *Bot) deliverFunc(room id.RoomID) session.DeliverFunc {
	return func(ev session.Event) error {
		o, ok := renderEvent(room, ev)
		if !ok {
			return nil
		}
		return b.enqueue(o)
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
