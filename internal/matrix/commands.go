// ABOUTME: Prefix commands a Matrix room uses to manage its session
// ABOUTME: Replies are notices queued on the room; they never enter the transcript

package matrix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/store"
)

const maxHistory = 50

func (b *Bot) helpText() string {
	p := b.cfg.CommandPrefix
	lines := []string{
		"Commands:",
		p + "help - show this message",
		p + "new [name] - start a session and switch to it",
		p + "switch <name> - switch this room to an existing session",
		p + "list - list active sessions",
		p + "rename <title> - set the current session's title",
		p + "archive [name] - archive a session (default: current)",
		p + fmt.Sprintf("history [n] - show the last n messages (default %d)", b.cfg.HistoryLimit),
		p + "status - show this room's session",
		"Anything else is sent to the current session.",
	}
	return strings.Join(lines, "\n")
}

// handleCommand runs one prefix command. line has the prefix removed.
func (b *Bot) handleCommand(ctx context.Context, room id.RoomID, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		b.notice(room, b.helpText())
		return
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	var reply string
	var err error
	switch cmd {
	case "help":
		reply = b.helpText()
	case "new":
		reply, err = b.cmdNew(ctx, room, rest)
	case "switch":
		reply, err = b.cmdSwitch(ctx, room, rest)
	case "list":
		reply, err = b.cmdList(ctx, room)
	case "rename":
		reply, err = b.cmdRename(ctx, room, rest)
	case "archive":
		reply, err = b.cmdArchive(ctx, room, rest)
	case "history":
		reply, err = b.cmdHistory(ctx, room, args)
	case "status":
		reply = b.cmdStatus(room)
	default:
		reply = fmt.Sprintf("Unknown command %q. Try %shelp", cmd, b.cfg.CommandPrefix)
	}

	if err != nil {
		b.logger.Error("command failed", "command", cmd, "room", room.String(), "error", err)
		reply = fmt.Sprintf("%s failed: %v", cmd, err)
	}
	b.notice(room, reply)
}

func (b *Bot) cmdNew(ctx context.Context, room id.RoomID, name string) (string, error) {
	ms, err := b.subscribe(ctx, room, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Now in session %s", ms.Name()), nil
}

func (b *Bot) cmdSwitch(ctx context.Context, room id.RoomID, name string) (string, error) {
	if name == "" {
		return "Usage: " + b.cfg.CommandPrefix + "switch <name>", nil
	}
	if _, err := b.registry.GetSession(ctx, store.NormalizeName(name)); errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("No session named %s. Use %snew %s to create it.", name, b.cfg.CommandPrefix, name), nil
	} else if err != nil {
		return "", err
	}
	ms, err := b.subscribe(ctx, room, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Switched to session %s", ms.Name()), nil
}

func (b *Bot) cmdList(ctx context.Context, room id.RoomID) (string, error) {
	sessions, err := b.registry.ListSessions(ctx, false)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "No sessions yet.", nil
	}
	current, _ := b.registry.CurrentSession(clientID(room))

	var sb strings.Builder
	sb.WriteString("Sessions:")
	for _, s := range sessions {
		marker := "  "
		if s.Name == current {
			marker = "* "
		}
		sb.WriteString("\n" + marker + s.Name)
		if s.Title != "" {
			sb.WriteString(" - " + s.Title)
		}
	}
	return sb.String(), nil
}

func (b *Bot) cmdRename(ctx context.Context, room id.RoomID, title string) (string, error) {
	if title == "" {
		return "Usage: " + b.cfg.CommandPrefix + "rename <title>", nil
	}
	current, ok := b.registry.CurrentSession(clientID(room))
	if !ok {
		return "This room has no session yet.", nil
	}
	found, err := b.registry.RenameSession(ctx, current, title)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("Session %s no longer exists.", current), nil
	}
	return fmt.Sprintf("Renamed %s to %q", current, title), nil
}

func (b *Bot) cmdArchive(ctx context.Context, room id.RoomID, name string) (string, error) {
	if name == "" {
		current, ok := b.registry.CurrentSession(clientID(room))
		if !ok {
			return "This room has no session yet.", nil
		}
		name = current
	}
	name = store.NormalizeName(name)
	found, err := b.registry.ArchiveSession(ctx, name)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("No session named %s.", name), nil
	}
	return fmt.Sprintf("Archived %s", name), nil
}

func (b *Bot) cmdHistory(ctx context.Context, room id.RoomID, args []string) (string, error) {
	n := b.cfg.HistoryLimit
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			return "Usage: " + b.cfg.CommandPrefix + "history [n]", nil
		}
		n = min(parsed, maxHistory)
	}
	current, ok := b.registry.CurrentSession(clientID(room))
	if !ok {
		return "This room has no session yet.", nil
	}
	msgs, err := b.registry.History(ctx, current, n)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages in %s yet.", current), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d in %s:", len(msgs), current)
	for _, m := range msgs {
		fmt.Fprintf(&sb, "\n[%s] %s: %s", m.Timestamp.Format("15:04"), m.Role, truncate(m.Content, 200))
	}
	return sb.String(), nil
}

func (b *Bot) cmdStatus(room id.RoomID) string {
	live := len(b.registry.LiveSessions())
	current, ok := b.registry.CurrentSession(clientID(room))
	if !ok {
		return fmt.Sprintf("No session in this room. %d live session(s).", live)
	}
	subscribers := 0
	listening := false
	if ms, ok := b.registry.Live(current); ok {
		subscribers = ms.SubscriberCount()
		listening = ms.IsListening()
	}
	state := "engine idle"
	if listening {
		state = "engine connected"
	}
	return fmt.Sprintf("Session %s (%s), %d subscriber(s), %d live session(s).", current, state, subscribers, live)
}
