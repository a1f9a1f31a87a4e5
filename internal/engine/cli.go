// ABOUTME: CLIConnection runs the engine CLI as a subprocess speaking stream-json over stdio
// ABOUTME: The process starts lazily, stays up across turns, and is killed on Close

package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

const (
	eventBuffer = 64

	// maxLineSize bounds one stream-json line; tool results can be large.
	maxLineSize = 16 * 1024 * 1024
)

// CLIOptions configures how the engine CLI is launched.
type CLIOptions struct {
	Command        string   // executable, e.g. "claude"
	CommandArgs    []string // arguments placed before the stream flags
	ExtraArgs      []string // arguments placed after the stream flags
	Model          string
	PermissionMode string
	WorkingDir     string
	Env            []string // KEY=VALUE pairs added to the inherited environment
}

// CLIConnection implements Connection over a child process.
type CLIConnection struct {
	opts     CLIOptions
	conv     Options
	logger   *slog.Logger
	input    chan turn
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	closing     bool // Close was called
	eventsOwned bool // someone has taken responsibility for closing events
}

var _ Connection = (*CLIConnection)(nil)

// turn is one user message on its way to stdin. The writer answers on ack.
type turn struct {
	text string
	ack  chan error
}

// NewCLIFactory returns a Factory producing CLIConnections with shared launch options.
func NewCLIFactory(opts CLIOptions, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(conv Options) Connection {
		return NewCLIConnection(opts, conv, logger)
	}
}

// NewCLIConnection creates an unstarted connection.
func NewCLIConnection(opts CLIOptions, conv Options, logger *slog.Logger) *CLIConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIConnection{
		opts:   opts,
		conv:   conv,
		logger: logger.With("component", "engine", "session", conv.SessionName),
		input:  make(chan turn),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// State reports the connection's lifecycle state.
func (c *CLIConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one user turn to the engine's stdin, starting the process if
// needed. It returns once the line is written, so a dead pipe is reported here.
func (c *CLIConnection) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateUninitialized {
		if err := c.startLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	t := turn{text: text, ack: make(chan error, 1)}
	select {
	case c.input <- t:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// The writer always answers a turn it took.
	select {
	case err := <-t.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the output stream, starting the process if needed.
func (c *CLIConnection) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUninitialized {
		// A failed start still ends the stream with an error event.
		_ = c.startLocked()
	}
	return c.events
}

// Close stops the process. Safe to call more than once.
func (c *CLIConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return nil
	}
	c.closing = true
	c.state = StateClosed
	c.markDone()

	if !c.eventsOwned {
		c.eventsOwned = true
		close(c.events)
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return nil
}

func (c *CLIConnection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *CLIConnection) args() []string {
	args := append([]string{}, c.opts.CommandArgs...)
	args = append(args, "-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose")
	if c.conv.ResumeID != "" {
		args = append(args, "--resume", c.conv.ResumeID)
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", c.opts.PermissionMode)
	}
	return append(args, c.opts.ExtraArgs...)
}

// startLocked launches the process. Callers must hold mu.
func (c *CLIConnection) startLocked() error {
	cmd := exec.Command(c.opts.Command, c.args()...)
	cmd.Dir = c.opts.WorkingDir
	cmd.Env = append(os.Environ(), c.opts.Env...)
	cmd.Stderr = &stderrLogger{logger: c.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return c.failStartLocked(fmt.Errorf("creating stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return c.failStartLocked(fmt.Errorf("creating stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return c.failStartLocked(fmt.Errorf("starting engine: %w", err))
	}

	c.cmd = cmd
	c.stdin = stdin
	c.state = StateStreaming
	c.eventsOwned = true
	c.logger.Info("engine started", "pid", cmd.Process.Pid, "resume", c.conv.ResumeID != "")

	go c.writeLoop(stdin)
	go c.readLoop(stdout)
	return nil
}

func (c *CLIConnection) failStartLocked(err error) error {
	c.logger.Error("engine failed to start", "error", err)
	c.state = StateClosed
	c.markDone()
	if !c.eventsOwned {
		c.eventsOwned = true
		c.events <- Event{Type: EventEnded, Err: err}
		close(c.events)
	}
	return err
}

func (c *CLIConnection) writeLoop(stdin io.Writer) {
	for {
		select {
		case t := <-c.input:
			line, err := encodeUserTurn(t.text)
			if err != nil {
				t.ack <- fmt.Errorf("encoding user turn: %w", err)
				continue
			}
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				// The read side sees the process exit and ends the stream.
				c.logger.Warn("writing to engine failed", "error", err)
				c.mu.Lock()
				c.state = StateClosed
				c.markDone()
				c.mu.Unlock()
				t.ack <- fmt.Errorf("writing to engine: %w", err)
				return
			}
			t.ack <- nil
		case <-c.done:
			return
		}
	}
}

func (c *CLIConnection) readLoop(stdout io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events, err := decodeLine(line)
		if err != nil {
			c.logger.Warn("skipping malformed engine output", "error", err, "line", truncate(string(line), 200))
			continue
		}
		for _, ev := range events {
			c.emit(ev)
		}
	}
	scanErr := scanner.Err()
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	deliberate := c.closing
	c.state = StateClosed
	c.markDone()
	c.mu.Unlock()

	var endErr error
	switch {
	case deliberate:
	case scanErr != nil:
		endErr = fmt.Errorf("reading engine output: %w", scanErr)
	case waitErr != nil:
		endErr = fmt.Errorf("engine exited: %w", waitErr)
	}
	if endErr != nil {
		c.logger.Warn("engine stream ended abnormally", "error", endErr)
	} else {
		c.logger.Info("engine stream ended")
	}
	c.emit(Event{Type: EventEnded, Err: endErr})
}

// emit delivers ev unless the connection was closed and nobody is draining.
func (c *CLIConnection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		// Still hand over if there is room so a live consumer sees the end.
		select {
		case c.events <- ev:
		default:
		}
	}
}

// stderrLogger forwards engine stderr lines to the debug log.
type stderrLogger struct {
	logger *slog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Debug("engine stderr", "line", string(line))
		}
	}
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
