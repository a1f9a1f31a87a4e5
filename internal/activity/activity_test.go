// ABOUTME: Tests for activity summaries, the dispatcher and the log sink
// ABOUTME: Verifies ordering, batching, non-blocking emission and sink isolation

package activity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
	panics  bool
}

func (s *recordingSink) Deliver(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
	s.batches = append(s.batches, append([]Event(nil), events...))
	return s.err
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Event
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "hello world", Summarize("  hello\n\tworld ", 100))
	assert.Equal(t, "abc…", Summarize("abcdef", 3))
	assert.Equal(t, "héé…", Summarize("hééllo", 3), "cuts on runes, not bytes")
	assert.Equal(t, "", Summarize("", 10))
}

func TestObserverFunc(t *testing.T) {
	var got Event
	var obs Observer = ObserverFunc(func(e Event) { got = e })
	obs.OnActivity(Event{Type: TypeMessage, Summary: "x"})
	assert.Equal(t, "x", got.Summary)

	Nop{}.OnActivity(Event{})
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = d.Run(ctx)
	}()

	for i := range 7 {
		d.OnActivity(Event{Type: TypeMessage, Summary: string(rune('a' + i))})
	}

	// Two full batches flush on size; the last event waits for shutdown.
	require.Eventually(t, func() bool { return len(sink.events()) == 6 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-runDone

	var summaries []string
	for _, e := range sink.events() {
		summaries = append(summaries, e.Summary)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, summaries)
}

func TestDispatcher_FlushInterval(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil, sink)

	go func() { _ = d.Run(context.Background()) }()
	defer d.Close(context.Background())

	d.OnActivity(Event{Type: TypeToolUse, Summary: "Bash"})
	require.Eventually(t, func() bool { return len(sink.events()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{BufferSize: 2}, nil)

	// Run is not started, so the queue fills up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			d.OnActivity(Event{Type: TypeMessage})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnActivity blocked")
	}
	assert.Equal(t, int64(8), d.Dropped())
}

func TestDispatcher_SinkFailuresAreIsolated(t *testing.T) {
	bad := &recordingSink{panics: true}
	failing := &recordingSink{err: errors.New("room gone")}
	good := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{BatchSize: 1}, nil, bad, failing, good)

	go func() { _ = d.Run(context.Background()) }()
	defer d.Close(context.Background())

	d.OnActivity(Event{Type: TypeError, Summary: "boom"})
	d.OnActivity(Event{Type: TypeError, Summary: "again"})

	require.Eventually(t, func() bool { return len(good.events()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, failing.events(), 2)
}

func TestDispatcher_CloseFlushesAndStopsAccepting(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, sink)

	go func() { _ = d.Run(context.Background()) }()
	d.OnActivity(Event{Type: TypeMessage, Summary: "queued"})

	require.Eventually(t, func() bool { return d.running.Load() }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx), "close is idempotent")

	assert.Len(t, sink.events(), 1)

	d.OnActivity(Event{Type: TypeMessage, Summary: "late"})
	assert.Len(t, sink.events(), 1)
}

func TestDispatcher_CloseWithoutRun(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil)
	assert.NoError(t, d.Close(context.Background()))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	err := sink.Deliver(context.Background(), []Event{
		{Type: TypeMessage, SessionName: "demo", Summary: "User (web): hi"},
		{Type: TypeError, SessionName: "demo", Summary: "engine died", Details: map[string]any{"attempt": 2}},
	})
	require.NoError(t, err)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[0], "session=demo")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "type=error")
}
