// ABOUTME: Tests for Registry: one live session per name, client moves, cleanup and lifecycle
// ABOUTME: Uses MockStore and FakeFactory; concurrency cases run under -race

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/activity"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/store"
)

func TestRegistry_ConcurrentGetOrCreateYieldsOneSession(t *testing.T) {
	f := newFixture(t)

	const n = 32
	results := make([]*ManagedSession, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ms, err := f.reg.GetOrCreateSession(t.Context(), "shared", "web")
			assert.NoError(t, err)
			results[i] = ms
		}()
	}
	wg.Wait()

	for _, ms := range results {
		assert.Same(t, results[0], ms)
	}
	assert.Equal(t, 1, f.factory.Count())
	assert.Equal(t, []string{"shared"}, f.reg.LiveSessions())
}

func TestRegistry_EmptyNameCreatesFreshSession(t *testing.T) {
	f := newFixture(t)

	a, err := f.reg.GetOrCreateSession(t.Context(), "", "web")
	require.NoError(t, err)
	b, err := f.reg.GetOrCreateSession(t.Context(), "", "web")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.Name(), "chat-"))
	assert.NotEqual(t, a.Name(), b.Name())
}

func TestRegistry_NamesAreNormalized(t *testing.T) {
	f := newFixture(t)

	a, err := f.reg.GetOrCreateSession(t.Context(), "My Project", "web")
	require.NoError(t, err)
	b, err := f.reg.GetOrCreateSession(t.Context(), "  my project ", "bot")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "my-project", a.Name())
}

func TestRegistry_SubscribeClientValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.SubscribeClient(t.Context(), nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = f.reg.SubscribeClient(t.Context(), &Subscription{ClientID: "x"})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = f.reg.SubscribeClient(t.Context(), &Subscription{Deliver: (&collector{}).deliver})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestRegistry_SwitchingSessions(t *testing.T) {
	f := newFixture(t)

	alpha, _ := f.subscribe(t, "c1", "alpha")
	require.Equal(t, 1, alpha.SubscriberCount())
	assert.Empty(t, f.activity.ofType(activity.TypeSessionSwitch), "first subscribe is not a switch")

	beta, events := f.subscribe(t, "c1", "beta")
	assert.Equal(t, 0, alpha.SubscriberCount())
	assert.Equal(t, 1, beta.SubscriberCount())

	current, ok := f.reg.CurrentSession("c1")
	require.True(t, ok)
	assert.Equal(t, "beta", current)

	switches := f.activity.ofType(activity.TypeSessionSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, "beta", switches[0].SessionName)
	assert.Equal(t, "alpha", switches[0].Details["from"])

	require.NoError(t, f.reg.SendMessage(t.Context(), "c1", "on beta", "web"))
	assert.Equal(t, 1, events.count(EventUserMessage))

	history, err := f.reg.History(t.Context(), "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRegistry_ResubscribeIsIdempotent(t *testing.T) {
	f := newFixture(t)

	ms, old := f.subscribe(t, "c1", "same")
	again, fresh := f.subscribe(t, "c1", "same")
	require.Same(t, ms, again)
	assert.Equal(t, 1, ms.SubscriberCount())
	assert.Empty(t, f.activity.ofType(activity.TypeSessionSwitch))

	require.NoError(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"))
	assert.Empty(t, old.snapshot(), "replaced callback no longer receives")
	assert.Equal(t, 1, fresh.count(EventUserMessage))
}

func TestRegistry_SendRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.reg.SendMessage(t.Context(), "nobody", "hi", "web"), ErrNotSubscribed)

	f.subscribe(t, "c1", "s")
	f.reg.UnsubscribeClient("c1")
	f.reg.UnsubscribeClient("c1")
	assert.ErrorIs(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"), ErrNotSubscribed)
	_, ok := f.reg.CurrentSession("c1")
	assert.False(t, ok)
}

func TestRegistry_CleanupReclaimsIdleSessions(t *testing.T) {
	f := newFixture(t)

	idle, err := f.reg.GetOrCreateSession(t.Context(), "idle", "web")
	require.NoError(t, err)
	busy, _ := f.subscribe(t, "c1", "busy")

	assert.Equal(t, 1, f.reg.Cleanup())
	assert.Equal(t, []string{"busy"}, f.reg.LiveSessions())

	assert.ErrorIs(t, idle.SendMessage(t.Context(), "x", "web"), ErrSessionClosed)
	_, ok := f.reg.Live("idle")
	assert.False(t, ok)

	// Reclaimed sessions come back on the next reference, transcript intact.
	back, err := f.reg.GetOrCreateSession(t.Context(), "idle", "web")
	require.NoError(t, err)
	assert.NotSame(t, idle, back)
	assert.Equal(t, idle.ID(), back.ID())

	f.reg.UnsubscribeClient("c1")
	assert.Equal(t, 2, f.reg.Cleanup())
	assert.Empty(t, f.reg.LiveSessions())
	require.True(t, busy.waitIdle(waitFor))
}

func TestRegistry_SendHealsDroppedSubscription(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	failNext := true
	var got []Event
	_, err := f.reg.SubscribeClient(t.Context(), &Subscription{
		ClientID: "flaky", ClientType: ClientBot, SessionName: "heal",
		Deliver: func(ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			if failNext {
				failNext = false
				return errors.New("hiccup")
			}
			got = append(got, ev)
			return nil
		},
	})
	require.NoError(t, err)

	ms, _ := f.reg.Live("heal")
	ms.broadcast(Event{Type: EventError, Error: "drop me"})
	require.Equal(t, 0, ms.SubscriberCount())
	require.Equal(t, 1, f.reg.Cleanup())

	// The client still believes it is on "heal"; sending brings the session back.
	require.NoError(t, f.reg.SendMessage(t.Context(), "flaky", "are you there", "bot"))
	revived, ok := f.reg.Live("heal")
	require.True(t, ok)
	assert.Equal(t, 1, revived.SubscriberCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, EventUserMessage, got[0].Type)
	assert.Equal(t, "are you there", got[0].Content)
}

func TestRegistry_ArchiveClosesAndUnsubscribes(t *testing.T) {
	f := newFixture(t)

	ms, _ := f.subscribe(t, "c1", "old")
	require.NoError(t, f.reg.SendMessage(t.Context(), "c1", "remember this", "web"))
	conn := f.factory.Last()

	ok, err := f.reg.ArchiveSession(t.Context(), "old")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, conn.Closed())
	require.True(t, ms.waitIdle(waitFor))

	_, live := f.reg.Live("old")
	assert.False(t, live)
	_, subscribed := f.reg.CurrentSession("c1")
	assert.False(t, subscribed)
	assert.ErrorIs(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"), ErrNotSubscribed)

	archived, err := f.reg.ListSessions(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].Name)

	// Talking to it again unarchives it, history intact.
	_, err = f.reg.GetOrCreateSession(t.Context(), "old", "web")
	require.NoError(t, err)
	sess, err := f.reg.GetSession(t.Context(), "old")
	require.NoError(t, err)
	assert.False(t, sess.Archived)

	history, err := f.reg.History(t.Context(), "old", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "remember this", history[0].Content)
}

func TestRegistry_DeleteRemovesTranscript(t *testing.T) {
	f := newFixture(t)

	f.subscribe(t, "c1", "gone")
	require.NoError(t, f.reg.SendMessage(t.Context(), "c1", "secret", "web"))

	ok, err := f.reg.DeleteSession(t.Context(), "gone")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.reg.GetSession(t.Context(), "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.reg.History(t.Context(), "gone", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err = f.reg.DeleteSession(t.Context(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_RenameAndUnarchive(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.GetOrCreateSession(t.Context(), "named", "web")
	require.NoError(t, err)

	ok, err := f.reg.RenameSession(t.Context(), "named", "Weekly planning")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.reg.ArchiveSession(t.Context(), "named")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.reg.UnarchiveSession(t.Context(), "named")
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := f.reg.ListSessions(t.Context(), false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Weekly planning", active[0].Title)

	ok, err = f.reg.RenameSession(t.Context(), "missing", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_SendToSession(t *testing.T) {
	f := newFixture(t)
	_, watcher := f.subscribe(t, "web-1", "api")

	require.NoError(t, f.reg.SendToSession(t.Context(), "api", "from the api", "api"))
	require.Equal(t, 1, watcher.count(EventUserMessage))
	assert.Equal(t, "api", watcher.snapshot()[0].Source)

	// A closed session is reopened transparently.
	ms, _ := f.reg.Live("api")
	f.reg.UnsubscribeClient("web-1")
	f.reg.Cleanup()
	require.True(t, ms.waitIdle(waitFor))
	require.NoError(t, f.reg.SendToSession(t.Context(), "api", "again", "api"))

	history, err := f.reg.History(t.Context(), "api", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRegistry_CloseShutsEverythingDown(t *testing.T) {
	f := newFixture(t)

	a, _ := f.subscribe(t, "c1", "a")
	b, _ := f.subscribe(t, "c2", "b")
	require.NoError(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"))

	f.reg.Close()
	assert.Empty(t, f.reg.LiveSessions())
	for _, c := range f.factory.Connections() {
		assert.True(t, c.Closed())
	}
	require.True(t, a.waitIdle(waitFor))
	require.True(t, b.waitIdle(waitFor))
	assert.ErrorIs(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"), ErrNotSubscribed)
}

func TestRegistry_ConcurrentClientsAndCleanup(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "client-" + string(rune('a'+i))
			for j := range 20 {
				name := "room-" + string(rune('a'+j%3))
				c := &collector{}
				_, err := f.reg.SubscribeClient(t.Context(), &Subscription{ClientID: id, SessionName: name, Deliver: c.deliver})
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, f.reg.SendMessage(t.Context(), id, "hi", "web"))
			}
		}()
	}
	stop := make(chan struct{})
	cleaned := make(chan struct{})
	go func() {
		defer close(cleaned)
		for {
			select {
			case <-stop:
				return
			default:
				f.reg.Cleanup()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-cleaned

	for i := range 8 {
		id := "client-" + string(rune('a'+i))
		name, ok := f.reg.CurrentSession(id)
		require.True(t, ok)
		ms, live := f.reg.Live(name)
		require.True(t, live, "a subscribed client's session stays live")
		assert.GreaterOrEqual(t, ms.SubscriberCount(), 1)
	}
}

func TestRegistry_SendConcurrentWithLookups(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "c1", "busy")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for range 50 {
			assert.NoError(t, f.reg.SendMessage(t.Context(), "c1", "hi", "web"))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			name, ok := f.reg.CurrentSession("c1")
			assert.True(t, ok)
			assert.Equal(t, "busy", name)
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			c := &collector{}
			_, err := f.reg.SubscribeClient(t.Context(), &Subscription{ClientID: "c1", ClientType: ClientWeb, SessionName: "busy", Deliver: c.deliver})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	name, ok := f.reg.CurrentSession("c1")
	require.True(t, ok)
	assert.Equal(t, "busy", name)
}

// pausingStore holds archive and delete calls until released.
type pausingStore struct {
	*store.MockStore
	entered chan struct{}
	release chan struct{}
}

func newPausingStore() *pausingStore {
	return &pausingStore{
		MockStore: store.NewMockStore(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
}

func (p *pausingStore) pause() {
	p.entered <- struct{}{}
	<-p.release
}

func (p *pausingStore) ArchiveSession(ctx context.Context, name string) (bool, error) {
	p.pause()
	return p.MockStore.ArchiveSession(ctx, name)
}

func (p *pausingStore) DeleteSession(ctx context.Context, name string) (bool, error) {
	p.pause()
	return p.MockStore.DeleteSession(ctx, name)
}

// subscribeDuringRetire runs op on "demo" and, while the store call is paused,
// subscribes client b to "demo". It returns once both finished.
func subscribeDuringRetire(t *testing.T, reg *Registry, ps *pausingStore, op func(context.Context, string) (bool, error)) {
	t.Helper()
	ctx := t.Context()

	retired := make(chan bool, 1)
	go func() {
		ok, err := op(ctx, "demo")
		assert.NoError(t, err)
		retired <- ok
	}()
	<-ps.entered

	subscribed := make(chan struct{})
	go func() {
		defer close(subscribed)
		c := &collector{}
		_, err := reg.SubscribeClient(ctx, &Subscription{ClientID: "b", ClientType: ClientWeb, SessionName: "demo", Deliver: c.deliver})
		assert.NoError(t, err)
	}()

	assert.Never(t, func() bool {
		select {
		case <-subscribed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "subscribe must wait for the store change")

	close(ps.release)
	assert.True(t, <-retired)
	<-subscribed
}

func TestRegistry_ArchiveBlocksConcurrentSubscribe(t *testing.T) {
	ps := newPausingStore()
	reg := NewRegistry(ps, (&engine.FakeFactory{}).New, nil, nil, WithReplaceTimeout(time.Second))
	t.Cleanup(reg.Close)

	c := &collector{}
	_, err := reg.SubscribeClient(t.Context(), &Subscription{ClientID: "a", ClientType: ClientWeb, SessionName: "demo", Deliver: c.deliver})
	require.NoError(t, err)

	subscribeDuringRetire(t, reg, ps, reg.ArchiveSession)

	// The subscribe landed after the archive, so it brought the session back.
	_, live := reg.Live("demo")
	require.True(t, live)
	sess, err := reg.GetSession(t.Context(), "demo")
	require.NoError(t, err)
	assert.False(t, sess.Archived, "a live session is never archived in the store")

	_, ok := reg.CurrentSession("a")
	assert.False(t, ok)
	name, ok := reg.CurrentSession("b")
	require.True(t, ok)
	assert.Equal(t, "demo", name)
}

func TestRegistry_DeleteBlocksConcurrentSubscribe(t *testing.T) {
	ps := newPausingStore()
	reg := NewRegistry(ps, (&engine.FakeFactory{}).New, nil, nil, WithReplaceTimeout(time.Second))
	t.Cleanup(reg.Close)

	c := &collector{}
	_, err := reg.SubscribeClient(t.Context(), &Subscription{ClientID: "a", ClientType: ClientWeb, SessionName: "demo", Deliver: c.deliver})
	require.NoError(t, err)
	require.NoError(t, reg.SendMessage(t.Context(), "a", "old secret", "web"))

	subscribeDuringRetire(t, reg, ps, reg.DeleteSession)

	// b is on a freshly created "demo" that the store knows about.
	require.NoError(t, reg.SendMessage(t.Context(), "b", "new start", "web"))
	history, err := reg.History(t.Context(), "demo", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new start", history[0].Content)
}
