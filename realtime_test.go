package offlinesync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planloop/offline-sync/store"
)

type fakeSubscription struct {
	events    chan ChangeEvent
	closeOnce sync.Once
}

func (s *fakeSubscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscription
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]*fakeSubscription)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, storeName string) (ChangeSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{events: make(chan ChangeEvent, 16)}
	f.subs[storeName] = sub
	return sub, nil
}

func (f *fakeFeed) push(storeName string, event ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[storeName].events <- event
}

// end terminates the feed for a store without the listener asking for it,
// as a dropped upstream connection would.
func (f *fakeFeed) end(storeName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[storeName].Close()
}

func TestInsertOnUpdate(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	err := listener.Subscribe(context.Background(), "tasks", nil)
	require.NoError(t, err, "failed to subscribe")
	defer listener.UnsubscribeAll()

	// an update for an id with no prior local record inserts it
	record := store.Record{Id: "t1", Data: []byte(`{"id":"t1"}`), UpdatedAt: time.Now().UTC()}
	feed.push("tasks", ChangeEvent{Type: ChangeUpdate, NewRecord: &record})

	require.Eventually(t, func() bool {
		found, err := storage.Get(context.Background(), "tasks", "t1")
		return err == nil && found != nil
	}, time.Second, time.Millisecond)
}

func TestRealtimeDelete(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	record := store.Record{Id: "t1", Data: []byte(`{"id":"t1"}`), UpdatedAt: time.Now().UTC()}
	require.NoError(t, storage.Put(context.Background(), "tasks", record))

	err := listener.Subscribe(context.Background(), "tasks", nil)
	require.NoError(t, err, "failed to subscribe")
	defer listener.UnsubscribeAll()

	feed.push("tasks", ChangeEvent{Type: ChangeDelete, OldRecord: &record})

	require.Eventually(t, func() bool {
		found, err := storage.Get(context.Background(), "tasks", "t1")
		return err == nil && found == nil
	}, time.Second, time.Millisecond)
}

func TestRealtimeHistory(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	applied := make(chan ChangeEvent, 2)
	err := listener.Subscribe(context.Background(), "tasks", func(event ChangeEvent) {
		applied <- event
	})
	require.NoError(t, err, "failed to subscribe")

	r1 := store.Record{Id: "t1", Data: []byte(`{"id":"t1"}`), UpdatedAt: time.Now().UTC()}
	r2 := store.Record{Id: "t2", Data: []byte(`{"id":"t2"}`), UpdatedAt: time.Now().UTC()}
	feed.push("tasks", ChangeEvent{Type: ChangeInsert, NewRecord: &r1})
	feed.push("tasks", ChangeEvent{Type: ChangeInsert, NewRecord: &r2})
	<-applied
	<-applied

	history := listener.History("tasks")
	require.Len(t, history, 2)
	require.Equal(t, "t1", history[0].Event.NewRecord.Id)
	require.Equal(t, "t2", history[1].Event.NewRecord.Id)
	require.False(t, history[0].ReceivedAt.IsZero())

	listener.ClearHistory("tasks")
	require.Empty(t, listener.History("tasks"))

	listener.UnsubscribeAll()
}

func TestHistoryBounded(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	applied := make(chan struct{}, historyLimit+8)
	err := listener.Subscribe(context.Background(), "tasks", func(ChangeEvent) {
		applied <- struct{}{}
	})
	require.NoError(t, err, "failed to subscribe")
	defer listener.UnsubscribeAll()

	extra := 5
	for i := 0; i < historyLimit+extra; i++ {
		record := store.Record{
			Id:        fmt.Sprintf("t%d", i),
			Data:      []byte(`{}`),
			UpdatedAt: time.Now().UTC(),
		}
		feed.push("tasks", ChangeEvent{Type: ChangeInsert, NewRecord: &record})
	}
	for i := 0; i < historyLimit+extra; i++ {
		<-applied
	}

	history := listener.History("tasks")
	require.Len(t, history, historyLimit, "history must stay bounded")
	// the oldest entries are evicted first
	require.Equal(t, fmt.Sprintf("t%d", extra), history[0].Event.NewRecord.Id)
	require.Equal(t, fmt.Sprintf("t%d", historyLimit+extra-1), history[len(history)-1].Event.NewRecord.Id)
}

func TestFeedEndDropsSubscription(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	require.NoError(t, listener.Subscribe(context.Background(), "tasks", nil))
	require.True(t, listener.IsSubscribedTo("tasks"))

	// the upstream feed dies without Unsubscribe being called; the dead
	// subscription must not keep reporting as live
	feed.end("tasks")
	require.Eventually(t, func() bool {
		return !listener.IsSubscribedTo("tasks")
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, listener.SubscriptionCount())
	require.Empty(t, listener.History("tasks"))
}

func TestUnsubscribeDiscardsInFlightHistory(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	require.NoError(t, listener.Subscribe(context.Background(), "tasks", nil))

	// push without waiting for the apply, so the event may still be in
	// flight when Unsubscribe runs
	record := store.Record{Id: "t1", Data: []byte(`{"id":"t1"}`), UpdatedAt: time.Now().UTC()}
	feed.push("tasks", ChangeEvent{Type: ChangeInsert, NewRecord: &record})
	listener.Unsubscribe("tasks")

	require.False(t, listener.IsSubscribedTo("tasks"))
	require.Empty(t, listener.History("tasks"), "history must not outlive the subscription")
}

func TestSubscriptionLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	feed := newFakeFeed()
	listener := NewRealtimeListener(storage, feed)

	require.NoError(t, listener.Subscribe(context.Background(), "tasks", nil))
	require.NoError(t, listener.Subscribe(context.Background(), "notes", nil))
	// subscribing twice is a no-op
	require.NoError(t, listener.Subscribe(context.Background(), "tasks", nil))

	require.True(t, listener.IsSubscribedTo("tasks"))
	require.True(t, listener.IsSubscribedTo("notes"))
	require.Equal(t, 2, listener.SubscriptionCount())

	r1 := store.Record{Id: "t1", Data: []byte(`{"id":"t1"}`), UpdatedAt: time.Now().UTC()}
	feed.push("tasks", ChangeEvent{Type: ChangeInsert, NewRecord: &r1})
	require.Eventually(t, func() bool { return len(listener.History("tasks")) == 1 }, time.Second, time.Millisecond)

	// unsubscribing drops the subscription and its history
	listener.Unsubscribe("tasks")
	require.False(t, listener.IsSubscribedTo("tasks"))
	require.Equal(t, 1, listener.SubscriptionCount())
	require.Empty(t, listener.History("tasks"))

	listener.UnsubscribeAll()
	require.Equal(t, 0, listener.SubscriptionCount())
}
