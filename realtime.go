package offlinesync

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/planloop/offline-sync/store"
)

// ChangeType enumerates server-pushed change kinds.
type ChangeType int

const (
	ChangeInsert ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

func (t ChangeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ChangeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "insert":
		*t = ChangeInsert
	case "update":
		*t = ChangeUpdate
	case "delete":
		*t = ChangeDelete
	default:
		*t = ChangeType(-1)
	}
	return nil
}

// ChangeEvent is one server-pushed change. NewRecord is set for
// insert/update, OldRecord for delete.
type ChangeEvent struct {
	Type      ChangeType    `json:"eventType"`
	NewRecord *store.Record `json:"newRecord,omitempty"`
	OldRecord *store.Record `json:"oldRecord,omitempty"`
}

// ChangeFeed yields a live per-store sequence of change events, terminated
// only by closing the subscription.
type ChangeFeed interface {
	Subscribe(ctx context.Context, storeName string) (ChangeSubscription, error)
}

type ChangeSubscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// ReceivedChange is a diagnostic history entry: an applied event plus its
// receipt time.
type ReceivedChange struct {
	Event      ChangeEvent
	ReceivedAt time.Time
}

// historyLimit bounds the in-memory diagnostic history per store; the
// oldest entries are dropped first.
const historyLimit = 256

// RealtimeListener applies server-pushed change events to local storage,
// independent of the pending-queue flow. An update for an id with no local
// record inserts it.
type RealtimeListener struct {
	storage store.LocalStorage
	feed    ChangeFeed

	mu      sync.Mutex
	subs    map[string]*listenerSub
	history map[string][]ReceivedChange
}

type listenerSub struct {
	sub    ChangeSubscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRealtimeListener(storage store.LocalStorage, feed ChangeFeed) *RealtimeListener {
	return &RealtimeListener{
		storage: storage,
		feed:    feed,
		subs:    make(map[string]*listenerSub),
		history: make(map[string][]ReceivedChange),
	}
}

// Subscribe establishes the per-store subscription and starts applying its
// events. The optional callback runs after each applied event. Subscribing
// to an already-subscribed store is a no-op.
func (l *RealtimeListener) Subscribe(ctx context.Context, storeName string, callback func(ChangeEvent)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[storeName]; ok {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := l.feed.Subscribe(subCtx, storeName)
	if err != nil {
		cancel()
		return err
	}
	ls := &listenerSub{sub: sub, cancel: cancel, done: make(chan struct{})}
	l.subs[storeName] = ls
	go l.run(storeName, ls, callback)
	return nil
}

func (l *RealtimeListener) run(storeName string, ls *listenerSub, callback func(ChangeEvent)) {
	defer close(ls.done)
	for event := range ls.sub.Events() {
		l.apply(storeName, event)
		l.appendHistory(storeName, event)
		if callback != nil {
			callback(event)
		}
	}
	// the feed ended without an Unsubscribe call: drop the registration
	// so the listener does not report a dead subscription as live
	l.mu.Lock()
	if current, ok := l.subs[storeName]; ok && current == ls {
		log.Printf("realtime: feed for %s ended, dropping subscription", storeName)
		delete(l.subs, storeName)
		delete(l.history, storeName)
	}
	l.mu.Unlock()
}

func (l *RealtimeListener) apply(storeName string, event ChangeEvent) {
	ctx := context.Background()
	switch event.Type {
	case ChangeInsert, ChangeUpdate:
		if event.NewRecord == nil {
			return
		}
		if err := l.storage.Put(ctx, storeName, *event.NewRecord); err != nil {
			log.Printf("realtime: failed to apply %s to %s: %v", event.Type, storeName, err)
		}
	case ChangeDelete:
		if event.OldRecord == nil {
			return
		}
		if err := l.storage.Delete(ctx, storeName, event.OldRecord.Id); err != nil {
			log.Printf("realtime: failed to apply delete to %s: %v", storeName, err)
		}
	default:
		log.Printf("realtime: ignoring event with unknown type on %s", storeName)
	}
}

func (l *RealtimeListener) appendHistory(storeName string, event ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.history[storeName], ReceivedChange{Event: event, ReceivedAt: time.Now().UTC()})
	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}
	l.history[storeName] = entries
}

// Unsubscribe releases the store's underlying channel and drops its
// diagnostic history. Unsubscribing an unknown store is a no-op.
func (l *RealtimeListener) Unsubscribe(storeName string) {
	l.mu.Lock()
	ls, ok := l.subs[storeName]
	if ok {
		delete(l.subs, storeName)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	ls.cancel()
	if err := ls.sub.Close(); err != nil {
		log.Printf("realtime: failed to close subscription for %s: %v", storeName, err)
	}
	<-ls.done
	// history is dropped only after the run loop has fully stopped, so a
	// final in-flight append cannot resurrect it
	l.mu.Lock()
	delete(l.history, storeName)
	l.mu.Unlock()
}

func (l *RealtimeListener) UnsubscribeAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.subs))
	for name := range l.subs {
		names = append(names, name)
	}
	l.mu.Unlock()
	for _, name := range names {
		l.Unsubscribe(name)
	}
}

func (l *RealtimeListener) IsSubscribedTo(storeName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[storeName]
	return ok
}

func (l *RealtimeListener) SubscriptionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// History returns a copy of the store's diagnostic history.
func (l *RealtimeListener) History(storeName string) []ReceivedChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.history[storeName]
	out := make([]ReceivedChange, len(entries))
	copy(out, entries)
	return out
}

func (l *RealtimeListener) ClearHistory(storeName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, storeName)
}
