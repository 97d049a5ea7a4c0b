package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	offlinesync "github.com/planloop/offline-sync"
	"github.com/planloop/offline-sync/config"
	"github.com/planloop/offline-sync/store"
)

// syncd is the reference backend for the offline-sync client: the three
// direct CRUD verbs over JSON plus a per-store websocket change feed,
// backed by process memory.
func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	quitChan := make(chan struct{})
	backend := newMemoryBackend()
	events := newEventsManager()
	events.start(quitChan)

	handler := cors.AllowAll().Handler(newRouter(backend, events))
	log.Printf("syncd listening at %s", config.HTTPListenAddress)
	if err := http.ListenAndServe(config.HTTPListenAddress, handler); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func newRouter(backend *memoryBackend, events *eventsManager) http.Handler {
	r := chi.NewRouter()
	r.Get("/stores/{store}/records", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, backend.getAll(chi.URLParam(req, "store")))
	})
	r.Post("/stores/{store}/records", func(w http.ResponseWriter, req *http.Request) {
		storeName := chi.URLParam(req, "store")
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// the payload is opaque; only the id is peeked at
		var peek struct {
			Id string `json:"id"`
		}
		json.Unmarshal(body, &peek)
		if peek.Id == "" {
			peek.Id = uuid.New().String()
		}
		record := store.Record{Id: peek.Id, Data: body, UpdatedAt: time.Now().UTC()}
		backend.put(storeName, record)
		events.notifyChange(storeName, offlinesync.ChangeEvent{
			Type:      offlinesync.ChangeInsert,
			NewRecord: &record,
		})
		writeJSON(w, record)
	})
	r.Put("/stores/{store}/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		storeName := chi.URLParam(req, "store")
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		record := store.Record{Id: chi.URLParam(req, "id"), Data: body, UpdatedAt: time.Now().UTC()}
		backend.put(storeName, record)
		events.notifyChange(storeName, offlinesync.ChangeEvent{
			Type:      offlinesync.ChangeUpdate,
			NewRecord: &record,
		})
		writeJSON(w, record)
	})
	r.Delete("/stores/{store}/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		storeName := chi.URLParam(req, "store")
		old, ok := backend.delete(storeName, chi.URLParam(req, "id"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		events.notifyChange(storeName, offlinesync.ChangeEvent{
			Type:      offlinesync.ChangeDelete,
			OldRecord: &old,
		})
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/stores/{store}/watch", func(w http.ResponseWriter, req *http.Request) {
		watch(w, req, events)
	})
	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func watch(w http.ResponseWriter, req *http.Request, events *eventsManager) {
	storeName := chi.URLParam(req, "store")
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("failed to upgrade watch on %s: %v", storeName, err)
		return
	}
	defer conn.Close()

	subscription := events.subscribe(storeName)
	defer events.unsubscribe(storeName, subscription.id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event.event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

type memoryBackend struct {
	sync.Mutex
	stores map[string]map[string]store.Record
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{stores: make(map[string]map[string]store.Record)}
}

func (b *memoryBackend) put(storeName string, record store.Record) {
	b.Lock()
	defer b.Unlock()
	records, ok := b.stores[storeName]
	if !ok {
		records = make(map[string]store.Record)
		b.stores[storeName] = records
	}
	records[record.Id] = record
}

func (b *memoryBackend) getAll(storeName string) []store.Record {
	b.Lock()
	defer b.Unlock()
	records := make([]store.Record, 0, len(b.stores[storeName]))
	for _, record := range b.stores[storeName] {
		records = append(records, record)
	}
	return records
}

func (b *memoryBackend) delete(storeName, id string) (store.Record, bool) {
	b.Lock()
	defer b.Unlock()
	record, ok := b.stores[storeName][id]
	if ok {
		delete(b.stores[storeName], id)
	}
	return record, ok
}

type changeEvent struct {
	storeName string
	event     offlinesync.ChangeEvent
}

type notifyChange struct {
	storeName string
	event     offlinesync.ChangeEvent
}

type unsubscribe struct {
	storeName string
	id        int64
}

type subscription struct {
	id         int64
	storeName  string
	eventsChan chan *changeEvent
}

type eventsManager struct {
	// subscribe runs on handler goroutines, so id assignment is atomic
	globalIDs atomic.Int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	go func() {
		for {
			select {
			case msg := <-c.msgChan:
				if s, ok := msg.(*subscription); ok {
					c.streams[s.storeName] = append(c.streams[s.storeName], s)
				}
				if s, ok := msg.(*unsubscribe); ok {
					var newSubs []*subscription
					for _, sub := range c.streams[s.storeName] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, s.storeName)
					if len(newSubs) > 0 {
						c.streams[s.storeName] = newSubs
					}
				}
				if s, ok := msg.(*notifyChange); ok {
					for _, sub := range c.streams[s.storeName] {
						sub.eventsChan <- &changeEvent{storeName: s.storeName, event: s.event}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (c *eventsManager) notifyChange(storeName string, event offlinesync.ChangeEvent) {
	c.msgChan <- &notifyChange{storeName: storeName, event: event}
}

func (c *eventsManager) subscribe(storeName string) *subscription {
	eventsChan := make(chan *changeEvent, 16)
	s := &subscription{storeName: storeName, eventsChan: eventsChan, id: c.globalIDs.Add(1)}
	c.msgChan <- s
	return s
}

func (c *eventsManager) unsubscribe(storeName string, id int64) {
	c.msgChan <- &unsubscribe{storeName: storeName, id: id}
}
