package remote

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	offlinesync "github.com/planloop/offline-sync"
)

// WebsocketChangeFeed subscribes to a backend's per-store push endpoint
// (/stores/{store}/watch) and reconnects with exponential backoff when the
// connection drops. The subscription ends only when closed.
type WebsocketChangeFeed struct {
	baseURL string
	dialer  *websocket.Dialer
}

func NewWebsocketChangeFeed(baseURL string) *WebsocketChangeFeed {
	return &WebsocketChangeFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
	}
}

func (f *WebsocketChangeFeed) Subscribe(ctx context.Context, storeName string) (offlinesync.ChangeSubscription, error) {
	endpoint := fmt.Sprintf("%s/stores/%s/watch", f.baseURL, url.PathEscape(storeName))
	subCtx, cancel := context.WithCancel(ctx)
	conn, _, err := f.dialer.DialContext(subCtx, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", storeName, err)
	}
	sub := &wsSubscription{
		events:   make(chan offlinesync.ChangeEvent, 16),
		cancel:   cancel,
		dialer:   f.dialer,
		endpoint: endpoint,
	}
	sub.setConn(conn)
	go sub.readLoop(subCtx, conn)
	return sub, nil
}

// newReconnectBackOff returns the reconnection policy: exponential delays
// with no overall deadline. The subscription must survive arbitrarily long
// outages; only closing it stops the retries.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return bo
}

type wsSubscription struct {
	events   chan offlinesync.ChangeEvent
	cancel   context.CancelFunc
	dialer   *websocket.Dialer
	endpoint string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscription) Events() <-chan offlinesync.ChangeEvent {
	return s.events
}

// Close terminates the subscription and closes its events channel.
func (s *wsSubscription) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *wsSubscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *wsSubscription) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.events)
	for {
		for {
			var event offlinesync.ChangeEvent
			if err := conn.ReadJSON(&event); err != nil {
				if ctx.Err() == nil {
					log.Printf("realtime feed: read on %s failed: %v", s.endpoint, err)
				}
				break
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		policy := backoff.WithContext(newReconnectBackOff(), ctx)
		err := backoff.Retry(func() error {
			next, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
			if err != nil {
				return err
			}
			conn = next
			return nil
		}, policy)
		if err != nil {
			return
		}
		s.setConn(conn)
	}
}
