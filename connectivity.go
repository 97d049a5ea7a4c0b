package offlinesync

import (
	"sync/atomic"
)

// Notifier receives the user-visible connectivity banners. The UI layer
// provides an implementation; nil disables notifications.
type Notifier interface {
	Notify(message string)
}

type setOnline struct {
	online bool
}

type syncRequested struct{}

// ConnectivityMonitor tracks the online/offline flag and turns its edges
// into callbacks. It also accepts an external "sync requested" signal that
// triggers the same path as an online transition. Signals are serialized
// through a single message channel consumed by one goroutine, so handlers
// never run concurrently with each other.
type ConnectivityMonitor struct {
	online    atomic.Bool
	msgChan   chan interface{}
	notifier  Notifier
	onOnline  func()
	onOffline func()
}

func NewConnectivityMonitor(initiallyOnline bool, notifier Notifier) *ConnectivityMonitor {
	m := &ConnectivityMonitor{
		msgChan:  make(chan interface{}),
		notifier: notifier,
	}
	m.online.Store(initiallyOnline)
	return m
}

// OnOnline registers the callback invoked on a transition to online and on
// an external sync request. Must be called before Start.
func (m *ConnectivityMonitor) OnOnline(fn func()) {
	m.onOnline = fn
}

// OnOffline registers the callback invoked on a transition to offline.
// Must be called before Start.
func (m *ConnectivityMonitor) OnOffline(fn func()) {
	m.onOffline = fn
}

func (m *ConnectivityMonitor) Start(quitChan chan struct{}) {
	go func() {
		for {
			select {
			case msg := <-m.msgChan:
				if s, ok := msg.(*setOnline); ok {
					m.handleSetOnline(s.online)
				}
				if _, ok := msg.(*syncRequested); ok {
					if m.onOnline != nil {
						m.onOnline()
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (m *ConnectivityMonitor) handleSetOnline(online bool) {
	// edge-triggered: repeating the current state does nothing
	if !m.online.CompareAndSwap(!online, online) {
		return
	}
	if online {
		m.notify("Back online, syncing your changes")
		if m.onOnline != nil {
			m.onOnline()
		}
	} else {
		m.notify("You are offline, changes will sync once you reconnect")
		if m.onOffline != nil {
			m.onOffline()
		}
	}
}

// SetOnline feeds the platform's connectivity signal into the monitor.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.msgChan <- &setOnline{online: online}
}

// RequestSync triggers a sync attempt independent of connectivity edges,
// e.g. from a background coordination channel.
func (m *ConnectivityMonitor) RequestSync() {
	m.msgChan <- &syncRequested{}
}

func (m *ConnectivityMonitor) Online() bool {
	return m.online.Load()
}

func (m *ConnectivityMonitor) notify(message string) {
	if m.notifier != nil {
		m.notifier.Notify(message)
	}
}
