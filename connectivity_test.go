package offlinesync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func TestMonitorEdgeTriggers(t *testing.T) {
	notifier := &recordingNotifier{}
	monitor := NewConnectivityMonitor(false, notifier)

	var onlines, offlines atomic.Int32
	monitor.OnOnline(func() { onlines.Add(1) })
	monitor.OnOffline(func() { offlines.Add(1) })

	quitChan := make(chan struct{})
	defer close(quitChan)
	monitor.Start(quitChan)

	require.False(t, monitor.Online())

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return onlines.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, monitor.Online())
	require.Equal(t, 1, notifier.count())

	// repeating the current state is not an edge
	monitor.SetOnline(true)
	monitor.SetOnline(false)
	require.Eventually(t, func() bool { return offlines.Load() == 1 }, time.Second, time.Millisecond)
	require.False(t, monitor.Online())
	require.Equal(t, int32(1), onlines.Load())
	require.Equal(t, 2, notifier.count())
}

func TestMonitorSyncRequested(t *testing.T) {
	monitor := NewConnectivityMonitor(true, nil)

	var onlines atomic.Int32
	monitor.OnOnline(func() { onlines.Add(1) })

	quitChan := make(chan struct{})
	defer close(quitChan)
	monitor.Start(quitChan)

	// a sync request triggers the online path without a connectivity edge
	monitor.RequestSync()
	require.Eventually(t, func() bool { return onlines.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, monitor.Online())
}

func TestMonitorSeededState(t *testing.T) {
	monitor := NewConnectivityMonitor(true, nil)
	require.True(t, monitor.Online())

	monitor = NewConnectivityMonitor(false, nil)
	require.False(t, monitor.Online())
}
