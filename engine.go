package offlinesync

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/planloop/offline-sync/store"
)

// lastSyncMetaKey is where the engine persists the last successful drain
// time, outside the entity stores.
const lastSyncMetaKey = "lastSyncTimestamp"

// Engine orchestrates the queue drain. It is either idle or syncing; a
// sync request while syncing, or while offline, is a no-op.
type Engine struct {
	storage store.LocalStorage
	queue   *PendingQueue
	remote  RemoteDataClient
	monitor *ConnectivityMonitor
	metrics *Metrics

	syncInProgress atomic.Bool
}

func NewEngine(storage store.LocalStorage, queue *PendingQueue, remote RemoteDataClient, monitor *ConnectivityMonitor, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		storage: storage,
		queue:   queue,
		remote:  remote,
		monitor: monitor,
		metrics: metrics,
	}
}

// Start wires the engine to its connectivity monitor and starts the
// monitor's event loop.
func (e *Engine) Start(quitChan chan struct{}) {
	e.monitor.OnOnline(func() {
		go e.Sync(context.Background())
	})
	e.monitor.Start(quitChan)
}

// Create writes the record locally and queues the matching remote create.
// The local write failure propagates; nothing is queued in that case.
func (e *Engine) Create(ctx context.Context, storeName string, record store.Record) (*PendingOperation, error) {
	if err := e.storage.Put(ctx, storeName, record); err != nil {
		return nil, err
	}
	return e.queue.AddPendingSync(ctx, PendingOperation{
		Type:    OpCreate,
		Store:   storeName,
		Payload: json.RawMessage(record.Data),
	})
}

// Update replaces the record locally and queues the matching remote update.
func (e *Engine) Update(ctx context.Context, storeName string, record store.Record) (*PendingOperation, error) {
	if err := e.storage.Put(ctx, storeName, record); err != nil {
		return nil, err
	}
	return e.queue.AddPendingSync(ctx, PendingOperation{
		Type:    OpUpdate,
		Store:   storeName,
		ItemId:  record.Id,
		Payload: json.RawMessage(record.Data),
	})
}

// Delete removes the record locally and queues the matching remote delete.
func (e *Engine) Delete(ctx context.Context, storeName, id string) (*PendingOperation, error) {
	if err := e.storage.Delete(ctx, storeName, id); err != nil {
		return nil, err
	}
	return e.queue.AddPendingSync(ctx, PendingOperation{
		Type:   OpDelete,
		Store:  storeName,
		ItemId: id,
	})
}

// Sync runs one drain pass over the queue snapshot taken at entry. At most
// one drain runs at a time; per-item failures leave the item queued and do
// not abort the pass.
func (e *Engine) Sync(ctx context.Context) {
	if !e.monitor.Online() {
		return
	}
	if !e.syncInProgress.CompareAndSwap(false, true) {
		return
	}
	defer e.syncInProgress.Store(false)

	ops, err := e.queue.GetPendingSync(ctx)
	if err != nil {
		log.Printf("sync: failed to read pending queue: %v", err)
		return
	}
	e.metrics.pendingDepth.Set(float64(len(ops)))

	remaining := 0
	for _, op := range ops {
		if !e.apply(ctx, op) {
			remaining++
		}
	}
	e.metrics.pendingDepth.Set(float64(remaining))

	now := time.Now().UTC()
	if err := e.storage.SetMeta(ctx, lastSyncMetaKey, now.Format(time.RFC3339Nano)); err != nil {
		log.Printf("sync: failed to persist last sync time: %v", err)
	}
	e.metrics.lastSync.Set(float64(now.Unix()))
	e.metrics.syncRuns.Inc()
}

// apply attempts one operation and reports whether it left the queue.
func (e *Engine) apply(ctx context.Context, op PendingOperation) bool {
	var err error
	switch op.Type {
	case OpCreate:
		_, err = e.remote.CreateDirect(ctx, op.Store, op.Payload)
	case OpUpdate:
		_, err = e.remote.UpdateDirect(ctx, op.Store, op.ItemId, op.Payload)
	case OpDelete:
		err = e.remote.DeleteDirect(ctx, op.Store, op.ItemId)
	default:
		log.Printf("sync: dropping operation %s with unknown type", op.Id)
		if err := e.queue.RemovePendingSync(ctx, op.Id); err != nil {
			log.Printf("sync: failed to drop operation %s: %v", op.Id, err)
			return false
		}
		e.metrics.operations.WithLabelValues("dropped").Inc()
		return true
	}
	if err != nil {
		// retained for the next drain
		log.Printf("sync: %s %s/%s failed: %v", op.Type, op.Store, op.ItemId, err)
		e.metrics.operations.WithLabelValues("failure").Inc()
		return false
	}
	if err := e.queue.RemovePendingSync(ctx, op.Id); err != nil {
		log.Printf("sync: failed to remove acknowledged operation %s: %v", op.Id, err)
		return false
	}
	e.metrics.operations.WithLabelValues("success").Inc()
	return true
}

// LastSyncTime returns the persisted time of the last successful drain, or
// the zero time when no drain has completed yet.
func (e *Engine) LastSyncTime(ctx context.Context) (time.Time, error) {
	value, err := e.storage.GetMeta(ctx, lastSyncMetaKey)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}
