package offlinesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/planloop/offline-sync/store"
)

// PendingSyncStore is the LocalStorage store name backing the pending queue.
const PendingSyncStore = "pendingSync"

// OpType enumerates the kinds of pending mutations.
type OpType int

const (
	// OpUnknown marks an operation whose persisted type could not be
	// recognized. The engine drops these during a drain.
	OpUnknown OpType = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

func (t OpType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *OpType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "create":
		*t = OpCreate
	case "update":
		*t = OpUpdate
	case "delete":
		*t = OpDelete
	default:
		*t = OpUnknown
	}
	return nil
}

// PendingOperation is one queued, not-yet-confirmed local mutation.
// ItemId is set for update/delete, Payload for create/update.
type PendingOperation struct {
	Id        string          `json:"id"`
	Type      OpType          `json:"type"`
	Store     string          `json:"store"`
	ItemId    string          `json:"itemId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PendingQueue is an ordered, persisted log of local mutations awaiting
// remote acknowledgement. It is the single source of truth for what remote
// effects are still owed.
type PendingQueue struct {
	storage store.LocalStorage

	mu      sync.Mutex
	lastAdd time.Time
}

func NewPendingQueue(storage store.LocalStorage) *PendingQueue {
	return &PendingQueue{storage: storage}
}

// AddPendingSync assigns the operation a unique id and timestamp, persists
// it and returns the stored operation. Timestamps are kept strictly
// increasing so that the queue's causal order survives a coarse clock.
func (q *PendingQueue) AddPendingSync(ctx context.Context, op PendingOperation) (*PendingOperation, error) {
	q.mu.Lock()
	now := time.Now().UTC()
	if !now.After(q.lastAdd) {
		now = q.lastAdd.Add(time.Nanosecond)
	}
	q.lastAdd = now
	q.mu.Unlock()

	op.Id = fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String()[:8])
	op.Timestamp = now
	data, err := json.Marshal(&op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending operation: %w", err)
	}
	err = q.storage.Put(ctx, PendingSyncStore, store.Record{Id: op.Id, Data: data, UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// GetPendingSync returns all queued operations in ascending timestamp and
// insertion order. The backing store's bulk read order is unspecified, so
// the queue sorts. An entry that cannot be decoded comes back with type
// OpUnknown and its record id, so a drain can drop it.
func (q *PendingQueue) GetPendingSync(ctx context.Context) ([]PendingOperation, error) {
	records, err := q.storage.GetAll(ctx, PendingSyncStore)
	if err != nil {
		return nil, err
	}
	ops := make([]PendingOperation, 0, len(records))
	for _, record := range records {
		var op PendingOperation
		if err := json.Unmarshal(record.Data, &op); err != nil {
			op = PendingOperation{Id: record.Id, Type: OpUnknown, Timestamp: record.UpdatedAt}
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].Timestamp.Before(ops[j].Timestamp)
		}
		return ops[i].Id < ops[j].Id
	})
	return ops, nil
}

// RemovePendingSync deletes one queue entry by its id. Idempotent.
func (q *PendingQueue) RemovePendingSync(ctx context.Context, id string) error {
	return q.storage.Delete(ctx, PendingSyncStore, id)
}
