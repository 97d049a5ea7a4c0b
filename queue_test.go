package offlinesync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/planloop/offline-sync/store"
	"github.com/planloop/offline-sync/store/sqlite"
)

func newTestStorage(t *testing.T) store.LocalStorage {
	t.Helper()
	storage, err := sqlite.NewSQLiteLocalStorage(
		fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err, "failed to open test storage")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestQueueOrdering(t *testing.T) {
	queue := NewPendingQueue(newTestStorage(t))

	for i := 0; i < 10; i++ {
		_, err := queue.AddPendingSync(context.Background(), PendingOperation{
			Type:   OpUpdate,
			Store:  "tasks",
			ItemId: fmt.Sprintf("item-%d", i),
		})
		require.NoError(t, err, "failed to add pending operation")
	}

	ops, err := queue.GetPendingSync(context.Background())
	require.NoError(t, err, "failed to read pending queue")
	require.Len(t, ops, 10)
	for i, op := range ops {
		require.Equal(t, fmt.Sprintf("item-%d", i), op.ItemId)
		if i > 0 {
			require.True(t, op.Timestamp.After(ops[i-1].Timestamp))
		}
	}
}

func TestQueueKeepsDuplicates(t *testing.T) {
	queue := NewPendingQueue(newTestStorage(t))

	// the queue is a log, not a set: repeated updates on the same entity
	// all stay queued
	for i := 0; i < 3; i++ {
		_, err := queue.AddPendingSync(context.Background(), PendingOperation{
			Type:    OpUpdate,
			Store:   "tasks",
			ItemId:  "t1",
			Payload: json.RawMessage(fmt.Sprintf(`{"rev":%d}`, i)),
		})
		require.NoError(t, err, "failed to add pending operation")
	}

	ops, err := queue.GetPendingSync(context.Background())
	require.NoError(t, err, "failed to read pending queue")
	require.Len(t, ops, 3)
}

func TestQueueAddAssignsIdAndTimestamp(t *testing.T) {
	queue := NewPendingQueue(newTestStorage(t))

	stored, err := queue.AddPendingSync(context.Background(), PendingOperation{
		Type:    OpCreate,
		Store:   "tasks",
		Payload: json.RawMessage(`{"id":"t1"}`),
	})
	require.NoError(t, err, "failed to add pending operation")
	require.NotEmpty(t, stored.Id)
	require.False(t, stored.Timestamp.IsZero())

	other, err := queue.AddPendingSync(context.Background(), PendingOperation{
		Type:  OpDelete,
		Store: "tasks",
	})
	require.NoError(t, err, "failed to add second operation")
	require.NotEqual(t, stored.Id, other.Id)
}

func TestQueueRemoveIdempotence(t *testing.T) {
	queue := NewPendingQueue(newTestStorage(t))

	stored, err := queue.AddPendingSync(context.Background(), PendingOperation{
		Type:  OpDelete,
		Store: "tasks",
	})
	require.NoError(t, err, "failed to add pending operation")

	require.NoError(t, queue.RemovePendingSync(context.Background(), stored.Id))
	require.NoError(t, queue.RemovePendingSync(context.Background(), stored.Id))

	ops, err := queue.GetPendingSync(context.Background())
	require.NoError(t, err, "failed to read pending queue")
	require.Empty(t, ops)
}

func TestQueueSurfacesCorruptEntries(t *testing.T) {
	storage := newTestStorage(t)
	queue := NewPendingQueue(storage)

	err := storage.Put(context.Background(), PendingSyncStore, store.Record{
		Id:   "corrupt-entry",
		Data: []byte("not json"),
	})
	require.NoError(t, err, "failed to plant corrupt entry")

	ops, err := queue.GetPendingSync(context.Background())
	require.NoError(t, err, "failed to read pending queue")
	require.Len(t, ops, 1)
	require.Equal(t, OpUnknown, ops[0].Type)
	require.Equal(t, "corrupt-entry", ops[0].Id)
}
