package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) TestPutIdempotence(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	record := Record{Id: "a1", Data: []byte("data1"), UpdatedAt: time.Now().UTC()}

	err := storage.Put(context.Background(), testStore, record)
	require.NoError(t, err, "failed to call Put a1")
	err = storage.Put(context.Background(), testStore, record)
	require.NoError(t, err, "failed to call Put a1 again")

	records, err := storage.GetAll(context.Background(), testStore)
	require.NoError(t, err, "failed to call GetAll")
	require.Len(t, records, 1)
	require.Equal(t, "a1", records[0].Id)
	require.Equal(t, []byte("data1"), records[0].Data)
}

func (s *StoreTest) TestPutReplaces(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	err := storage.Put(context.Background(), testStore, Record{Id: "a1", Data: []byte("data1"), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err, "failed to call Put a1")
	err = storage.Put(context.Background(), testStore, Record{Id: "a1", Data: []byte("data2"), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err, "failed to replace a1")

	record, err := storage.Get(context.Background(), testStore, "a1")
	require.NoError(t, err, "failed to call Get")
	require.NotNil(t, record)
	require.Equal(t, []byte("data2"), record.Data)
}

func (s *StoreTest) TestPutAllRoundTrip(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	now := time.Now().UTC()
	records := []Record{
		{Id: "r1", Data: []byte("one"), UpdatedAt: now},
		{Id: "r2", Data: []byte("two"), UpdatedAt: now},
		{Id: "r3", Data: []byte("three"), UpdatedAt: now},
	}
	err := storage.PutAll(context.Background(), testStore, records)
	require.NoError(t, err, "failed to call PutAll")

	fetched, err := storage.GetAll(context.Background(), testStore)
	require.NoError(t, err, "failed to call GetAll")
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Id < fetched[j].Id })
	require.Len(t, fetched, 3)
	for i, r := range fetched {
		require.Equal(t, records[i].Id, r.Id)
		require.Equal(t, records[i].Data, r.Data)
	}
}

func (s *StoreTest) TestPutAllSkipsMissingIds(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	now := time.Now().UTC()
	err := storage.PutAll(context.Background(), testStore, []Record{
		{Id: "r1", Data: []byte("one"), UpdatedAt: now},
		{Id: "", Data: []byte("no id"), UpdatedAt: now},
		{Id: "r2", Data: []byte("two"), UpdatedAt: now},
	})
	require.NoError(t, err, "failed to call PutAll")

	fetched, err := storage.GetAll(context.Background(), testStore)
	require.NoError(t, err, "failed to call GetAll")
	require.Len(t, fetched, 2)
}

func (s *StoreTest) TestGetAbsent(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	record, err := storage.Get(context.Background(), testStore, "missing")
	require.NoError(t, err, "absent id should not be an error")
	require.Nil(t, record)
}

func (s *StoreTest) TestDeleteIdempotence(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	err := storage.Put(context.Background(), testStore, Record{Id: "a1", Data: []byte("data1"), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err, "failed to call Put a1")

	err = storage.Delete(context.Background(), testStore, "a1")
	require.NoError(t, err, "failed to call Delete a1")
	err = storage.Delete(context.Background(), testStore, "a1")
	require.NoError(t, err, "deleting an absent id should not be an error")

	records, err := storage.GetAll(context.Background(), testStore)
	require.NoError(t, err, "failed to call GetAll")
	require.Empty(t, records)
}

func (s *StoreTest) TestClear(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	otherStore := uuid.New().String()
	now := time.Now().UTC()
	err := storage.PutAll(context.Background(), testStore, []Record{
		{Id: "r1", Data: []byte("one"), UpdatedAt: now},
		{Id: "r2", Data: []byte("two"), UpdatedAt: now},
	})
	require.NoError(t, err, "failed to call PutAll")
	err = storage.Put(context.Background(), otherStore, Record{Id: "r1", Data: []byte("other"), UpdatedAt: now})
	require.NoError(t, err, "failed to call Put on other store")

	err = storage.Clear(context.Background(), testStore)
	require.NoError(t, err, "failed to call Clear")

	records, err := storage.GetAll(context.Background(), testStore)
	require.NoError(t, err, "failed to call GetAll")
	require.Empty(t, records)

	// the other store is untouched
	records, err = storage.GetAll(context.Background(), otherStore)
	require.NoError(t, err, "failed to call GetAll on other store")
	require.Len(t, records, 1)
}

func (s *StoreTest) TestChangedSince(t *testing.T, storage LocalStorage) {
	testStore := uuid.New().String()
	base := time.Now().UTC().Truncate(time.Millisecond)
	err := storage.PutAll(context.Background(), testStore, []Record{
		{Id: "old", Data: []byte("old"), UpdatedAt: base.Add(-time.Hour)},
		{Id: "mid", Data: []byte("mid"), UpdatedAt: base.Add(time.Minute)},
		{Id: "new", Data: []byte("new"), UpdatedAt: base.Add(time.Hour)},
	})
	require.NoError(t, err, "failed to call PutAll")

	changed, err := storage.ChangedSince(context.Background(), testStore, base)
	require.NoError(t, err, "failed to call ChangedSince")
	require.Len(t, changed, 2)
	require.Equal(t, "mid", changed[0].Id)
	require.Equal(t, "new", changed[1].Id)
}

func (s *StoreTest) TestMeta(t *testing.T, storage LocalStorage) {
	key := uuid.New().String()
	value, err := storage.GetMeta(context.Background(), key)
	require.NoError(t, err, "failed to call GetMeta on absent key")
	require.Equal(t, "", value)

	err = storage.SetMeta(context.Background(), key, "first")
	require.NoError(t, err, "failed to call SetMeta")
	err = storage.SetMeta(context.Background(), key, "second")
	require.NoError(t, err, "failed to overwrite meta value")

	value, err = storage.GetMeta(context.Background(), key)
	require.NoError(t, err, "failed to call GetMeta")
	require.Equal(t, "second", value)
}

func (s *StoreTest) TestEnsureStores(t *testing.T, storage LocalStorage) {
	name := uuid.New().String()
	err := storage.EnsureStores(context.Background(), 2, name)
	require.NoError(t, err, "failed to call EnsureStores")

	err = storage.Put(context.Background(), name, Record{Id: "a1", Data: []byte("data1"), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err, "failed to call Put")

	// re-opening with a newer version keeps existing records
	other := uuid.New().String()
	err = storage.EnsureStores(context.Background(), 3, name, other)
	require.NoError(t, err, "failed to upgrade store set")

	records, err := storage.GetAll(context.Background(), name)
	require.NoError(t, err, "failed to call GetAll")
	require.Len(t, records, 1)

	// an older version is a no-op
	err = storage.EnsureStores(context.Background(), 1, uuid.New().String())
	require.NoError(t, err, "failed to call EnsureStores with older version")
}

func (s *StoreTest) RunAll(t *testing.T, storage LocalStorage) {
	t.Run("PutIdempotence", func(t *testing.T) { s.TestPutIdempotence(t, storage) })
	t.Run("PutReplaces", func(t *testing.T) { s.TestPutReplaces(t, storage) })
	t.Run("PutAllRoundTrip", func(t *testing.T) { s.TestPutAllRoundTrip(t, storage) })
	t.Run("PutAllSkipsMissingIds", func(t *testing.T) { s.TestPutAllSkipsMissingIds(t, storage) })
	t.Run("GetAbsent", func(t *testing.T) { s.TestGetAbsent(t, storage) })
	t.Run("DeleteIdempotence", func(t *testing.T) { s.TestDeleteIdempotence(t, storage) })
	t.Run("Clear", func(t *testing.T) { s.TestClear(t, storage) })
	t.Run("ChangedSince", func(t *testing.T) { s.TestChangedSince(t, storage) })
	t.Run("Meta", func(t *testing.T) { s.TestMeta(t, storage) })
	t.Run("EnsureStores", func(t *testing.T) { s.TestEnsureStores(t, storage) })
}
