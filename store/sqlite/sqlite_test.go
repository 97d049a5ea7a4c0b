package sqlite

import (
	"errors"
	"testing"

	"github.com/planloop/offline-sync/store"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLocalStorage(t *testing.T) {
	storage, err := NewSQLiteLocalStorage("file:localstorage?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	defer storage.Close()

	(&store.StoreTest{}).RunAll(t, storage)
}

func TestStorageUnavailable(t *testing.T) {
	_, err := NewSQLiteLocalStorage("file:/nonexistent-dir/sub/db.sqlite?mode=rw")
	require.Error(t, err, "opening an unreachable database should fail")
	require.True(t, errors.Is(err, store.ErrStorageUnavailable))
}
