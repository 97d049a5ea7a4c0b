package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable is returned when the backing database cannot be
// opened or its schema cannot be upgraded. It is fatal to initialization.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrOperationFailed wraps a single failed read or write. The storage layer
// never retries; the caller decides what to do.
var ErrOperationFailed = errors.New("storage operation failed")

// Record is one entity payload inside a named store. Data is opaque to the
// storage layer. UpdatedAt drives the secondary index used for incremental
// queries.
type Record struct {
	Id        string    `json:"id"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LocalStorage maintains independent named stores of records keyed by id,
// plus a scalar metadata area persisted outside the entity stores.
type LocalStorage interface {
	// EnsureStores registers the given named stores under the given schema
	// version. A version newer than the persisted one adds missing stores
	// without disturbing existing records; an older version is a no-op.
	EnsureStores(ctx context.Context, version int, names ...string) error

	GetAll(ctx context.Context, storeName string) ([]Record, error)
	Get(ctx context.Context, storeName, id string) (*Record, error)

	// Put inserts or replaces the record by id. Idempotent.
	Put(ctx context.Context, storeName string, record Record) error

	// PutAll upserts all records in one transaction. Records with an empty
	// id are silently skipped.
	PutAll(ctx context.Context, storeName string, records []Record) error

	// Delete removes a record by id. Deleting an absent id is not an error.
	Delete(ctx context.Context, storeName, id string) error

	Clear(ctx context.Context, storeName string) error

	// ChangedSince returns records whose UpdatedAt is strictly after the
	// given time, ascending by UpdatedAt.
	ChangedSince(ctx context.Context, storeName string, since time.Time) ([]Record, error)

	// GetMeta returns the value for key, or "" when the key was never set.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
