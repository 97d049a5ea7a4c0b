package offlinesync

import (
	"context"

	"github.com/planloop/offline-sync/store"
)

// RemoteDataClient is the backend surface the engine drains against, per
// entity-type store name. CreateDirect must be safe to call with a payload
// carrying a pre-assigned client-side id; DeleteDirect must not treat an
// absent id as fatal.
type RemoteDataClient interface {
	CreateDirect(ctx context.Context, storeName string, payload []byte) (*store.Record, error)
	UpdateDirect(ctx context.Context, storeName, id string, payload []byte) (*store.Record, error)
	DeleteDirect(ctx context.Context, storeName, id string) error
}
