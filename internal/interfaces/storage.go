package interfaces

import (
	"context"

	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// DraftStorage persists pending writes independently of network state.
// Storage failures are returned to the caller; nothing is retried.
type DraftStorage interface {
	// SaveDraft stores a new unsynced draft under a freshly generated ID
	SaveDraft(ctx context.Context, kind models.DraftKind, payload models.Payload) (string, error)

	// GetDraft returns nil, nil when the draft does not exist
	GetDraft(ctx context.Context, id string) (*models.Draft, error)

	// GetAllDrafts returns every draft, most recent first
	GetAllDrafts(ctx context.Context) ([]*models.Draft, error)

	// GetUnsyncedDrafts returns drafts with Synced == false, most recent first
	GetUnsyncedDrafts(ctx context.Context) ([]*models.Draft, error)

	// CountUnsynced returns the number of drafts still pending
	CountUnsynced(ctx context.Context) (int, error)

	// MarkSynced is a no-op when the draft no longer exists
	MarkSynced(ctx context.Context, id string) error

	// DeleteDraft is a no-op when the draft does not exist
	DeleteDraft(ctx context.Context, id string) error

	// ClearSynced deletes every synced draft and returns how many were removed
	ClearSynced(ctx context.Context) (int, error)
}

// ResourceCache stores versioned cached resource sets
type ResourceCache interface {
	// Put stores a resource under the given cache name
	Put(ctx context.Context, cacheName string, res *models.CachedResource) error

	// Match returns nil, nil when the cache has no entry for key
	Match(ctx context.Context, cacheName, key string) (*models.CachedResource, error)

	// Keys lists the cache names currently present
	Keys(ctx context.Context) ([]string, error)

	// Delete removes a whole cache set
	Delete(ctx context.Context, cacheName string) error

	// Retain deletes every cache set except keep, in one transaction
	Retain(ctx context.Context, keep string) ([]string, error)
}

// StorageManager owns the database and the storages built on it
type StorageManager interface {
	DraftStorage() DraftStorage
	ResourceCache() ResourceCache
	Close() error
}
