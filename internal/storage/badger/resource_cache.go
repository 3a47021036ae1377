package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// Key layout:
//
//	rescache:name:{cacheName}          -> empty (cache set exists)
//	rescache:entry:{cacheName}|{key}   -> JSON CachedResource
const (
	cacheNamePrefix  = "rescache:name:"
	cacheEntryPrefix = "rescache:entry:"
	cacheKeySep      = "|"
)

// ResourceCache implements interfaces.ResourceCache with raw Badger keys so a
// whole cache set can be dropped with a prefix scan inside one transaction.
type ResourceCache struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewResourceCache creates a new ResourceCache instance
func NewResourceCache(db *BadgerDB, logger arbor.ILogger) *ResourceCache {
	return &ResourceCache{
		db:     db,
		logger: logger,
	}
}

var _ interfaces.ResourceCache = (*ResourceCache)(nil)

func (c *ResourceCache) nameKey(cacheName string) []byte {
	return []byte(cacheNamePrefix + cacheName)
}

func (c *ResourceCache) entryPrefix(cacheName string) []byte {
	return []byte(cacheEntryPrefix + cacheName + cacheKeySep)
}

func (c *ResourceCache) entryKey(cacheName, key string) []byte {
	return []byte(cacheEntryPrefix + cacheName + cacheKeySep + key)
}

func validateCacheName(cacheName string) error {
	if cacheName == "" {
		return fmt.Errorf("cache name is required")
	}
	if strings.Contains(cacheName, cacheKeySep) {
		return fmt.Errorf("cache name %q must not contain %q", cacheName, cacheKeySep)
	}
	return nil
}

// Put stores res under cacheName, creating the set if needed
func (c *ResourceCache) Put(ctx context.Context, cacheName string, res *models.CachedResource) error {
	if err := validateCacheName(cacheName); err != nil {
		return err
	}
	if res == nil || res.Key == "" {
		return fmt.Errorf("resource key is required")
	}

	stored := *res
	stored.CacheName = cacheName
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal cached resource: %w", err)
	}

	err = c.db.Badger().Update(func(txn *badger.Txn) error {
		if err := txn.Set(c.nameKey(cacheName), []byte{}); err != nil {
			return err
		}
		return txn.Set(c.entryKey(cacheName, res.Key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", res.Key, cacheName, err)
	}
	return nil
}

// Match returns nil, nil when nothing is cached for key
func (c *ResourceCache) Match(ctx context.Context, cacheName, key string) (*models.CachedResource, error) {
	if err := validateCacheName(cacheName); err != nil {
		return nil, err
	}

	var res models.CachedResource
	err := c.db.Badger().View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.entryKey(cacheName, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", key, cacheName, err)
	}
	return &res, nil
}

// Keys lists the cache set names, sorted
func (c *ResourceCache) Keys(ctx context.Context) ([]string, error) {
	var names []string
	err := c.db.Badger().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(cacheNamePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), cacheNamePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a cache set and all of its entries
func (c *ResourceCache) Delete(ctx context.Context, cacheName string) error {
	if err := validateCacheName(cacheName); err != nil {
		return err
	}
	err := c.db.Badger().Update(func(txn *badger.Txn) error {
		return c.deleteSet(txn, cacheName)
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", cacheName, err)
	}
	return nil
}

// Retain deletes every cache set other than keep in a single transaction,
// so readers see either all old versions or none. Returns the deleted names.
func (c *ResourceCache) Retain(ctx context.Context, keep string) ([]string, error) {
	var deleted []string
	err := c.db.Badger().Update(func(txn *badger.Txn) error {
		deleted = deleted[:0]

		var names []string
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := []byte(cacheNamePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			name := strings.TrimPrefix(string(it.Item().Key()), cacheNamePrefix)
			if name != keep {
				names = append(names, name)
			}
		}
		it.Close()

		for _, name := range names {
			if err := c.deleteSet(txn, name); err != nil {
				return err
			}
			deleted = append(deleted, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge caches other than %s: %w", keep, err)
	}

	if len(deleted) > 0 {
		c.logger.Info().
			Str("kept", keep).
			Strs("deleted", deleted).
			Msg("Deleted stale cache versions")
	}
	return deleted, nil
}

// deleteSet removes the entries and the name marker of one cache set within txn
func (c *ResourceCache) deleteSet(txn *badger.Txn, cacheName string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	prefix := c.entryPrefix(cacheName)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return txn.Delete(c.nameKey(cacheName))
}
