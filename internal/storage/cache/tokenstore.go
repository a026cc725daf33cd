package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// CachedRegistry is a decorator that adds read-aside caching of per-user
// device lists to any TokenRegistry.
type CachedRegistry struct {
	store push.TokenRegistry
	cache Client
	ttl   time.Duration
}

func NewCachedRegistry(store push.TokenRegistry, cache Client, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		store: store,
		cache: cache,
		ttl:   ttl,
	}
}

func (r *CachedRegistry) Devices(ctx context.Context, userID string) ([]push.Device, error) {
	key := r.cacheKey(userID)

	var cached []push.Device
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	devices, err := r.store.Devices(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the real store.
	_ = r.cache.Set(ctx, key, devices, r.ttl)

	return devices, nil
}

// Writes go to the source of truth first, then invalidate. Deleting the key
// forces the next Devices call back to the real store, so "disable
// notifications" takes effect immediately instead of at TTL expiry.

func (r *CachedRegistry) Register(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	if err := r.store.Register(ctx, userID, vendor, token); err != nil {
		return err
	}
	return r.invalidate(ctx, userID)
}

func (r *CachedRegistry) Unregister(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	if err := r.store.Unregister(ctx, userID, vendor, token); err != nil {
		return err
	}
	return r.invalidate(ctx, userID)
}

// RemoveToken cannot invalidate by user key because feedback does not name
// the owner. Stale cached lists age out at the TTL; the suppression store
// blocks sends to the token in the meantime.
func (r *CachedRegistry) RemoveToken(ctx context.Context, vendor push.Vendor, token []byte) (int, error) {
	return r.store.RemoveToken(ctx, vendor, token)
}

func (r *CachedRegistry) invalidate(ctx context.Context, userID string) error {
	return r.cache.Del(ctx, r.cacheKey(userID))
}

func (r *CachedRegistry) cacheKey(userID string) string {
	return fmt.Sprintf("push:devices:%s", userID)
}
