package cache

import (
	"context"
	"errors"
	"time"
)

// TieredStore reads through a local MemoryStore in front of a shared
// backing store. Writes go to the backing store first; a backing failure
// fails the write and leaves the local tier untouched.
type TieredStore struct {
	local    *MemoryStore
	remote   Store
	localTTL time.Duration
}

// NewTieredStore fronts remote with a local LRU of the given capacity.
// Local copies live at most localTTL so other replicas' deletes show up.
func NewTieredStore(remote Store, capacity int, localTTL time.Duration) *TieredStore {
	if localTTL <= 0 {
		localTTL = time.Minute
	}
	return &TieredStore{
		local:    NewMemoryStore(WithCapacity(capacity), WithSweepInterval(localTTL)),
		remote:   remote,
		localTTL: localTTL,
	}
}

func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	if b, err := t.local.Get(ctx, key); err == nil {
		return b, nil
	}
	b, err := t.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = t.local.Set(ctx, key, b, t.localTTL)
	return b, nil
}

func (t *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	local := t.localTTL
	if ttl > 0 && ttl < local {
		local = ttl
	}
	return t.local.Set(ctx, key, value, local)
}

func (t *TieredStore) Delete(ctx context.Context, keys ...string) error {
	_ = t.local.Delete(ctx, keys...)
	return t.remote.Delete(ctx, keys...)
}

func (t *TieredStore) Close() error {
	return errors.Join(t.local.Close(), t.remote.Close())
}
