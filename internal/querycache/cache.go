package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tradervault/workspace-core/internal/apperrors"
)

// Mutation is one optimistically-applied write. Optimistic holds the cache
// values to install immediately, keyed by cache key; Commit performs the
// real operation. Entity selects the cascade set declared in cascades.go.
type Mutation struct {
	Entity     string
	Optimistic map[string][]byte
	Commit     func(ctx context.Context) error
}

// Cache is the generic optimistic-mutation layer: snapshot, apply, commit,
// revert-on-failure, then cascade-invalidate. Every mutating operation in
// the application goes through it so reads after a settled mutation are
// forced fresh.
type Cache struct {
	backend      Backend
	log          zerolog.Logger
	onInvalidate func(entity string, keys []string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithInvalidationHook observes every cascade invalidation; used by metrics
// and tests.
func WithInvalidationHook(fn func(entity string, keys []string)) Option {
	return func(c *Cache) { c.onInvalidate = fn }
}

func New(backend Backend, log zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		log:     log.With().Str("component", "querycache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// snapshot remembers one key's exact prior state, including absence.
type snapshot struct {
	key     string
	value   []byte
	existed bool
}

// Mutate runs m through the three-phase protocol:
//  1. snapshot the current values of every affected key,
//  2. install the optimistic values,
//  3. run Commit; on failure restore the exact snapshots and surface the
//     error.
//
// Whether Commit succeeded or failed, the entity's declared cascade set is
// invalidated exactly once. Commit retrying internally changes nothing
// here; invalidation fires per settled mutation.
func (c *Cache) Mutate(ctx context.Context, m Mutation) error {
	cascade, ok := CascadeSet(m.Entity)
	if !ok {
		return apperrors.Validation("entity", fmt.Sprintf("no cascade set declared for %q", m.Entity))
	}

	keys := make([]string, 0, len(m.Optimistic))
	for k := range m.Optimistic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snapshots := make([]snapshot, 0, len(keys))
	for _, k := range keys {
		v, existed, err := c.backend.Get(ctx, k)
		if err != nil {
			return err
		}
		snapshots = append(snapshots, snapshot{key: k, value: v, existed: existed})
	}

	for _, k := range keys {
		if err := c.backend.Set(ctx, k, m.Optimistic[k]); err != nil {
			c.restore(ctx, snapshots)
			return err
		}
	}

	commitErr := m.Commit(ctx)
	if commitErr != nil {
		c.restore(ctx, snapshots)
	}

	c.invalidate(ctx, m.Entity, cascade)
	return commitErr
}

func (c *Cache) restore(ctx context.Context, snapshots []snapshot) {
	for _, snap := range snapshots {
		var err error
		if snap.existed {
			err = c.backend.Set(ctx, snap.key, snap.value)
		} else {
			err = c.backend.Delete(ctx, snap.key)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("key", snap.key).Msg("rollback write failed")
		}
	}
}

func (c *Cache) invalidate(ctx context.Context, entity string, keys []string) {
	for _, k := range keys {
		if err := c.backend.Delete(ctx, k); err != nil {
			c.log.Warn().Err(err).Str("key", k).Msg("invalidation failed")
		}
	}
	if c.onInvalidate != nil {
		c.onInvalidate(entity, keys)
	}
}

// GetJSON reads and decodes a cached value into out; ok is false on miss.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes and caches a value under key.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, data)
}
