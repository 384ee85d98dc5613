package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinio/slot-booking/internal/schedule"
)

// SlotCache is a short-TTL read-through cache of computed day availability.
// It is derived data only: a miss, an error, or an eviction at any moment is
// safe, so reads swallow infrastructure errors and report a plain miss.
type SlotCache struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewSlotCache(client *redis.Client, log zerolog.Logger) *SlotCache {
	return &SlotCache{client: client, log: log.With().Str("component", "slot_cache").Logger()}
}

// Get returns the cached slots for the key, or ok=false on a miss. A cache
// store failure is logged and treated as a miss so availability reads fail
// open to direct computation.
func (c *SlotCache) Get(ctx context.Context, key string) ([]schedule.Slot, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, computing directly")
		}
		return nil, false
	}

	var slots []schedule.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, dropping")
		_ = c.client.Del(ctx, key).Err()
		return nil, false
	}
	return slots, true
}

// Set stores the computed slots under the key with the given TTL. A write
// failure only costs a recomputation later, so it is logged, not returned.
func (c *SlotCache) Set(ctx context.Context, key string, slots []schedule.Slot, ttl time.Duration) {
	data, err := json.Marshal(slots)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry marshal failed")
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Delete removes a single day entry. Invalidation after a booking mutation
// must not be silently skipped, so the error propagates.
func (c *SlotCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate cache key %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix removes every key under the prefix using an incremental
// SCAN cursor. KEYS would block the store under heavy key volume.
func (c *SlotCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete cache batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache prefix %s: %w", prefix, err)
	}
	return flush()
}
