package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voyagen/tvguide/internal/cache"
	"github.com/voyagen/tvguide/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlChannels = 1 * time.Minute
	ttlChannel  = 5 * time.Minute
	ttlSchedule = 2 * time.Minute
	ttlProgram  = 10 * time.Minute
)

const (
	keyChannels = cache.KeyPrefix + "channels:"
	keyChannel  = cache.KeyPrefix + "channel:"
	keySchedule = cache.KeyPrefix + "schedule:"
	keyProgram  = cache.KeyPrefix + "program:"
	keyCredits  = cache.KeyPrefix + "credits:"
)

// CachedCatalog wraps a Catalog with a Redis caching layer.
// Reads are served from cache when possible; mapping and fetch-flag writes
// invalidate the relevant keys. Sync passes call InvalidateSchedules after
// they commit.
type CachedCatalog struct {
	inner  Catalog
	cache  *cache.Redis
	logger zerolog.Logger
}

var _ Catalog = (*CachedCatalog)(nil)

// NewCachedCatalog creates a CachedCatalog that wraps inner with Redis caching.
func NewCachedCatalog(inner Catalog, c *cache.Redis, logger zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{inner: inner, cache: c, logger: logger}
}

// --- cached read operations ---

func (c *CachedCatalog) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error) {
	key := keyChannels + filterHash(filter)
	if v, err := cache.Get[[]models.Channel](ctx, c.cache, key); err == nil {
		return v, nil
	}
	channels, err := c.inner.ListChannels(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, channels, ttlChannels)
	return channels, nil
}

func (c *CachedCatalog) GetChannel(ctx context.Context, stationID string) (*models.Channel, error) {
	key := keyChannel + stationID
	if v, err := cache.Get[models.Channel](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	ch, err := c.inner.GetChannel(ctx, stationID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, ch, ttlChannel)
	return ch, nil
}

func (c *CachedCatalog) ListSchedule(ctx context.Context, stationID string, from, to int64) ([]models.ScheduleEntry, error) {
	key := fmt.Sprintf("%s%s:%d:%d", keySchedule, stationID, from, to)
	if v, err := cache.Get[[]models.ScheduleEntry](ctx, c.cache, key); err == nil {
		return v, nil
	}
	entries, err := c.inner.ListSchedule(ctx, stationID, from, to)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, entries, ttlSchedule)
	return entries, nil
}

func (c *CachedCatalog) GetProgram(ctx context.Context, programID string) (*models.Program, error) {
	key := keyProgram + programID
	if v, err := cache.Get[models.Program](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	p, err := c.inner.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, p, ttlProgram)
	return p, nil
}

func (c *CachedCatalog) ListCastCrew(ctx context.Context, programID string) ([]models.CastCrew, error) {
	key := keyCredits + programID
	if v, err := cache.Get[[]models.CastCrew](ctx, c.cache, key); err == nil {
		return v, nil
	}
	credits, err := c.inner.ListCastCrew(ctx, programID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, credits, ttlProgram)
	return credits, nil
}

// --- write operations with cache invalidation ---

func (c *CachedCatalog) SetChannelMapping(ctx context.Context, stationID, name string) error {
	if err := c.inner.SetChannelMapping(ctx, stationID, name); err != nil {
		return err
	}
	c.invalidate(ctx, keyChannel+stationID)
	c.invalidatePattern(ctx, keyChannels+"*")
	return nil
}

func (c *CachedCatalog) SetChannelFetch(ctx context.Context, stationID string, enabled bool) error {
	if err := c.inner.SetChannelFetch(ctx, stationID, enabled); err != nil {
		return err
	}
	c.invalidate(ctx, keyChannel+stationID)
	c.invalidatePattern(ctx, keyChannels+"*")
	return nil
}

// InvalidateSync drops every key a sync pass can make stale.
func (c *CachedCatalog) InvalidateSync(ctx context.Context) {
	c.invalidatePattern(ctx, keyChannels+"*", keyChannel+"*", keySchedule+"*", keyProgram+"*", keyCredits+"*")
}

// --- helpers ---

func (c *CachedCatalog) store(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedCatalog) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("cache del failed")
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedCatalog) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			c.logger.Warn().Err(err).Str("pattern", p).Msg("cache del pattern failed")
		}
	}
}

// filterHash produces a short deterministic hash for a ChannelFilter so it
// can be used as part of a cache key.
func filterHash(f ChannelFilter) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", f.LineupID, boolKey(f.Mapped), boolKey(f.FetchEnabled), f.Search)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h[:8])
}

func boolKey(b *bool) string {
	switch {
	case b == nil:
		return "-"
	case *b:
		return "1"
	default:
		return "0"
	}
}
