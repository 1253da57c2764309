package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagen/tvguide/internal/fetcher"
)

// TokenKey holds the cached Schedules Direct session token.
const TokenKey = KeyPrefix + "sd:token"

// TokenCache stores the source session token in Redis with a TTL matching
// the token expiry. It satisfies fetcher.TokenStore.
type TokenCache struct {
	r   *Redis
	now func() time.Time
}

var _ fetcher.TokenStore = (*TokenCache)(nil)

// NewTokenCache returns a TokenCache backed by r.
func NewTokenCache(r *Redis) *TokenCache {
	return &TokenCache{r: r, now: time.Now}
}

// LoadToken returns the cached token, or ok == false on a miss.
func (c *TokenCache) LoadToken(ctx context.Context) (fetcher.Token, bool, error) {
	tok, err := Get[fetcher.Token](ctx, c.r, TokenKey)
	if errors.Is(err, redis.Nil) {
		return fetcher.Token{}, false, nil
	}
	if err != nil {
		return fetcher.Token{}, false, err
	}
	return tok, true, nil
}

// SaveToken caches tok until it expires. Already-expired tokens are not stored.
func (c *TokenCache) SaveToken(ctx context.Context, tok fetcher.Token) error {
	ttl := tok.Expires.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	return Set(ctx, c.r, TokenKey, tok, ttl)
}
