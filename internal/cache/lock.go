package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// SyncLockKey guards a synchronization pass across processes.
const SyncLockKey = KeyPrefix + "lock:sync"

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

const extendScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`

// Lock is a held distributed lock.
type Lock struct {
	r     *Redis
	key   string
	token string
}

// TryLock acquires the lock identified by key using SET NX PX. The caller
// must call Unlock (typically via defer). ErrLocked is returned when another
// holder owns the key.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (*Lock, error) {
	token := randomToken()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{r: r, key: key, token: token}, nil
}

// Extend pushes the expiry of a still-held lock to ttl from now.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.r.client.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("cache lock extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock if this holder still owns it. It uses a
// background context so unlocking works after the run context is cancelled.
func (l *Lock) Unlock() {
	_ = l.r.client.Eval(context.Background(), unlockScript, []string{l.key}, l.token).Err()
}

// IsLocked returns true if the lock key exists.
func IsLocked(ctx context.Context, r *Redis, key string) bool {
	n, _ := r.client.Exists(ctx, key).Result()
	return n > 0
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
