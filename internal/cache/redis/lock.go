package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// releaseLua deletes a lock only if it still holds the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends a lock only if it still holds the caller's token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// InstanceLock guarantees a single live engine per Redis deployment. Two
// engines mutating the same balances and books would diverge.
type InstanceLock struct {
	rdb     *redis.Client
	key     string
	token   string
	ttl     time.Duration
	release *redis.Script
	refresh *redis.Script
}

// NewInstanceLock creates a lock stored under "lock:<name>".
func NewInstanceLock(c *Client, name string, ttl time.Duration) *InstanceLock {
	return &InstanceLock{
		rdb:     c.Underlying(),
		key:     "lock:" + name,
		token:   uuid.NewString(),
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
		refresh: redis.NewScript(refreshLua),
	}
}

// Acquire takes the lock or returns domain.ErrLockHeld.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("redis: acquire %s: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// Hold refreshes the lock every third of its TTL until ctx is cancelled. It
// returns domain.ErrLockHeld if ownership is lost.
func (l *InstanceLock) Hold(ctx context.Context) error {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := l.refresh.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				return fmt.Errorf("redis: refresh %s: %w", l.key, err)
			}
			if n == 0 {
				return fmt.Errorf("redis: refresh %s: %w", l.key, domain.ErrLockHeld)
			}
		}
	}
}

// Release drops the lock if still held. It uses its own timeout so it works
// after the caller's context is cancelled.
func (l *InstanceLock) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", l.key, err)
	}
	return nil
}
