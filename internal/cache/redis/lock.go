package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

//go:embed scripts/release_lock.lua
var releaseLockLua string

//go:embed scripts/extend_lock.lua
var extendLockLua string

const (
	minLockBackoff = 10 * time.Millisecond
	maxLockBackoff = 200 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// LockManager hands out per-key mutexes stored in Redis. Each holder writes a
// random token with SET NX PX; release is a compare-and-delete script, so an
// expired holder can never free a lock someone else has since taken. While a
// lock is held its expiry is pushed out every third of the ttl, so a slow
// holder keeps it for as long as it runs.
type LockManager struct {
	c       *Client
	release *redis.Script
	extend  *redis.Script
}

// NewLockManager creates a LockManager on c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:       c,
		release: redis.NewScript(releaseLockLua),
		extend:  redis.NewScript(extendLockLua),
	}
}

func (lm *LockManager) lockKey(key string) string {
	return lm.c.Key("lock:" + key)
}

// heldLock is one successful acquisition.
type heldLock struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// keepAlive extends the lock until unlock is called or the token is found
// missing.
func (h *heldLock) keepAlive() {
	defer close(h.done)
	t := time.NewTicker(max(h.ttl/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.ttl/3+time.Second)
		n, err := h.lm.extend.Run(ctx, h.lm.c.rdb, []string{h.key}, h.token, h.ttl.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

func (h *heldLock) unlock() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = h.lm.release.Run(ctx, h.lm.c.rdb, []string{h.key}, h.token).Err()
	})
}

// Acquire takes the lock on key, or fails with domain.ErrLockHeld. A holder
// that dies without unlocking loses the lock ttl after its last renewal. The
// unlock func is idempotent and ignores ctx.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	h := &heldLock{
		lm:    lm,
		key:   lm.lockKey(key),
		token: uuid.NewString(),
		ttl:   ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	err := lm.c.rdb.SetArgs(ctx, h.key, h.token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, domain.ErrLockHeld
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if ttl > 0 {
		go h.keepAlive()
	} else {
		close(h.done)
	}
	return h.unlock, nil
}

// AcquireWait polls Acquire with doubling backoff until it succeeds, fails
// for a reason other than contention, or ctx ends.
func (lm *LockManager) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	backoff := minLockBackoff
	for {
		unlock, err := lm.Acquire(ctx, key, ttl)
		if !errors.Is(err, domain.ErrLockHeld) {
			return unlock, err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: wait for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxLockBackoff)
	}
}

var _ domain.LockManager = (*LockManager)(nil)
