// Package lock provides a Redis-backed mutual exclusion for work that must
// run on one control-plane replica at a time.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"modelforge/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultTTL     = 30 * time.Second
	acquireTimeout = 5 * time.Second
	renewInterval  = 10 * time.Second
	maxHold        = 10 * time.Minute
)

// only the owner may extend or delete the key
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Locker is a non-blocking mutual exclusion
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// RedisLock SET NX lock with background renewal. A nil client degrades to
// an always-granted single-instance lock.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu         sync.Mutex
	held       bool
	acquiredAt time.Time
	stopRenew  chan struct{}
}

// New creates a lock on key
func New(client *redis.Client, key string) *RedisLock {
	return &RedisLock{
		client: client,
		key:    key,
		value:  fmt.Sprintf("%s-%s", key, uuid.NewString()),
		ttl:    defaultTTL,
	}
}

// TryLock attempts to take the lock without waiting
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	if l.client == nil {
		l.held = true
		l.acquiredAt = time.Now()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	ok, err := l.client.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		logger.DebugCtx(ctx, "lock %s held by another instance", l.key)
		return false, nil
	}

	l.held = true
	l.acquiredAt = time.Now()
	l.stopRenew = make(chan struct{})
	go l.renew(l.stopRenew)
	logger.DebugCtx(ctx, "lock %s acquired", l.key)
	return true, nil
}

// Unlock releases the lock if this instance owns it
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	client := l.client
	l.mu.Unlock()

	if client == nil {
		return nil
	}
	n, err := client.Eval(ctx, releaseScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		logger.WarnCtx(ctx, "lock %s was already expired or taken over", l.key)
	}
	return nil
}

// IsHeld reports whether this instance believes it owns the lock
func (l *RedisLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *RedisLock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		tooLong := time.Since(l.acquiredAt) > maxHold
		l.mu.Unlock()
		if tooLong {
			logger.Warnf("lock %s held longer than %v, no longer renewing", l.key, maxHold)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil || n == 0 {
			logger.Warnf("lock %s lost during renewal: %v", l.key, err)
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
			return
		}
	}
}

// Run executes fn only if the lock could be taken; it reports whether fn
// ran.
func Run(ctx context.Context, l Locker, fn func(ctx context.Context) error) (bool, error) {
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := l.Unlock(context.Background()); err != nil {
			logger.WarnCtx(ctx, "failed to unlock: %v", err)
		}
	}()
	return true, fn(ctx)
}
