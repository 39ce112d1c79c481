package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("timed out waiting for user lock")

var releaseUserLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// UserLocker serializes lifecycle mutations per user address.
type UserLocker interface {
	Lock(ctx context.Context, userAddress string) (unlock func(), err error)
}

// RedisUserLocker is a distributed per-user lock. The key holds a random token and expires
// after ttl so a crashed holder cannot wedge a user.
type RedisUserLocker struct {
	client       redis.UniversalClient
	prefix       string
	ttl          time.Duration
	wait         time.Duration
	pollInterval time.Duration
}

func NewRedisUserLocker(client redis.UniversalClient, prefix string) *RedisUserLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "affiliate:subscriptions"
	}

	return &RedisUserLocker{
		client:       client,
		prefix:       trimmedPrefix,
		ttl:          15 * time.Second,
		wait:         5 * time.Second,
		pollInterval: 50 * time.Millisecond,
	}
}

func (l *RedisUserLocker) Lock(ctx context.Context, userAddress string) (func(), error) {
	key := fmt.Sprintf("%s:lock:%s", l.prefix, userAddress)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, ErrLockTimeout
			}
			return nil, err
		}
		if acquired {
			return func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer releaseCancel()
				_ = releaseUserLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

// LocalUserLocker is the in-process lock used when Redis is not configured.
type LocalUserLocker struct {
	mu    sync.Mutex
	locks map[string]*userLockEntry
}

type userLockEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalUserLocker() *LocalUserLocker {
	return &LocalUserLocker{locks: make(map[string]*userLockEntry)}
}

func (l *LocalUserLocker) Lock(ctx context.Context, userAddress string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[userAddress]
	if !ok {
		entry = &userLockEntry{ch: make(chan struct{}, 1)}
		l.locks[userAddress] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userAddress, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(userAddress, entry, true) })
	}, nil
}

func (l *LocalUserLocker) release(userAddress string, entry *userLockEntry, held bool) {
	if held {
		<-entry.ch
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, userAddress)
	}
	l.mu.Unlock()
}
