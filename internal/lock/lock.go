// Package lock serialises work on a key across terminals. The Redis locker is
// used when REDIS_ADDR is configured; the local locker covers single-process
// deployments and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock is held elsewhere")

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Releaser, error)
}

// Releaser is a held lock. Refresh extends it to ttl from now and fails with
// ErrNotObtained once the lock has expired or been taken by someone else.
type Releaser interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Releaser, error) {
	lk, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisRelease{lock: lk}, nil
}

type redisRelease struct {
	lock *redislock.Lock
}

func (r redisRelease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := r.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotObtained
	}
	return err
}

func (r redisRelease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// LocalLocker is an in-process lock table. ttl is honoured so a crashed
// holder cannot block a key forever.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	token uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Releaser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, ErrNotObtained
	}
	l.token++
	l.held[key] = localEntry{token: l.token, expires: now.Add(ttl)}
	return localRelease{locker: l, key: key, token: l.token}, nil
}

type localRelease struct {
	locker *LocalLocker
	key    string
	token  uint64
}

func (r localRelease) Refresh(_ context.Context, ttl time.Duration) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	entry, ok := r.locker.held[r.key]
	now := r.locker.now()
	if !ok || entry.token != r.token || !now.Before(entry.expires) {
		return ErrNotObtained
	}
	entry.expires = now.Add(ttl)
	r.locker.held[r.key] = entry
	return nil
}

func (r localRelease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	if entry, ok := r.locker.held[r.key]; ok && entry.token == r.token {
		delete(r.locker.held, r.key)
	}
	return nil
}
