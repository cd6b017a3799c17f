// Package lease provides mutual exclusion across reaper instances.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns (nil, false, nil) when another
// holder has the lock and a non-nil error only when the locker itself is
// unusable.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error)
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX so a crashed holder frees the lock after ttl.
type RedisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: l.rdb, key: name, token: token}, true, nil
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// FileLocker serializes reapers on one host, for SQLite deployments. The
// lock lives as long as the process holds it, so ttl is ignored.
type FileLocker struct {
	path string
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) Acquire(ctx context.Context, name string, _ time.Duration) (Lease, bool, error) {
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire file lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &fileLease{fl: fl}, true, nil
}

type fileLease struct {
	fl *flock.Flock
}

func (l *fileLease) Release(context.Context) error {
	return l.fl.Unlock()
}
