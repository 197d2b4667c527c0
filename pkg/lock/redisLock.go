package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrAlreadyLocked = errors.New("lock is held by another owner")
	ErrTokenMismatch = errors.New("lock token mismatch")
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Guard identifies an acquired lock.
type Guard struct {
	Key   string
	Token string
}

// Locker elects a single owner for a key across service instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error)
	Release(ctx context.Context, guard *Guard) error
}

// RedisLock is a Locker backed by SET NX PX with a scripted release.
type RedisLock struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLock(client redis.Cmdable, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "go-saga:lock"
	}
	return &RedisLock{client: client, prefix: prefix}
}

// NewRedisLockFromURL parses a redis:// URL and returns the lock and the
// underlying client, which the caller closes.
func NewRedisLockFromURL(url, prefix string) (*RedisLock, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisLock(client, prefix), client, nil
}

func (l *RedisLock) key(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}
	return &Guard{Key: key, Token: token}, nil
}

func (l *RedisLock) Release(ctx context.Context, guard *Guard) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key(guard.Key)}, guard.Token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", guard.Key, err)
	}
	if n == 0 {
		return ErrTokenMismatch
	}
	return nil
}

// Run calls fn while holding key. It reports false without calling fn when
// another owner holds the lock. A nil locker always runs fn.
func Run(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if l == nil {
		return true, fn(ctx)
	}
	guard, err := l.Acquire(ctx, key, ttl)
	if errors.Is(err, ErrAlreadyLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	runErr := fn(ctx)
	relErr := l.Release(context.WithoutCancel(ctx), guard)
	if runErr != nil {
		return true, runErr
	}
	if relErr != nil && !errors.Is(relErr, ErrTokenMismatch) {
		return true, relErr
	}
	return true, nil
}
