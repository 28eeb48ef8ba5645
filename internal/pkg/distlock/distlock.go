// Package distlock serializes dispatch work across worker processes.
// Redis is the primary backend; when no Redis client is supplied the
// lock degrades to a Postgres advisory lock on the same key.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a single-holder lock. An instance belongs to one
// goroutine for the duration of one critical section.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is available, else a
// Postgres advisory lock. The ttl only applies to the Redis backend;
// advisory locks release with the session.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return newAdvisoryLock(db, key)
}

// RedisLock holds a key via SET NX with a fencing token so a release
// after TTL expiry cannot drop a lock some other worker now owns.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock for the key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	buf := make([]byte, 16)
	rand.Read(buf)
	return &RedisLock{
		client: client,
		key:    "dispatch:lock:" + key,
		token:  hex.EncodeToString(buf),
		ttl:    ttl,
	}
}

// Acquire reports whether this instance now holds the key.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release deletes the key only while this instance's token is on it.
func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// advisoryLock maps the key to a pg_try_advisory_lock id. Session
// scoped: a dropped connection releases it, which stands in for the
// TTL crash-safety of the Redis backend.
type advisoryLock struct {
	db *sql.DB
	id int64
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	var held bool
	err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.id).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: %w", l.id, err)
	}
	return held, nil
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	return err
}
