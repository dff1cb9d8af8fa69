package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker elects which node runs a maintenance sweep when several servers
// share one database.
type Locker interface {
	// Acquire takes the named lock for ttl. It does not block; false
	// means another owner holds it.
	Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	// Release drops the lock if ownerID still holds it.
	Release(ctx context.Context, key, ownerID string) error
}

// NoopLocker always wins. Single-node deployments use it.
type NoopLocker struct{}

func (NoopLocker) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NoopLocker) Release(ctx context.Context, key, ownerID string) error { return nil }

// RedisLocker implements Locker with SET NX and an owner-checked delete.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// releaseScript deletes the lock only while ownerID still holds it, so a
// slow node cannot drop a lock that already expired and moved on.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Release(ctx context.Context, key, ownerID string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, ownerID).Err()
}
