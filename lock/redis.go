package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gims:lease:"

// releaseScript deletes the key only while it still holds our owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript moves the expiry only while the key still holds our owner token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker keeps leases in Redis with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker returns a Locker backed by client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: l.client, key: redisKeyPrefix + name, owner: owner}, nil
}

func (l *RedisLocker) Held(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, redisKeyPrefix+name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	once   sync.Once
}

func (lease *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lease.client, []string{lease.key}, lease.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lease %s: %w", lease.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (lease *redisLease) Release(ctx context.Context) error {
	var err error
	lease.once.Do(func() {
		err = releaseScript.Run(ctx, lease.client, []string{lease.key}, lease.owner).Err()
	})
	return err
}
