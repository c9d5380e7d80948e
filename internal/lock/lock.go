// Package lock provides a Redis-backed lease used to keep periodic jobs
// single-flight across service instances.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another holder owns the lease.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out leases.  Implementations must never let two holders
// own the same key at once while the lease is valid.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Redis implements Locker with SET NX PX and a token-checked release.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis locker.  Keys are stored as "<prefix>:<key>".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "lock"
	}
	return &Redis{client: client, prefix: prefix}
}

// Acquire takes the lease or returns ErrNotAcquired.  The returned release
// is safe to call once the lease has expired; it will not delete a lease
// taken over by someone else.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := r.prefix + ":" + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
	}, nil
}

// Noop always grants the lease.  It is used when Redis is unavailable;
// the guarded jobs stay correct without it, only less efficient.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
