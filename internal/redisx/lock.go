package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// only the holder of the token may delete the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a single-node Redis lease. The TTL bounds how long a crashed holder
// can block other instances.
type Locker struct{ rdb *redis.Client }

func NewLocker(rdb *redis.Client) *Locker { return &Locker{rdb: rdb} }

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := fmt.Sprintf(KeyLock, name)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}
	return unlock, true, nil
}
