package settlement

import (
	"context"
	"time"

	"smallbiznis-referral/pkg/sequence"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker guards a settlement job key across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := sequence.RandomHex(16)
	if err != nil {
		return nil, false, err
	}

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		if err := releaseScript.Run(context.WithoutCancel(ctx), l.rdb, []string{key}, token).Err(); err != nil {
			zap.L().Warn("[Settlement] failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}
