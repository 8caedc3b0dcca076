package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"smallbiznis-referral/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sequence",
	fx.Provide(NewGenerator),
)

// Generator hands out strictly increasing values per counter name.
type Generator interface {
	Next(ctx context.Context, name string) (int64, error)
}

// CounterStore is a durable increment-and-read counter table.
type CounterStore interface {
	NextCounter(ctx context.Context, name string) (int64, error)
}

type Params struct {
	fx.In

	Config   *config.Config
	Redis    *redis.Client `optional:"true"`
	Counters CounterStore  `optional:"true"`
}

func NewGenerator(p Params) (Generator, error) {
	switch p.Config.Sequence.Backend {
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("sequence: redis backend selected but no redis client")
		}
		zap.L().Info("[Sequence] using redis counters")
		return NewRedisGenerator(p.Redis), nil
	case "", "db":
		if p.Counters == nil {
			return nil, fmt.Errorf("sequence: db backend selected but no counter store")
		}
		zap.L().Info("[Sequence] using ledger counters")
		return NewStoreGenerator(p.Counters), nil
	default:
		return nil, fmt.Errorf("sequence: unknown backend %q", p.Config.Sequence.Backend)
	}
}

type RedisGenerator struct {
	rdb *redis.Client
}

func NewRedisGenerator(rdb *redis.Client) *RedisGenerator {
	return &RedisGenerator{rdb: rdb}
}

func (g *RedisGenerator) Next(ctx context.Context, name string) (int64, error) {
	return g.rdb.Incr(ctx, Key(name)).Result()
}

// Key returns the redis key backing counter name.
func Key(name string) string {
	return "seq:" + name
}

type StoreGenerator struct {
	store CounterStore
}

func NewStoreGenerator(store CounterStore) *StoreGenerator {
	return &StoreGenerator{store: store}
}

func (g *StoreGenerator) Next(ctx context.Context, name string) (int64, error) {
	return g.store.NextCounter(ctx, name)
}

const codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandomCode returns n characters from an alphabet without look-alike glyphs.
func RandomCode(n int) (string, error) {
	return randomFrom(codeChars, n)
}

// RandomHex returns n lowercase hex characters.
func RandomHex(n int) (string, error) {
	return randomFrom("0123456789abcdef", n)
}

func randomFrom(chars string, n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
