package redisx

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"time"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Cache: string get/set, miss = ("", nil).
type Cache struct{ RDB redis.Cmdable }

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	s, err := c.RDB.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return s, err
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.RDB.Set(ctx, key, value, ttl).Err()
}

// unlockScript hapus key hanya kalau token masih milik kita.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a SETNX lock with a random token per holder.
type Locker struct{ RDB redis.Cmdable }

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, apperr.ErrBusy
	}
	return func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), l.RDB, []string{key}, token).Err()
	}, nil
}

// Dedup marks processed event ids under KeyDedup.
type Dedup struct{ RDB redis.Cmdable }

func (d *Dedup) Seen(ctx context.Context, service, eventID string) (bool, error) {
	return Exists(ctx, d.RDB, fmt.Sprintf(KeyDedup, service, eventID))
}

func (d *Dedup) Mark(ctx context.Context, service, eventID string) error {
	return d.RDB.Set(ctx, fmt.Sprintf(KeyDedup, service, eventID), "1", TTLDedup).Err()
}
