package service

import (
	"context"
	"time"
)

// Cache is the shared key/value side of Redis used for memoization and
// progress fan out. A nil Cache disables both.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	HGet(ctx context.Context, key, field string) (string, error)
	HSetTTL(ctx context.Context, key, field, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// Locker hands out cross-process locks with owner tokens.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}
