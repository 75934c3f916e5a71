package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for detail loads. Invalidate bumps
// a per-market generation; Set stores a snapshot only while the generation it
// was read under is still current, so a read racing an invalidation cannot
// put the old row back.
type MarketCache interface {
	Generation(ctx context.Context, id string) (int64, error)
	Set(ctx context.Context, market Market, gen int64) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Both acquire calls return
// ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock that its owner keeps alive by extending it.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// SignalBus provides pub/sub between desk instances.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// SessionStore resolves an issued session token to a user id. It returns
// ErrNotFound for unknown or expired tokens.
type SessionStore interface {
	Lookup(ctx context.Context, token string) (userID string, err error)
	Save(ctx context.Context, token, userID string, ttl time.Duration) error
}
