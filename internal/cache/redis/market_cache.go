package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// MarketCache implements domain.MarketCache with one JSON string per market.
// Entries expire after ttl unless a change event invalidates them first.
//
// Key schema:
//
//	market:{id}     - JSON-serialized domain.Market
//	market:gen:{id} - invalidation counter, bumped by Invalidate
type MarketCache struct {
	rdb   *redis.Client
	ttl   time.Duration
	setSc *redis.Script
}

//go:embed scripts/set_if_generation.lua
var setIfGenerationLua string

// generationTTL keeps an idle counter around far longer than any store read.
const generationTTL = 24 * time.Hour

// NewMarketCache creates a MarketCache backed by the given Client. A
// non-positive ttl falls back to five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{
		rdb:   c.Underlying(),
		ttl:   ttl,
		setSc: redis.NewScript(setIfGenerationLua),
	}
}

func marketKey(id string) string { return "market:" + id }

func generationKey(id string) string { return "market:gen:" + id }

// Generation returns the invalidation counter for id, 0 if it was never
// invalidated.
func (mc *MarketCache) Generation(ctx context.Context, id string) (int64, error) {
	gen, err := mc.rdb.Get(ctx, generationKey(id)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: get generation %s: %w", id, err)
	}
	return gen, nil
}

// Set stores a Market snapshot read under gen. It is a no-op when id has been
// invalidated since.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market, gen int64) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	keys := []string{marketKey(market.ID), generationKey(market.ID)}
	args := []any{strconv.FormatInt(gen, 10), data, mc.ttl.Milliseconds()}
	if err := mc.setSc.Run(ctx, mc.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get retrieves a Market by its ID from the cache.
// It returns domain.ErrNotFound when the key does not exist.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// Invalidate bumps the generation of id and drops its cached snapshot.
// Missing keys are not an error.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	_, err := mc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(id))
		pipe.Expire(ctx, generationKey(id), generationTTL)
		pipe.Del(ctx, marketKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
