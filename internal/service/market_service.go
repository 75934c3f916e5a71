package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// MarketService is the read path the views use. Detail reads go through the
// Redis market cache; list reads always hit the store so a change event is
// followed by a fresh list.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	group   singleflight.Group
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		cache:   cache,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// List returns every market ordered by end date.
func (s *MarketService) List(ctx context.Context) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// GetByID returns a market, checking the cache first. Concurrent misses for
// the same id share one store read. The snapshot is written back under the
// cache generation taken before the read, so an invalidation that lands
// during the read wins.
func (s *MarketService) GetByID(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache get failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		gen, cacheable := s.generation(ctx, id)
		m, err := s.markets.GetByID(ctx, id)
		if err != nil {
			return domain.Market{}, err
		}
		if cacheable {
			if cacheErr := s.cache.Set(ctx, m, gen); cacheErr != nil {
				s.logger.WarnContext(ctx, "cache set failed",
					slog.String("market_id", id),
					slog.String("error", cacheErr.Error()),
				)
			}
		}
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}
	return v.(domain.Market), nil
}

// generation reads the cache generation of id. ok is false when there is no
// cache or the generation is unavailable; the read result is then not cached.
func (s *MarketService) generation(ctx context.Context, id string) (gen int64, ok bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "cache generation failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return gen, true
}

// Invalidate drops the cached snapshot of a changed market.
func (s *MarketService) Invalidate(ctx context.Context, id string) error {
	if s.cache == nil || id == "" {
		return nil
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		return fmt.Errorf("market_service: invalidate %q: %w", id, err)
	}
	return nil
}
