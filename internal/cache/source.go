package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dukaan/backend/internal/allocator"
	"dukaan/backend/internal/domain"
)

const lotFetchTimeout = 15 * time.Second

type LotFetcher interface {
	FetchLots(ctx context.Context, productID string) ([]domain.Lot, error)
}

// LotSource reads lots through the shared cache, fetching from the lot
// service on a miss. Concurrent misses for one product share a single fetch.
// Fetched lots are stored earliest expiry first so PickLot sees FEFO order.
type LotSource struct {
	cache   LotCache
	fetcher LotFetcher
	ttl     time.Duration
	logger  *zap.Logger
	group   singleflight.Group

	// mu orders cache writes against Invalidate; gens counts invalidations
	// per product.
	mu   sync.Mutex
	gens map[string]uint64
}

func NewLotSource(cacheStore LotCache, fetcher LotFetcher, ttl time.Duration, logger *zap.Logger) *LotSource {
	if cacheStore == nil {
		cacheStore = NoopLotCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LotSource{
		cache:   cacheStore,
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		gens:    make(map[string]uint64),
	}
}

// Lots returns the lots for productID. refresh bypasses the cache.
//
// The shared fetch runs detached from any single caller: a caller whose
// context ends gets its own ctx.Err() while the others keep waiting.
func (s *LotSource) Lots(ctx context.Context, productID string, refresh bool) ([]domain.Lot, error) {
	if !refresh {
		lots, ok, err := s.cache.Get(ctx, productID)
		if err != nil {
			s.logger.Warn("lot cache read failed", zap.String("product_id", productID), zap.Error(err))
		} else if ok {
			return lots, nil
		}
	}

	ch := s.group.DoChan(flightKey(productID, refresh), func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), productID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneLots(res.Val.([]domain.Lot)), nil
	}
}

func (s *LotSource) fetch(ctx context.Context, productID string) ([]domain.Lot, error) {
	gen := s.generation(productID)

	fetchCtx, cancel := context.WithTimeout(ctx, lotFetchTimeout)
	defer cancel()
	fetched, err := s.fetcher.FetchLots(fetchCtx, productID)
	if err != nil {
		return nil, err
	}
	ordered := allocator.SortByExpiry(fetched)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[productID] != gen {
		s.logger.Debug("lots invalidated during fetch; not caching", zap.String("product_id", productID))
		return ordered, nil
	}
	if err := s.cache.Set(ctx, productID, ordered, s.ttl); err != nil {
		s.logger.Warn("lot cache write failed", zap.String("product_id", productID), zap.Error(err))
	}
	return ordered, nil
}

// Invalidate drops the product's cached lots. A fetch already in flight will
// not write its result back, and the next lookup starts a new fetch.
func (s *LotSource) Invalidate(ctx context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[productID]++
	s.group.Forget(flightKey(productID, false))
	s.group.Forget(flightKey(productID, true))
	return s.cache.Invalidate(ctx, productID)
}

func (s *LotSource) generation(productID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[productID]
}

func flightKey(productID string, refresh bool) string {
	if refresh {
		return "refresh:" + productID
	}
	return productID
}
