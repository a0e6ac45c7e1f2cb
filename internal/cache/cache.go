package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"dukaan/backend/internal/domain"
)

// LotCache is keyed by product id and shared by every open cart. Invalidate
// must reach all terminals that read through the same backend.
type LotCache interface {
	Get(ctx context.Context, productID string) ([]domain.Lot, bool, error)
	Set(ctx context.Context, productID string, lots []domain.Lot, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

type NoopLotCache struct{}

func (NoopLotCache) Get(_ context.Context, _ string) ([]domain.Lot, bool, error) {
	return nil, false, nil
}

func (NoopLotCache) Set(_ context.Context, _ string, _ []domain.Lot, _ time.Duration) error {
	return nil
}

func (NoopLotCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	lots      []domain.Lot
	expiresAt time.Time
}

// MemoryLotCache is the single-process cache used when no Redis is
// configured. It holds at most size products and never keeps an entry past
// maxTTL, whatever ttl Set was given.
type MemoryLotCache struct {
	entries *expirable.LRU[string, memoryEntry]
	now     func() time.Time
}

func NewMemoryLotCache(size int, maxTTL time.Duration) *MemoryLotCache {
	if size < 1 {
		size = 1024
	}
	return &MemoryLotCache{
		entries: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:     time.Now,
	}
}

// Get treats an entry past its own ttl as a miss. Eviction is left to the
// LRU so a concurrent Set is never deleted by a reader.
func (c *MemoryLotCache) Get(_ context.Context, productID string) ([]domain.Lot, bool, error) {
	entry, ok := c.entries.Get(productID)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return cloneLots(entry.lots), true, nil
}

func (c *MemoryLotCache) Set(_ context.Context, productID string, lots []domain.Lot, ttl time.Duration) error {
	entry := memoryEntry{lots: cloneLots(lots)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(productID, entry)
	return nil
}

func (c *MemoryLotCache) Invalidate(_ context.Context, productID string) error {
	c.entries.Remove(productID)
	return nil
}

func cloneLots(lots []domain.Lot) []domain.Lot {
	if lots == nil {
		return nil
	}
	out := make([]domain.Lot, len(lots))
	copy(out, lots)
	return out
}
