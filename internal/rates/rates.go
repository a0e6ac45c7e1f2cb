// Package rates keeps the current USD/SOS rate. A fetched rate is only
// accepted when both sell and buy are positive; otherwise the last good rate
// is served marked as stale.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
)

var (
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	errUnusableRate    = errors.New("rate has non-positive sell or buy")
)

type Fetcher interface {
	FetchRate(ctx context.Context) (domain.Rate, error)
}

type Keeper struct {
	fetcher Fetcher
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *domain.Rate
}

func NewKeeper(fetcher Fetcher, maxAge time.Duration, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		fetcher: fetcher,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// Current returns the cached rate while it is younger than maxAge and
// refreshes it otherwise.
func (k *Keeper) Current(ctx context.Context) (domain.Rate, error) {
	k.mu.Lock()
	if k.last != nil && k.maxAge > 0 && k.now().Sub(k.last.FetchedAt) < k.maxAge {
		rate := *k.last
		k.mu.Unlock()
		return rate, nil
	}
	k.mu.Unlock()
	return k.Refresh(ctx)
}

// Refresh always asks the fetcher. On failure the last good rate comes back
// with Stale set; with no last rate the result is ErrRateUnavailable.
func (k *Keeper) Refresh(ctx context.Context) (domain.Rate, error) {
	rate, err := k.fetcher.FetchRate(ctx)
	if err == nil && !rate.Usable() {
		err = errUnusableRate
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		if k.last == nil {
			k.logger.Error("rate fetch failed with no fallback", zap.Error(err))
			return domain.Rate{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
		}
		k.logger.Warn("rate fetch failed; using last known rate",
			zap.Error(err),
			zap.Time("fetched_at", k.last.FetchedAt),
		)
		stale := *k.last
		stale.Stale = true
		return stale, nil
	}

	if rate.FetchedAt.IsZero() {
		rate.FetchedAt = k.now().UTC()
	}
	rate.Stale = false
	k.last = &rate
	return rate, nil
}

// Last returns the most recent good rate without any I/O.
func (k *Keeper) Last() (domain.Rate, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.last == nil {
		return domain.Rate{}, false
	}
	return *k.last, true
}
