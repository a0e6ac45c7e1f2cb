package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dukaan/backend/internal/domain"
)

type fakeFetcher struct {
	rates []domain.Rate
	errs  []error
	calls int
}

func (f *fakeFetcher) FetchRate(context.Context) (domain.Rate, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.Rate{}, f.errs[i]
	}
	if i < len(f.rates) {
		return f.rates[i], nil
	}
	return domain.Rate{}, errors.New("no more rates")
}

func rate(sell int64, buy int64) domain.Rate {
	return domain.Rate{
		Accounting: decimal.NewFromInt(sell),
		Sell:       decimal.NewFromInt(sell),
		Buy:        decimal.NewFromInt(buy),
	}
}

func TestCurrentCachesWithinMaxAge(t *testing.T) {
	fetcher := &fakeFetcher{rates: []domain.Rate{rate(27000, 26000), rate(28000, 27000)}}
	keeper := NewKeeper(fetcher, time.Minute, zaptest.NewLogger(t))
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	keeper.now = func() time.Time { return now }

	got, err := keeper.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Sell.Equal(decimal.NewFromInt(27000)))

	_, err = keeper.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	now = now.Add(2 * time.Minute)
	got, err = keeper.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
	assert.True(t, got.Sell.Equal(decimal.NewFromInt(28000)))
}

func TestRefreshFallsBackToLastKnownRate(t *testing.T) {
	fetcher := &fakeFetcher{
		rates: []domain.Rate{rate(27000, 26000), rate(0, 26000)},
		errs:  []error{nil, nil, errors.New("timeout")},
	}
	keeper := NewKeeper(fetcher, 0, zaptest.NewLogger(t))

	first, err := keeper.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Stale)

	second, err := keeper.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Stale)
	assert.True(t, second.Sell.Equal(decimal.NewFromInt(27000)))

	third, err := keeper.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, third.Stale)

	last, ok := keeper.Last()
	require.True(t, ok)
	assert.False(t, last.Stale)
}

func TestRefreshWithoutHistoryIsUnavailable(t *testing.T) {
	keeper := NewKeeper(&fakeFetcher{rates: []domain.Rate{rate(27000, -1)}}, time.Minute, zaptest.NewLogger(t))

	_, err := keeper.Current(context.Background())
	assert.ErrorIs(t, err, ErrRateUnavailable)

	_, ok := keeper.Last()
	assert.False(t, ok)
}
