package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/xid"
)

func TestOrphanedSagaRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("DUKAAN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAAN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.EnsureSchema(ctx))

	cartID := xid.New("cart-it")
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM settlement_sagas WHERE cart_id = $1`, cartID)
	})

	created, err := s.CreateSaga(ctx, domain.SagaRecord{
		CartID:         cartID,
		ExchangeStatus: domain.StepPending,
		SaleStatus:     domain.StepPending,
		Intent: &domain.ExchangeIntent{
			ReduceFrom:     domain.USD,
			ExchangeAmount: decimal.RequireFromString("2.00"),
		},
		Sale: domain.SaleRequest{
			CartID: cartID,
			Lines:  []domain.SaleLine{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("5")}},
			Total:  decimal.RequireFromString("10"),
		},
	})
	require.NoError(t, err)

	_, err = s.CreateSaga(ctx, domain.SagaRecord{ID: created.ID, CartID: cartID})
	assert.ErrorIs(t, err, store.ErrConflict)

	created.ExchangeStatus = domain.StepCommitted
	created.ExchangeID = "ex-it"
	created.SaleStatus = domain.StepFailed
	created.Orphaned = true
	created.LastError = "sale service unavailable"
	_, err = s.UpdateSaga(ctx, *created)
	require.NoError(t, err)

	got, err := s.GetSaga(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Orphaned)
	assert.Equal(t, "ex-it", got.ExchangeID)
	require.NotNil(t, got.Intent)
	assert.True(t, got.Intent.ExchangeAmount.Equal(decimal.NewFromInt(2)))
	require.Len(t, got.Sale.Lines, 1)

	latest, err := s.LatestSagaForCart(ctx, cartID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, latest.ID)

	orphaned, err := s.ListOrphaned(ctx, 500)
	require.NoError(t, err)
	found := false
	for _, rec := range orphaned {
		if rec.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found)

	_, err = s.GetSaga(ctx, "saga-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
