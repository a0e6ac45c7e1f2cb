package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dukaan/backend/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, 2*time.Second, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestFetchLotsParsesDatesAndQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lots", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("product_id"))
		writeJSON(w, http.StatusOK, `[
			{"batch_id":"b1","store_id":"s1","store_name":"Main","batch_number":"N1","expiry_date":"2026-03-01","on_hand":4},
			{"batch_id":"b2","store_id":"s1","expiry_date":"","on_hand":0}
		]`)
	})

	lots, err := c.FetchLots(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.NotNil(t, lots[0].ExpiryDate)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *lots[0].ExpiryDate)
	assert.Equal(t, 4, lots[0].OnHand)
	assert.Nil(t, lots[1].ExpiryDate)
}

func TestFetchRateAcceptsStringsAndNumbers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"accounting":"26500","sell":27000,"buy":"26000.5"}`)
	})

	rate, err := c.FetchRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Sell.Equal(decimal.NewFromInt(27000)))
	assert.True(t, rate.Buy.Equal(decimal.RequireFromString("26000.5")))
	assert.False(t, rate.FetchedAt.IsZero())
}

func TestPostExchangeSendsPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "saga-1", r.Header.Get("Idempotency-Key"))
		var req domain.ExchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.USD, req.FromCurrency)
		assert.True(t, req.Amount.Equal(decimal.NewFromInt(2)))
		writeJSON(w, http.StatusCreated, `{"id":"ex-1"}`)
	})

	id, err := c.PostExchange(context.Background(), domain.ExchangeRequest{
		FromCurrency:   domain.USD,
		Amount:         decimal.NewFromInt(2),
		IdempotencyKey: "saga-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", id)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "business rejection", status: http.StatusConflict, want: ErrRejected},
		{name: "validation", status: http.StatusUnprocessableEntity, want: ErrRejected},
		{name: "server error", status: http.StatusBadGateway, want: ErrServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, `{"error":"insufficient stock"}`)
			})
			_, err := c.PostTransfer(context.Background(), domain.TransferRequest{ProductID: "p1", Qty: 1})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnreachableServiceIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, time.Second, zaptest.NewLogger(t))
	defer c.Close()

	_, err := c.PostSale(context.Background(), domain.SaleRequest{CartID: "cart-1"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestMissingIDIsTreatedAsFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	_, err := c.PostSale(context.Background(), domain.SaleRequest{CartID: "cart-1"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}
