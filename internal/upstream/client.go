// Package upstream talks to the shop's back-office services: lots, rates,
// accounts, exchanges, sales and stock transfers. Every failure is reported as
// either ErrServiceUnavailable (network or 5xx) or ErrRejected (4xx), since the
// operator's remedy differs.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"dukaan/backend/internal/domain"
)

var (
	ErrServiceUnavailable = errors.New("upstream service unavailable")
	ErrRejected           = errors.New("upstream rejected request")
)

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient, logger: logger}
}

func (c *Client) Close() error {
	return c.http.Close()
}

type wireLot struct {
	BatchID     string `json:"batch_id"`
	StoreID     string `json:"store_id"`
	StoreName   string `json:"store_name"`
	BatchNumber string `json:"batch_number"`
	ExpiryDate  string `json:"expiry_date"`
	OnHand      int    `json:"on_hand"`
}

func (c *Client) FetchLots(ctx context.Context, productID string) ([]domain.Lot, error) {
	var payload []wireLot
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("product_id", productID).
		SetResult(&payload).
		Get("/lots")
	if err := c.check("fetch lots", res, err); err != nil {
		return nil, err
	}

	lots := make([]domain.Lot, 0, len(payload))
	for _, item := range payload {
		lots = append(lots, domain.Lot{
			BatchID:     item.BatchID,
			StoreID:     item.StoreID,
			StoreName:   item.StoreName,
			BatchNumber: item.BatchNumber,
			ExpiryDate:  parseExpiry(item.ExpiryDate),
			OnHand:      item.OnHand,
		})
	}
	return lots, nil
}

// parseExpiry accepts a bare date or an RFC 3339 timestamp. Anything else is
// treated as no expiry.
func parseExpiry(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			parsed = parsed.UTC()
			return &parsed
		}
	}
	return nil
}

func (c *Client) FetchRate(ctx context.Context) (domain.Rate, error) {
	var rate domain.Rate
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&rate).
		Get("/rates/current")
	if err := c.check("fetch rate", res, err); err != nil {
		return domain.Rate{}, err
	}
	rate.FetchedAt = time.Now().UTC()
	return rate, nil
}

func (c *Client) FetchCashAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account_type", domain.AccountTypeCashOnHand).
		SetResult(&accounts).
		Get("/accounts")
	if err := c.check("fetch accounts", res, err); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *Client) PostExchange(ctx context.Context, req domain.ExchangeRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	res, err := c.request(ctx, req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		Post("/exchanges")
	if err := c.check("post exchange", res, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("post exchange: %w: response has no id", ErrServiceUnavailable)
	}
	return out.ID, nil
}

func (c *Client) PostSale(ctx context.Context, req domain.SaleRequest) (string, error) {
	var out struct {
		SaleID string `json:"sale_id"`
	}
	res, err := c.request(ctx, req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		Post("/sales")
	if err := c.check("post sale", res, err); err != nil {
		return "", err
	}
	if out.SaleID == "" {
		return "", fmt.Errorf("post sale: %w: response has no sale_id", ErrServiceUnavailable)
	}
	return out.SaleID, nil
}

func (c *Client) PostTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	var out domain.TransferResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/transfers")
	if err := c.check("post transfer", res, err); err != nil {
		return "", err
	}
	if out.TransferID == "" {
		return "", fmt.Errorf("post transfer: %w: response has no transfer_id", ErrServiceUnavailable)
	}
	return out.TransferID, nil
}

// request carries key as Idempotency-Key so the back office can recognise a
// repost of a write whose first response was lost.
func (c *Client) request(ctx context.Context, key string) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if key != "" {
		req.SetHeader("Idempotency-Key", key)
	}
	return req
}

func (c *Client) check(op string, res *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("upstream call failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w: %w", op, ErrServiceUnavailable, err)
	}
	if !res.IsError() {
		return nil
	}

	status := res.StatusCode()
	body := strings.TrimSpace(res.String())
	c.logger.Warn("upstream returned error status",
		zap.String("op", op),
		zap.Int("status", status),
		zap.String("body", body),
	)
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: status %d", op, ErrServiceUnavailable, status)
	}
	if body == "" {
		body = http.StatusText(status)
	}
	return fmt.Errorf("%s: %w: %s", op, ErrRejected, body)
}
