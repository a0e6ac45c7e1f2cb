// Package transfer forwards stock transfer requests and, once the transfer
// service accepts one, drops the product's cached lots for every terminal.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
)

var ErrInvalidTransfer = errors.New("invalid transfer request")

type Poster interface {
	PostTransfer(ctx context.Context, req domain.TransferRequest) (string, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, productID string) error
}

type Coordinator struct {
	poster Poster
	lots   Invalidator
	logger *zap.Logger
}

func NewCoordinator(poster Poster, lots Invalidator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{poster: poster, lots: lots, logger: logger}
}

func (c *Coordinator) RequestTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BatchID = strings.TrimSpace(req.BatchID)
	req.FromStoreID = strings.TrimSpace(req.FromStoreID)
	req.ToStoreID = strings.TrimSpace(req.ToStoreID)

	switch {
	case req.ProductID == "" || req.BatchID == "":
		return "", fmt.Errorf("%w: product_id and batch_id are required", ErrInvalidTransfer)
	case req.FromStoreID == "" || req.ToStoreID == "":
		return "", fmt.Errorf("%w: from_store_id and to_store_id are required", ErrInvalidTransfer)
	case req.FromStoreID == req.ToStoreID:
		return "", fmt.Errorf("%w: source and destination store are the same", ErrInvalidTransfer)
	case req.Qty < 1:
		return "", fmt.Errorf("%w: qty must be at least 1", ErrInvalidTransfer)
	}

	id, err := c.poster.PostTransfer(ctx, req)
	if err != nil {
		return "", err
	}

	// The transfer already happened; a stale cache only costs a refresh.
	if c.lots != nil {
		if err := c.lots.Invalidate(ctx, req.ProductID); err != nil {
			c.logger.Warn("lot cache invalidation failed after transfer",
				zap.String("transfer_id", id),
				zap.String("product_id", req.ProductID),
				zap.Error(err),
			)
		}
	}
	c.logger.Info("stock transfer requested",
		zap.String("transfer_id", id),
		zap.String("product_id", req.ProductID),
		zap.String("batch_id", req.BatchID),
		zap.Int("qty", req.Qty),
	)
	return id, nil
}
