package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/cart"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/exchange"
	"dukaan/backend/internal/lock"
	"dukaan/backend/internal/money"
	"dukaan/backend/internal/settlement"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/upstream"
)

type SubmitRequest struct {
	Tender             domain.TenderState
	Option             string
	OperatorOverride   bool
	OverrideAllocation bool
}

type SubmitResult struct {
	SagaID     string                 `json:"saga_id"`
	SaleID     string                 `json:"sale_id,omitempty"`
	ExchangeID string                 `json:"exchange_id,omitempty"`
	Settlement settlement.Settlement  `json:"settlement"`
	Intent     *domain.ExchangeIntent `json:"exchange,omitempty"`
}

// Submit posts the cart as a sale. When the customer overpaid, the change
// exchange is posted first and the sale carries its id and the reduced
// tender. A sale failure after a committed exchange leaves the saga orphaned
// and returns ErrOrphanedExchange; the exchange is never posted twice. An
// exchange whose outcome is unknown (timeout, 5xx) blocks the cart with
// ErrExchangeUnconfirmed until ResolveExchange records what happened.
func (s *Service) Submit(ctx context.Context, cartID string, req SubmitRequest) (SubmitResult, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return SubmitResult{}, err
	}

	release, err := s.obtain(ctx, cartID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	switch c.Status() {
	case cart.StatusEmpty:
		return SubmitResult{}, cart.ErrCartEmpty
	case cart.StatusSubmitted, cart.StatusDiscarded:
		return SubmitResult{}, cart.ErrCartClosed
	}

	if prev, err := s.sagas.LatestSagaForCart(ctx, cartID); err == nil {
		if err := blockedBy(prev); err != nil {
			return SubmitResult{SagaID: prev.ID}, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return SubmitResult{}, err
	}

	if gaps := c.AllocationGaps(); len(gaps) > 0 && !req.OverrideAllocation {
		return SubmitResult{}, fmt.Errorf("%w: %d line(s)", ErrAllocationGap, len(gaps))
	}

	rate, err := s.rates.Current(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	result := settlement.Reconcile(c.Subtotal(), req.Tender, rate)
	if result.Status == settlement.StatusUnderpaid {
		return SubmitResult{Settlement: result}, fmt.Errorf("%w: %s USD remaining", ErrUnderpaid, result.RemainingUSD.StringFixed(2))
	}

	var intent *domain.ExchangeIntent
	if result.NeedsExchange() {
		resolved, err := s.resolveIntent(ctx, result, rate, req)
		if err != nil {
			return SubmitResult{Settlement: result}, err
		}
		intent = &resolved
	}

	sale := buildSale(c, result)
	rec := domain.SagaRecord{
		CartID:         cartID,
		ExchangeStatus: domain.StepSkipped,
		SaleStatus:     domain.StepPending,
		Intent:         intent,
		Sale:           sale,
	}
	if intent != nil {
		rec.ExchangeStatus = domain.StepPending
	}
	saved, err := s.sagas.CreateSaga(ctx, rec)
	if err != nil {
		return SubmitResult{Settlement: result}, err
	}
	rec = *saved
	out := SubmitResult{SagaID: rec.ID, Settlement: result, Intent: intent}

	if intent != nil {
		exReq := exchange.ToRequest(*intent, sale.CustomerID)
		exReq.IdempotencyKey = rec.ID + "/exchange"
		exchangeID, err := s.upstream.PostExchange(ctx, exReq)
		if err != nil {
			rec.LastError = err.Error()
			if errors.Is(err, upstream.ErrRejected) {
				rec.ExchangeStatus = domain.StepFailed
				rec.SaleStatus = domain.StepSkipped
				s.saveSaga(ctx, rec)
				return out, err
			}
			rec.ExchangeStatus = domain.StepUnknown
			rec.Orphaned = true
			s.saveSaga(ctx, rec)
			s.logger.Error("exchange outcome unknown",
				zap.String("saga_id", rec.ID),
				zap.String("cart_id", cartID),
				zap.String("actor", actorName(ctx)),
				zap.Error(err),
			)
			return out, fmt.Errorf("%w: saga %s: %w", ErrExchangeUnconfirmed, rec.ID, err)
		}
		rec.ExchangeStatus = domain.StepCommitted
		rec.ExchangeID = exchangeID
		rec.Sale.Tenders = intent.AdjustedTender
		rec.Sale.ExchangeID = exchangeID
		s.saveSaga(ctx, rec)
		out.ExchangeID = exchangeID
	}

	saleID, err := s.postSale(ctx, &rec)
	if err != nil {
		if rec.Orphaned {
			s.logger.Error("sale not recorded; saga needs operator retry",
				zap.String("saga_id", rec.ID),
				zap.String("cart_id", cartID),
				zap.String("exchange_id", rec.ExchangeID),
				zap.String("actor", actorName(ctx)),
				zap.Error(err),
			)
		}
		return out, err
	}
	out.SaleID = saleID

	s.finishCart(c)
	s.logger.Info("sale submitted",
		zap.String("saga_id", rec.ID),
		zap.String("cart_id", cartID),
		zap.String("sale_id", saleID),
		zap.String("exchange_id", rec.ExchangeID),
		zap.String("actor", actorName(ctx)),
	)
	return out, nil
}

// blockedBy reports why the cart's previous saga forbids a new submission.
func blockedBy(prev *domain.SagaRecord) error {
	switch {
	case prev.ExchangeStatus == domain.StepUnknown:
		return fmt.Errorf("%w: saga %s", ErrExchangeUnconfirmed, prev.ID)
	case prev.Orphaned && prev.ExchangeStatus == domain.StepCommitted:
		return fmt.Errorf("%w: retry saga %s", ErrOrphanedExchange, prev.ID)
	case prev.Orphaned:
		return fmt.Errorf("%w: retry saga %s", ErrSaleUnconfirmed, prev.ID)
	case prev.ExchangeStatus == domain.StepPending || prev.SaleStatus == domain.StepPending:
		return fmt.Errorf("%w: saga %s", ErrSubmissionInProgress, prev.ID)
	}
	return nil
}

// postSale posts rec's sale under the saga's idempotency key and records the
// outcome on rec. A rejected sale with no committed exchange is a plain
// failure; anything else leaves the saga orphaned for RetrySale.
func (s *Service) postSale(ctx context.Context, rec *domain.SagaRecord) (string, error) {
	sale := rec.Sale
	sale.IdempotencyKey = rec.ID + "/sale"
	saleID, err := s.upstream.PostSale(ctx, sale)
	if err != nil {
		rec.LastError = err.Error()
		rec.SaleStatus = domain.StepUnknown
		if errors.Is(err, upstream.ErrRejected) {
			rec.SaleStatus = domain.StepFailed
		}
		if rec.ExchangeStatus != domain.StepCommitted && rec.SaleStatus == domain.StepFailed {
			rec.Orphaned = false
			s.saveSaga(ctx, *rec)
			return "", err
		}
		rec.Orphaned = true
		s.saveSaga(ctx, *rec)
		if rec.ExchangeStatus == domain.StepCommitted {
			return "", fmt.Errorf("%w: saga %s: %w", ErrOrphanedExchange, rec.ID, err)
		}
		return "", fmt.Errorf("%w: saga %s: %w", ErrSaleUnconfirmed, rec.ID, err)
	}

	rec.SaleStatus = domain.StepCommitted
	rec.SaleID = saleID
	rec.Orphaned = false
	rec.LastError = ""
	s.saveSaga(ctx, *rec)
	return saleID, nil
}

func (s *Service) resolveIntent(ctx context.Context, result settlement.Settlement, rate domain.Rate, req SubmitRequest) (domain.ExchangeIntent, error) {
	if strings.TrimSpace(req.Option) == "" {
		if result.Ambiguous() && !req.OperatorOverride {
			return domain.ExchangeIntent{}, exchange.ErrAmbiguousTender
		}
		return domain.ExchangeIntent{}, ErrChangeOptionRequired
	}
	option, err := exchange.ParseOption(req.Option)
	if err != nil {
		return domain.ExchangeIntent{}, err
	}
	accounts, err := s.upstream.FetchCashAccounts(ctx)
	if err != nil {
		return domain.ExchangeIntent{}, err
	}
	return exchange.Resolve(result, rate, accounts, exchange.Choice{
		Option:           option,
		OperatorOverride: req.OperatorOverride,
	})
}

// RetrySale re-posts only the sale of an orphaned saga, reusing the exchange
// that already committed and the sale's idempotency key.
func (s *Service) RetrySale(ctx context.Context, sagaID string) (SubmitResult, error) {
	rec, release, err := s.lockSaga(ctx, sagaID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	retryable := rec.ExchangeStatus == domain.StepCommitted || rec.ExchangeStatus == domain.StepSkipped
	if !rec.Orphaned || !retryable {
		return SubmitResult{SagaID: rec.ID}, ErrNotOrphaned
	}
	return s.completeSale(ctx, rec, "orphaned saga reconciled")
}

// ResolveExchange records the operator's finding for an exchange whose
// outcome was unknown. A non-empty exchangeID means the back office did apply
// it: the sale is then posted against it. An empty exchangeID means nothing
// was applied and the cart may be submitted again.
func (s *Service) ResolveExchange(ctx context.Context, sagaID string, exchangeID string) (SubmitResult, error) {
	rec, release, err := s.lockSaga(ctx, sagaID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	if rec.ExchangeStatus != domain.StepUnknown || rec.Intent == nil {
		return SubmitResult{SagaID: rec.ID}, ErrNotOrphaned
	}

	exchangeID = strings.TrimSpace(exchangeID)
	if exchangeID == "" {
		rec.ExchangeStatus = domain.StepFailed
		rec.SaleStatus = domain.StepSkipped
		rec.Orphaned = false
		rec.LastError = "exchange confirmed not applied by " + actorName(ctx)
		s.saveSaga(ctx, *rec)
		s.logger.Info("unconfirmed exchange marked not applied",
			zap.String("saga_id", rec.ID),
			zap.String("actor", actorName(ctx)),
		)
		return SubmitResult{SagaID: rec.ID, Intent: rec.Intent}, nil
	}

	rec.ExchangeStatus = domain.StepCommitted
	rec.ExchangeID = exchangeID
	rec.Sale.Tenders = rec.Intent.AdjustedTender
	rec.Sale.ExchangeID = exchangeID
	s.saveSaga(ctx, *rec)
	return s.completeSale(ctx, rec, "unconfirmed exchange reconciled")
}

// lockSaga takes the submit lock of the saga's cart and returns the saga as
// read under that lock.
func (s *Service) lockSaga(ctx context.Context, sagaID string) (*domain.SagaRecord, func(), error) {
	rec, err := s.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	release, err := s.obtain(ctx, rec.CartID)
	if err != nil {
		return nil, nil, err
	}
	rec, err = s.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return rec, release, nil
}

func (s *Service) completeSale(ctx context.Context, rec *domain.SagaRecord, msg string) (SubmitResult, error) {
	out := SubmitResult{SagaID: rec.ID, ExchangeID: rec.ExchangeID, Intent: rec.Intent}
	saleID, err := s.postSale(ctx, rec)
	if err != nil {
		return out, err
	}
	out.SaleID = saleID

	if c, err := s.carts.Get(rec.CartID); err == nil {
		s.finishCart(c)
	}
	s.logger.Info(msg,
		zap.String("saga_id", rec.ID),
		zap.String("sale_id", saleID),
		zap.String("exchange_id", rec.ExchangeID),
		zap.String("actor", actorName(ctx)),
	)
	return out, nil
}

func (s *Service) ListOrphaned(ctx context.Context, limit int) ([]domain.SagaRecord, error) {
	return s.sagas.ListOrphaned(ctx, limit)
}

func (s *Service) obtain(ctx context.Context, cartID string) (func(), error) {
	held, err := s.locker.Obtain(ctx, "submit:"+cartID, s.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, ErrSubmissionInProgress
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.keepLock(context.WithoutCancel(ctx), held, cartID, stop, done)

	return func() {
		close(stop)
		<-done
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("submit lock release failed", zap.String("cart_id", cartID), zap.Error(err))
		}
	}, nil
}

// keepLock extends the submit lock every third of its ttl until stop is
// closed.
func (s *Service) keepLock(ctx context.Context, held lock.Releaser, cartID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := s.lockTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := held.Refresh(ctx, s.lockTTL); err != nil {
				s.logger.Error("submit lock lost while submitting", zap.String("cart_id", cartID), zap.Error(err))
				return
			}
		}
	}
}

// saveSaga persists a saga transition. A write failure is logged rather than
// returned because the remote step it records has already happened.
func (s *Service) saveSaga(ctx context.Context, rec domain.SagaRecord) {
	if _, err := s.sagas.UpdateSaga(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("saga update failed",
			zap.String("saga_id", rec.ID),
			zap.String("exchange_status", rec.ExchangeStatus),
			zap.String("sale_status", rec.SaleStatus),
			zap.Error(err),
		)
	}
}

func (s *Service) finishCart(c *cart.Cart) {
	if err := c.MarkSubmitted(); err != nil && !errors.Is(err, cart.ErrCartClosed) {
		s.logger.Warn("mark cart submitted failed", zap.String("cart_id", c.ID()), zap.Error(err))
	}
	if err := s.carts.Close(c.ID()); err != nil && !errors.Is(err, cart.ErrCartNotFound) {
		s.logger.Warn("close submitted cart failed", zap.String("cart_id", c.ID()), zap.Error(err))
	}
}

func buildSale(c *cart.Cart, result settlement.Settlement) domain.SaleRequest {
	lines := c.Lines()
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		sl := domain.SaleLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		if line.Lot != nil {
			sl.BatchID = line.Lot.BatchID
			sl.StoreID = line.Lot.StoreID
		}
		saleLines = append(saleLines, sl)
	}
	return domain.SaleRequest{
		CartID:     c.ID(),
		StoreID:    c.StoreID(),
		CustomerID: c.CustomerID(),
		Lines:      saleLines,
		Total:      result.TotalUSD,
		Tenders:    result.Tender,
	}
}

// ParseTender reads lenient operator input for both currencies. Unparseable
// or negative amounts count as zero.
func ParseTender(usd string, sos string) domain.TenderState {
	usdAmount, _ := money.ParseAmount(usd)
	sosAmount, _ := money.ParseAmount(sos)
	return settlement.NewTender(usdAmount, money.RoundSOS(sosAmount))
}
