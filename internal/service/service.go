package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/cart"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/exchange"
	"dukaan/backend/internal/lock"
	"dukaan/backend/internal/settlement"
	"dukaan/backend/internal/store"
)

var (
	ErrUnderpaid            = errors.New("tender does not cover the total")
	ErrAllocationGap        = errors.New("cart has lines without a usable lot")
	ErrChangeOptionRequired = errors.New("overpaid; choose how change is returned")
	ErrOrphanedExchange     = errors.New("exchange posted but sale was not recorded")
	ErrExchangeUnconfirmed  = errors.New("exchange outcome unknown; reconcile before resubmitting")
	ErrSaleUnconfirmed      = errors.New("sale outcome unknown; retry the saga")
	ErrSubmissionInProgress = errors.New("cart is already being submitted")
	ErrNotOrphaned          = errors.New("saga has no orphaned exchange")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrLotNotFound          = errors.New("lot not found for product")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type LotSource interface {
	Lots(ctx context.Context, productID string, refresh bool) ([]domain.Lot, error)
	Invalidate(ctx context.Context, productID string) error
}

type RateSource interface {
	Current(ctx context.Context) (domain.Rate, error)
}

// Upstream is the part of the back office the submission flow posts to.
type Upstream interface {
	FetchCashAccounts(ctx context.Context) ([]domain.Account, error)
	PostExchange(ctx context.Context, req domain.ExchangeRequest) (string, error)
	PostSale(ctx context.Context, req domain.SaleRequest) (string, error)
}

type Transferer interface {
	RequestTransfer(ctx context.Context, req domain.TransferRequest) (string, error)
}

type Service struct {
	carts          *cart.Registry
	lots           LotSource
	rates          RateSource
	upstream       Upstream
	transfers      Transferer
	sagas          store.SagaStore
	locker         lock.Locker
	logger         *zap.Logger
	defaultStoreID string
	lockTTL        time.Duration
}

type Deps struct {
	Carts          *cart.Registry
	Lots           LotSource
	Rates          RateSource
	Upstream       Upstream
	Transfers      Transferer
	Sagas          store.SagaStore
	Locker         lock.Locker
	Logger         *zap.Logger
	DefaultStoreID string
	// LockTTL bounds how long a crashed submission can block its cart. The
	// lock is refreshed while a submission runs.
	LockTTL        time.Duration
}

func New(deps Deps) *Service {
	if deps.DefaultStoreID == "" {
		deps.DefaultStoreID = "main-store"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 30 * time.Second
	}
	return &Service{
		carts:          deps.Carts,
		lots:           deps.Lots,
		rates:          deps.Rates,
		upstream:       deps.Upstream,
		transfers:      deps.Transfers,
		sagas:          deps.Sagas,
		locker:         deps.Locker,
		logger:         deps.Logger,
		defaultStoreID: deps.DefaultStoreID,
		lockTTL:        deps.LockTTL,
	}
}

type CartList struct {
	ActiveID string      `json:"active_id,omitempty"`
	Carts    []cart.View `json:"carts"`
}

func (s *Service) OpenCart(_ context.Context, terminalID string, storeID string) (cart.View, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return cart.View{}, ErrInvalidRequest
	}
	c := s.carts.Open(terminalID, defaultString(storeID, s.defaultStoreID))
	return c.View(), nil
}

func (s *Service) ListCarts(_ context.Context, terminalID string) CartList {
	list := CartList{Carts: make([]cart.View, 0)}
	for _, c := range s.carts.List(terminalID) {
		list.Carts = append(list.Carts, c.View())
	}
	if active, ok := s.carts.Active(terminalID); ok {
		list.ActiveID = active.ID()
	}
	return list
}

func (s *Service) ActivateCart(_ context.Context, terminalID string, cartID string) (cart.View, error) {
	if err := s.carts.Switch(terminalID, cartID); err != nil {
		return cart.View{}, err
	}
	return s.GetCart(cartID)
}

func (s *Service) GetCart(cartID string) (cart.View, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	return c.View(), nil
}

func (s *Service) CloseCart(_ context.Context, cartID string) error {
	return s.carts.Close(cartID)
}

func (s *Service) SetCustomer(cartID string, customerID string) (cart.View, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	if err := c.SetCustomer(customerID); err != nil {
		return cart.View{}, err
	}
	return c.View(), nil
}

func (s *Service) AddProduct(ctx context.Context, cartID string, product domain.Product) (cart.View, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return cart.View{}, ErrInvalidRequest
	}
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	if _, err := c.AddProduct(ctx, product); err != nil {
		return cart.View{}, err
	}
	return c.View(), nil
}

// LineUpdate carries raw operator input; nil fields are left unchanged.
type LineUpdate struct {
	Quantity  *string
	UnitPrice *string
}

func (s *Service) UpdateLine(cartID string, productID string, update LineUpdate) (cart.View, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	if update.Quantity != nil {
		if _, err := c.SetQuantity(productID, *update.Quantity); err != nil {
			return cart.View{}, err
		}
	}
	if update.UnitPrice != nil {
		if _, err := c.SetUnitPrice(productID, *update.UnitPrice); err != nil {
			return cart.View{}, err
		}
	}
	return c.View(), nil
}

func (s *Service) RemoveLine(cartID string, productID string) (cart.View, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	if err := c.RemoveLine(productID); err != nil {
		return cart.View{}, err
	}
	return c.View(), nil
}

// ReassignLot puts the line on batchID if it is one of the product's known
// lots; with refresh set the shared lot cache is bypassed and the line is
// re-picked by FEFO instead.
func (s *Service) ReassignLot(ctx context.Context, cartID string, productID string, batchID string, refresh bool) (cart.View, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return cart.View{}, err
	}
	if refresh {
		if err := c.RefreshLot(ctx, productID); err != nil {
			return cart.View{}, err
		}
		return c.View(), nil
	}

	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return cart.View{}, ErrInvalidRequest
	}
	lots, err := s.lots.Lots(ctx, productID, false)
	if err != nil {
		return cart.View{}, err
	}
	for _, lot := range lots {
		if lot.BatchID == batchID {
			if err := c.ReassignLot(productID, lot); err != nil {
				return cart.View{}, err
			}
			return c.View(), nil
		}
	}
	return cart.View{}, ErrLotNotFound
}

// RefreshLots drops the product's cached lots for every terminal and returns
// a fresh, expiry-ordered list.
func (s *Service) RefreshLots(ctx context.Context, productID string) ([]domain.Lot, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.lots.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("lot cache invalidation failed", zap.String("product_id", productID), zap.Error(err))
	}
	return s.lots.Lots(ctx, productID, true)
}

func (s *Service) RequestTransfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResponse, error) {
	id, err := s.transfers.RequestTransfer(ctx, req)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	s.logger.Info("transfer accepted", zap.String("transfer_id", id), zap.String("actor", actorName(ctx)))
	return domain.TransferResponse{TransferID: id}, nil
}

// SettlementPreview is what the till shows while tender is being entered.
type SettlementPreview struct {
	CartID         string                `json:"cart_id"`
	Settlement     settlement.Settlement `json:"settlement"`
	Rate           domain.Rate           `json:"rate"`
	Options        []exchange.Preview    `json:"options"`
	AllocationGaps []domain.Line         `json:"allocation_gaps"`
}

func (s *Service) Preview(ctx context.Context, cartID string, tender domain.TenderState) (SettlementPreview, error) {
	c, err := s.carts.Get(cartID)
	if err != nil {
		return SettlementPreview{}, err
	}
	rate, err := s.rates.Current(ctx)
	if err != nil {
		return SettlementPreview{}, err
	}

	result := settlement.Reconcile(c.Subtotal(), tender, rate)
	options := exchange.Options(result, rate)
	if options == nil {
		options = []exchange.Preview{}
	}
	return SettlementPreview{
		CartID:         cartID,
		Settlement:     result,
		Rate:           rate,
		Options:        options,
		AllocationGaps: c.AllocationGaps(),
	}, nil
}

func actorName(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "system"
	}
	return actor.Username
}

func defaultString(value string, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
