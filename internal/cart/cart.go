package cart

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dukaan/backend/internal/allocator"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/money"
)

var (
	ErrCartClosed   = errors.New("cart is closed")
	ErrCartNotFound = errors.New("cart not found")
	ErrLineNotFound = errors.New("line not found")
	ErrCartEmpty    = errors.New("cart has no lines")
)

type Status string

const (
	StatusEmpty     Status = "empty"
	StatusActive    Status = "active"
	StatusSubmitted Status = "submitted"
	StatusDiscarded Status = "discarded"
)

type LotResolver interface {
	Lots(ctx context.Context, productID string, refresh bool) ([]domain.Lot, error)
}

type lineEntry struct {
	line       domain.Line
	generation uint64
}

// Cart is the ledger of one sale. Every mutation is rejected with
// ErrCartClosed once the cart is submitted or discarded.
type Cart struct {
	mu         sync.Mutex
	id         string
	terminalID string
	storeID    string
	customerID string
	closed     Status
	order      []string
	lines      map[string]*lineEntry
	nextGen    uint64
	createdAt  time.Time

	lots   LotResolver
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// lookups scopes in-flight lot lookups; parking the cart cancels it.
	lookups      context.Context
	cancelLookup context.CancelFunc
}

type View struct {
	ID         string          `json:"id"`
	TerminalID string          `json:"terminal_id"`
	StoreID    string          `json:"store_id,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Status     Status          `json:"status"`
	Lines      []domain.Line   `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	CreatedAt  time.Time       `json:"created_at"`
}

func newCart(id string, terminalID string, storeID string, lots LotResolver, logger *zap.Logger) *Cart {
	ctx, cancel := context.WithCancel(context.Background())
	lookups, cancelLookup := context.WithCancel(ctx)
	return &Cart{
		id:         id,
		terminalID: terminalID,
		storeID:    storeID,
		lines:      make(map[string]*lineEntry),
		createdAt:  time.Now().UTC(),
		lots:       lots,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,

		lookups:      lookups,
		cancelLookup: cancelLookup,
	}
}

// park abandons lot lookups started while the cart was active. Lookups
// started after park run normally.
func (c *Cart) park() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLookup()
	c.lookups, c.cancelLookup = context.WithCancel(c.ctx)
}

func (c *Cart) ID() string {
	return c.id
}

func (c *Cart) StoreID() string {
	return c.storeID
}

func (c *Cart) CustomerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerID
}

func (c *Cart) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Cart) statusLocked() Status {
	if c.closed != "" {
		return c.closed
	}
	if len(c.order) == 0 {
		return StatusEmpty
	}
	return StatusActive
}

func (c *Cart) SetCustomer(customerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != "" {
		return ErrCartClosed
	}
	c.customerID = strings.TrimSpace(customerID)
	return nil
}

// AddProduct increments an existing line or creates a new one at quantity 1
// and assigns it a lot. It returns the line's quantity after the call. A lot
// lookup failure leaves the line without a lot; it is not an error.
func (c *Cart) AddProduct(ctx context.Context, product domain.Product) (int, error) {
	c.mu.Lock()
	if c.closed != "" {
		c.mu.Unlock()
		return 0, ErrCartClosed
	}
	if entry, ok := c.lines[product.ID]; ok {
		entry.line.Quantity++
		qty := entry.line.Quantity
		c.mu.Unlock()
		return qty, nil
	}

	c.nextGen++
	gen := c.nextGen
	c.lines[product.ID] = &lineEntry{
		line: domain.Line{
			ProductID:   product.ID,
			DisplayName: product.Name,
			Quantity:    1,
			UnitPrice:   money.RoundUSD(money.NonNegative(product.Price)),
		},
		generation: gen,
	}
	c.order = append(c.order, product.ID)
	c.mu.Unlock()

	c.resolveLot(ctx, product.ID, gen, false)
	return 1, nil
}

// RefreshLot refetches lots for a line bypassing the cache and re-runs FEFO.
func (c *Cart) RefreshLot(ctx context.Context, productID string) error {
	c.mu.Lock()
	if c.closed != "" {
		c.mu.Unlock()
		return ErrCartClosed
	}
	entry, ok := c.lines[productID]
	if !ok {
		c.mu.Unlock()
		return ErrLineNotFound
	}
	gen := entry.generation
	c.mu.Unlock()

	c.resolveLot(ctx, productID, gen, true)
	return nil
}

func (c *Cart) resolveLot(ctx context.Context, productID string, gen uint64, refresh bool) {
	if c.lots == nil {
		return
	}
	c.mu.Lock()
	scope := c.lookups
	c.mu.Unlock()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scope, cancel)
	defer stop()

	lots, err := c.lots.Lots(fetchCtx, productID, refresh)
	if err != nil {
		c.logger.Warn("lot lookup failed; line left without lot",
			zap.String("cart_id", c.id),
			zap.String("product_id", productID),
			zap.Error(err),
		)
		return
	}
	lot, ok := allocator.PickLot(lots)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.lines[productID]
	if c.closed != "" || scope.Err() != nil || !exists || entry.generation != gen {
		c.logger.Debug("dropping stale lot result", zap.String("cart_id", c.id), zap.String("product_id", productID))
		return
	}
	if !ok {
		entry.line.Lot = nil
		return
	}
	entry.line.Lot = &lot
}

// SetQuantity parses raw as an integer. Anything unparseable or below 1
// becomes 1.
func (c *Cart) SetQuantity(productID string, raw string) (int, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || qty < 1 {
		qty = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.mutableLine(productID)
	if err != nil {
		return 0, err
	}
	entry.line.Quantity = qty
	return qty, nil
}

// SetUnitPrice parses raw as a decimal, treating garbage and negatives as 0.
func (c *Cart) SetUnitPrice(productID string, raw string) (decimal.Decimal, error) {
	price, _ := money.ParseAmount(raw)
	price = money.RoundUSD(money.NonNegative(price))

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.mutableLine(productID)
	if err != nil {
		return decimal.Zero, err
	}
	entry.line.UnitPrice = price
	return price, nil
}

func (c *Cart) RemoveLine(productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != "" {
		return ErrCartClosed
	}
	if _, ok := c.lines[productID]; !ok {
		return nil
	}
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// ReassignLot swaps the lot reference without touching quantity or price.
func (c *Cart) ReassignLot(productID string, lot domain.Lot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.mutableLine(productID)
	if err != nil {
		return err
	}
	c.nextGen++
	entry.generation = c.nextGen
	entry.line.Lot = &lot
	return nil
}

func (c *Cart) mutableLine(productID string) (*lineEntry, error) {
	if c.closed != "" {
		return nil, ErrCartClosed
	}
	entry, ok := c.lines[productID]
	if !ok {
		return nil, ErrLineNotFound
	}
	return entry, nil
}

// Subtotal is recomputed from the lines on every call.
func (c *Cart) Subtotal() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subtotalLocked()
}

func (c *Cart) subtotalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, id := range c.order {
		total = total.Add(c.lines[id].line.Subtotal())
	}
	return money.RoundUSD(total)
}

func (c *Cart) Lines() []domain.Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linesLocked()
}

func (c *Cart) linesLocked() []domain.Line {
	out := make([]domain.Line, 0, len(c.order))
	for _, id := range c.order {
		line := c.lines[id].line
		if line.Lot != nil {
			lot := *line.Lot
			line.Lot = &lot
		}
		out = append(out, line)
	}
	return out
}

// AllocationGaps lists lines with no lot or with less on hand than the
// quantity being sold.
func (c *Cart) AllocationGaps() []domain.Line {
	gaps := make([]domain.Line, 0)
	for _, line := range c.Lines() {
		if line.Lot == nil || line.Lot.OnHand < line.Quantity {
			gaps = append(gaps, line)
		}
	}
	return gaps
}

func (c *Cart) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		ID:         c.id,
		TerminalID: c.terminalID,
		StoreID:    c.storeID,
		CustomerID: c.customerID,
		Status:     c.statusLocked(),
		Lines:      c.linesLocked(),
		Subtotal:   c.subtotalLocked(),
		CreatedAt:  c.createdAt,
	}
}

func (c *Cart) MarkSubmitted() error {
	return c.finish(StatusSubmitted)
}

func (c *Cart) Discard() error {
	return c.finish(StatusDiscarded)
}

func (c *Cart) finish(status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != "" {
		return ErrCartClosed
	}
	if status == StatusSubmitted && len(c.order) == 0 {
		return ErrCartEmpty
	}
	c.closed = status
	c.cancel()
	return nil
}

// Done is closed when the cart reaches a terminal state.
func (c *Cart) Done() <-chan struct{} {
	return c.ctx.Done()
}
