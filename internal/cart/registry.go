package cart

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dukaan/backend/internal/xid"
)

// Registry holds every open cart (parked or active). Each terminal has at most
// one active cart; switching is a pointer swap.
type Registry struct {
	mu               sync.RWMutex
	carts            map[string]*Cart
	activeByTerminal map[string]string
	lots             LotResolver
	logger           *zap.Logger
}

func NewRegistry(lots LotResolver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		carts:            make(map[string]*Cart),
		activeByTerminal: make(map[string]string),
		lots:             lots,
		logger:           logger,
	}
}

// Open creates a cart and makes it the terminal's active one. Any previously
// active cart stays open as a parked tab; its pending lot lookups are dropped.
func (r *Registry) Open(terminalID string, storeID string) *Cart {
	terminalID = strings.TrimSpace(terminalID)
	c := newCart(xid.New("cart"), terminalID, strings.TrimSpace(storeID), r.lots, r.logger)

	r.mu.Lock()
	prev := r.carts[r.activeByTerminal[terminalID]]
	r.carts[c.id] = c
	r.activeByTerminal[terminalID] = c.id
	r.mu.Unlock()

	if prev != nil {
		prev.park()
	}

	r.logger.Info("cart opened", zap.String("cart_id", c.id), zap.String("terminal_id", terminalID))
	return c
}

func (r *Registry) Get(cartID string) (*Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return c, nil
}

func (r *Registry) Active(terminalID string) (*Cart, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeByTerminal[terminalID]
	if !ok {
		return nil, false
	}
	c, ok := r.carts[id]
	return c, ok
}

// Switch makes cartID the terminal's active cart. Lot lookups still running
// for the cart it replaces are abandoned.
func (r *Registry) Switch(terminalID string, cartID string) error {
	r.mu.Lock()
	c, ok := r.carts[cartID]
	if !ok || c.terminalID != terminalID {
		r.mu.Unlock()
		return ErrCartNotFound
	}
	prev := r.carts[r.activeByTerminal[terminalID]]
	r.activeByTerminal[terminalID] = cartID
	r.mu.Unlock()

	if prev != nil && prev != c {
		prev.park()
	}
	return nil
}

// Close removes a cart from the registry. An open cart is discarded first,
// which cancels any lot lookups still addressed to it. If it was the active
// cart, the terminal's most recently opened remaining cart becomes active.
func (r *Registry) Close(cartID string) error {
	r.mu.Lock()
	c, ok := r.carts[cartID]
	if !ok {
		r.mu.Unlock()
		return ErrCartNotFound
	}
	delete(r.carts, cartID)
	if r.activeByTerminal[c.terminalID] == cartID {
		delete(r.activeByTerminal, c.terminalID)
		if next := r.latestLocked(c.terminalID); next != nil {
			r.activeByTerminal[c.terminalID] = next.id
		}
	}
	r.mu.Unlock()

	if err := c.Discard(); err != nil && !errors.Is(err, ErrCartClosed) {
		return err
	}
	r.logger.Info("cart closed", zap.String("cart_id", cartID), zap.String("status", string(c.Status())))
	return nil
}

func (r *Registry) latestLocked(terminalID string) *Cart {
	var latest *Cart
	for _, c := range r.carts {
		if c.terminalID != terminalID {
			continue
		}
		if latest == nil || c.createdAt.After(latest.createdAt) {
			latest = c
		}
	}
	return latest
}

// List returns the terminal's carts oldest first.
func (r *Registry) List(terminalID string) []*Cart {
	r.mu.RLock()
	out := make([]*Cart, 0, len(r.carts))
	for _, c := range r.carts {
		if terminalID == "" || c.terminalID == terminalID {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}
