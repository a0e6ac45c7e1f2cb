package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USD Currency = "USD"
	SOS Currency = "SOS"
)

const AccountTypeCashOnHand = "CASH_ON_HAND"

type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Lot is a read-only snapshot of one batch of a product held at one store.
type Lot struct {
	BatchID     string     `json:"batch_id"`
	StoreID     string     `json:"store_id"`
	StoreName   string     `json:"store_name"`
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	OnHand      int        `json:"on_hand"`
}

// Line is one product in a cart. A nil Lot means no lot has been selected yet.
type Line struct {
	ProductID   string          `json:"product_id"`
	DisplayName string          `json:"display_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Lot         *Lot            `json:"lot,omitempty"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Rate is SOS per USD. A Rate value is never mutated after it is fetched.
type Rate struct {
	Accounting decimal.Decimal `json:"accounting"`
	Sell       decimal.Decimal `json:"sell"`
	Buy        decimal.Decimal `json:"buy"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Stale      bool            `json:"stale"`
}

func (r Rate) Usable() bool {
	return r.Sell.IsPositive() && r.Buy.IsPositive()
}

type TenderState struct {
	USD decimal.Decimal `json:"usd"`
	SOS decimal.Decimal `json:"sos"`
}

func (t TenderState) Amount(currency Currency) decimal.Decimal {
	if currency == SOS {
		return t.SOS
	}
	return t.USD
}

type Account struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccountType string `json:"account_type"`
}

type ExchangeIntent struct {
	ChangeCurrency Currency        `json:"change_currency"`
	ChangeAmount   decimal.Decimal `json:"change_amount"`
	ReduceFrom     Currency        `json:"reduce_from_currency"`
	ReduceAmount   decimal.Decimal `json:"reduce_amount"`
	Direction      string          `json:"exchange_direction"`
	ExchangeAmount decimal.Decimal `json:"exchange_amount"`
	CounterRate    decimal.Decimal `json:"counter_rate"`
	AccountingRate decimal.Decimal `json:"accounting_rate"`
	FromAccount    Account         `json:"from_account"`
	ToAccount      Account         `json:"to_account"`
	AdjustedTender TenderState     `json:"adjusted_tender"`
}

type ExchangeRequest struct {
	FromCurrency   Currency        `json:"from_currency"`
	CounterRate    decimal.Decimal `json:"counter_rate"`
	AccountingRate decimal.Decimal `json:"accounting_rate"`
	FromMethod     string          `json:"from_method"`
	ToMethod       string          `json:"to_method"`
	Amount         decimal.Decimal `json:"amount"`
	SaleID         string          `json:"sale_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	IdempotencyKey string          `json:"-"`
}

type SaleLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	BatchID   string          `json:"batch_id,omitempty"`
	StoreID   string          `json:"store_id,omitempty"`
}

type SaleRequest struct {
	CartID     string          `json:"cart_id"`
	StoreID    string          `json:"store_id,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Lines      []SaleLine      `json:"lines"`
	Total      decimal.Decimal `json:"total"`
	Tenders    TenderState     `json:"tenders"`
	ExchangeID string          `json:"exchange_id,omitempty"`

	IdempotencyKey string `json:"-"`
}

type TransferRequest struct {
	ProductID   string `json:"product_id"`
	BatchID     string `json:"batch_id"`
	FromStoreID string `json:"from_store_id"`
	ToStoreID   string `json:"to_store_id"`
	Qty         int    `json:"qty"`
}

type TransferResponse struct {
	TransferID string `json:"transfer_id"`
}

const (
	StepPending   = "pending"
	StepCommitted = "committed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	// StepUnknown means the call may or may not have been applied upstream
	// (timeout, 5xx, lost response).
	StepUnknown   = "unknown"
)

// SagaRecord tracks the exchange-then-sale submission of one cart. Orphaned is
// set when an operator has to act before the cart can be submitted again:
// the exchange committed but the sale did not, or the exchange outcome is
// unknown.
type SagaRecord struct {
	ID             string          `json:"id"`
	CartID         string          `json:"cart_id"`
	ExchangeStatus string          `json:"exchange_status"`
	ExchangeID     string          `json:"exchange_id,omitempty"`
	SaleStatus     string          `json:"sale_status"`
	SaleID         string          `json:"sale_id,omitempty"`
	Orphaned       bool            `json:"orphaned"`
	LastError      string          `json:"last_error,omitempty"`
	Intent         *ExchangeIntent `json:"intent,omitempty"`
	Sale           SaleRequest     `json:"sale"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Actor struct {
	Username string
	Role     string
}
