// Package settlement reconciles a USD total against cash tendered in USD and
// SOS. Everything here is a pure projection of its inputs.
package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/money"
)

type Status string

const (
	StatusUnderpaid Status = "underpaid"
	StatusExact     Status = "exact"
	StatusOverpaid  Status = "overpaid"
)

type ShapeKind int

const (
	Unpaid ShapeKind = iota
	SingleTender
	DualTender
)

// TenderShape says which currencies were tendered. Currency is only set for
// SingleTender.
type TenderShape struct {
	Kind     ShapeKind
	Currency domain.Currency
}

func ShapeOf(t domain.TenderState) TenderShape {
	hasUSD := t.USD.IsPositive()
	hasSOS := t.SOS.IsPositive()
	switch {
	case hasUSD && hasSOS:
		return TenderShape{Kind: DualTender}
	case hasUSD:
		return TenderShape{Kind: SingleTender, Currency: domain.USD}
	case hasSOS:
		return TenderShape{Kind: SingleTender, Currency: domain.SOS}
	default:
		return TenderShape{Kind: Unpaid}
	}
}

func (s TenderShape) String() string {
	switch s.Kind {
	case SingleTender:
		return fmt.Sprintf("single:%s", s.Currency)
	case DualTender:
		return "dual"
	default:
		return "unpaid"
	}
}

func (s TenderShape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TenderShape) UnmarshalText(text []byte) error {
	raw := string(text)
	switch {
	case raw == "unpaid":
		*s = TenderShape{Kind: Unpaid}
	case raw == "dual":
		*s = TenderShape{Kind: DualTender}
	case strings.HasPrefix(raw, "single:"):
		currency := domain.Currency(strings.TrimPrefix(raw, "single:"))
		if currency != domain.USD && currency != domain.SOS {
			return fmt.Errorf("unknown tender currency %q", currency)
		}
		*s = TenderShape{Kind: SingleTender, Currency: currency}
	default:
		return fmt.Errorf("unknown tender shape %q", raw)
	}
	return nil
}

type Settlement struct {
	TotalUSD     decimal.Decimal    `json:"total_usd"`
	PaidUSD      decimal.Decimal    `json:"paid_usd"`
	RemainingUSD decimal.Decimal    `json:"remaining_usd"`
	RemainingSOS decimal.Decimal    `json:"remaining_sos"`
	OverpaidUSD  decimal.Decimal    `json:"overpaid_usd"`
	Status       Status             `json:"status"`
	Shape        TenderShape        `json:"shape"`
	Tender       domain.TenderState `json:"tender"`
}

// NewTender builds a TenderState, clamping negative amounts to zero.
func NewTender(usd decimal.Decimal, sos decimal.Decimal) domain.TenderState {
	return domain.TenderState{
		USD: money.NonNegative(usd),
		SOS: money.NonNegative(sos),
	}
}

// Reconcile converts the SOS tender at the sell rate and compares the sum with
// totalUSD. Remaining and overpaid are never both positive.
func Reconcile(totalUSD decimal.Decimal, tender domain.TenderState, rate domain.Rate) Settlement {
	tender = NewTender(tender.USD, tender.SOS)
	total := money.RoundUSD(money.NonNegative(totalUSD))

	paid := money.RoundUSD(tender.USD.Add(money.ToUSDEquivalent(tender.SOS, rate.Sell)))
	remaining := money.RoundUSD(decimal.Max(decimal.Zero, total.Sub(paid)))
	overpaid := money.RoundUSD(decimal.Max(decimal.Zero, paid.Sub(total)))

	status := StatusExact
	switch {
	case remaining.IsPositive():
		status = StatusUnderpaid
	case overpaid.IsPositive():
		status = StatusOverpaid
	}

	return Settlement{
		TotalUSD:     total,
		PaidUSD:      paid,
		RemainingUSD: remaining,
		RemainingSOS: money.ToSOSEquivalent(remaining, rate.Sell),
		OverpaidUSD:  overpaid,
		Status:       status,
		Shape:        ShapeOf(tender),
		Tender:       tender,
	}
}

// NeedsExchange reports an overpayment that has to go through the change
// flow. Dual-tender overpayments also need an operator decision.
func (s Settlement) NeedsExchange() bool {
	return s.Status == StatusOverpaid
}

func (s Settlement) Ambiguous() bool {
	return s.Status == StatusOverpaid && s.Shape.Kind == DualTender
}
