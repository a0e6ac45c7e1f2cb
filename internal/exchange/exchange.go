// Package exchange turns an overpaid settlement into a single ExchangeIntent:
// which tender is reduced, which rate applies and which cash accounts move.
// It performs no I/O.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/money"
	"dukaan/backend/internal/settlement"
)

var (
	ErrNothingToExchange   = errors.New("settlement is not overpaid")
	ErrAmbiguousTender     = errors.New("both currencies tendered; operator must choose which tender gives change")
	ErrOptionNotApplicable = errors.New("change option does not match the tender")
	ErrUnknownOption       = errors.New("unknown change option")
	ErrAccountNotFound     = errors.New("cash account not found")
	ErrUnusableRate        = errors.New("exchange rate is not usable")
)

type Option string

const (
	// OptionChangeSOS returns change in SOS for extra USD.
	OptionChangeSOS Option = "change_sos"
	// OptionChangeUSD returns change in USD for extra SOS.
	OptionChangeUSD Option = "change_usd"
)

const (
	DirectionUSDToSOS = "USD_TO_SOS"
	DirectionSOSToUSD = "SOS_TO_USD"
)

// Choice is the cashier's selection. OperatorOverride must be set by the
// caller after a manager approved resolving a dual-tender overpay.
type Choice struct {
	Option           Option
	OperatorOverride bool
}

// Preview describes one way of returning change before any account lookup.
type Preview struct {
	Option         Option          `json:"option"`
	ChangeCurrency domain.Currency `json:"change_currency"`
	ChangeAmount   decimal.Decimal `json:"change_amount"`
	ReduceFrom     domain.Currency `json:"reduce_from_currency"`
	ReduceAmount   decimal.Decimal `json:"reduce_amount"`
	Direction      string          `json:"exchange_direction"`
	ExchangeAmount decimal.Decimal `json:"exchange_amount"`
	CounterRate    decimal.Decimal `json:"counter_rate"`
	Applicable     bool            `json:"applicable"`
}

func ParseOption(raw string) (Option, error) {
	switch Option(strings.ToLower(strings.TrimSpace(raw))) {
	case OptionChangeSOS:
		return OptionChangeSOS, nil
	case OptionChangeUSD:
		return OptionChangeUSD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, raw)
	}
}

// Options computes both change options for an overpaid settlement. It returns
// nil when there is nothing to give back.
func Options(s settlement.Settlement, rate domain.Rate) []Preview {
	if !s.NeedsExchange() || !rate.Usable() {
		return nil
	}
	return []Preview{
		preview(OptionChangeSOS, s, rate),
		preview(OptionChangeUSD, s, rate),
	}
}

func preview(option Option, s settlement.Settlement, rate domain.Rate) Preview {
	over := s.OverpaidUSD
	var p Preview
	switch option {
	case OptionChangeSOS:
		p = Preview{
			Option:         option,
			ChangeCurrency: domain.SOS,
			ChangeAmount:   money.ToSOSEquivalent(over, rate.Sell),
			ReduceFrom:     domain.USD,
			ReduceAmount:   over,
			Direction:      DirectionUSDToSOS,
			ExchangeAmount: over,
			CounterRate:    rate.Sell,
		}
	case OptionChangeUSD:
		p = Preview{
			Option:         option,
			ChangeCurrency: domain.USD,
			ChangeAmount:   over,
			ReduceFrom:     domain.SOS,
			ReduceAmount:   money.ToSOSEquivalent(over, rate.Sell),
			Direction:      DirectionSOSToUSD,
			ExchangeAmount: money.ToSOSEquivalent(over, rate.Buy),
			CounterRate:    rate.Buy,
		}
	}
	p.Applicable = s.Tender.Amount(p.ReduceFrom).GreaterThanOrEqual(p.ReduceAmount)
	return p
}

// Resolve builds the intent for choice. Single-tender overpays accept the
// option that reduces the tendered currency; dual-tender overpays are refused
// with ErrAmbiguousTender unless the choice carries an operator override.
func Resolve(s settlement.Settlement, rate domain.Rate, accounts []domain.Account, choice Choice) (domain.ExchangeIntent, error) {
	if !s.NeedsExchange() {
		return domain.ExchangeIntent{}, ErrNothingToExchange
	}
	if !rate.Usable() {
		return domain.ExchangeIntent{}, ErrUnusableRate
	}
	if choice.Option != OptionChangeSOS && choice.Option != OptionChangeUSD {
		return domain.ExchangeIntent{}, fmt.Errorf("%w: %q", ErrUnknownOption, choice.Option)
	}

	p := preview(choice.Option, s, rate)
	switch s.Shape.Kind {
	case settlement.SingleTender:
		if s.Shape.Currency != p.ReduceFrom {
			return domain.ExchangeIntent{}, fmt.Errorf("%w: %s tendered, %s selected", ErrOptionNotApplicable, s.Shape.Currency, choice.Option)
		}
	case settlement.DualTender:
		if !choice.OperatorOverride {
			return domain.ExchangeIntent{}, ErrAmbiguousTender
		}
	default:
		return domain.ExchangeIntent{}, ErrNothingToExchange
	}
	if !p.Applicable {
		return domain.ExchangeIntent{}, fmt.Errorf("%w: %s tender below %s", ErrOptionNotApplicable, p.ReduceFrom, p.ReduceAmount)
	}

	// The shop pays out the change currency and takes in the reduced one.
	from, err := ResolveCashAccount(accounts, p.ChangeCurrency)
	if err != nil {
		return domain.ExchangeIntent{}, err
	}
	to, err := ResolveCashAccount(accounts, p.ReduceFrom)
	if err != nil {
		return domain.ExchangeIntent{}, err
	}

	adjusted := s.Tender
	if p.ReduceFrom == domain.USD {
		adjusted.USD = money.NonNegative(adjusted.USD.Sub(p.ReduceAmount))
	} else {
		adjusted.SOS = money.NonNegative(adjusted.SOS.Sub(p.ReduceAmount))
	}

	return domain.ExchangeIntent{
		ChangeCurrency: p.ChangeCurrency,
		ChangeAmount:   p.ChangeAmount,
		ReduceFrom:     p.ReduceFrom,
		ReduceAmount:   p.ReduceAmount,
		Direction:      p.Direction,
		ExchangeAmount: p.ExchangeAmount,
		CounterRate:    p.CounterRate,
		AccountingRate: rate.Accounting,
		FromAccount:    from,
		ToAccount:      to,
		AdjustedTender: adjusted,
	}, nil
}

// ToRequest maps an intent onto the exchange service payload.
func ToRequest(intent domain.ExchangeIntent, customerID string) domain.ExchangeRequest {
	return domain.ExchangeRequest{
		FromCurrency:   intent.ReduceFrom,
		CounterRate:    intent.CounterRate,
		AccountingRate: intent.AccountingRate,
		FromMethod:     intent.FromAccount.ID,
		ToMethod:       intent.ToAccount.ID,
		Amount:         intent.ExchangeAmount,
		CustomerID:     customerID,
	}
}
