package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/money"
	"dukaan/backend/internal/settlement"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testRate = domain.Rate{Accounting: d("26500"), Sell: d("27000"), Buy: d("26000")}

var testAccounts = []domain.Account{
	{ID: "acc-bank", Name: "Bank USD", AccountType: "BANK"},
	{ID: "acc-usd", Name: "Cash on Hand - USD", AccountType: domain.AccountTypeCashOnHand},
	{ID: "acc-sos", Name: "Cash on Hand (SOS)", AccountType: domain.AccountTypeCashOnHand},
}

func reconcile(total string, usd string, sos string) settlement.Settlement {
	return settlement.Reconcile(d(total), settlement.NewTender(d(usd), d(sos)), testRate)
}

func TestResolveUSDOverpayGivesSOSChange(t *testing.T) {
	s := reconcile("10", "12", "0")

	intent, err := Resolve(s, testRate, testAccounts, Choice{Option: OptionChangeSOS})
	require.NoError(t, err)

	assert.Equal(t, domain.SOS, intent.ChangeCurrency)
	assert.True(t, intent.ChangeAmount.Equal(d("54000")), intent.ChangeAmount.String())
	assert.Equal(t, domain.USD, intent.ReduceFrom)
	assert.True(t, intent.ReduceAmount.Equal(d("2")))
	assert.True(t, intent.ExchangeAmount.Equal(d("2")))
	assert.True(t, intent.CounterRate.Equal(testRate.Sell))
	assert.Equal(t, DirectionUSDToSOS, intent.Direction)
	assert.Equal(t, "acc-sos", intent.FromAccount.ID)
	assert.Equal(t, "acc-usd", intent.ToAccount.ID)
	assert.True(t, intent.AdjustedTender.USD.Equal(d("10")))

	roundTrip := money.ToUSDEquivalent(intent.ChangeAmount, testRate.Sell)
	assert.True(t, roundTrip.Sub(s.OverpaidUSD).Abs().LessThanOrEqual(d("0.01")))
}

func TestResolveSOSOverpayGivesUSDChange(t *testing.T) {
	s := reconcile("10", "0", "297000")

	intent, err := Resolve(s, testRate, testAccounts, Choice{Option: OptionChangeUSD})
	require.NoError(t, err)

	assert.Equal(t, domain.USD, intent.ChangeCurrency)
	assert.True(t, intent.ChangeAmount.Equal(d("1")))
	assert.Equal(t, domain.SOS, intent.ReduceFrom)
	assert.True(t, intent.ReduceAmount.Equal(d("27000")), intent.ReduceAmount.String())
	assert.True(t, intent.ExchangeAmount.Equal(money.RoundSOS(d("1").Mul(testRate.Buy))))
	assert.True(t, intent.CounterRate.Equal(testRate.Buy))
	assert.Equal(t, "acc-usd", intent.FromAccount.ID)
	assert.Equal(t, "acc-sos", intent.ToAccount.ID)
	assert.True(t, intent.AdjustedTender.SOS.Equal(d("270000")))

	req := ToRequest(intent, "cust-1")
	assert.Equal(t, domain.SOS, req.FromCurrency)
	assert.Equal(t, "acc-usd", req.FromMethod)
	assert.Equal(t, "acc-sos", req.ToMethod)
	assert.True(t, req.Amount.Equal(intent.ExchangeAmount))
	assert.Equal(t, "cust-1", req.CustomerID)
}

func TestResolveRejectsOptionForOtherCurrency(t *testing.T) {
	s := reconcile("10", "12", "0")
	_, err := Resolve(s, testRate, testAccounts, Choice{Option: OptionChangeUSD})
	assert.ErrorIs(t, err, ErrOptionNotApplicable)
}

func TestResolveDualTenderNeedsOperator(t *testing.T) {
	s := reconcile("10", "5", "150000")

	_, err := Resolve(s, testRate, testAccounts, Choice{Option: OptionChangeSOS})
	assert.ErrorIs(t, err, ErrAmbiguousTender)

	intent, err := Resolve(s, testRate, testAccounts, Choice{Option: OptionChangeSOS, OperatorOverride: true})
	require.NoError(t, err)
	assert.True(t, intent.AdjustedTender.USD.Equal(d("4.44")), intent.AdjustedTender.USD.String())
	assert.True(t, intent.AdjustedTender.SOS.Equal(d("150000")))
}

func TestResolveNothingToExchange(t *testing.T) {
	_, err := Resolve(reconcile("10", "10", "0"), testRate, testAccounts, Choice{Option: OptionChangeSOS})
	assert.ErrorIs(t, err, ErrNothingToExchange)

	_, err = Resolve(reconcile("10", "3", "0"), testRate, testAccounts, Choice{Option: OptionChangeSOS})
	assert.ErrorIs(t, err, ErrNothingToExchange)
}

func TestResolveFailsWithoutAccounts(t *testing.T) {
	s := reconcile("10", "12", "0")
	_, err := Resolve(s, testRate, testAccounts[:2], Choice{Option: OptionChangeSOS})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestOptionsAlwaysPreviewsBoth(t *testing.T) {
	opts := Options(reconcile("10", "12", "0"), testRate)
	require.Len(t, opts, 2)
	assert.Equal(t, OptionChangeSOS, opts[0].Option)
	assert.True(t, opts[0].Applicable)
	assert.True(t, opts[0].ChangeAmount.Equal(d("54000")))
	assert.Equal(t, OptionChangeUSD, opts[1].Option)
	assert.False(t, opts[1].Applicable)

	assert.Nil(t, Options(reconcile("10", "10", "0"), testRate))
}

func TestParseOption(t *testing.T) {
	opt, err := ParseOption(" CHANGE_USD ")
	require.NoError(t, err)
	assert.Equal(t, OptionChangeUSD, opt)

	_, err = ParseOption("both")
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestResolveCashAccountPrefersSuffixThenDefaults(t *testing.T) {
	accounts := []domain.Account{
		{ID: "usd-word", Name: "USD float cash", AccountType: domain.AccountTypeCashOnHand},
		{ID: "usd-suffix", Name: "Till 2 USD", AccountType: domain.AccountTypeCashOnHand},
		{ID: "default-usd", Name: "Cash on Hand", AccountType: "cash_on_hand"},
		{ID: "default-sos", Name: "Cash on Hand Local", AccountType: domain.AccountTypeCashOnHand},
		{ID: "bank-sos", Name: "Bank SOS", AccountType: "BANK"},
	}

	usd, err := ResolveCashAccount(accounts, domain.USD)
	require.NoError(t, err)
	assert.Equal(t, "usd-suffix", usd.ID)

	sos, err := ResolveCashAccount(accounts, domain.SOS)
	require.NoError(t, err)
	assert.Equal(t, "default-sos", sos.ID)

	usd, err = ResolveCashAccount(accounts[2:], domain.USD)
	require.NoError(t, err)
	assert.Equal(t, "default-usd", usd.ID)

	_, err = ResolveCashAccount(accounts[4:], domain.SOS)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
