package exchange

import (
	"fmt"
	"strings"
	"unicode"

	"dukaan/backend/internal/domain"
)

var defaultAccountNames = map[domain.Currency][]string{
	domain.USD: {"cash on hand", "cash on hand usd"},
	domain.SOS: {"cash on hand local", "cash on hand sos", "cash on hand shilling"},
}

// ResolveCashAccount picks the cash-on-hand account for currency. A name that
// ends with the currency code wins, then a name that mentions it as a word,
// then the conventional default names in order.
func ResolveCashAccount(accounts []domain.Account, currency domain.Currency) (domain.Account, error) {
	cash := make([]domain.Account, 0, len(accounts))
	for _, account := range accounts {
		if strings.EqualFold(strings.TrimSpace(account.AccountType), domain.AccountTypeCashOnHand) {
			cash = append(cash, account)
		}
	}

	token := strings.ToUpper(string(currency))
	for _, account := range cash {
		words := nameWords(account.Name)
		if len(words) > 0 && words[len(words)-1] == token {
			return account, nil
		}
	}
	for _, account := range cash {
		for _, word := range nameWords(account.Name) {
			if word == token {
				return account, nil
			}
		}
	}
	for _, name := range defaultAccountNames[currency] {
		for _, account := range cash {
			if strings.EqualFold(strings.Join(nameWords(account.Name), " "), name) {
				return account, nil
			}
		}
	}
	return domain.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, currency)
}

// nameWords upper-cases name and splits it on anything that is not a letter or
// digit, so "Cash on Hand - USD" and "cash_on_hand(usd)" look the same.
func nameWords(name string) []string {
	return strings.FieldsFunc(strings.ToUpper(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
