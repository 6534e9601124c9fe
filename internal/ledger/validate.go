package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// maxEntryPrecision is the finest fraction an entry may carry. User-facing
// currencies settle at 2 places; pooled/fractional entries may go to 8.
const maxEntryPrecision = 8

// ValidCurrency reports whether code is a 3-letter uppercase currency code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// NormalizeCurrency uppercases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// validateEntries enforces the double-entry preconditions: a non-empty entry
// set, valid currencies, non-zero bounded-precision amounts, and signed
// amounts netting to zero per currency.
func validateEntries(entries []EntrySpec) error {
	if len(entries) == 0 {
		return validationf("operation requires at least one entry")
	}
	sums := make(map[string]decimal.Decimal, 2)
	for _, e := range entries {
		if e.AccountID == "" {
			return validationf("entry is missing an account id")
		}
		if !ValidCurrency(e.Currency) {
			return validationf("invalid currency code %q", e.Currency)
		}
		if e.Amount.IsZero() {
			return validationf("entry amount must be non-zero")
		}
		if e.Amount.Exponent() < -maxEntryPrecision {
			return validationf("entry amount %s exceeds %d decimal places", e.Amount.String(), maxEntryPrecision)
		}
		sums[e.Currency] = sums[e.Currency].Add(e.Amount)
	}
	for currency, sum := range sums {
		if !sum.IsZero() {
			return validationf("entries do not net to zero for %s (off by %s)", currency, sum.String())
		}
	}
	return nil
}

// ValidateAppend checks the preconditions shared by every Store
// implementation before any write happens.
func ValidateAppend(req AppendRequest) error {
	if req.Type == "" {
		return validationf("operation type is required")
	}
	return validateEntries(req.Entries)
}

// EntryTypeFor derives CREDIT/DEBIT from the sign of a signed amount.
func EntryTypeFor(amount decimal.Decimal) EntryType {
	return entryType(amount)
}

func entryType(amount decimal.Decimal) EntryType {
	if amount.IsNegative() {
		return EntryDebit
	}
	return EntryCredit
}

// ValidateAccountKey checks the scope rules: currency is a 3-letter code and
// exactly the scope identifier matching the account type family is set. Every
// Store implementation applies it before provisioning an account.
func ValidateAccountKey(key AccountKey) error {
	if !ValidCurrency(key.Currency) {
		return validationf("invalid currency code %q", key.Currency)
	}
	scope := key.Type.Scope()
	if scope == "" {
		return validationf("unknown account type %q", key.Type)
	}
	set := func(want ScopeKind, v string) error {
		if scope == want && v == "" {
			return validationf("%s id required for account type %s", want, key.Type)
		}
		if scope != want && v != "" {
			return validationf("%s id forbidden for account type %s", want, key.Type)
		}
		return nil
	}
	if err := set(ScopeUser, key.OwnerUserID); err != nil {
		return err
	}
	if err := set(ScopeVault, key.VaultID); err != nil {
		return err
	}
	return set(ScopeOffer, key.OfferID)
}
