package domain

import "github.com/google/uuid"

// Per-currency clearing accounts. Deposits and withdrawals post their
// balancing leg against these; they are overdraft-enabled by definition
// (the USD vault goes negative as customer deposits accumulate).
// IDs must match the rows inserted by the initial migration.
var clearingAccounts = map[string]uuid.UUID{
	"USD": uuid.MustParse("22222222-2222-2222-2222-222222222222"),
	"EUR": uuid.MustParse("33333333-3333-3333-3333-333333333333"),
	"GBP": uuid.MustParse("44444444-4444-4444-4444-444444444444"),
	"JPY": uuid.MustParse("55555555-5555-5555-5555-555555555555"),
}

// ClearingAccountID returns the system clearing account for a currency.
func ClearingAccountID(currency string) (uuid.UUID, bool) {
	id, ok := clearingAccounts[currency]
	return id, ok
}

// ClearingAccounts returns a copy of the clearing account map, keyed by
// currency code. Used by stores to seed the system rows.
func ClearingAccounts() map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(clearingAccounts))
	for code, id := range clearingAccounts {
		out[code] = id
	}
	return out
}
