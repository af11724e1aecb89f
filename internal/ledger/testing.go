package ledger

import "github.com/shopspring/decimal"

// SeedBalance is a test helper that overwrites the settled balance of an
// account held by the in-memory store. Held funds are left untouched.
func SeedBalance(s Store, accountID string, amount int64) {
	mem, ok := s.(*MemoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	account, exists := mem.accounts[accountID]
	if !exists {
		return
	}
	account.Balance = decimal.NewFromInt(amount)
	mem.accounts[accountID] = account
}
