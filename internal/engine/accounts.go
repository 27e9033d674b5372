package engine

import (
	"github.com/shopspring/decimal"

	"loki/internal/common"
)

// Balance is one asset's holdings split into spendable and reserved parts.
// free + locked is invariant under Lock/Unlock; only settlement moves value
// between accounts.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Account is the per-session ledger. All mutation happens under the engine
// lock; the account itself carries no synchronisation.
type Account struct {
	SessionID string
	balances  map[string]Balance
}

func NewAccount(sessionID string, initial map[string]decimal.Decimal) *Account {
	a := &Account{
		SessionID: sessionID,
		balances:  make(map[string]Balance, len(initial)),
	}
	for asset, amount := range initial {
		a.balances[asset] = Balance{Free: amount}
	}
	return a
}

func (a *Account) Balance(asset string) Balance {
	return a.balances[asset]
}

// Balances returns a copy of all balances for snapshot reads.
func (a *Account) Balances() map[string]Balance {
	out := make(map[string]Balance, len(a.balances))
	for asset, b := range a.balances {
		out[asset] = b
	}
	return out
}

// Lock reserves amount of asset, moving it from free to locked.
func (a *Account) Lock(asset string, amount decimal.Decimal) error {
	b := a.balances[asset]
	if b.Free.LessThan(amount) {
		return common.E(common.KindInsufficientBalance,
			"need %s %s free, have %s", amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	a.balances[asset] = b
	return nil
}

// Unlock returns a reservation to the free balance.
func (a *Account) Unlock(asset string, amount decimal.Decimal) error {
	b := a.balances[asset]
	if b.Locked.LessThan(amount) {
		return common.E(common.KindInternal,
			"unlock of %s %s exceeds locked %s", amount, asset, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	a.balances[asset] = b
	return nil
}

// SpendLocked consumes a previously locked amount; used on the paying side
// of a settlement.
func (a *Account) SpendLocked(asset string, amount decimal.Decimal) error {
	b := a.balances[asset]
	if b.Locked.LessThan(amount) {
		return common.E(common.KindInternal,
			"spend of %s %s exceeds locked %s", amount, asset, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	a.balances[asset] = b
	return nil
}

// SpendFree consumes free balance directly; used by market buys, which carry
// no up-front reservation.
func (a *Account) SpendFree(asset string, amount decimal.Decimal) error {
	b := a.balances[asset]
	if b.Free.LessThan(amount) {
		return common.E(common.KindInsufficientBalance,
			"need %s %s free, have %s", amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	a.balances[asset] = b
	return nil
}

// Credit adds to the free balance; the receiving side of a settlement.
func (a *Account) Credit(asset string, amount decimal.Decimal) {
	b := a.balances[asset]
	b.Free = b.Free.Add(amount)
	a.balances[asset] = b
}

// Equity values the account in quote terms given mark prices per symbol
// whose base is held.
func (a *Account) Equity(markPrices map[string]decimal.Decimal, quote string) decimal.Decimal {
	total := decimal.Zero
	for asset, b := range a.balances {
		if asset == quote {
			total = total.Add(b.Total())
			continue
		}
		if price, ok := markPrices[asset+"/"+quote]; ok {
			total = total.Add(b.Total().Mul(price))
		}
	}
	return total
}

// AccountManager owns every session ledger. Accounts are created lazily with
// the configured default balances and live for the process lifetime.
type AccountManager struct {
	accounts map[string]*Account
	defaults map[string]decimal.Decimal
}

func NewAccountManager(defaults map[string]decimal.Decimal) *AccountManager {
	return &AccountManager{
		accounts: make(map[string]*Account),
		defaults: defaults,
	}
}

func (m *AccountManager) Get(sessionID string) (*Account, bool) {
	a, ok := m.accounts[sessionID]
	return a, ok
}

func (m *AccountManager) GetOrCreate(sessionID string) *Account {
	if a, ok := m.accounts[sessionID]; ok {
		return a
	}
	a := NewAccount(sessionID, m.defaults)
	m.accounts[sessionID] = a
	return a
}

// TotalHoldings sums free+locked across all accounts for one asset. Used by
// the conservation checks.
func (m *AccountManager) TotalHoldings(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range m.accounts {
		total = total.Add(a.Balance(asset).Total())
	}
	return total
}
