package types

import "math/big"

// Address identifies an account on the ledger.
type Address = [20]byte

// Account tracks the spendable balance held by an address. Deposits for
// pending loans are parked on the loan vault account until resolution.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// EnsureAccount normalises a possibly-nil account into a usable value.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
