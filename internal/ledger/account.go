package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account holds settled funds and the portion of them reserved by holds.
// Balance and Held are only changed through Hold, ReleaseHold, Withdraw and
// Deposit so that 0 <= Held <= Balance always holds.
type Account struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   decimal.Decimal
	Held      decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the funds that can still be held.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held)
}

// Hold reserves amount out of the available balance.
func (a *Account) Hold(amount decimal.Decimal) error {
	if err := checkPositive(amount); err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return fmt.Errorf("%w: account %s available %s, requested %s", ErrInsufficientFunds, a.ID, a.Available(), amount)
	}
	a.Held = a.Held.Add(amount)
	return nil
}

// ReleaseHold returns held funds to the available balance.
func (a *Account) ReleaseHold(amount decimal.Decimal) error {
	if err := checkPositive(amount); err != nil {
		return err
	}
	if a.Held.LessThan(amount) {
		return fmt.Errorf("%w: account %s held %s, release %s", ErrInsufficientHold, a.ID, a.Held, amount)
	}
	a.Held = a.Held.Sub(amount)
	return nil
}

// Withdraw converts a hold into a debit.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if err := checkPositive(amount); err != nil {
		return err
	}
	if a.Held.LessThan(amount) {
		return fmt.Errorf("%w: account %s held %s, withdraw %s", ErrInsufficientHold, a.ID, a.Held, amount)
	}
	a.Held = a.Held.Sub(amount)
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Deposit credits the settled balance.
func (a *Account) Deposit(amount decimal.Decimal) error {
	if err := checkPositive(amount); err != nil {
		return err
	}
	balance := a.Balance.Add(amount)
	if err := checkAmount(balance); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	a.Balance = balance
	return nil
}

func (a Account) validate() error {
	if a.Balance.IsNegative() || a.Held.IsNegative() || a.Held.GreaterThan(a.Balance) {
		return fmt.Errorf("account %s violates 0 <= held (%s) <= balance (%s)", a.ID, a.Held, a.Balance)
	}
	return nil
}
