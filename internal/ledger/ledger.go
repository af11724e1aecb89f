package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrWrongState is returned when the invoice's current state does not allow
	// the requested operation.
	ErrWrongState = errors.New("wrong invoice state")

	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested hold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHold occurs when a withdrawal or release exceeds the held amount.
	ErrInsufficientHold = errors.New("insufficient hold")

	// ErrConcurrencyConflict indicates lock or version contention. Callers may retry
	// with fresh state.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPersistence wraps any failure of the underlying store to write or commit.
	ErrPersistence = errors.New("persistence failure")

	ErrNotFound         = errors.New("not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrSameAccount      = errors.New("source and destination accounts must differ")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// AmountScale is the number of fractional digits every store keeps exactly.
// Postgres columns are NUMERIC(38, 8), so at most 30 integer digits remain.
const (
	AmountScale     = 8
	maxAmountDigits = 30
)

var maxAmount = decimal.New(1, maxAmountDigits)

// checkAmount rejects values a store would round or overflow.
func checkAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, amount, AmountScale)
	}
	if amount.Abs().GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: %s exceeds %d integer digits", ErrInvalidAmount, amount, maxAmountDigits)
	}
	return nil
}

// checkPositive requires a positive amount the stores can represent.
func checkPositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	return checkAmount(amount)
}

// DefaultCurrency is applied to accounts opened without an explicit currency.
const DefaultCurrency = "XAF"

// Repository exposes reads and creations that do not need an atomic scope.
type Repository interface {
	CreateAccount(ctx context.Context, account Account) error
	CreateInvoice(ctx context.Context, invoice Invoice) error
	Account(ctx context.Context, id string) (Account, error)
	Invoice(ctx context.Context, id string) (Invoice, error)
	Records(ctx context.Context, invoiceID string) ([]TransactionRecord, error)
}

// UnitOfWork opens atomic scopes. Writes made through a Scope are invisible to
// other scopes until Commit and are fully reverted by Rollback.
type UnitOfWork interface {
	Begin(ctx context.Context) (Scope, error)
}

// Scope is one atomic unit of work. Lock methods grant exclusive mutation
// rights over the row until the scope ends; Save methods fail with
// ErrConcurrencyConflict when the stored version moved underneath the caller.
type Scope interface {
	LockInvoice(ctx context.Context, id string) (Invoice, error)
	LockAccount(ctx context.Context, id string) (Account, error)
	SaveInvoice(ctx context.Context, invoice *Invoice) error
	SaveAccount(ctx context.Context, account *Account) error
	SaveRecord(ctx context.Context, record TransactionRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is implemented by every backend (memory, Postgres, SQLite).
type Store interface {
	Repository
	UnitOfWork
}
