package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
)

// ErrOwnerRequired is returned when an account is opened without an owner.
var ErrOwnerRequired = errors.New("owner_id is required")

// Ledger is the part of the ledger coordinator the account service needs.
type Ledger interface {
	OpenAccount(ctx context.Context, input ledger.OpenAccountInput) (ledger.Account, error)
	Account(ctx context.Context, id string) (ledger.Account, error)
}

// Service exposes account operations backed by the ledger.
type Service struct {
	ledger Ledger
}

// NewService builds an account service instance.
func NewService(ledger Ledger) *Service {
	return &Service{ledger: ledger}
}

// OpenInput captures data required to open an account.
type OpenInput struct {
	OwnerID        string
	Currency       string
	OpeningBalance decimal.Decimal
}

// Open provisions a ledger account.
func (s *Service) Open(ctx context.Context, input OpenInput) (ledger.Account, error) {
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return ledger.Account{}, ErrOwnerRequired
	}
	return s.ledger.OpenAccount(ctx, ledger.OpenAccountInput{
		OwnerID:        owner,
		Currency:       input.Currency,
		OpeningBalance: input.OpeningBalance,
	})
}

// Get retrieves an account with its current balance and hold.
func (s *Service) Get(ctx context.Context, id string) (ledger.Account, error) {
	return s.ledger.Account(ctx, id)
}
