package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultScopeTimeout = 5 * time.Second
	auditTimeout        = 3 * time.Second
)

// Coordinator runs Hold, Finish and Cancel as atomic units of work spanning the
// invoice, the accounts it touches and the audit record.
type Coordinator struct {
	repo         Repository
	uow          UnitOfWork
	logger       *slog.Logger
	scopeTimeout time.Duration
	tracer       trace.Tracer
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithScopeTimeout bounds how long one atomic scope may stay open.
func WithScopeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.scopeTimeout = d
		}
	}
}

// NewCoordinator wires a coordinator to its repository and unit of work.
func NewCoordinator(repo Repository, uow UnitOfWork, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:         repo,
		uow:          uow,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		scopeTimeout: defaultScopeTimeout,
		tracer:       otel.Tracer("github.com/congo-pay/settlement/internal/ledger"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStoreCoordinator is a shorthand for backends implementing both halves.
func NewStoreCoordinator(store Store, opts ...Option) *Coordinator {
	return NewCoordinator(store, store, opts...)
}

// OpenAccountInput captures the data needed to open an account.
type OpenAccountInput struct {
	OwnerID        string
	Currency       string
	OpeningBalance decimal.Decimal
}

// OpenAccount persists a new account with an optional opening balance.
func (c *Coordinator) OpenAccount(ctx context.Context, input OpenAccountInput) (Account, error) {
	if input.OpeningBalance.IsNegative() {
		return Account{}, fmt.Errorf("%w: opening balance %s", ErrInvalidAmount, input.OpeningBalance)
	}
	if err := checkAmount(input.OpeningBalance); err != nil {
		return Account{}, fmt.Errorf("opening balance: %w", err)
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	now := time.Now().UTC()
	account := Account{
		ID:        uuid.NewString(),
		OwnerID:   input.OwnerID,
		Currency:  currency,
		Balance:   input.OpeningBalance,
		Held:      decimal.Zero,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.repo.CreateAccount(ctx, account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// CreateInvoiceInput captures an intended transfer.
type CreateInvoiceInput struct {
	AccountFrom string
	AccountTo   string
	Amount      decimal.Decimal
}

// CreateInvoice validates both accounts and stores a new invoice in the created state.
func (c *Coordinator) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	if err := checkPositive(input.Amount); err != nil {
		return Invoice{}, err
	}
	if input.AccountFrom == input.AccountTo {
		return Invoice{}, ErrSameAccount
	}
	from, err := c.repo.Account(ctx, input.AccountFrom)
	if err != nil {
		return Invoice{}, fmt.Errorf("source account: %w", err)
	}
	to, err := c.repo.Account(ctx, input.AccountTo)
	if err != nil {
		return Invoice{}, fmt.Errorf("destination account: %w", err)
	}
	if from.Currency != to.Currency {
		return Invoice{}, fmt.Errorf("%w: %s -> %s", ErrCurrencyMismatch, from.Currency, to.Currency)
	}
	invoice, err := NewInvoice(from.ID, to.ID, input.Amount, from.Currency)
	if err != nil {
		return Invoice{}, err
	}
	if err := c.repo.CreateInvoice(ctx, invoice); err != nil {
		return Invoice{}, err
	}
	return invoice, nil
}

// Account returns the current state of an account.
func (c *Coordinator) Account(ctx context.Context, id string) (Account, error) {
	return c.repo.Account(ctx, id)
}

// Invoice returns the current state of an invoice.
func (c *Coordinator) Invoice(ctx context.Context, id string) (Invoice, error) {
	return c.repo.Invoice(ctx, id)
}

// Records lists the audit trail of an invoice, oldest first.
func (c *Coordinator) Records(ctx context.Context, invoiceID string) ([]TransactionRecord, error) {
	return c.repo.Records(ctx, invoiceID)
}

// Hold reserves the invoice amount on the source account.
func (c *Coordinator) Hold(ctx context.Context, invoice Invoice) (Invoice, error) {
	if !invoice.CanHold() {
		return invoice, fmt.Errorf("%w: invoice %s is %s, hold requires %s", ErrWrongState, invoice.ID, invoice.State(), StateCreated)
	}
	return c.run(ctx, invoice, RecordHold, EventHold, func(ctx context.Context, scope Scope, inv Invoice) error {
		from, err := scope.LockAccount(ctx, inv.AccountFrom)
		if err != nil {
			return err
		}
		if err := from.Hold(inv.Amount()); err != nil {
			return err
		}
		return scope.SaveAccount(ctx, &from)
	})
}

// Finish settles a held invoice: debit the hold, credit the destination.
func (c *Coordinator) Finish(ctx context.Context, invoice Invoice) (Invoice, error) {
	if !invoice.CanFinish() {
		return invoice, fmt.Errorf("%w: invoice %s is %s, finish requires %s", ErrWrongState, invoice.ID, invoice.State(), StateHold)
	}
	return c.run(ctx, invoice, RecordFinish, EventFinish, func(ctx context.Context, scope Scope, inv Invoice) error {
		accounts, err := lockAccounts(ctx, scope, inv.AccountFrom, inv.AccountTo)
		if err != nil {
			return err
		}
		from, to := accounts[inv.AccountFrom], accounts[inv.AccountTo]
		if err := from.Withdraw(inv.Amount()); err != nil {
			return err
		}
		if err := scope.SaveAccount(ctx, from); err != nil {
			return err
		}
		if err := to.Deposit(inv.Amount()); err != nil {
			return err
		}
		return scope.SaveAccount(ctx, to)
	})
}

// Cancel abandons an invoice that has not settled, releasing its hold if any.
func (c *Coordinator) Cancel(ctx context.Context, invoice Invoice) (Invoice, error) {
	if !invoice.CanCancel() {
		return invoice, fmt.Errorf("%w: invoice %s is %s and cannot be canceled", ErrWrongState, invoice.ID, invoice.State())
	}
	return c.run(ctx, invoice, RecordCancel, EventCancel, func(ctx context.Context, scope Scope, inv Invoice) error {
		if !inv.CanUnhold() {
			return nil
		}
		from, err := scope.LockAccount(ctx, inv.AccountFrom)
		if err != nil {
			return err
		}
		if err := from.ReleaseHold(inv.Amount()); err != nil {
			return err
		}
		return scope.SaveAccount(ctx, &from)
	})
}

type mutation func(ctx context.Context, scope Scope, invoice Invoice) error

func (c *Coordinator) run(ctx context.Context, invoice Invoice, typ RecordType, event Event, mutate mutation) (Invoice, error) {
	ctx, span := c.tracer.Start(ctx, "ledger."+string(typ), trace.WithAttributes(
		attribute.String("invoice.id", invoice.ID),
		attribute.String("invoice.state", string(invoice.State())),
	))
	defer span.End()

	record := newRecord(invoice, typ)
	logger := c.logger.With(
		slog.String("invoice_id", invoice.ID),
		slog.String("record_id", record.ID),
		slog.String("operation", string(typ)),
	)

	result, err := c.inScope(ctx, invoice.ID, &record, event, mutate)
	if err == nil {
		logger.Info("ledger operation committed", slog.String("invoice_state", string(result.State())))
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// The hold vanished underneath a finish; the invoice can never settle.
	markFailed := typ == RecordFinish && errors.Is(err, ErrInsufficientHold)
	if ferr := record.fail(record.InvoiceStateFrom, err); ferr != nil {
		logger.Error("finalize failed record", slog.Any("error", ferr))
	}
	if auditErr := c.recordFailure(ctx, record, markFailed); auditErr != nil {
		logger.Error("persist failed record", slog.Any("error", auditErr), slog.Any("cause", err))
		err = errors.Join(err, auditErr)
	}
	logger.Warn("ledger operation failed", slog.Any("error", err))

	current := invoice
	if markFailed {
		if failed, ferr := c.repo.Invoice(ctx, invoice.ID); ferr == nil {
			current = failed
		}
	}
	return current, err
}

func (c *Coordinator) inScope(ctx context.Context, invoiceID string, record *TransactionRecord, event Event, mutate mutation) (Invoice, error) {
	scopeCtx, cancel := context.WithTimeout(ctx, c.scopeTimeout)
	defer cancel()

	scope, err := c.uow.Begin(scopeCtx)
	if err != nil {
		return Invoice{}, classify(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer rbCancel()
		if rbErr := scope.Rollback(rbCtx); rbErr != nil {
			c.logger.Error("rollback scope", slog.String("invoice_id", invoiceID), slog.Any("error", rbErr))
		}
	}()

	invoice, err := scope.LockInvoice(scopeCtx, invoiceID)
	if err != nil {
		return Invoice{}, classify(err)
	}
	record.InvoiceStateFrom = invoice.State()
	record.InvoiceStateTo = invoice.State()
	if err := scope.SaveRecord(scopeCtx, *record); err != nil {
		return Invoice{}, classify(err)
	}

	// Re-check under the lock; a concurrent caller may have moved the invoice.
	if _, err := invoice.State().Next(event); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s: %w", invoice.ID, err)
	}
	if err := mutate(scopeCtx, scope, invoice); err != nil {
		return Invoice{}, classify(err)
	}
	if err := invoice.Apply(event); err != nil {
		return Invoice{}, err
	}
	if err := scope.SaveInvoice(scopeCtx, &invoice); err != nil {
		return Invoice{}, classify(err)
	}

	finalized := *record
	if err := finalized.succeed(invoice.State()); err != nil {
		return Invoice{}, err
	}
	if err := scope.SaveRecord(scopeCtx, finalized); err != nil {
		return Invoice{}, classify(err)
	}
	if err := scope.Commit(scopeCtx); err != nil {
		return Invoice{}, classify(err)
	}
	committed = true
	*record = finalized
	return invoice, nil
}

// recordFailure writes the failed record in its own scope so that it survives
// the rollback of the operation it describes.
func (c *Coordinator) recordFailure(ctx context.Context, record TransactionRecord, markFailed bool) error {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	scope, err := c.uow.Begin(auditCtx)
	if err != nil {
		return err
	}
	if markFailed {
		invoice, err := scope.LockInvoice(auditCtx, record.InvoiceID)
		if err != nil {
			_ = scope.Rollback(auditCtx)
			return err
		}
		if invoice.Apply(EventFail) == nil {
			if err := scope.SaveInvoice(auditCtx, &invoice); err != nil {
				_ = scope.Rollback(auditCtx)
				return err
			}
			record.InvoiceStateTo = invoice.State()
		}
	}
	if err := scope.SaveRecord(auditCtx, record); err != nil {
		_ = scope.Rollback(auditCtx)
		return err
	}
	if err := scope.Commit(auditCtx); err != nil {
		_ = scope.Rollback(auditCtx)
		return err
	}
	return nil
}

// lockAccounts locks accounts in id order so concurrent scopes never wait on
// each other in opposite directions.
func lockAccounts(ctx context.Context, scope Scope, ids ...string) (map[string]*Account, error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)
	locked := make(map[string]*Account, len(ordered))
	for _, id := range ordered {
		if _, ok := locked[id]; ok {
			continue
		}
		account, err := scope.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = &account
	}
	return locked, nil
}

// classify turns scope deadline expiry into a retryable conflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistence) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: scope deadline: %w", ErrConcurrencyConflict, err)
	}
	return err
}
