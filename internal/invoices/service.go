package invoices

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/notification"
)

const publishTimeout = 2 * time.Second

// Ledger is the part of the ledger coordinator the invoice service drives.
type Ledger interface {
	CreateInvoice(ctx context.Context, input ledger.CreateInvoiceInput) (ledger.Invoice, error)
	Invoice(ctx context.Context, id string) (ledger.Invoice, error)
	Records(ctx context.Context, invoiceID string) ([]ledger.TransactionRecord, error)
	Hold(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error)
	Finish(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error)
	Cancel(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error)
}

// Service runs invoice lifecycle operations and announces their outcome.
type Service struct {
	ledger   Ledger
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs an invoice service. notifier may be nil.
func NewService(ledger Ledger, notifier notification.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, notifier: notifier, logger: logger}
}

// CreateInput captures an intended transfer.
type CreateInput struct {
	AccountFrom string
	AccountTo   string
	Amount      decimal.Decimal
}

// Create stores a new invoice in the created state.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Invoice, error) {
	return s.ledger.CreateInvoice(ctx, ledger.CreateInvoiceInput{
		AccountFrom: input.AccountFrom,
		AccountTo:   input.AccountTo,
		Amount:      input.Amount,
	})
}

// Get returns the current invoice.
func (s *Service) Get(ctx context.Context, id string) (ledger.Invoice, error) {
	return s.ledger.Invoice(ctx, id)
}

// Records returns the invoice audit trail.
func (s *Service) Records(ctx context.Context, id string) ([]ledger.TransactionRecord, error) {
	if _, err := s.ledger.Invoice(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Records(ctx, id)
}

// Hold reserves the invoice amount on its source account.
func (s *Service) Hold(ctx context.Context, id string) (ledger.Invoice, error) {
	return s.apply(ctx, id, s.ledger.Hold, notification.KindInvoiceHeld)
}

// Finish settles a held invoice.
func (s *Service) Finish(ctx context.Context, id string) (ledger.Invoice, error) {
	return s.apply(ctx, id, s.ledger.Finish, notification.KindInvoiceFinished)
}

// Cancel abandons an unsettled invoice.
func (s *Service) Cancel(ctx context.Context, id string) (ledger.Invoice, error) {
	return s.apply(ctx, id, s.ledger.Cancel, notification.KindInvoiceCanceled)
}

type operation func(ctx context.Context, invoice ledger.Invoice) (ledger.Invoice, error)

func (s *Service) apply(ctx context.Context, id string, op operation, kind string) (ledger.Invoice, error) {
	invoice, err := s.ledger.Invoice(ctx, id)
	if err != nil {
		return ledger.Invoice{}, err
	}
	result, err := op(ctx, invoice)
	if err != nil {
		return result, err
	}
	s.publish(ctx, kind, result)
	return result, nil
}

// publish is best effort; the ledger change is already committed.
func (s *Service) publish(ctx context.Context, kind string, invoice ledger.Invoice) {
	if s.notifier == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := s.notifier.Send(pubCtx, notification.Message{
		Kind:        kind,
		InvoiceID:   invoice.ID,
		AccountFrom: invoice.AccountFrom,
		AccountTo:   invoice.AccountTo,
		Amount:      invoice.Amount().String(),
		Currency:    invoice.Currency,
		State:       string(invoice.State()),
		OccurredAt:  invoice.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("publish invoice event",
			slog.String("kind", kind),
			slog.String("invoice_id", invoice.ID),
			slog.Any("error", err))
	}
}
