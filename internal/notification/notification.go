package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	KindInvoiceHeld     = "invoice.held"
	KindInvoiceFinished = "invoice.finished"
	KindInvoiceCanceled = "invoice.canceled"
)

// Message describes an invoice lifecycle event.
type Message struct {
	Kind        string    `json:"kind"`
	InvoiceID   string    `json:"invoice_id"`
	AccountFrom string    `json:"account_from"`
	AccountTo   string    `json:"account_to"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	State       string    `json:"state"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes events to the structured logger. It is used when no
// broker is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("invoice_id", message.InvoiceID),
		slog.String("amount", message.Amount),
		slog.String("state", message.State),
	)
	return nil
}
