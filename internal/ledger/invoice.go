package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceState is the lifecycle state of an invoice.
type InvoiceState string

const (
	StateCreated  InvoiceState = "created"
	StateHold     InvoiceState = "hold"
	StateFinished InvoiceState = "finished"
	StateCanceled InvoiceState = "canceled"
	StateFailed   InvoiceState = "failed"
)

// Event drives an invoice from one state to the next.
type Event string

const (
	EventHold   Event = "hold"
	EventFinish Event = "finish"
	EventCancel Event = "cancel"
	EventFail   Event = "fail"
)

// transitions is the complete edge set; anything absent is illegal.
var transitions = map[InvoiceState]map[Event]InvoiceState{
	StateCreated: {
		EventHold:   StateHold,
		EventCancel: StateCanceled,
		EventFail:   StateFailed,
	},
	StateHold: {
		EventFinish: StateFinished,
		EventCancel: StateCanceled,
		EventFail:   StateFailed,
	},
}

// ParseInvoiceState validates a persisted state value.
func ParseInvoiceState(s string) (InvoiceState, error) {
	switch st := InvoiceState(s); st {
	case StateCreated, StateHold, StateFinished, StateCanceled, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown invoice state %q", s)
	}
}

// Next returns the state reached by applying e, or ErrWrongState.
func (s InvoiceState) Next(e Event) (InvoiceState, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: cannot %s invoice in state %s", ErrWrongState, e, s)
	}
	return next, nil
}

// Terminal reports whether no further transition is possible.
func (s InvoiceState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Invoice is an intended transfer between two accounts. Its amount never
// changes after creation and its state only moves through Apply.
type Invoice struct {
	ID          string
	AccountFrom string
	AccountTo   string
	Currency    string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	amount decimal.Decimal
	state  InvoiceState
}

// NewInvoice builds an invoice in the created state.
func NewInvoice(from, to string, amount decimal.Decimal, currency string) (Invoice, error) {
	if err := checkPositive(amount); err != nil {
		return Invoice{}, err
	}
	if from == "" || to == "" {
		return Invoice{}, fmt.Errorf("%w: account ids are required", ErrNotFound)
	}
	if from == to {
		return Invoice{}, ErrSameAccount
	}
	now := time.Now().UTC()
	return Invoice{
		ID:          uuid.NewString(),
		AccountFrom: from,
		AccountTo:   to,
		Currency:    currency,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		amount:      amount,
		state:       StateCreated,
	}, nil
}

// RestoreInvoice rebuilds an invoice loaded from storage.
func RestoreInvoice(id, from, to, currency string, amount decimal.Decimal, state string, version int64, createdAt, updatedAt time.Time) (Invoice, error) {
	st, err := ParseInvoiceState(state)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{
		ID:          id,
		AccountFrom: from,
		AccountTo:   to,
		Currency:    currency,
		Version:     version,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		amount:      amount,
		state:       st,
	}, nil
}

func (i Invoice) Amount() decimal.Decimal { return i.amount }
func (i Invoice) State() InvoiceState     { return i.state }

// CanHold reports whether the invoice may reserve funds.
func (i Invoice) CanHold() bool { return i.can(EventHold) }

// CanFinish reports whether a hold may be settled.
func (i Invoice) CanFinish() bool { return i.can(EventFinish) }

// CanCancel reports whether the invoice may still be canceled.
func (i Invoice) CanCancel() bool { return i.can(EventCancel) }

// CanUnhold reports whether canceling must release a hold on the source account.
func (i Invoice) CanUnhold() bool { return i.state == StateHold }

func (i Invoice) can(e Event) bool {
	_, err := i.state.Next(e)
	return err == nil
}

// Apply moves the invoice along the edge named by e.
func (i *Invoice) Apply(e Event) error {
	next, err := i.state.Next(e)
	if err != nil {
		return fmt.Errorf("invoice %s: %w", i.ID, err)
	}
	i.state = next
	i.UpdatedAt = time.Now().UTC()
	return nil
}
