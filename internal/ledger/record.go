package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordType names the ledger operation a TransactionRecord audits.
type RecordType string

const (
	RecordHold   RecordType = "hold"
	RecordFinish RecordType = "finish"
	RecordCancel RecordType = "cancel"
)

// RecordState is the outcome of an audited operation.
type RecordState string

const (
	RecordNew     RecordState = "new"
	RecordSuccess RecordState = "success"
	RecordFail    RecordState = "fail"
)

// TransactionRecord is the audit entry for one coordinator call. It is written
// in state new, finalized exactly once, and never modified afterwards.
type TransactionRecord struct {
	ID               string
	InvoiceID        string
	Type             RecordType
	State            RecordState
	InvoiceStateFrom InvoiceState
	InvoiceStateTo   InvoiceState
	Error            string
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

func newRecord(invoice Invoice, typ RecordType) TransactionRecord {
	return TransactionRecord{
		ID:               uuid.NewString(),
		InvoiceID:        invoice.ID,
		Type:             typ,
		State:            RecordNew,
		InvoiceStateFrom: invoice.State(),
		InvoiceStateTo:   invoice.State(),
		CreatedAt:        time.Now().UTC(),
	}
}

func (r *TransactionRecord) succeed(to InvoiceState) error {
	return r.finalize(RecordSuccess, to, "")
}

func (r *TransactionRecord) fail(to InvoiceState, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.finalize(RecordFail, to, msg)
}

func (r *TransactionRecord) finalize(state RecordState, to InvoiceState, msg string) error {
	if r.State != RecordNew {
		return fmt.Errorf("record %s already finalized as %s", r.ID, r.State)
	}
	now := time.Now().UTC()
	r.State = state
	r.InvoiceStateTo = to
	r.Error = msg
	r.FinishedAt = &now
	return nil
}

// Final reports whether the record reached success or fail.
func (r TransactionRecord) Final() bool {
	return r.State == RecordSuccess || r.State == RecordFail
}
