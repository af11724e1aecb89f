package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists ledger state in PostgreSQL. Scopes are database
// transactions that take row locks with SELECT ... FOR UPDATE; a version
// column guards every update as well.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

const (
	accountColumns = `id::text, owner_id, currency, balance::text, held::text, version, created_at, updated_at`
	invoiceColumns = `id::text, account_from::text, account_to::text, currency, amount::text, state, version, created_at, updated_at`
	recordColumns  = `id::text, invoice_id::text, type, state, invoice_state_from, invoice_state_to, error, created_at, finished_at`
)

// CreateAccount inserts a new account row.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	if err := account.validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, owner_id, currency, balance, held, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.OwnerID, account.Currency, account.Balance.String(), account.Held.String(),
		account.Version, account.CreatedAt.UTC(), account.UpdatedAt.UTC())
	if err != nil {
		return pgError("insert account", err)
	}
	return nil
}

// CreateInvoice inserts a new invoice row.
func (s *PostgresStore) CreateInvoice(ctx context.Context, invoice Invoice) error {
	_, err := s.db.Exec(ctx, `INSERT INTO invoices (id, account_from, account_to, currency, amount, state, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		invoice.ID, invoice.AccountFrom, invoice.AccountTo, invoice.Currency, invoice.Amount().String(),
		string(invoice.State()), invoice.Version, invoice.CreatedAt.UTC(), invoice.UpdatedAt.UTC())
	if err != nil {
		return pgError("insert invoice", err)
	}
	return nil
}

// Account fetches an account by id.
func (s *PostgresStore) Account(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	account, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return Account{}, notFound("account", id, err)
	}
	return account, nil
}

// Invoice fetches an invoice by id.
func (s *PostgresStore) Invoice(ctx context.Context, id string) (Invoice, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	invoice, err := scanInvoice(s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return Invoice{}, notFound("invoice", id, err)
	}
	return invoice, nil
}

// Records lists audit records for an invoice in creation order.
func (s *PostgresStore) Records(ctx context.Context, invoiceID string) ([]TransactionRecord, error) {
	if _, err := uuid.Parse(invoiceID); err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM transaction_records
        WHERE invoice_id = $1 ORDER BY seq`, invoiceID)
	if err != nil {
		return nil, pgError("query records", err)
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate records", err)
	}
	return out, nil
}

// Begin opens a read-committed transaction; row locks provide isolation.
func (s *PostgresStore) Begin(ctx context.Context) (Scope, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, pgError("begin", err)
	}
	return &pgScope{tx: tx}, nil
}

type pgScope struct {
	tx pgx.Tx
}

func (sc *pgScope) LockInvoice(ctx context.Context, id string) (Invoice, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	invoice, err := scanInvoice(sc.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Invoice{}, notFound("invoice", id, err)
	}
	return invoice, nil
}

func (sc *pgScope) LockAccount(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	account, err := scanAccount(sc.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Account{}, notFound("account", id, err)
	}
	return account, nil
}

func (sc *pgScope) SaveAccount(ctx context.Context, account *Account) error {
	if err := account.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	now := time.Now().UTC()
	tag, err := sc.tx.Exec(ctx, `UPDATE accounts SET balance = $2, held = $3, version = version + 1, updated_at = $4
        WHERE id = $1 AND version = $5`,
		account.ID, account.Balance.String(), account.Held.String(), now, account.Version)
	if err != nil {
		return pgError("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s changed since version %d", ErrConcurrencyConflict, account.ID, account.Version)
	}
	account.Version++
	account.UpdatedAt = now
	return nil
}

func (sc *pgScope) SaveInvoice(ctx context.Context, invoice *Invoice) error {
	tag, err := sc.tx.Exec(ctx, `UPDATE invoices SET state = $2, version = version + 1, updated_at = $3
        WHERE id = $1 AND version = $4`,
		invoice.ID, string(invoice.State()), invoice.UpdatedAt.UTC(), invoice.Version)
	if err != nil {
		return pgError("update invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %s changed since version %d", ErrConcurrencyConflict, invoice.ID, invoice.Version)
	}
	invoice.Version++
	return nil
}

// SaveRecord inserts a record or finalizes one still in state new. Final
// records are never overwritten.
func (sc *pgScope) SaveRecord(ctx context.Context, record TransactionRecord) error {
	tag, err := sc.tx.Exec(ctx, `INSERT INTO transaction_records
        (id, invoice_id, type, state, invoice_state_from, invoice_state_to, error, created_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            state = EXCLUDED.state,
            invoice_state_to = EXCLUDED.invoice_state_to,
            error = EXCLUDED.error,
            finished_at = EXCLUDED.finished_at
        WHERE transaction_records.state = 'new'`,
		record.ID, record.InvoiceID, string(record.Type), string(record.State),
		string(record.InvoiceStateFrom), string(record.InvoiceStateTo), record.Error,
		record.CreatedAt.UTC(), record.FinishedAt)
	if err != nil {
		return pgError("save record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: record %s is final", ErrPersistence, record.ID)
	}
	return nil
}

func (sc *pgScope) Commit(ctx context.Context) error {
	if err := sc.tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (sc *pgScope) Rollback(ctx context.Context) error {
	if err := sc.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a             Account
		balance, held string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Currency, &balance, &held, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	if a.Held, err = decimal.NewFromString(held); err != nil {
		return Account{}, fmt.Errorf("parse held: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		id, from, to, currency, amount, state string
		version                               int64
		createdAt, updatedAt                  time.Time
	)
	if err := row.Scan(&id, &from, &to, &currency, &amount, &state, &version, &createdAt, &updatedAt); err != nil {
		return Invoice{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Invoice{}, fmt.Errorf("parse amount: %w", err)
	}
	return RestoreInvoice(id, from, to, currency, value, state, version, createdAt.UTC(), updatedAt.UTC())
}

func scanRecord(row pgx.Row) (TransactionRecord, error) {
	var (
		rec                      TransactionRecord
		typ, state, fromSt, toSt string
		finishedAt               *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.InvoiceID, &typ, &state, &fromSt, &toSt, &rec.Error, &rec.CreatedAt, &finishedAt); err != nil {
		return TransactionRecord{}, err
	}
	rec.Type = RecordType(typ)
	rec.State = RecordState(state)
	rec.InvoiceStateFrom = InvoiceState(fromSt)
	rec.InvoiceStateTo = InvoiceState(toSt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if finishedAt != nil {
		t := finishedAt.UTC()
		rec.FinishedAt = &t
	}
	return rec, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return pgError("select "+kind, err)
}

// pgError classifies driver errors into the ledger taxonomy.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.Detail)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
