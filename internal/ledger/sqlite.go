package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStore persists ledger state in a single SQLite file. SQLite has no row
// locks, so every update is conditioned on the version read earlier in the
// scope and scopes begin IMMEDIATE to serialize writers.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (or creates) a SQLite ledger file and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

const (
	sqliteAccountColumns = `id, owner_id, currency, balance, held, version, created_at, updated_at`
	sqliteInvoiceColumns = `id, account_from, account_to, currency, amount, state, version, created_at, updated_at`
	sqliteRecordColumns  = `id, invoice_id, type, state, invoice_state_from, invoice_state_to, error, created_at, finished_at`
)

func (s *SQLiteStore) CreateAccount(ctx context.Context, account Account) error {
	if err := account.validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO accounts (`+sqliteAccountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.OwnerID, account.Currency, account.Balance.String(), account.Held.String(),
		account.Version, toMillis(account.CreatedAt), toMillis(account.UpdatedAt))
	if err != nil {
		return sqliteError("insert account", err)
	}
	return nil
}

func (s *SQLiteStore) CreateInvoice(ctx context.Context, invoice Invoice) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO invoices (`+sqliteInvoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID, invoice.AccountFrom, invoice.AccountTo, invoice.Currency, invoice.Amount().String(),
		string(invoice.State()), invoice.Version, toMillis(invoice.CreatedAt), toMillis(invoice.UpdatedAt))
	if err != nil {
		return sqliteError("insert invoice", err)
	}
	return nil
}

func (s *SQLiteStore) Account(ctx context.Context, id string) (Account, error) {
	account, err := scanSQLiteAccount(s.sqlDB.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return Account{}, sqliteNotFound("account", id, err)
	}
	return account, nil
}

func (s *SQLiteStore) Invoice(ctx context.Context, id string) (Invoice, error) {
	invoice, err := scanSQLiteInvoice(s.sqlDB.QueryRowContext(ctx, `SELECT `+sqliteInvoiceColumns+` FROM invoices WHERE id = ?`, id))
	if err != nil {
		return Invoice{}, sqliteNotFound("invoice", id, err)
	}
	return invoice, nil
}

func (s *SQLiteStore) Records(ctx context.Context, invoiceID string) ([]TransactionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM transaction_records WHERE invoice_id = ? ORDER BY seq`, invoiceID)
	if err != nil {
		return nil, sqliteError("query records", err)
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var (
			rec                      TransactionRecord
			typ, state, fromSt, toSt string
			createdAt                int64
			finishedAt               sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.InvoiceID, &typ, &state, &fromSt, &toSt, &rec.Error, &createdAt, &finishedAt); err != nil {
			return nil, sqliteError("scan record", err)
		}
		rec.Type = RecordType(typ)
		rec.State = RecordState(state)
		rec.InvoiceStateFrom = InvoiceState(fromSt)
		rec.InvoiceStateTo = InvoiceState(toSt)
		rec.CreatedAt = fromMillis(createdAt)
		if finishedAt.Valid {
			t := fromMillis(finishedAt.Int64)
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("iterate records", err)
	}
	return out, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Scope, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteError("begin", err)
	}
	return &sqliteScope{tx: tx}, nil
}

type sqliteScope struct {
	tx *sql.Tx
}

func (sc *sqliteScope) LockInvoice(ctx context.Context, id string) (Invoice, error) {
	invoice, err := scanSQLiteInvoice(sc.tx.QueryRowContext(ctx, `SELECT `+sqliteInvoiceColumns+` FROM invoices WHERE id = ?`, id))
	if err != nil {
		return Invoice{}, sqliteNotFound("invoice", id, err)
	}
	return invoice, nil
}

func (sc *sqliteScope) LockAccount(ctx context.Context, id string) (Account, error) {
	account, err := scanSQLiteAccount(sc.tx.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return Account{}, sqliteNotFound("account", id, err)
	}
	return account, nil
}

func (sc *sqliteScope) SaveAccount(ctx context.Context, account *Account) error {
	if err := account.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	now := time.Now().UTC()
	res, err := sc.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, held = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		account.Balance.String(), account.Held.String(), toMillis(now), account.ID, account.Version)
	if err != nil {
		return sqliteError("update account", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: account %s changed since version %d", ErrConcurrencyConflict, account.ID, account.Version)
	}
	account.Version++
	account.UpdatedAt = now
	return nil
}

func (sc *sqliteScope) SaveInvoice(ctx context.Context, invoice *Invoice) error {
	res, err := sc.tx.ExecContext(ctx,
		`UPDATE invoices SET state = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		string(invoice.State()), toMillis(invoice.UpdatedAt), invoice.ID, invoice.Version)
	if err != nil {
		return sqliteError("update invoice", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: invoice %s changed since version %d", ErrConcurrencyConflict, invoice.ID, invoice.Version)
	}
	invoice.Version++
	return nil
}

func (sc *sqliteScope) SaveRecord(ctx context.Context, record TransactionRecord) error {
	var finishedAt sql.NullInt64
	if record.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: toMillis(*record.FinishedAt), Valid: true}
	}
	res, err := sc.tx.ExecContext(ctx, `INSERT INTO transaction_records (`+sqliteRecordColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            state = excluded.state,
            invoice_state_to = excluded.invoice_state_to,
            error = excluded.error,
            finished_at = excluded.finished_at
        WHERE transaction_records.state = 'new'`,
		record.ID, record.InvoiceID, string(record.Type), string(record.State),
		string(record.InvoiceStateFrom), string(record.InvoiceStateTo), record.Error,
		toMillis(record.CreatedAt), finishedAt)
	if err != nil {
		return sqliteError("save record", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: record %s is final", ErrPersistence, record.ID)
	}
	return nil
}

func (sc *sqliteScope) Commit(_ context.Context) error {
	if err := sc.tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (sc *sqliteScope) Rollback(_ context.Context) error {
	if err := sc.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func scanSQLiteAccount(row *sql.Row) (Account, error) {
	var (
		a                    Account
		balance, held        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Currency, &balance, &held, &a.Version, &createdAt, &updatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	if a.Held, err = decimal.NewFromString(held); err != nil {
		return Account{}, fmt.Errorf("parse held: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

func scanSQLiteInvoice(row *sql.Row) (Invoice, error) {
	var (
		id, from, to, currency, amount, state string
		version, createdAt, updatedAt         int64
	)
	if err := row.Scan(&id, &from, &to, &currency, &amount, &state, &version, &createdAt, &updatedAt); err != nil {
		return Invoice{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Invoice{}, fmt.Errorf("parse amount: %w", err)
	}
	return RestoreInvoice(id, from, to, currency, value, state, version, fromMillis(createdAt), fromMillis(updatedAt))
}

func sqliteNotFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return sqliteError("select "+kind, err)
}

func sqliteError(op string, err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
		}
		if sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
