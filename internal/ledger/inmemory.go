package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory backend useful for unit tests
// and local development. Scopes take exclusive per-row locks and stage their
// writes until Commit.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	invoices map[string]Invoice
	records  map[string]TransactionRecord
	order    []string

	lmu   sync.Mutex
	locks map[string]*rowLock
}

// rowLock is dropped from MemoryStore.locks once no scope holds or waits on it.
type rowLock struct {
	ch   chan struct{}
	refs int
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		invoices: make(map[string]Invoice),
		records:  make(map[string]TransactionRecord),
		locks:    make(map[string]*rowLock),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, account Account) error {
	if err := account.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	s.accounts[account.ID] = account
	return nil
}

func (s *MemoryStore) CreateInvoice(_ context.Context, invoice Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[invoice.ID]; exists {
		return fmt.Errorf("invoice %s already exists", invoice.ID)
	}
	for _, id := range []string{invoice.AccountFrom, invoice.AccountTo} {
		if _, ok := s.accounts[id]; !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
	}
	s.invoices[invoice.ID] = invoice
	return nil
}

func (s *MemoryStore) Account(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return account, nil
}

func (s *MemoryStore) Invoice(_ context.Context, id string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	invoice, ok := s.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return invoice, nil
}

func (s *MemoryStore) Records(_ context.Context, invoiceID string) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransactionRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.InvoiceID == invoiceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Begin opens a scope. Locks are acquired lazily by the Lock methods.
func (s *MemoryStore) Begin(ctx context.Context) (Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryScope{
		store:    s,
		held:     make(map[string]func()),
		accounts: make(map[string]Account),
		invoices: make(map[string]Invoice),
		records:  make(map[string]TransactionRecord),
	}, nil
}

// lock blocks until key is free or ctx is done.
func (s *MemoryStore) lock(ctx context.Context, key string) (func(), error) {
	s.lmu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.lmu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				s.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		s.unref(key, l)
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) unref(key string, l *rowLock) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

type memoryScope struct {
	store    *MemoryStore
	held     map[string]func()
	accounts map[string]Account
	invoices map[string]Invoice
	records  map[string]TransactionRecord
	order    []string
	done     bool
}

var errScopeClosed = errors.New("scope already closed")

func (sc *memoryScope) acquire(ctx context.Context, key string) error {
	if sc.done {
		return errScopeClosed
	}
	if _, ok := sc.held[key]; ok {
		return nil
	}
	release, err := sc.store.lock(ctx, key)
	if err != nil {
		return err
	}
	sc.held[key] = release
	return nil
}

func (sc *memoryScope) LockInvoice(ctx context.Context, id string) (Invoice, error) {
	if err := sc.acquire(ctx, "invoice:"+id); err != nil {
		return Invoice{}, err
	}
	if staged, ok := sc.invoices[id]; ok {
		return staged, nil
	}
	return sc.store.Invoice(ctx, id)
}

func (sc *memoryScope) LockAccount(ctx context.Context, id string) (Account, error) {
	if err := sc.acquire(ctx, "account:"+id); err != nil {
		return Account{}, err
	}
	if staged, ok := sc.accounts[id]; ok {
		return staged, nil
	}
	return sc.store.Account(ctx, id)
}

func (sc *memoryScope) SaveAccount(ctx context.Context, account *Account) error {
	if _, ok := sc.held["account:"+account.ID]; !ok || sc.done {
		return fmt.Errorf("%w: account %s is not locked by this scope", ErrConcurrencyConflict, account.ID)
	}
	if err := account.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	current, ok := sc.accounts[account.ID]
	if !ok {
		var err error
		if current, err = sc.store.Account(ctx, account.ID); err != nil {
			return err
		}
	}
	if current.Version != account.Version {
		return fmt.Errorf("%w: account %s version %d, have %d", ErrConcurrencyConflict, account.ID, current.Version, account.Version)
	}
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	sc.accounts[account.ID] = *account
	return nil
}

func (sc *memoryScope) SaveInvoice(ctx context.Context, invoice *Invoice) error {
	if _, ok := sc.held["invoice:"+invoice.ID]; !ok || sc.done {
		return fmt.Errorf("%w: invoice %s is not locked by this scope", ErrConcurrencyConflict, invoice.ID)
	}
	current, ok := sc.invoices[invoice.ID]
	if !ok {
		var err error
		if current, err = sc.store.Invoice(ctx, invoice.ID); err != nil {
			return err
		}
	}
	if current.Version != invoice.Version {
		return fmt.Errorf("%w: invoice %s version %d, have %d", ErrConcurrencyConflict, invoice.ID, current.Version, invoice.Version)
	}
	invoice.Version++
	sc.invoices[invoice.ID] = *invoice
	return nil
}

func (sc *memoryScope) SaveRecord(_ context.Context, record TransactionRecord) error {
	if sc.done {
		return errScopeClosed
	}
	if existing, ok := sc.records[record.ID]; ok && existing.Final() {
		return fmt.Errorf("%w: record %s is final", ErrPersistence, record.ID)
	}
	sc.store.mu.RLock()
	existing, ok := sc.store.records[record.ID]
	sc.store.mu.RUnlock()
	if ok && existing.Final() {
		return fmt.Errorf("%w: record %s is final", ErrPersistence, record.ID)
	}
	if _, staged := sc.records[record.ID]; !staged && !ok {
		sc.order = append(sc.order, record.ID)
	}
	sc.records[record.ID] = record
	return nil
}

func (sc *memoryScope) Commit(ctx context.Context) error {
	if sc.done {
		return errScopeClosed
	}
	if err := ctx.Err(); err != nil {
		sc.release()
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	sc.store.mu.Lock()
	for id, account := range sc.accounts {
		sc.store.accounts[id] = account
	}
	for id, invoice := range sc.invoices {
		sc.store.invoices[id] = invoice
	}
	for id, record := range sc.records {
		sc.store.records[id] = record
	}
	sc.store.order = append(sc.store.order, sc.order...)
	sc.store.mu.Unlock()
	sc.release()
	return nil
}

func (sc *memoryScope) Rollback(_ context.Context) error {
	if sc.done {
		return nil
	}
	sc.release()
	return nil
}

func (sc *memoryScope) release() {
	sc.done = true
	for key, release := range sc.held {
		release()
		delete(sc.held, key)
	}
}
