package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreSuite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return openTestSQLite(t) })
}

func TestSQLiteRejectsStaleVersion(t *testing.T) {
	store := openTestSQLite(t)
	c := NewStoreCoordinator(store)
	ctx := context.Background()
	a := mustOpen(t, c, "100")

	scope, err := store.Begin(ctx)
	require.NoError(t, err)
	account, err := scope.LockAccount(ctx, a.ID)
	require.NoError(t, err)
	stale := account
	require.NoError(t, account.Deposit(dec("1")))
	require.NoError(t, scope.SaveAccount(ctx, &account))

	require.NoError(t, stale.Deposit(dec("2")))
	require.ErrorIs(t, scope.SaveAccount(ctx, &stale), ErrConcurrencyConflict)
	require.NoError(t, scope.Commit(ctx))

	assertBalances(t, c, a.ID, "101", "0")
}

func TestSQLitePreservesDecimalPrecision(t *testing.T) {
	store := openTestSQLite(t)
	c := NewStoreCoordinator(store)
	ctx := context.Background()
	a := mustOpen(t, c, "0.30")
	b := mustOpen(t, c, "0")
	inv := mustInvoice(t, c, a.ID, b.ID, "0.10")

	held, err := c.Hold(ctx, inv)
	require.NoError(t, err)
	_, err = c.Finish(ctx, held)
	require.NoError(t, err)

	assertBalances(t, c, a.ID, "0.2", "0")
	assertBalances(t, c, b.ID, "0.1", "0")
}

func TestSQLiteMissingRows(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	_, err := store.Account(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Invoice(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	records, err := store.Records(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, store.Ping(ctx))
}
