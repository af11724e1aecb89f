package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises a backend through the coordinator. Every store
// implementation must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("HoldThenFinish", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "100")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "40")

		held, err := c.Hold(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, StateHold, held.State())
		assertBalances(t, c, a.ID, "100", "40")

		done, err := c.Finish(ctx, held)
		require.NoError(t, err)
		assert.Equal(t, StateFinished, done.State())
		assertBalances(t, c, a.ID, "60", "0")
		assertBalances(t, c, b.ID, "40", "0")

		records, err := c.Records(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, RecordHold, records[0].Type)
		assert.Equal(t, RecordSuccess, records[0].State)
		assert.Equal(t, StateCreated, records[0].InvoiceStateFrom)
		assert.Equal(t, StateHold, records[0].InvoiceStateTo)
		assert.Equal(t, RecordFinish, records[1].Type)
		assert.Equal(t, RecordSuccess, records[1].State)
		assert.Equal(t, StateHold, records[1].InvoiceStateFrom)
		assert.Equal(t, StateFinished, records[1].InvoiceStateTo)
		require.NotNil(t, records[1].FinishedAt)
	})

	t.Run("InsufficientFundsIsAudited", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "10")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "40")

		_, err := c.Hold(ctx, inv)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		assertBalances(t, c, a.ID, "10", "0")

		stored, err := c.Invoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCreated, stored.State())

		records, err := c.Records(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, RecordFail, records[0].State)
		assert.Equal(t, StateCreated, records[0].InvoiceStateFrom)
		assert.Equal(t, StateCreated, records[0].InvoiceStateTo)
		assert.NotEmpty(t, records[0].Error)
	})

	t.Run("SecondFinishIsRejected", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "100")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "25")

		held, err := c.Hold(ctx, inv)
		require.NoError(t, err)
		done, err := c.Finish(ctx, held)
		require.NoError(t, err)

		_, err = c.Finish(ctx, done)
		require.ErrorIs(t, err, ErrWrongState)
		assertBalances(t, c, a.ID, "75", "0")
		assertBalances(t, c, b.ID, "25", "0")

		// Stale handle: the guard passes on the caller's copy and fails under the lock.
		_, err = c.Finish(ctx, held)
		require.ErrorIs(t, err, ErrWrongState)
		assertBalances(t, c, a.ID, "75", "0")
		assertBalances(t, c, b.ID, "25", "0")

		records, err := c.Records(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, RecordFail, records[2].State)
		assert.Equal(t, StateFinished, records[2].InvoiceStateFrom)
	})

	t.Run("CancelReleasesHold", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "100")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "30")

		held, err := c.Hold(ctx, inv)
		require.NoError(t, err)
		canceled, err := c.Cancel(ctx, held)
		require.NoError(t, err)
		assert.Equal(t, StateCanceled, canceled.State())
		assertBalances(t, c, a.ID, "100", "0")
		assertBalances(t, c, b.ID, "0", "0")

		_, err = c.Hold(ctx, canceled)
		require.ErrorIs(t, err, ErrWrongState)
	})

	t.Run("AmountsKeepEightFractionalDigits", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "1.00000001")
		b := mustOpen(t, c, "0")

		for _, amount := range []string{"1.000000005", "0.000000001", "1e40"} {
			_, err := c.CreateInvoice(ctx, CreateInvoiceInput{AccountFrom: a.ID, AccountTo: b.ID, Amount: decimal.RequireFromString(amount)})
			require.ErrorIs(t, err, ErrInvalidAmount, amount)
			_, err = c.OpenAccount(ctx, OpenAccountInput{OwnerID: "owner", OpeningBalance: decimal.RequireFromString(amount)})
			require.ErrorIs(t, err, ErrInvalidAmount, amount)
		}

		inv := mustInvoice(t, c, a.ID, b.ID, "0.00000001")
		stored, err := c.Invoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.True(t, stored.Amount().Equal(decimal.RequireFromString("0.00000001")))

		held, err := c.Hold(ctx, stored)
		require.NoError(t, err)
		_, err = c.Finish(ctx, held)
		require.NoError(t, err)
		assertBalances(t, c, a.ID, "1", "0")
		assertBalances(t, c, b.ID, "0.00000001", "0")
	})

	t.Run("RecordsKeepInsertionOrderOnEqualTimestamps", func(t *testing.T) {
		store := newStore(t)
		c := NewStoreCoordinator(store)
		ctx := context.Background()
		a := mustOpen(t, c, "100")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "10")

		scope, err := store.Begin(ctx)
		require.NoError(t, err)
		locked, err := scope.LockInvoice(ctx, inv.ID)
		require.NoError(t, err)
		at := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
		var want []string
		for i := 0; i < 6; i++ {
			rec := newRecord(locked, RecordHold)
			rec.CreatedAt = at
			require.NoError(t, rec.fail(StateCreated, errors.New("rejected")))
			require.NoError(t, scope.SaveRecord(ctx, rec))
			want = append(want, rec.ID)
		}
		require.NoError(t, scope.Commit(ctx))

		records, err := c.Records(ctx, inv.ID)
		require.NoError(t, err)
		got := make([]string, 0, len(records))
		for _, rec := range records {
			got = append(got, rec.ID)
		}
		assert.Equal(t, want, got)
	})

	t.Run("ConcurrentHoldsOnSameInvoice", func(t *testing.T) {
		c := NewStoreCoordinator(newStore(t))
		ctx := context.Background()
		a := mustOpen(t, c, "100")
		b := mustOpen(t, c, "0")
		inv := mustInvoice(t, c, a.ID, b.ID, "40")

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Hold(ctx, inv)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrWrongState), errors.Is(err, ErrConcurrencyConflict):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assertBalances(t, c, a.ID, "100", "40")

		records, err := c.Records(ctx, inv.ID)
		require.NoError(t, err)
		var ok int
		for _, rec := range records {
			assert.True(t, rec.Final(), "record %s left in state %s", rec.ID, rec.State)
			if rec.State == RecordSuccess {
				ok++
			}
		}
		assert.Equal(t, 1, ok)
	})
}

func mustOpen(t *testing.T, c *Coordinator, balance string) Account {
	t.Helper()
	account, err := c.OpenAccount(context.Background(), OpenAccountInput{
		OwnerID:        "owner",
		OpeningBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return account
}

func mustInvoice(t *testing.T, c *Coordinator, from, to, amount string) Invoice {
	t.Helper()
	inv, err := c.CreateInvoice(context.Background(), CreateInvoiceInput{
		AccountFrom: from,
		AccountTo:   to,
		Amount:      decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return inv
}

func assertBalances(t *testing.T, c *Coordinator, id, balance, held string) {
	t.Helper()
	account, err := c.Account(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString(balance)), "balance: want %s, got %s", balance, account.Balance)
	assert.True(t, account.Held.Equal(decimal.RequireFromString(held)), "held: want %s, got %s", held, account.Held)
	assert.False(t, account.Held.GreaterThan(account.Balance), "held exceeds balance")
	assert.False(t, account.Held.IsNegative(), "negative held")
}
