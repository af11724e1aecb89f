package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestAccountHoldAndWithdraw(t *testing.T) {
	a := Account{ID: "a", Balance: dec("100"), Held: decimal.Zero}

	require.NoError(t, a.Hold(dec("40")))
	assert.True(t, a.Held.Equal(dec("40")))
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.True(t, a.Available().Equal(dec("60")))

	require.NoError(t, a.Withdraw(dec("40")))
	assert.True(t, a.Held.IsZero())
	assert.True(t, a.Balance.Equal(dec("60")))
}

func TestAccountHoldRejectsMoreThanAvailable(t *testing.T) {
	a := Account{ID: "a", Balance: dec("100"), Held: dec("70")}

	err := a.Hold(dec("30.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, a.Held.Equal(dec("70")), "failed hold must not mutate")

	require.NoError(t, a.Hold(dec("30")))
	assert.True(t, a.Available().IsZero())
}

func TestAccountWithdrawAndReleaseRequireHold(t *testing.T) {
	a := Account{ID: "a", Balance: dec("50"), Held: dec("10")}

	require.ErrorIs(t, a.Withdraw(dec("11")), ErrInsufficientHold)
	require.ErrorIs(t, a.ReleaseHold(dec("11")), ErrInsufficientHold)
	assert.True(t, a.Balance.Equal(dec("50")))
	assert.True(t, a.Held.Equal(dec("10")))

	require.NoError(t, a.ReleaseHold(dec("10")))
	assert.True(t, a.Held.IsZero())
	assert.True(t, a.Balance.Equal(dec("50")))
}

func TestAccountRejectsNonPositiveAmounts(t *testing.T) {
	a := Account{ID: "a", Balance: dec("50")}
	for _, amount := range []decimal.Decimal{decimal.Zero, dec("-1")} {
		assert.ErrorIs(t, a.Hold(amount), ErrInvalidAmount)
		assert.ErrorIs(t, a.ReleaseHold(amount), ErrInvalidAmount)
		assert.ErrorIs(t, a.Withdraw(amount), ErrInvalidAmount)
		assert.ErrorIs(t, a.Deposit(amount), ErrInvalidAmount)
	}
}

func TestAccountRejectsUnrepresentableAmounts(t *testing.T) {
	a := Account{ID: "a", Balance: dec("50"), Held: dec("10")}
	for _, amount := range []decimal.Decimal{dec("1.000000005"), dec("0.000000001"), dec("1e40")} {
		assert.ErrorIs(t, a.Hold(amount), ErrInvalidAmount, amount.String())
		assert.ErrorIs(t, a.ReleaseHold(amount), ErrInvalidAmount, amount.String())
		assert.ErrorIs(t, a.Withdraw(amount), ErrInvalidAmount, amount.String())
		assert.ErrorIs(t, a.Deposit(amount), ErrInvalidAmount, amount.String())
	}
	assert.True(t, a.Balance.Equal(dec("50")))
	assert.True(t, a.Held.Equal(dec("10")))

	require.NoError(t, a.Hold(dec("0.00000001")))
	require.NoError(t, a.Deposit(dec("1.500000000000")))

	big := Account{ID: "b", Balance: dec("999999999999999999999999999999")}
	assert.ErrorIs(t, big.Deposit(dec("1")), ErrInvalidAmount)
	assert.True(t, big.Balance.Equal(dec("999999999999999999999999999999")))
}

func TestAccountDepositIsExact(t *testing.T) {
	a := Account{ID: "a", Balance: dec("0.1")}
	require.NoError(t, a.Deposit(dec("0.2")))
	assert.Equal(t, "0.3", a.Balance.String())
}

func TestAccountValidate(t *testing.T) {
	assert.NoError(t, Account{Balance: dec("5"), Held: dec("5")}.validate())
	assert.Error(t, Account{Balance: dec("5"), Held: dec("6")}.validate())
	assert.Error(t, Account{Balance: dec("-1"), Held: decimal.Zero}.validate())
	assert.Error(t, Account{Balance: dec("1"), Held: dec("-1")}.validate())
}
