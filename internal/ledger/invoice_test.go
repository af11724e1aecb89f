package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceStateTransitions(t *testing.T) {
	cases := []struct {
		from  InvoiceState
		event Event
		to    InvoiceState
		ok    bool
	}{
		{StateCreated, EventHold, StateHold, true},
		{StateCreated, EventCancel, StateCanceled, true},
		{StateCreated, EventFinish, StateCreated, false},
		{StateHold, EventFinish, StateFinished, true},
		{StateHold, EventCancel, StateCanceled, true},
		{StateHold, EventHold, StateHold, false},
		{StateHold, EventFail, StateFailed, true},
		{StateFinished, EventFinish, StateFinished, false},
		{StateFinished, EventCancel, StateFinished, false},
		{StateCanceled, EventHold, StateCanceled, false},
		{StateFailed, EventCancel, StateFailed, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			next, err := tc.from.Next(tc.event)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrWrongState)
			}
			assert.Equal(t, tc.to, next)
		})
	}
}

func TestInvoiceTerminalStates(t *testing.T) {
	for _, st := range []InvoiceState{StateFinished, StateCanceled, StateFailed} {
		assert.True(t, st.Terminal(), st)
	}
	for _, st := range []InvoiceState{StateCreated, StateHold} {
		assert.False(t, st.Terminal(), st)
	}
}

func TestNewInvoiceValidation(t *testing.T) {
	_, err := NewInvoice("a", "b", dec("0"), "XAF")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewInvoice("a", "a", dec("1"), "XAF")
	require.ErrorIs(t, err, ErrSameAccount)

	inv, err := NewInvoice("a", "b", dec("12.50"), "XAF")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, inv.State())
	assert.True(t, inv.Amount().Equal(dec("12.5")))
	assert.True(t, inv.CanHold())
	assert.True(t, inv.CanCancel())
	assert.False(t, inv.CanFinish())
	assert.False(t, inv.CanUnhold())
}

func TestInvoiceApplyGuards(t *testing.T) {
	inv, err := NewInvoice("a", "b", dec("1"), "XAF")
	require.NoError(t, err)

	require.ErrorIs(t, inv.Apply(EventFinish), ErrWrongState)
	assert.Equal(t, StateCreated, inv.State())

	require.NoError(t, inv.Apply(EventHold))
	assert.True(t, inv.CanUnhold())
	assert.True(t, inv.CanFinish())

	require.NoError(t, inv.Apply(EventFinish))
	assert.False(t, inv.CanCancel())
	assert.False(t, inv.CanHold())
}

func TestRestoreInvoiceRejectsUnknownState(t *testing.T) {
	_, err := RestoreInvoice("i", "a", "b", "XAF", dec("1"), "transacted", 1, time.Now(), time.Now())
	require.Error(t, err)

	inv, err := RestoreInvoice("i", "a", "b", "XAF", dec("1"), "hold", 3, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateHold, inv.State())
	assert.Equal(t, int64(3), inv.Version)
}
