package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/congo-pay/settlement/internal/ledger"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("invoice x: %w", ledger.ErrWrongState), http.StatusConflict},
		{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{ledger.ErrInsufficientHold, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: scope deadline", ledger.ErrConcurrencyConflict), http.StatusConflict},
		{fmt.Errorf("account y: %w", ledger.ErrNotFound), http.StatusNotFound},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrSameAccount, http.StatusBadRequest},
		{ledger.ErrCurrencyMismatch, http.StatusBadRequest},
		{fmt.Errorf("%w: commit", ledger.ErrPersistence), http.StatusServiceUnavailable},
		{fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := StatusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}

func TestPersistenceMessageHidesDriverDetail(t *testing.T) {
	_, msg := StatusFor(fmt.Errorf("%w: insert: password authentication failed", ledger.ErrPersistence))
	assert.Equal(t, "ledger storage unavailable", msg)
}
