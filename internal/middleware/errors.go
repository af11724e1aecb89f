package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/settlement/internal/ledger"
)

// ErrorHandler renders handler errors as JSON, translating ledger sentinels
// into status codes. Conflicts carry Retry-After since they are retryable.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, message := StatusFor(err)
		if status == http.StatusConflict && errors.Is(err, ledger.ErrConcurrencyConflict) {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		if status >= http.StatusInternalServerError {
			requestID, _ := c.Locals(requestIDHeader).(string)
			logger.Error("request failed",
				slog.String("path", c.Path()),
				slog.String("request_id", requestID),
				slog.Any("error", err))
		}
		return c.Status(status).JSON(fiber.Map{"error": message})
	}
}

// StatusFor maps an error to an HTTP status and client-facing message.
func StatusFor(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ledger.ErrWrongState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrent modification, retry the request"
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientHold):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrCurrencyMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusServiceUnavailable, "ledger storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
