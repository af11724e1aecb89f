package accounts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
)

// Handler exposes account HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type openRequest struct {
	OwnerID        string          `json:"owner_id"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type accountResponse struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Held      decimal.Decimal `json:"held"`
	Available decimal.Decimal `json:"available"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Currency:  a.Currency,
		Balance:   a.Balance,
		Held:      a.Held,
		Available: a.Available(),
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// Open creates an account.
func (h *Handler) Open(c *fiber.Ctx) error {
	var req openRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	account, err := h.service.Open(c.UserContext(), OpenInput{
		OwnerID:        req.OwnerID,
		Currency:       req.Currency,
		OpeningBalance: req.OpeningBalance,
	})
	if errors.Is(err, ErrOwnerRequired) {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(account))
}

// Get returns an account with its balance and hold.
func (h *Handler) Get(c *fiber.Ctx) error {
	account, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(account))
}
