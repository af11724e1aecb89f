package invoices

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
)

// Handler exposes invoice endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	AccountFrom string          `json:"account_from"`
	AccountTo   string          `json:"account_to"`
	Amount      decimal.Decimal `json:"amount"`
}

type invoiceResponse struct {
	ID          string          `json:"id"`
	AccountFrom string          `json:"account_from"`
	AccountTo   string          `json:"account_to"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	State       string          `json:"state"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type recordResponse struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	State            string     `json:"state"`
	InvoiceStateFrom string     `json:"invoice_state_from"`
	InvoiceStateTo   string     `json:"invoice_state_to"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func toResponse(inv ledger.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:          inv.ID,
		AccountFrom: inv.AccountFrom,
		AccountTo:   inv.AccountTo,
		Amount:      inv.Amount(),
		Currency:    inv.Currency,
		State:       string(inv.State()),
		Version:     inv.Version,
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
	}
}

// Create registers a new invoice.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.service.Create(c.UserContext(), CreateInput{
		AccountFrom: req.AccountFrom,
		AccountTo:   req.AccountTo,
		Amount:      req.Amount,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(inv))
}

// Get returns one invoice.
func (h *Handler) Get(c *fiber.Ctx) error {
	inv, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toResponse(inv))
}

// Records lists the audit trail of an invoice.
func (h *Handler) Records(c *fiber.Ctx) error {
	records, err := h.service.Records(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{
			ID:               rec.ID,
			Type:             string(rec.Type),
			State:            string(rec.State),
			InvoiceStateFrom: string(rec.InvoiceStateFrom),
			InvoiceStateTo:   string(rec.InvoiceStateTo),
			Error:            rec.Error,
			CreatedAt:        rec.CreatedAt,
			FinishedAt:       rec.FinishedAt,
		})
	}
	return c.JSON(fiber.Map{"invoice_id": c.Params("id"), "records": out})
}

// Hold reserves funds for the invoice.
func (h *Handler) Hold(c *fiber.Ctx) error {
	return h.transition(c, h.service.Hold)
}

// Finish settles the invoice.
func (h *Handler) Finish(c *fiber.Ctx) error {
	return h.transition(c, h.service.Finish)
}

// Cancel abandons the invoice.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, h.service.Cancel)
}

func (h *Handler) transition(c *fiber.Ctx, op func(ctx context.Context, id string) (ledger.Invoice, error)) error {
	inv, err := op(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toResponse(inv))
}
