package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/settlement/internal/accounts"
	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/invoices"
	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/middleware"
	"github.com/congo-pay/settlement/internal/notification"
)

// Pinger reports backend reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	Store    ledger.Store
	Pinger   Pinger
	Cache    *redis.Client
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return fmt.Errorf("ledger store is required")
	}
	if !d.Cfg.IsDev() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	coordinator := ledger.NewStoreCoordinator(d.Store,
		ledger.WithLogger(d.Logger),
		ledger.WithScopeTimeout(d.Cfg.ScopeTimeout),
	)
	accountHandler := accounts.NewHandler(accounts.NewService(coordinator))
	invoiceHandler := invoices.NewHandler(invoices.NewService(coordinator, d.Notifier, d.Logger))

	api := app.Group("/api/v1", middleware.APIKey(d.Cfg.APIKeyHash))
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	mutations := []fiber.Handler{middleware.RateLimit(d.Cache, d.Cfg.MutationLimit, d.Logger)}
	if d.Cache != nil {
		mutations = append(mutations, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterAccountRoutes(api, accountHandler, mutations...)
	RegisterInvoiceRoutes(api, invoiceHandler, mutations...)
	return nil
}

// RegisterAccountRoutes wires account endpoints.
func RegisterAccountRoutes(r fiber.Router, h *accounts.Handler, mutations ...fiber.Handler) {
	r.Post("/accounts", with(mutations, h.Open)...)
	r.Get("/accounts/:id", h.Get)
}

// RegisterInvoiceRoutes wires invoice endpoints.
func RegisterInvoiceRoutes(r fiber.Router, h *invoices.Handler, mutations ...fiber.Handler) {
	r.Post("/invoices", with(mutations, h.Create)...)
	r.Get("/invoices/:id", h.Get)
	r.Get("/invoices/:id/records", h.Records)
	r.Post("/invoices/:id/hold", with(mutations, h.Hold)...)
	r.Post("/invoices/:id/finish", with(mutations, h.Finish)...)
	r.Post("/invoices/:id/cancel", with(mutations, h.Cancel)...)
}

func with(mutations []fiber.Handler, h fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(mutations)+1)
	return append(append(out, mutations...), h)
}
