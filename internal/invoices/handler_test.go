package invoices

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/middleware"
)

func setupTestApp(t *testing.T, seed int64) (*fiber.App, fixture) {
	t.Helper()
	f := newFixture(t, seed)
	h := NewHandler(f.svc)
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logging.Discard())})
	app.Post("/invoices", h.Create)
	app.Get("/invoices/:id", h.Get)
	app.Get("/invoices/:id/records", h.Records)
	app.Post("/invoices/:id/hold", h.Hold)
	app.Post("/invoices/:id/finish", h.Finish)
	app.Post("/invoices/:id/cancel", h.Cancel)
	return app, f
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	return resp.StatusCode, decoded
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	app, f := setupTestApp(t, 100)

	status, body := call(t, app, fiber.MethodPost, "/invoices",
		fmt.Sprintf(`{"account_from":%q,"account_to":%q,"amount":"40"}`, f.from.ID, f.to.ID))
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "created", body["state"])
	id := body["id"].(string)

	status, body = call(t, app, fiber.MethodPost, "/invoices/"+id+"/finish", "")
	assert.Equal(t, fiber.StatusConflict, status, body)

	status, body = call(t, app, fiber.MethodPost, "/invoices/"+id+"/hold", "")
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "hold", body["state"])

	status, body = call(t, app, fiber.MethodPost, "/invoices/"+id+"/finish", "")
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "finished", body["state"])
	assert.Equal(t, "40", body["amount"])

	status, body = call(t, app, fiber.MethodGet, "/invoices/"+id+"/records", "")
	require.Equal(t, fiber.StatusOK, status)
	records := body["records"].([]any)
	require.Len(t, records, 2)
	first := records[0].(map[string]any)
	assert.Equal(t, "hold", first["type"])
	assert.Equal(t, "success", first["state"])
}

func TestInsufficientFundsIsUnprocessable(t *testing.T) {
	app, f := setupTestApp(t, 10)

	status, body := call(t, app, fiber.MethodPost, "/invoices",
		fmt.Sprintf(`{"account_from":%q,"account_to":%q,"amount":"40"}`, f.from.ID, f.to.ID))
	require.Equal(t, fiber.StatusCreated, status)
	id := body["id"].(string)

	status, body = call(t, app, fiber.MethodPost, "/invoices/"+id+"/hold", "")
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "insufficient funds")

	status, body = call(t, app, fiber.MethodGet, "/invoices/"+id, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "created", body["state"])
}

func TestCreateInvoiceValidationOverHTTP(t *testing.T) {
	app, f := setupTestApp(t, 10)

	status, _ := call(t, app, fiber.MethodPost, "/invoices",
		fmt.Sprintf(`{"account_from":%q,"account_to":%q,"amount":"0"}`, f.from.ID, f.to.ID))
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, fiber.MethodPost, "/invoices",
		fmt.Sprintf(`{"account_from":%q,"account_to":%q,"amount":"5"}`, f.from.ID, f.from.ID))
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, fiber.MethodPost, "/invoices",
		fmt.Sprintf(`{"account_from":%q,"account_to":"nobody","amount":"5"}`, f.from.ID))
	assert.Equal(t, fiber.StatusNotFound, status)

	for _, amount := range []string{"1.000000005", "0.000000001", "1e40"} {
		status, body := call(t, app, fiber.MethodPost, "/invoices",
			fmt.Sprintf(`{"account_from":%q,"account_to":%q,"amount":%q}`, f.from.ID, f.to.ID, amount))
		assert.Equal(t, fiber.StatusBadRequest, status, amount)
		assert.Contains(t, body["error"], "invalid amount", amount)
	}

	status, _ = call(t, app, fiber.MethodPost, "/invoices", `{"amount":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
