package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyHeader      = "X-API-Key"
	apiKeyVerifiedKey = "api_key_verified"
)

// APIKeyVerified reports whether APIKey accepted a key for this request.
func APIKeyVerified(c *fiber.Ctx) bool {
	verified, _ := c.Locals(apiKeyVerifiedKey).(bool)
	return verified
}

// APIKey accepts requests carrying a key that matches the bcrypt hash, either
// as "Authorization: Bearer <key>" or in the X-API-Key header. An empty hash
// disables the check.
func APIKey(hash string) fiber.Handler {
	hashed := []byte(strings.TrimSpace(hash))
	return func(c *fiber.Ctx) error {
		if len(hashed) == 0 {
			return c.Next()
		}
		key := c.Get(apiKeyHeader)
		if key == "" {
			authz := c.Get(fiber.HeaderAuthorization)
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				return fiber.NewError(http.StatusUnauthorized, "missing api key")
			}
			key = strings.TrimSpace(authz[len("Bearer "):])
		}
		if err := bcrypt.CompareHashAndPassword(hashed, []byte(key)); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid api key")
		}
		c.Locals(apiKeyVerifiedKey, true)
		return c.Next()
	}
}
