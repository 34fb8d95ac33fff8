package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"listproc/models"
	"listproc/utils"
)

// KeySource resolves the shared cron secret.
type KeySource interface {
	Get(ctx context.Context, key, def string) (string, error)
}

// CronKey requires the shared secret in the "key" query parameter or the
// X-Cron-Key header. fallback is used when the settings table has no key.
func CronKey(settings KeySource, fallback string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected, err := settings.Get(c.UserContext(), models.SettingCronKey, fallback)
		if err != nil {
			utils.LogError("cron_key_lookup", err, map[string]interface{}{"path": c.Path()})
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Cron key unavailable", nil)
		}
		if expected == "" {
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Cron key not configured", nil)
		}

		given := c.Query("key")
		if given == "" {
			given = c.Get("X-Cron-Key")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
			utils.LogEvent("cron_key_rejected", map[string]interface{}{
				"path": c.Path(),
				"ip":   c.IP(),
			})
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Invalid key", nil)
		}
		return c.Next()
	}
}
