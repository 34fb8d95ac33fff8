package middleware

import (
	"github.com/gofiber/fiber/v2"

	"listproc/monitoring"
)

// RequestMetrics counts requests by route and status.
func RequestMetrics(metrics *monitoring.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		endpoint := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			endpoint = r.Path
		}
		metrics.ObserveRequest(c.Method(), endpoint, status)
		return err
	}
}
