package proxy

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// permissiveCORS puts the cross-origin headers on every response, including
// errors and responses to clients that send no Origin header.
func permissiveCORS(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set(fiber.HeaderAccessControlAllowHeaders, corsAllowHeaders)
	c.Set(fiber.HeaderAccessControlAllowMethods, corsAllowMethods)
	return c.Next()
}

// accessLog logs one line per request once the handler has committed to a
// response. For streamed responses that is before the body is sent.
func (p *Proxy) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	requestID, _ := c.Locals("requestid").(string)
	p.logger.Info("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(start)),
		zap.String("request_id", requestID),
		zap.Error(err),
	)

	return err
}
