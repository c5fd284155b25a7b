package logging

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// MiddlewareConfig configures the request logging middleware
type MiddlewareConfig struct {
	// SkipPaths are not logged (probes, scrapes)
	SkipPaths []string
}

// DefaultMiddlewareConfig skips /health and /metrics
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{SkipPaths: []string{"/health", "/metrics"}}
}

// FiberMiddleware logs every request with the default config
func FiberMiddleware(logger *Logger) fiber.Handler {
	return FiberMiddlewareWithConfig(logger, DefaultMiddlewareConfig())
}

// FiberMiddlewareWithConfig assigns a request id, stores a request-scoped logger in
// the user context and logs the outcome of each request
func FiberMiddlewareWithConfig(logger *Logger, cfg MiddlewareConfig) fiber.Handler {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		requestID := c.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDHeader, requestID)

		reqLogger := logger.With("request_id", requestID)
		ctx := WithRequestID(c.UserContext(), requestID)
		c.SetUserContext(WithLogger(ctx, reqLogger))

		if _, ok := skip[c.Path()]; ok {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		fields := []interface{}{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start),
			"ip", c.IP(),
		}
		switch {
		case err != nil:
			reqLogger.Error("Request failed", append(fields, "error", err)...)
		case status >= fiber.StatusInternalServerError:
			reqLogger.Error("Server error", fields...)
		case status >= fiber.StatusBadRequest:
			reqLogger.Warn("Client error", fields...)
		default:
			reqLogger.Debug("Request completed", fields...)
		}
		return err
	}
}
