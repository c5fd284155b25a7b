package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/directory"
)

// HealthCheck handles POST /admin/health-check?timeout_ms= and runs one
// expiry pass immediately
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	timeoutMS, err := queryInt(c, "timeout_ms", 0)
	if err != nil {
		return h.invalid(c, err.Error())
	}

	report, err := h.svc.Monitor.CheckHealth(c.UserContext(), time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		return h.fail(c, err)
	}

	h.logger.Info("Manual health check completed",
		"expired", report.Expired,
		"marked_offline", len(report.MarkedOffline),
		"reelected", len(report.Reelected))

	return c.JSON(fiber.Map{
		"success": true,
		"report":  report,
	})
}

// ListLeaders handles GET /admin/leaders from the etcd directory
func (h *Handler) ListLeaders(c *fiber.Ctx) error {
	if h.directory == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "leader directory is not enabled",
			"code":    CodeNotFound,
		})
	}

	entries, err := h.directory.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"leaders": entries,
		"count":   len(entries),
	})
}
