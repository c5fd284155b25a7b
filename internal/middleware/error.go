package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
)

// ErrorHandler renders errors that escape a handler as a failed Result.
// Fiber errors keep their status; anything else is classified by
// models.ErrorCode.
func ErrorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		result := models.Result{Success: false, Error: "Internal Server Error", Code: models.CodeInternalError}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			result.Error = fe.Message
			result.Code = "ERROR"
		} else if wire := models.ErrorCode(err); wire == models.CodeStoreUnavailable {
			code = fiber.StatusServiceUnavailable
			result.Error = err.Error()
			result.Code = wire
		}

		logger.WithContext(c.UserContext()).Error("Request error",
			"path", c.Path(),
			"method", c.Method(),
			"status", code,
			"error", err,
		)

		return c.Status(code).JSON(result)
	}
}
