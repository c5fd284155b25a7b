package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/directory"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// CodeNotFound is returned for a missing message or route
const CodeNotFound = "NOT_FOUND"

// LeaderDirectory lists published leaders; nil when the directory is disabled
type LeaderDirectory interface {
	List(ctx context.Context) ([]directory.Entry, error)
}

// Handler contains all HTTP handlers
type Handler struct {
	logger    *logging.Logger
	svc       *coordination.Service
	directory LeaderDirectory
	version   string
}

// New creates a new handler instance. dir may be nil.
func New(logger *logging.Logger, svc *coordination.Service, dir LeaderDirectory, version string) *Handler {
	if logger == nil {
		logger = logging.Global()
	}
	if version == "" {
		version = "dev"
	}
	return &Handler{
		logger:    logger,
		svc:       svc,
		directory: dir,
		version:   version,
	}
}

// statusFor maps a wire code to an HTTP status
func statusFor(code string) int {
	switch code {
	case models.CodeInvalidHierarchy, models.CodeUnknownNodeType, models.CodeInvalidRequest:
		return fiber.StatusBadRequest
	case models.CodeNodeNotFound, CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeCapacityExceeded:
		return fiber.StatusConflict
	case models.CodeStoreUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// fail writes the {success:false, error, code} shape for err
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	result := models.FailureResult(err)
	if errors.Is(err, store.ErrNotFound) && result.Code == models.CodeInternalError {
		result.Code = CodeNotFound
	}

	status := statusFor(result.Code)
	log := h.logger.WithContext(c.UserContext())
	if status >= fiber.StatusInternalServerError {
		log.Error("Request failed", "path", c.Path(), "code", result.Code, "error", err)
	} else {
		log.Debug("Request rejected", "path", c.Path(), "code", result.Code, "error", err)
	}
	return c.Status(status).JSON(result)
}

// invalid writes an INVALID_REQUEST failure
func (h *Handler) invalid(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.Result{
		Success: false,
		Error:   msg,
		Code:    models.CodeInvalidRequest,
	})
}

// levelFrom builds a level from the :node_type param and the given keys
func levelFrom(c *fiber.Ctx, domainID, clusterID, channelID string) (models.Level, error) {
	nt, err := models.ParseNodeType(c.Params("node_type"))
	if err != nil {
		return models.Level{}, err
	}
	return models.NewLevel(nt, domainID, clusterID, channelID)
}

// levelFromQuery reads the hierarchy from domain_id, cluster_id and channel_id
func levelFromQuery(c *fiber.Ctx) (models.Level, error) {
	return levelFrom(c, c.Query("domain_id"), c.Query("cluster_id"), c.Query("channel_id"))
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

func derefNodes(in []*models.Node) []models.Node {
	out := make([]models.Node, 0, len(in))
	for _, n := range in {
		out = append(out, *n)
	}
	return out
}
