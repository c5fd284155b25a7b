package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/models"
)

// GetMainNode handles GET /v1/levels/:node_type/main
func (h *Handler) GetMainNode(c *fiber.Ctx) error {
	level, err := levelFromQuery(c)
	if err != nil {
		return h.fail(c, err)
	}

	main, err := h.svc.Registry.GetMainNode(c.UserContext(), level)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(models.MainNodeResponse{Level: level, MainNode: main})
}

// ElectMainNode handles POST /v1/levels/:node_type/elect
func (h *Handler) ElectMainNode(c *fiber.Ctx) error {
	var req models.ElectRequest
	if err := c.BodyParser(&req); err != nil {
		return h.invalid(c, "Invalid JSON body: "+err.Error())
	}
	level, err := levelFrom(c, req.DomainID, req.ClusterID, req.ChannelID)
	if err != nil {
		return h.fail(c, err)
	}

	winner, err := h.svc.Elections.ElectMainNode(c.UserContext(), level, models.ElectionManual)
	if err != nil {
		return h.fail(c, err)
	}

	h.logger.Info("Manual election requested", "level", level.Key(), "winner", nodeIDOf(winner))
	return c.JSON(models.MainNodeResponse{Level: level, MainNode: winner})
}

// ListElections handles GET /v1/levels/:node_type/elections?limit=
func (h *Handler) ListElections(c *fiber.Ctx) error {
	level, err := levelFromQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	limit, err := queryInt(c, "limit", h.svc.Config().ElectionHistory)
	if err != nil {
		return h.invalid(c, err.Error())
	}

	recs, err := h.svc.Elections.History(c.UserContext(), level, limit)
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]models.ElectionRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	return c.JSON(models.ElectionListResponse{Level: level, Elections: out})
}

func nodeIDOf(n *models.Node) string {
	if n == nil {
		return ""
	}
	return n.NodeID
}
