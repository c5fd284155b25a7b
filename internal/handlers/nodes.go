package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/heartbeat"
	"github.com/soltixdb/meshcoord/internal/models"
)

// RegisterNode handles POST /v1/nodes
func (h *Handler) RegisterNode(c *fiber.Ctx) error {
	var info models.NodeInfo
	if err := c.BodyParser(&info); err != nil {
		return h.invalid(c, "Invalid JSON body: "+err.Error())
	}
	if strings.TrimSpace(info.NodeType) == "" {
		return h.invalid(c, "nodeType is required")
	}

	res, err := h.svc.Registry.Register(c.UserContext(), info)
	if err != nil {
		return h.fail(c, err)
	}

	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(models.RegisterResponse{
		Result:  models.Result{Success: true},
		NodeID:  res.NodeID,
		Status:  res.Status,
		Created: res.Created,
	})
}

// GetNode handles GET /v1/nodes/:node_id
func (h *Handler) GetNode(c *fiber.Ctx) error {
	node, err := h.svc.Registry.GetNode(c.UserContext(), c.Params("node_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(node)
}

// UpdateNode handles PATCH /v1/nodes/:node_id
func (h *Handler) UpdateNode(c *fiber.Ctx) error {
	var patch models.NodePatch
	if err := c.BodyParser(&patch); err != nil {
		return h.invalid(c, "Invalid JSON body: "+err.Error())
	}

	res, err := h.svc.Registry.Update(c.UserContext(), c.Params("node_id"), patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(models.UpdateResponse{
		Result: models.Result{Success: true},
		NodeID: res.NodeID,
		Status: res.Status,
	})
}

// Heartbeat handles POST /v1/nodes/:node_id/heartbeat. An empty body is a
// bare liveness signal.
func (h *Handler) Heartbeat(c *fiber.Ctx) error {
	var body models.HeartbeatRequestBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return h.invalid(c, "Invalid JSON body: "+err.Error())
		}
	}

	sig := heartbeat.Signal{
		NodeID: c.Params("node_id"),
		Hierarchy: models.Hierarchy{
			DomainID:  body.DomainID,
			ClusterID: body.ClusterID,
			ChannelID: body.ChannelID,
		},
		IPAddress: body.IPAddress,
		Port:      body.Port,
	}
	if body.NodeType != "" {
		nt, err := models.ParseNodeType(body.NodeType)
		if err != nil {
			return h.fail(c, err)
		}
		sig.NodeType = nt
	}

	rec, err := h.svc.Monitor.RecordHeartbeat(c.UserContext(), sig)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(models.HeartbeatResponse{
		Result:        models.Result{Success: true},
		NodeID:        rec.NodeID,
		LastHeartbeat: rec.LastHeartbeat.Format(time.RFC3339Nano),
	})
}

// ListLevelNodes handles GET /v1/levels/:node_type/nodes
func (h *Handler) ListLevelNodes(c *fiber.Ctx) error {
	level, err := levelFromQuery(c)
	if err != nil {
		return h.fail(c, err)
	}

	nodes, err := h.svc.Registry.ListNodes(c.UserContext(), level, c.QueryBool("include_offline"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(models.NodeListResponse{
		Level: level,
		Nodes: derefNodes(nodes),
		Count: len(nodes),
	})
}
