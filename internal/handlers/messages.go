package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/meshcoord/internal/models"
)

// SendMessage handles POST /v1/messages
func (h *Handler) SendMessage(c *fiber.Ctx) error {
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return h.invalid(c, "Invalid JSON body: "+err.Error())
	}
	if strings.TrimSpace(req.ToNodeID) == "" || strings.TrimSpace(req.MessageType) == "" {
		return h.invalid(c, "toNodeId and messageType are required")
	}

	res, err := h.svc.Bus.Send(c.UserContext(), req.FromNodeID, req.ToNodeID, models.MessageType(req.MessageType), req.Payload)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(models.SendResponse{
		Result:    models.Result{Success: true},
		MessageID: res.MessageID,
	})
}

// Broadcast handles POST /v1/levels/:node_type/broadcast
func (h *Handler) Broadcast(c *fiber.Ctx) error {
	var req models.BroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return h.invalid(c, "Invalid JSON body: "+err.Error())
	}
	if strings.TrimSpace(req.MessageType) == "" {
		return h.invalid(c, "messageType is required")
	}
	level, err := levelFrom(c, req.DomainID, req.ClusterID, req.ChannelID)
	if err != nil {
		return h.fail(c, err)
	}

	res, err := h.svc.Bus.BroadcastToLevel(c.UserContext(), level, req.FromNodeID,
		models.MessageType(req.MessageType), req.Payload, req.ExcludeNodeID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(models.BroadcastResponse{
		Result:     models.Result{Success: true},
		SentCount:  res.SentCount,
		MessageIDs: res.MessageIDs,
	})
}

// PollMessages handles GET /v1/nodes/:node_id/messages?limit=
func (h *Handler) PollMessages(c *fiber.Ctx) error {
	nodeID := c.Params("node_id")
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return h.invalid(c, err.Error())
	}

	msgs, err := h.svc.Bus.PollPending(c.UserContext(), nodeID, limit)
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return c.JSON(models.MessageListResponse{NodeID: nodeID, Messages: out, Count: len(out)})
}

// AckMessage handles POST /v1/messages/:id/ack
func (h *Handler) AckMessage(c *fiber.Ctx) error {
	changed, err := h.svc.Bus.Ack(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"messageId": c.Params("id"),
		"changed":   changed,
	})
}
