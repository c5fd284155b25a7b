package agent

import (
	"context"
	"fmt"

	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/models"
)

// onLeadershipChanged updates the cache; a repeated or stale notice changes nothing
func (a *Agent) onLeadershipChanged(_ context.Context, nc models.NodeContext, msg *models.Message) error {
	var notice models.LeadershipChanged
	if err := msg.Decode(&notice); err != nil {
		return fmt.Errorf("invalid leadership notice: %w", err)
	}
	if !a.leaders.Set(notice.Level, notice.NewMainNode, notice.ElectionTime) {
		return nil
	}
	a.logger.Info("Main node changed",
		"node_id", nc.NodeID,
		"level", notice.Level.Key(),
		"new_main_node", notice.NewMainNode)
	a.events.Emit(events.Event{Kind: events.MainNodeChanged, Level: notice.Level, NodeID: notice.NewMainNode, Payload: notice})
	return nil
}

func (a *Agent) onNodeOffline(_ context.Context, nc models.NodeContext, msg *models.Message) error {
	var notice models.NodeOffline
	if err := msg.Decode(&notice); err != nil {
		return fmt.Errorf("invalid offline notice: %w", err)
	}
	if notice.WasMainNode {
		a.leaders.Forget(notice.Level, notice.NodeID)
	}
	a.logger.Info("Peer went offline", "node_id", nc.NodeID, "peer", notice.NodeID, "was_main_node", notice.WasMainNode)
	a.events.Emit(events.Event{Kind: events.NodeOfflineNotification, Level: notice.Level, NodeID: notice.NodeID, Payload: notice})
	return nil
}

func (a *Agent) onHeartbeatRequest(ctx context.Context, _ models.NodeContext, _ *models.Message) error {
	return a.Beat(ctx)
}
