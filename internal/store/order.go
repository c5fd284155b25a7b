package store

import (
	"sort"
	"time"

	"github.com/soltixdb/meshcoord/internal/models"
)

// SortCandidates orders nodes by priority desc, createdAt asc, nodeId asc.
// The first element is the election winner.
func SortCandidates(nodes []*models.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.NodeID < b.NodeID
	})
}

// SortMessages orders messages by createdAt, then sequence
func SortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageLess(msgs[i].CreatedAt, msgs[i].Seq, msgs[j].CreatedAt, msgs[j].Seq)
	})
}

func messageLess(aAt time.Time, aSeq uint64, bAt time.Time, bSeq uint64) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return aSeq < bSeq
}

// After reports whether m sorts strictly after c; every message is after a nil cursor
func (c *MessageCursor) After(m *models.Message) bool {
	if c == nil {
		return true
	}
	return messageLess(c.CreatedAt, c.Seq, m.CreatedAt, m.Seq)
}

// InLevel reports whether n belongs to level l
func InLevel(n *models.Node, l models.Level) bool {
	return n.NodeType == l.NodeType && n.Hierarchy == l.Hierarchy
}

// sortExpired orders heartbeat records oldest first
func sortExpired(hbs []*models.HeartbeatRecord) {
	sort.Slice(hbs, func(i, j int) bool {
		if !hbs[i].LastHeartbeat.Equal(hbs[j].LastHeartbeat) {
			return hbs[i].LastHeartbeat.Before(hbs[j].LastHeartbeat)
		}
		return hbs[i].NodeID < hbs[j].NodeID
	})
}
