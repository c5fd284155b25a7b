package models

import (
	"fmt"
	"strings"
	"time"
)

// NodeType is one level of the containment hierarchy
type NodeType string

const (
	NodeTypeDomain  NodeType = "domain"
	NodeTypeCluster NodeType = "cluster"
	NodeTypeChannel NodeType = "channel"
	NodeTypeLocal   NodeType = "local"
)

// NodeTypes lists every level from the outermost to the innermost
var NodeTypes = []NodeType{NodeTypeDomain, NodeTypeCluster, NodeTypeChannel, NodeTypeLocal}

// ParseNodeType validates a raw node type string
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case NodeTypeDomain, NodeTypeCluster, NodeTypeChannel, NodeTypeLocal:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNodeType, s)
	}
}

// Valid reports whether t is one of the four levels
func (t NodeType) Valid() bool {
	_, err := ParseNodeType(string(t))
	return err == nil
}

// NodeStatus is the liveness of a node
type NodeStatus string

const (
	NodeStatusActive  NodeStatus = "active"
	NodeStatusOffline NodeStatus = "offline"
)

// Hierarchy holds the containment keys of a node
type Hierarchy struct {
	DomainID  string `json:"domainId"`
	ClusterID string `json:"clusterId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// Validate checks that exactly the keys required by t are present.
// domain: {domain}; cluster: {domain, cluster}; channel and local: {domain, cluster, channel}.
func (h Hierarchy) Validate(t NodeType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, string(t))
	}

	hasDomain := h.DomainID != ""
	hasCluster := h.ClusterID != ""
	hasChannel := h.ChannelID != ""

	var ok bool
	switch t {
	case NodeTypeDomain:
		ok = hasDomain && !hasCluster && !hasChannel
	case NodeTypeCluster:
		ok = hasDomain && hasCluster && !hasChannel
	case NodeTypeChannel, NodeTypeLocal:
		ok = hasDomain && hasCluster && hasChannel
	}
	if !ok {
		return fmt.Errorf("%w: %s node requires %s, got domain=%q cluster=%q channel=%q",
			ErrInvalidHierarchy, t, requiredKeys(t), h.DomainID, h.ClusterID, h.ChannelID)
	}
	return nil
}

func requiredKeys(t NodeType) string {
	switch t {
	case NodeTypeDomain:
		return "{domainId}"
	case NodeTypeCluster:
		return "{domainId, clusterId}"
	default:
		return "{domainId, clusterId, channelId}"
	}
}

// Level identifies the scope inside which at most one main node exists
type Level struct {
	NodeType NodeType `json:"nodeType"`
	Hierarchy
}

// NewLevel builds a level and validates its key set
func NewLevel(t NodeType, domainID, clusterID, channelID string) (Level, error) {
	l := Level{NodeType: t, Hierarchy: Hierarchy{DomainID: domainID, ClusterID: clusterID, ChannelID: channelID}}
	if err := l.Validate(); err != nil {
		return Level{}, err
	}
	return l, nil
}

// Validate checks the hierarchy keys against the node type
func (l Level) Validate() error {
	return l.Hierarchy.Validate(l.NodeType)
}

// Key renders a stable string for the level, e.g. "channel/d1/c1/ch1"
func (l Level) Key() string {
	parts := []string{string(l.NodeType), l.DomainID}
	switch l.NodeType {
	case NodeTypeCluster:
		parts = append(parts, l.ClusterID)
	case NodeTypeChannel, NodeTypeLocal:
		parts = append(parts, l.ClusterID, l.ChannelID)
	}
	return strings.Join(parts, "/")
}

func (l Level) String() string {
	return l.Key()
}

// Node is one participant at one hierarchy level
type Node struct {
	NodeID   string   `json:"nodeId"`
	NodeType NodeType `json:"nodeType"`
	Hierarchy
	IPAddress    string         `json:"ipAddress"`
	Port         int            `json:"port"`
	Status       NodeStatus     `json:"status"`
	IsMainNode   bool           `json:"isMainNode"`
	Priority     int            `json:"priority"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Level returns the leadership tuple of the node
func (n *Node) Level() Level {
	return Level{NodeType: n.NodeType, Hierarchy: n.Hierarchy}
}

// Active reports whether the node is currently live
func (n *Node) Active() bool {
	return n.Status == NodeStatusActive
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Capabilities = cloneMap(n.Capabilities)
	c.Metadata = cloneMap(n.Metadata)
	return &c
}

// Context returns the node's identity as a NodeContext
func (n *Node) Context() NodeContext {
	return NodeContext{NodeID: n.NodeID, NodeType: n.NodeType, Hierarchy: n.Hierarchy}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HeartbeatRecord is the liveness row kept apart from the node row
type HeartbeatRecord struct {
	NodeID   string   `json:"nodeId"`
	NodeType NodeType `json:"nodeType"`
	Hierarchy
	IPAddress     string     `json:"ipAddress"`
	Port          int        `json:"port"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	Status        NodeStatus `json:"status"`
}

// Level returns the leadership tuple of the heartbeat's node
func (h *HeartbeatRecord) Level() Level {
	return Level{NodeType: h.NodeType, Hierarchy: h.Hierarchy}
}

// NodeContext is the explicit identity of "the node I am" passed to node-side calls
type NodeContext struct {
	NodeID   string   `json:"nodeId"`
	NodeType NodeType `json:"nodeType"`
	Hierarchy
}

// Level returns the level the node belongs to
func (c NodeContext) Level() Level {
	return Level{NodeType: c.NodeType, Hierarchy: c.Hierarchy}
}
