package models

// NodeInfo is the registration input supplied by a host instance on startup
type NodeInfo struct {
	NodeID       string         `json:"nodeId,omitempty"`
	NodeType     string         `json:"nodeType"`
	DomainID     string         `json:"domainId"`
	ClusterID    string         `json:"clusterId,omitempty"`
	ChannelID    string         `json:"channelId,omitempty"`
	IPAddress    string         `json:"ipAddress"`
	Port         int            `json:"port"`
	Priority     *int           `json:"priority,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Hierarchy returns the containment keys of the registration
func (i NodeInfo) Hierarchy() Hierarchy {
	return Hierarchy{DomainID: i.DomainID, ClusterID: i.ClusterID, ChannelID: i.ChannelID}
}

// NodePatch holds the fields an update may change; nil fields are left alone
type NodePatch struct {
	IPAddress    *string        `json:"ipAddress,omitempty"`
	Port         *int           `json:"port,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Apply writes the patch onto n
func (p NodePatch) Apply(n *Node) {
	if p.IPAddress != nil {
		n.IPAddress = *p.IPAddress
	}
	if p.Port != nil {
		n.Port = *p.Port
	}
	if p.Priority != nil {
		n.Priority = *p.Priority
	}
	if p.Capabilities != nil {
		n.Capabilities = cloneMap(p.Capabilities)
	}
	if p.Metadata != nil {
		n.Metadata = cloneMap(p.Metadata)
	}
}

// PatchFromInfo converts a re-registration into an update patch
func PatchFromInfo(i NodeInfo) NodePatch {
	p := NodePatch{
		Priority:     i.Priority,
		Capabilities: i.Capabilities,
		Metadata:     i.Metadata,
	}
	if i.IPAddress != "" {
		ip := i.IPAddress
		p.IPAddress = &ip
	}
	if i.Port != 0 {
		port := i.Port
		p.Port = &port
	}
	return p
}

// HeartbeatRequestBody is the HTTP body of a heartbeat call
type HeartbeatRequestBody struct {
	NodeType  string `json:"nodeType,omitempty"`
	DomainID  string `json:"domainId,omitempty"`
	ClusterID string `json:"clusterId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// SendMessageRequest is the HTTP body of a direct send
type SendMessageRequest struct {
	FromNodeID  string      `json:"fromNodeId,omitempty"`
	ToNodeID    string      `json:"toNodeId"`
	MessageType string      `json:"messageType"`
	Payload     interface{} `json:"payload,omitempty"`
}

// BroadcastRequest is the HTTP body of a level broadcast
type BroadcastRequest struct {
	DomainID      string      `json:"domainId"`
	ClusterID     string      `json:"clusterId,omitempty"`
	ChannelID     string      `json:"channelId,omitempty"`
	FromNodeID    string      `json:"fromNodeId,omitempty"`
	MessageType   string      `json:"messageType"`
	Payload       interface{} `json:"payload,omitempty"`
	ExcludeNodeID string      `json:"excludeNodeId,omitempty"`
}

// ElectRequest is the HTTP body of a manual election
type ElectRequest struct {
	DomainID  string `json:"domainId"`
	ClusterID string `json:"clusterId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}
