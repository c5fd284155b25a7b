package models

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Result is the {success, error} shape returned by the host entry points
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// FailureResult builds an unsuccessful result from err
func FailureResult(err error) Result {
	return Result{Success: false, Error: err.Error(), Code: ErrorCode(err)}
}

// RegisterResponse is returned by the registration entry point
type RegisterResponse struct {
	Result
	NodeID  string     `json:"nodeId,omitempty"`
	Status  NodeStatus `json:"status,omitempty"`
	Created bool       `json:"created"`
}

// UpdateResponse is returned by the update entry point
type UpdateResponse struct {
	Result
	NodeID string     `json:"nodeId,omitempty"`
	Status NodeStatus `json:"status,omitempty"`
}

// HeartbeatResponse is returned by the heartbeat entry point
type HeartbeatResponse struct {
	Result
	NodeID        string `json:"nodeId,omitempty"`
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
}

// NodeListResponse lists nodes at a level
type NodeListResponse struct {
	Level Level  `json:"level"`
	Nodes []Node `json:"nodes"`
	Count int    `json:"count"`
}

// MainNodeResponse carries the current leader of a level, nil when leaderless
type MainNodeResponse struct {
	Level    Level `json:"level"`
	MainNode *Node `json:"mainNode"`
}

// ElectionListResponse lists election records for a level
type ElectionListResponse struct {
	Level     Level            `json:"level"`
	Elections []ElectionRecord `json:"elections"`
}

// SendResponse is returned by a direct send
type SendResponse struct {
	Result
	MessageID string `json:"messageId,omitempty"`
}

// BroadcastResponse is returned by a level broadcast
type BroadcastResponse struct {
	Result
	SentCount  int      `json:"sentCount"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MessageListResponse lists pending messages of one recipient
type MessageListResponse struct {
	NodeID   string    `json:"nodeId"`
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
