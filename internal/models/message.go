package models

import (
	"encoding/json"
	"time"
)

// ElectionReason records why a leader was chosen
type ElectionReason string

const (
	ElectionAutomatic ElectionReason = "automatic"
	ElectionManual    ElectionReason = "manual"
)

// ElectionStatusCompleted is the only status an election record carries
const ElectionStatusCompleted = "completed"

// ElectionRecord is one entry of the append-only leadership audit trail
type ElectionRecord struct {
	ID           uint64         `json:"id"`
	Level        Level          `json:"level"`
	OldMainNode  *string        `json:"oldMainNode"`
	NewMainNode  string         `json:"newMainNode"`
	Reason       ElectionReason `json:"reason"`
	ElectionTime time.Time      `json:"electionTime"`
	Status       string         `json:"status"`
}

// MessageType names the kind of a mailbox message
type MessageType string

const (
	MessageLeadershipChanged MessageType = "leadership-changed"
	MessageNodeOffline       MessageType = "node-offline"
	MessageHeartbeatRequest  MessageType = "heartbeat-request"
)

// MessageStatus is the delivery state of a mailbox message
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageProcessed MessageStatus = "processed"
)

// SystemSender is the sender id used for messages produced by the coordinator itself
const SystemSender = "system"

// Message is a durable mailbox entry addressed to exactly one node
type Message struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	FromNodeID  string          `json:"fromNodeId"`
	ToNodeID    string          `json:"toNodeId"`
	MessageType MessageType     `json:"messageType"`
	MessageData json.RawMessage `json:"messageData,omitempty"`
	Status      MessageStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if len(m.MessageData) == 0 {
		return nil
	}
	return json.Unmarshal(m.MessageData, v)
}

// LeadershipChanged is the payload of a leadership-changed message and of the
// MainNodeElected event
type LeadershipChanged struct {
	Level        Level          `json:"level"`
	OldMainNode  *string        `json:"oldMainNode"`
	NewMainNode  string         `json:"newMainNode"`
	Reason       ElectionReason `json:"reason"`
	ElectionTime time.Time      `json:"electionTime"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	Port         int            `json:"port,omitempty"`
}

// NodeOffline is the payload of a node-offline message
type NodeOffline struct {
	NodeID        string    `json:"nodeId"`
	Level         Level     `json:"level"`
	WasMainNode   bool      `json:"wasMainNode"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// HeartbeatRequest is the payload of a heartbeat-request message
type HeartbeatRequest struct {
	RequestedBy string    `json:"requestedBy"`
	RequestedAt time.Time `json:"requestedAt"`
}
