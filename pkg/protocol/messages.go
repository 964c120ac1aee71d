// Package protocol defines the WebSocket message types spoken between
// external tool connectors and the funcall server.
//
// This is the shared contract: the server's connector hub and any connector
// implementation both use these types.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of message sent over the WebSocket connection.
type MessageType string

const (
	// Connector → Server
	TypeHello      MessageType = "hello"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeToolResult MessageType = "tool_result"
	TypeError      MessageType = "error"

	// Server → Connector
	TypeHelloAck     MessageType = "hello_ack"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeToolJob      MessageType = "tool_job"
)

// Envelope is the first-pass parse of any WebSocket message.
// We read the "type" field to determine which concrete type to unmarshal into.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ToolAdvertisement describes one tool a connector exposes.
//
// A remote tool carries Parameters (its JSON Schema) and is executed by the
// connector itself via tool_job/tool_result round trips. A script tool
// carries Source instead: the server registers it locally under the
// connector's collection and executes it in the sandbox.
type ToolAdvertisement struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Source      string          `json:"source,omitempty"`
	Language    string          `json:"language,omitempty"` // "javascript" (default) or "lua"
}

// --- Connector → Server messages ---

// HelloMessage is sent by the connector on connection to authenticate and
// announce its tools. The whole set is registered as one unit and retracted
// as one unit when the connector disconnects.
type HelloMessage struct {
	Type         MessageType         `json:"type"`
	ConnectorKey string              `json:"connector_key"`
	Name         string              `json:"name"`
	Tools        []ToolAdvertisement `json:"tools"`
}

// HeartbeatMessage is a keepalive from the connector.
type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

// ToolResultMessage is the connector's answer to a tool_job.
type ToolResultMessage struct {
	Type    MessageType `json:"type"`
	JobID   string      `json:"job_id"`
	CallID  string      `json:"call_id"`
	Name    string      `json:"name"`
	Content string      `json:"content"`
	Success bool        `json:"success"`
}

// ErrorMessage is sent by the connector when something fails outside a
// specific job.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	JobID   string      `json:"job_id,omitempty"`
	Error   string      `json:"error"`
	Details string      `json:"details,omitempty"`
}

// --- Server → Connector messages ---

// HelloAckMessage is the server's response to a HelloMessage.
type HelloAckMessage struct {
	Type               MessageType `json:"type"`
	Success            bool        `json:"success"`
	ConnectorID        string      `json:"connector_id,omitempty"`
	Error              string      `json:"error,omitempty"`
	ReconnectInSeconds int         `json:"reconnectInSeconds,omitempty"`
}

// HeartbeatAckMessage is the server's response to a HeartbeatMessage.
type HeartbeatAckMessage struct {
	Type MessageType `json:"type"`
}

// ToolJobMessage asks the connector to run one of its remote tools.
type ToolJobMessage struct {
	Type      MessageType `json:"type"`
	JobID     string      `json:"job_id"`
	CallID    string      `json:"call_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
}

// ParseMessage reads a raw WebSocket message and returns the typed message.
// It first parses the envelope to determine the type, then unmarshals
// into the concrete struct.
func ParseMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch env.Type {
	// Connector → Server
	case TypeHello:
		var msg HelloMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing hello message: %w", err)
		}
		return msg, nil

	case TypeHeartbeat:
		return HeartbeatMessage{Type: TypeHeartbeat}, nil

	case TypeToolResult:
		var msg ToolResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_result message: %w", err)
		}
		return msg, nil

	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing error message: %w", err)
		}
		return msg, nil

	// Server → Connector
	case TypeHelloAck:
		var msg HelloAckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing hello_ack message: %w", err)
		}
		return msg, nil

	case TypeHeartbeatAck:
		return HeartbeatAckMessage{Type: TypeHeartbeatAck}, nil

	case TypeToolJob:
		var msg ToolJobMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_job message: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// MarshalMessage serializes a typed message for the wire.
func MarshalMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}
