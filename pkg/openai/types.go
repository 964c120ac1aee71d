// Package openai defines the OpenAI-compatible tool-calling wire types.
// This package does pure format work — no I/O, no execution.
//
// The dispatch pipeline consumes the model's emitted tool calls in this shape
// and produces "tool" role messages in this shape. Field names are part of the
// model API contract and must not change.
package openai

import (
	"encoding/json"
)

// Message is a single conversation message. Tool results are messages with
// Role "tool", the originating ToolCallID, and the tool's name.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool declares a function the model can call.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the function name, description, and parameters schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema object
}

// ToolCall is a single tool invocation emitted by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the called function's name and serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON text (usually)
}

// NewFunctionTool wraps a name/description/parameters triple in the
// { "type": "function", "function": {...} } declaration shape.
func NewFunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// NewToolResultMessage builds the "tool" role message appended to the
// conversation transcript for one completed tool call.
func NewToolResultMessage(callID, name, content string) Message {
	return Message{
		Role:       "tool",
		Content:    content,
		Name:       name,
		ToolCallID: callID,
	}
}

// --- Error response ---

// ErrorResponse is an OpenAI-compatible error response body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the error information.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse creates a standard error response.
func NewErrorResponse(message, errType, code string) *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}
