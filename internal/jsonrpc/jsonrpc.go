// Package jsonrpc implements the subset of JSON-RPC 2.0 framing used by the
// MCP stream: single (non-batch) requests, notifications, and responses.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the supported JSON-RPC protocol version.
const Version = "2.0"

// Message is the raw JSON encoding of a JSON-RPC message.
type Message []byte

// Request represents a JSON-RPC request (with an ID) or notification (without).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewResultResponse builds a successful response for the given request ID.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: Version,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// ParseRequest decodes and validates a single inbound request or notification.
// Batch arrays and response-shaped messages are rejected.
func ParseRequest(data []byte) (*Request, error) {
	if len(data) > 0 && data[0] == '[' {
		return nil, fmt.Errorf("batch requests are not supported")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.JSONRPCVersion != Version {
		return nil, fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, req.JSONRPCVersion)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request must carry a method")
	}
	return &req, nil
}
