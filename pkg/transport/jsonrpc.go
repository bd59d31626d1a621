package transport

import (
	"encoding/json"
	"fmt"
)

// JSONRPCMessage represents a JSON-RPC 2.0 message. Frames are carried
// through the gateway unmodified; Params and Result stay raw so that proxied
// payloads round-trip byte-for-byte.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequestMessage creates a new JSON-RPC request message.
func NewRequestMessage(method string, params any, id any) (*JSONRPCMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	}, nil
}

// NewResponseMessage creates a new JSON-RPC response message.
func NewResponseMessage(id any, result any) (*JSONRPCMessage, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Result:  resultJSON,
		ID:      id,
	}, nil
}

// NewErrorMessage creates a new JSON-RPC error message.
func NewErrorMessage(id any, code int, message string) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// IsRequest returns true if the message is a request.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification.
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate validates the JSON-RPC message.
func (m *JSONRPCMessage) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("invalid JSON-RPC version: %s", m.JSONRPC)
	}

	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("invalid JSON-RPC message format")
	}

	return nil
}

// IDKey returns a stable correlation key for the message ID. JSON-RPC ids may
// be strings or numbers; both forms of the same value map to the same key.
func IDKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		// encoding/json decodes numeric ids as float64.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
