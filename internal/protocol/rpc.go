package protocol

import (
	"bytes"
	"encoding/json"
)

// JSON-RPC 2.0 error codes used when the bridge has to answer on the
// engine's behalf.
const (
	RPCInternalError = -32603
	RPCParseError    = -32700
)

// RPCMessage is one line of the newline-delimited JSON-RPC stream. The ID is
// kept raw so it round-trips exactly (string, number, or absent).
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id and therefore
// expects no reply.
func (m *RPCMessage) IsNotification() bool {
	return len(m.ID) == 0 || bytes.Equal(bytes.TrimSpace(m.ID), []byte("null"))
}

// RPCResponse is a reply on the stream. Result is raw: the bridge only
// reshapes it through the transformer, it never interprets it.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewErrorResponse builds the error reply the bridge emits when forwarding a
// request fails. The original request id is echoed back verbatim.
func NewErrorResponse(id json.RawMessage, code int, message string) *RPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
