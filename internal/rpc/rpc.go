package rpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Version is the JSON-RPC protocol version carried by every payload.
const Version = "2.0"

// ID identifies one request/response exchange on a topic.
type ID uint64

var idSeq atomic.Uint64

// NewID returns a fresh request identifier: Unix milliseconds scaled by a
// thousand plus a rolling sequence. IDs stay unique for any realistic rate
// and sort roughly by creation time, which helps when reading relay logs.
func NewID() ID {
	seq := idSeq.Add(1) % 1000
	return ID(uint64(time.Now().UnixMilli())*1000 + seq)
}

// Request is an outbound JSON-RPC call.
type Request struct {
	ID      ID              `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// NewRequest builds a request for method with a fresh ID.
func NewRequest(method Method, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("rpc: marshal %s params: %w", method, err)
	}
	return Request{ID: NewID(), JSONRPC: Version, Method: method, Params: raw}, nil
}

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Response answers a request, carrying either a result or an error.
type Response struct {
	ID      ID              `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// NewResult builds a success response for the request identified by id.
func NewResult(id ID, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return Response{ID: id, JSONRPC: Version, Result: raw}, nil
}

// NewError builds an error response for the request identified by id.
func NewError(id ID, body ErrorBody) Response {
	return Response{ID: id, JSONRPC: Version, Error: &body}
}

// Message is the decoded form of an inbound payload before we know whether
// the peer sent a request or a response.
type Message struct {
	ID      ID              `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// IsRequest reports whether the message carries a method call. Anything
// else is a response to one of ours.
func (m Message) IsRequest() bool { return m.Method != "" }

// Parse decodes an inbound payload and rejects anything that is not
// JSON-RPC 2.0 with an id.
func Parse(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("rpc: decode: %w", err)
	}
	if m.JSONRPC != Version {
		return Message{}, fmt.Errorf("rpc: unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.ID == 0 {
		return Message{}, fmt.Errorf("rpc: missing id")
	}
	return m, nil
}
