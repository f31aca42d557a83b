package rpc

import (
	"encoding/json"

	"walletmesh/internal/domain"
)

// Transport-level JSON-RPC codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Error codes peers exchange in error responses.
const (
	CodeUserRejected            = 5000
	CodeUnsupportedChains       = 5100
	CodeUnsupportedMethods      = 5101
	CodeUnsupportedEvents       = 5102
	CodeUnsupportedNamespaceKey = 5104
	CodeUserDisconnected        = 6000
	CodeSettlementFailed        = 7000
	CodeRequestExpired          = 8000
)

// UserDisconnected is the default reason attached to deletes.
func UserDisconnected() ErrorBody {
	return ErrorBody{Code: CodeUserDisconnected, Message: "User disconnected"}
}

// Relay advertises which relay wire protocol a proposal travels on.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// Proposer identifies the proposing party: its ephemeral public key (hex)
// and self-description.
type Proposer struct {
	PublicKey string          `json:"publicKey"`
	Metadata  domain.Metadata `json:"metadata"`
}

// ProposeParams is the body of wc_sessionPropose, published on the pairing
// topic.
type ProposeParams struct {
	Relays             []Relay           `json:"relays"`
	Proposer           Proposer          `json:"proposer"`
	RequiredNamespaces domain.Namespaces `json:"requiredNamespaces"`
	OptionalNamespaces domain.Namespaces `json:"optionalNamespaces,omitempty"`
}

// ProposeResult is the success result answering wc_sessionPropose. The
// responder's public key lets the proposer derive the session key.
type ProposeResult struct {
	Relay              Relay  `json:"relay"`
	ResponderPublicKey string `json:"responderPublicKey"`
}

// Controller identifies the settling party on the new session topic.
type Controller struct {
	PublicKey string          `json:"publicKey"`
	Metadata  domain.Metadata `json:"metadata"`
}

// SettleParams is the body of wc_sessionSettle, the first payload on the
// session topic.
type SettleParams struct {
	Relay      Relay             `json:"relay"`
	Controller Controller        `json:"controller"`
	Namespaces domain.Namespaces `json:"namespaces"`
	Expiry     int64             `json:"expiry"`
}

// UpdateParams is the body of wc_sessionUpdate, replacing the session's
// namespaces.
type UpdateParams struct {
	Namespaces domain.Namespaces `json:"namespaces"`
}

// ExtendParams is the body of wc_pairingExtend and wc_sessionExtend.
type ExtendParams struct {
	Expiry int64 `json:"expiry"`
}

// RequestPayload is the chain RPC call wrapped by wc_sessionRequest. Params
// stay opaque; interpreting them is chain-specific.
type RequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Expiry int64           `json:"expiry,omitempty"`
}

// SessionRequestParams is the body of wc_sessionRequest.
type SessionRequestParams struct {
	Request RequestPayload `json:"request"`
	ChainID string         `json:"chainId"`
}

// Event is a named notification with opaque chain-specific data.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// EventParams is the body of wc_sessionEvent.
type EventParams struct {
	Event   Event  `json:"event"`
	ChainID string `json:"chainId"`
}

// DeleteParams is the body of wc_pairingDelete and wc_sessionDelete.
type DeleteParams struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}
