package rpc

import (
	"time"

	"walletmesh/internal/domain"
)

// Method names the protocol operations exchanged inside envelopes.
type Method string

const (
	MethodPairingDelete Method = "wc_pairingDelete"
	MethodPairingExtend Method = "wc_pairingExtend"
	MethodPairingPing   Method = "wc_pairingPing"

	MethodSessionPropose Method = "wc_sessionPropose"
	MethodSessionSettle  Method = "wc_sessionSettle"
	MethodSessionUpdate  Method = "wc_sessionUpdate"
	MethodSessionExtend  Method = "wc_sessionExtend"
	MethodSessionRequest Method = "wc_sessionRequest"
	MethodSessionEvent   Method = "wc_sessionEvent"
	MethodSessionDelete  Method = "wc_sessionDelete"
	MethodSessionPing    Method = "wc_sessionPing"
)

// Meta is the relay metadata attached to a method's publishes: the tag
// identifying the payload kind to the relay, how long the relay queues it
// for an offline peer, and whether the peer's client should be prompted.
type Meta struct {
	RequestTag  uint32
	ResponseTag uint32
	TTL         time.Duration
	Prompt      bool
}

var metadata = map[Method]Meta{
	MethodPairingDelete: {RequestTag: 1000, ResponseTag: 1001, TTL: 24 * time.Hour},
	MethodPairingPing:   {RequestTag: 1002, ResponseTag: 1003, TTL: 30 * time.Second},
	MethodPairingExtend: {RequestTag: 1004, ResponseTag: 1005, TTL: 30 * time.Second},

	MethodSessionPropose: {RequestTag: 1100, ResponseTag: 1101, TTL: 5 * time.Minute, Prompt: true},
	MethodSessionSettle:  {RequestTag: 1102, ResponseTag: 1103, TTL: 5 * time.Minute},
	MethodSessionUpdate:  {RequestTag: 1104, ResponseTag: 1105, TTL: 24 * time.Hour},
	MethodSessionExtend:  {RequestTag: 1106, ResponseTag: 1107, TTL: 24 * time.Hour},
	MethodSessionRequest: {RequestTag: 1108, ResponseTag: 1109, TTL: 5 * time.Minute, Prompt: true},
	MethodSessionEvent:   {RequestTag: 1110, ResponseTag: 1111, TTL: 5 * time.Minute, Prompt: true},
	MethodSessionDelete:  {RequestTag: 1112, ResponseTag: 1113, TTL: 24 * time.Hour},
	MethodSessionPing:    {RequestTag: 1114, ResponseTag: 1115, TTL: 30 * time.Second},
}

// MetadataFor returns the relay metadata for a known method.
func MetadataFor(m Method) (Meta, bool) {
	meta, ok := metadata[m]
	return meta, ok
}

// RequestPublish converts the metadata into publish options for the request
// leg of the exchange.
func (m Meta) RequestPublish() domain.PublishOptions {
	return domain.PublishOptions{TTL: m.TTL, Tag: m.RequestTag, Prompt: m.Prompt}
}

// ResponsePublish converts the metadata into publish options for the
// response leg. Responses never prompt.
func (m Meta) ResponsePublish() domain.PublishOptions {
	return domain.PublishOptions{TTL: m.TTL, Tag: m.ResponseTag}
}
