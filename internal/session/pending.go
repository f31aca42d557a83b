package session

import (
	"encoding/json"
	"strconv"
	"sync"

	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

// outcome is how an in-flight request ends: a peer result, a peer error,
// or a local error such as cancellation.
type outcome struct {
	result json.RawMessage
	rpcErr *rpc.ErrorBody
	err    error
}

// pendingCall is one outbound request awaiting its response.
type pendingCall struct {
	topic domain.Topic
	ch    chan outcome
}

// pendingTable correlates outbound request ids with waiting callers.
// Every entry resolves at most once; responses that match nothing are
// reported back to the dispatcher so it can drop them quietly.
type pendingTable struct {
	calls sync.Map // pendingKey -> *pendingCall
}

func pendingKey(topic domain.Topic, id rpc.ID) string {
	return string(topic) + "/" + strconv.FormatUint(uint64(id), 10)
}

// register creates a waiter for (topic, id). The returned channel receives
// exactly one outcome unless the caller forgets the entry first.
func (p *pendingTable) register(topic domain.Topic, id rpc.ID) <-chan outcome {
	call := &pendingCall{topic: topic, ch: make(chan outcome, 1)}
	p.calls.Store(pendingKey(topic, id), call)
	return call.ch
}

// resolve completes the waiter for (topic, id) and reports whether one
// existed. Late, duplicate, and unsolicited responses all return false.
func (p *pendingTable) resolve(topic domain.Topic, id rpc.ID, out outcome) bool {
	v, ok := p.calls.LoadAndDelete(pendingKey(topic, id))
	if !ok {
		return false
	}
	v.(*pendingCall).ch <- out
	return true
}

// forget drops the waiter without resolving it, for callers that stopped
// listening on their own deadline.
func (p *pendingTable) forget(topic domain.Topic, id rpc.ID) {
	p.calls.LoadAndDelete(pendingKey(topic, id))
}

// cancelTopic fails every waiter on topic with err.
func (p *pendingTable) cancelTopic(topic domain.Topic, err error) {
	p.calls.Range(func(k, v any) bool {
		call := v.(*pendingCall)
		if call.topic != topic {
			return true
		}
		if _, ok := p.calls.LoadAndDelete(k); ok {
			call.ch <- outcome{err: err}
		}
		return true
	})
}

// cancelAll fails every waiter with err, used on shutdown.
func (p *pendingTable) cancelAll(err error) {
	p.calls.Range(func(k, v any) bool {
		if _, ok := p.calls.LoadAndDelete(k); ok {
			v.(*pendingCall).ch <- outcome{err: err}
		}
		return true
	})
}

// size reports how many requests are in flight.
func (p *pendingTable) size() int {
	n := 0
	p.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
