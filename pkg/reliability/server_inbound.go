package reliability

import (
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/logging"
)

// ServerInboundConfig configures a ServerInbound handler.
type ServerInboundConfig struct {
	// Scheduler runs the delayed empty ACKs. Required.
	Scheduler *scheduler.Scheduler

	// Sender transmits ACKs and RSTs. Required.
	Sender Sender

	// Params are the timing parameters. Zero fields take their defaults.
	Params Params

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ServerInbound deduplicates requests and makes the piggy-back decision.
//
// Per (remote, message ID) a request is Unseen, Pending while the application
// works on it, and Completed once its response went out. A confirmable request
// arms an empty ACK after EmptyAckDelay. If the response comes first, the ACK
// task is cancelled and the response becomes the ACK; otherwise the response
// is sent separately with a fresh message ID.
//
// Completed exchanges are remembered for ExchangeLifetime, so a late
// retransmission of the request gets the stored piggy-backed response (or an
// empty ACK) instead of being processed twice.
type ServerInbound struct {
	log    logging.LeveledLogger
	sched  *scheduler.Scheduler
	sender Sender
	params Params

	mu        sync.RWMutex
	requests  map[exchangeKey]message.Token
	acks      map[exchangeKey]*scheduler.Task
	completed *expirable.LRU[exchangeKey, *message.Message]
}

// NewServerInbound creates a ServerInbound handler.
//
// Completed exchanges expire after ExchangeLifetime of wall-clock time.
// The LRU holding them runs a cleanup goroutine that is never stopped, so
// handlers are meant to live as long as their endpoint.
func NewServerInbound(config ServerInboundConfig) (*ServerInbound, error) {
	if config.Scheduler == nil || config.Sender == nil {
		return nil, ErrMissingDependency
	}
	params := config.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	h := &ServerInbound{
		sched:     config.Scheduler,
		sender:    config.Sender,
		params:    params,
		requests:  make(map[exchangeKey]message.Token),
		acks:      make(map[exchangeKey]*scheduler.Task),
		completed: expirable.NewLRU[exchangeKey, *message.Message](0, nil, params.ExchangeLifetime),
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("coap-server-in")
	}
	return h, nil
}

// HandleInbound implements Handler.
func (h *ServerInbound) HandleInbound(msg *message.Message, remote transport.Endpoint) bool {
	switch msg.Kind() {
	case message.KindEmpty:
		if msg.IsPing() {
			h.send(message.NewReset(msg.ID), remote)
			return false
		}
		return true
	case message.KindRequest:
		return h.handleRequest(msg, remote)
	case message.KindResponse, message.KindReserved:
		return true
	}
	return true
}

func (h *ServerInbound) handleRequest(msg *message.Message, remote transport.Endpoint) bool {
	k := exchangeKey{remote: remote, id: msg.ID}

	h.mu.RLock()
	known := h.knownLocked(k)
	h.mu.RUnlock()

	if !known {
		h.mu.Lock()
		if !h.knownLocked(k) {
			h.requests[k] = msg.Token
			if msg.Type == message.TypeCON {
				h.acks[k] = h.sched.Schedule(h.params.EmptyAckDelay, func() { h.emptyAckDue(k) })
			}
			h.mu.Unlock()

			if h.log != nil {
				h.log.Tracef("new request: remote=%s %s", remote, msg)
			}
			return true
		}
		h.mu.Unlock()
	}

	return h.handleDuplicate(msg, remote, k)
}

func (h *ServerInbound) handleDuplicate(msg *message.Message, remote transport.Endpoint, k exchangeKey) bool {
	if msg.Type != message.TypeCON {
		if h.log != nil {
			h.log.Debugf("dropping duplicate non-confirmable request: remote=%s id=%s", remote, msg.ID)
		}
		return false
	}

	h.mu.RLock()
	task, hasTask := h.acks[k]
	_, pending := h.requests[k]
	h.mu.RUnlock()

	if pending && hasTask && task.Pending() {
		// The scheduled empty ACK will cover this copy too.
		if h.log != nil {
			h.log.Debugf("suppressing duplicate request: remote=%s id=%s", remote, msg.ID)
		}
		return false
	}

	reply := message.NewEmptyACK(msg.ID)
	if resp, ok := h.completed.Get(k); ok && resp != nil {
		reply = resp.Clone()
	}
	if h.log != nil {
		h.log.Debugf("re-acknowledging duplicate request: remote=%s id=%s", remote, msg.ID)
	}
	h.send(reply, remote)
	return false
}

// HandleOutbound implements Handler. A response to a tracked request is
// either rewritten into a piggy-backed ACK or given an undefined message ID.
func (h *ServerInbound) HandleOutbound(msg *message.Message, remote transport.Endpoint) bool {
	if msg.Kind() != message.KindResponse || !msg.ID.IsDefined() {
		return true
	}
	k := exchangeKey{remote: remote, id: msg.ID}

	h.mu.Lock()
	defer h.mu.Unlock()

	token, ok := h.requests[k]
	if !ok || token != msg.Token {
		return true
	}
	delete(h.requests, k)

	task, hasTask := h.acks[k]
	delete(h.acks, k)

	if hasTask && task.Cancel() {
		msg.Type = message.TypeACK
		h.completed.Add(k, msg.Clone())
		if h.log != nil {
			h.log.Tracef("piggy-backed response: remote=%s %s", remote, msg)
		}
		return true
	}

	if msg.Type == message.TypeACK {
		msg.Type = message.TypeCON
	}
	msg.ID = message.UndefinedMessageID
	h.completed.Add(k, nil)
	if h.log != nil {
		h.log.Tracef("separate response: remote=%s token=%s", remote, msg.Token)
	}
	return true
}

// Abandon forgets a request that will not be answered, for instance because
// the application declined it. A still scheduled empty ACK goes out at once
// and later duplicates are acknowledged as for an answered request. Abandon
// is a no-op once the response passed HandleOutbound.
func (h *ServerInbound) Abandon(remote transport.Endpoint, id message.MessageID) {
	k := exchangeKey{remote: remote, id: id}

	h.mu.Lock()
	if _, ok := h.requests[k]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.requests, k)
	task, hasTask := h.acks[k]
	delete(h.acks, k)
	h.completed.Add(k, nil)
	h.mu.Unlock()

	if h.log != nil {
		h.log.Debugf("abandoned request: remote=%s id=%s", remote, id)
	}
	if hasTask && task.Cancel() {
		h.send(message.NewEmptyACK(id), remote)
	}
}

// Pending returns the number of requests awaiting a response.
func (h *ServerInbound) Pending() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.requests)
}

// Close cancels all scheduled empty ACKs and forgets completed exchanges.
func (h *ServerInbound) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.acks {
		t.Cancel()
	}
	h.acks = make(map[exchangeKey]*scheduler.Task)
	h.requests = make(map[exchangeKey]message.Token)
	h.completed.Purge()
}

// knownLocked reports whether k is pending or completed. h.mu must be held.
func (h *ServerInbound) knownLocked(k exchangeKey) bool {
	if _, ok := h.requests[k]; ok {
		return true
	}
	return h.completed.Contains(k)
}

// emptyAckDue runs when the application did not answer within EmptyAckDelay.
func (h *ServerInbound) emptyAckDue(k exchangeKey) {
	h.mu.Lock()
	if t, ok := h.acks[k]; ok && !t.Pending() {
		delete(h.acks, k)
	}
	h.mu.Unlock()

	if h.log != nil {
		h.log.Tracef("sending empty ACK: remote=%s id=%s", k.remote, k.id)
	}
	h.send(message.NewEmptyACK(k.id), k.remote)
}

func (h *ServerInbound) send(msg *message.Message, remote transport.Endpoint) {
	if err := h.sender.Send(msg, remote); err != nil && h.log != nil {
		h.log.Warnf("failed to send %s to %s: %v", msg.Type, remote, err)
	}
}
