package reliability

import (
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

// ClientInboundConfig configures a ClientInbound handler.
type ClientInboundConfig struct {
	// Sender transmits ACKs and RSTs. Required.
	Sender Sender

	// Bus delivers RemoteEndpointChangedEvent and TokenReleasedEvent.
	// If nil, the awaited set only changes through MoveToken and ReleaseToken.
	Bus *EventBus

	// Params are the timing parameters. Zero fields take their defaults.
	Params Params

	// ResetRate limits RSTs sent for unsolicited responses.
	// Default: rate.Inf (no limit)
	ResetRate rate.Limit

	// ResetBurst is the burst size for ResetRate.
	// Default: 1
	ResetBurst int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ClientInbound tracks which tokens await a response per remote endpoint.
//
// Responses with an unknown token are never forwarded; confirmable ones and
// non-confirmable notifications are answered with RST. Responses with an
// awaited token are forwarded, confirmable ones acknowledged. The token stays
// awaited, since notifications reuse it, until a TokenReleasedEvent.
//
// Separate responses are remembered by message ID for ExchangeLifetime, so a
// copy is acknowledged and dropped even after its token was released.
type ClientInbound struct {
	log         logging.LeveledLogger
	sender      Sender
	limiter     *rate.Limiter
	unsubscribe func()

	mu      sync.RWMutex
	awaited map[transport.Endpoint]map[message.Token]struct{}
	recent  *expirable.LRU[exchangeKey, struct{}]
}

// NewClientInbound creates a ClientInbound handler.
//
// Remembered response IDs expire after ExchangeLifetime of wall-clock time.
// The LRU holding them runs a cleanup goroutine that is never stopped, so
// handlers are meant to live as long as their endpoint.
func NewClientInbound(config ClientInboundConfig) (*ClientInbound, error) {
	if config.Sender == nil {
		return nil, ErrMissingDependency
	}
	params := config.Params.WithDefaults()
	if config.ResetRate == 0 {
		config.ResetRate = rate.Inf
	}
	if config.ResetBurst <= 0 {
		config.ResetBurst = 1
	}

	h := &ClientInbound{
		sender:  config.Sender,
		limiter: rate.NewLimiter(config.ResetRate, config.ResetBurst),
		awaited: make(map[transport.Endpoint]map[message.Token]struct{}),
		recent:  expirable.NewLRU[exchangeKey, struct{}](0, nil, params.ExchangeLifetime),
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("coap-client-in")
	}
	if config.Bus != nil {
		h.unsubscribe = config.Bus.Subscribe(h.onEvent)
	}
	return h, nil
}

// HandleInbound implements Handler.
func (h *ClientInbound) HandleInbound(msg *message.Message, remote transport.Endpoint) bool {
	switch msg.Kind() {
	case message.KindEmpty:
		if msg.IsPing() {
			h.send(message.NewReset(msg.ID), remote)
			return false
		}
		return true
	case message.KindResponse:
		return h.handleResponse(msg, remote)
	case message.KindRequest, message.KindReserved:
		return true
	}
	return true
}

func (h *ClientInbound) handleResponse(msg *message.Message, remote transport.Endpoint) bool {
	// Piggy-backed responses are matched by message ID on the outbound side.
	if msg.Type == message.TypeACK {
		if !h.Awaited(remote, msg.Token) {
			h.rejectUnsolicited(msg, remote)
			return false
		}
		return true
	}

	// A retransmitted response may arrive after the token was released, when
	// our ACK was lost. It is acknowledged again rather than reset.
	k := exchangeKey{remote: remote, id: msg.ID}
	h.mu.RLock()
	seen := h.recent.Contains(k)
	h.mu.RUnlock()
	if seen {
		h.dropDuplicate(msg, remote)
		return false
	}

	if !h.Awaited(remote, msg.Token) {
		h.rejectUnsolicited(msg, remote)
		return false
	}

	h.mu.Lock()
	seen = h.recent.Contains(k)
	if !seen {
		h.recent.Add(k, struct{}{})
	}
	h.mu.Unlock()
	if seen {
		h.dropDuplicate(msg, remote)
		return false
	}

	if msg.Type == message.TypeCON {
		h.send(message.NewEmptyACK(msg.ID), remote)
	}
	return true
}

func (h *ClientInbound) dropDuplicate(msg *message.Message, remote transport.Endpoint) {
	if msg.Type == message.TypeCON {
		h.send(message.NewEmptyACK(msg.ID), remote)
	}
	if h.log != nil {
		h.log.Debugf("dropping duplicate response: remote=%s id=%s", remote, msg.ID)
	}
}

func (h *ClientInbound) rejectUnsolicited(msg *message.Message, remote transport.Endpoint) {
	needsReset := msg.Type == message.TypeCON ||
		(msg.Type == message.TypeNON && msg.IsUpdateNotification())
	if !needsReset {
		if h.log != nil {
			h.log.Debugf("dropping unsolicited response: remote=%s %s", remote, msg)
		}
		return
	}
	if !h.limiter.Allow() {
		if h.log != nil {
			h.log.Debugf("reset rate exceeded, dropping unsolicited response: remote=%s", remote)
		}
		return
	}
	if h.log != nil {
		h.log.Debugf("rejecting unsolicited response: remote=%s %s", remote, msg)
	}
	h.send(message.NewReset(msg.ID), remote)
}

// HandleOutbound records the token of a departing request.
func (h *ClientInbound) HandleOutbound(msg *message.Message, remote transport.Endpoint) bool {
	if msg.Kind() != message.KindRequest {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	tokens, ok := h.awaited[remote]
	if !ok {
		tokens = make(map[message.Token]struct{})
		h.awaited[remote] = tokens
	}
	tokens[msg.Token] = struct{}{}
	return true
}

// Awaited returns true if a response with token is expected from remote.
func (h *ClientInbound) Awaited(remote transport.Endpoint, token message.Token) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.awaited[remote][token]
	return ok
}

// MoveToken moves an awaited token from one remote endpoint to another.
func (h *ClientInbound) MoveToken(token message.Token, from, to transport.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.awaited[from][token]; !ok {
		return
	}
	h.deleteLocked(from, token)

	tokens, ok := h.awaited[to]
	if !ok {
		tokens = make(map[message.Token]struct{})
		h.awaited[to] = tokens
	}
	tokens[token] = struct{}{}
}

// ReleaseToken stops awaiting token on every remote endpoint.
func (h *ClientInbound) ReleaseToken(token message.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for remote := range h.awaited {
		h.deleteLocked(remote, token)
	}
}

// Len returns the number of awaited tokens across all endpoints.
func (h *ClientInbound) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, tokens := range h.awaited {
		n += len(tokens)
	}
	return n
}

// Close unsubscribes from the event bus.
func (h *ClientInbound) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.recent.Purge()
}

func (h *ClientInbound) onEvent(ev Event) {
	switch e := ev.(type) {
	case RemoteEndpointChangedEvent:
		h.MoveToken(e.Token, e.Previous, e.Remote)
	case TokenReleasedEvent:
		h.ReleaseToken(e.Token)
	}
}

func (h *ClientInbound) deleteLocked(remote transport.Endpoint, token message.Token) {
	tokens, ok := h.awaited[remote]
	if !ok {
		return
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(h.awaited, remote)
	}
}

func (h *ClientInbound) send(msg *message.Message, remote transport.Endpoint) {
	if err := h.sender.Send(msg, remote); err != nil && h.log != nil {
		h.log.Warnf("failed to send %s to %s: %v", msg.Type, remote, err)
	}
}
