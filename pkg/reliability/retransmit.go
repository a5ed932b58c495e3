package reliability

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// retransmitEntry is an outbound message awaiting acknowledgement.
//
// Confirmable entries are retransmitted until acknowledged or until
// MaxRetransmit retransmissions were sent. Non-confirmable entries are only
// tracked, so an RST can still be matched to them, and expire silently.
type retransmitEntry struct {
	remote      transport.Endpoint
	msg         *message.Message
	confirmable bool

	// count is the number of retransmissions sent so far.
	count int

	// initial is the randomized first timeout, doubled per retransmission.
	initial time.Duration

	task *scheduler.Task
}

func (e *retransmitEntry) exchange() ExchangeID {
	return ExchangeID{Remote: e.remote, MessageID: e.msg.ID, Token: e.msg.Token}
}

// RetransmitConfig configures a RetransmitTable.
type RetransmitConfig struct {
	// Scheduler runs retransmission timers. Required.
	Scheduler *scheduler.Scheduler

	// Sender transmits retransmissions. Required.
	Sender Sender

	// Bus receives MessageRetransmittedEvent and send failures.
	Bus *EventBus

	// Params are the timing parameters. Zero fields take their defaults.
	Params Params

	// Random picks the initial timeout. Default: DefaultRandomSource
	Random RandomSource

	// OnGiveUp is called when a confirmable message was retransmitted
	// MaxRetransmit times without acknowledgement.
	OnGiveUp func(ExchangeID)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// RetransmitTable manages pending retransmissions of confirmable messages
// (RFC 7252 Section 4.2).
//
// Entries are indexed by (remote, message ID) for ACK and RST matching, and
// by (remote, token) for separate responses and notification updates.
//
// Thread-safe for concurrent access.
type RetransmitTable struct {
	log      logging.LeveledLogger
	sched    *scheduler.Scheduler
	sender   Sender
	bus      *EventBus
	params   Params
	backoff  *BackoffCalculator
	onGiveUp func(ExchangeID)

	mu      sync.Mutex
	byID    map[exchangeKey]*retransmitEntry
	byToken map[tokenKey]*retransmitEntry
}

// NewRetransmitTable creates a new retransmission table.
func NewRetransmitTable(config RetransmitConfig) (*RetransmitTable, error) {
	if config.Scheduler == nil || config.Sender == nil {
		return nil, ErrMissingDependency
	}
	params := config.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	t := &RetransmitTable{
		sched:    config.Scheduler,
		sender:   config.Sender,
		bus:      config.Bus,
		params:   params,
		backoff:  NewBackoffCalculator(params, config.Random),
		onGiveUp: config.OnGiveUp,
		byID:     make(map[exchangeKey]*retransmitEntry),
		byToken:  make(map[tokenKey]*retransmitEntry),
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("coap-retransmit")
	}
	return t, nil
}

// Add arms retransmission for a confirmable message that is about to be sent
// for the first time. The message must carry its final message ID.
func (t *RetransmitTable) Add(msg *message.Message, remote transport.Endpoint) {
	e := &retransmitEntry{
		remote:      remote,
		msg:         msg.Clone(),
		confirmable: true,
		initial:     t.backoff.Initial(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.insertLocked(e)
	e.task = t.sched.Schedule(e.initial, func() { t.fire(e) })

	if t.log != nil {
		t.log.Tracef("armed retransmission: %s timeout=%v", e.exchange(), e.initial)
	}
}

// Track remembers a non-confirmable message for lifetime without
// retransmitting it.
func (t *RetransmitTable) Track(msg *message.Message, remote transport.Endpoint, lifetime time.Duration) {
	e := &retransmitEntry{
		remote: remote,
		msg:    msg.Clone(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.insertLocked(e)
	e.task = t.sched.Schedule(lifetime, func() { t.fire(e) })
}

// Stop removes the entry for (remote, id), cancelling its retransmission.
// It returns the entry's exchange and whether one existed.
func (t *RetransmitTable) Stop(remote transport.Endpoint, id message.MessageID) (ExchangeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[exchangeKey{remote: remote, id: id}]
	if !ok {
		return ExchangeID{}, false
	}
	t.removeLocked(e)
	return e.exchange(), true
}

// StopToken removes the entry for (remote, token), cancelling its
// retransmission. A separate response answers a request this way.
func (t *RetransmitTable) StopToken(remote transport.Endpoint, token message.Token) (ExchangeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byToken[tokenKey{remote: remote, token: token}]
	if !ok {
		return ExchangeID{}, false
	}
	t.removeLocked(e)
	return e.exchange(), true
}

// Update replaces the message of a pending confirmable entry with the same
// token. msg takes over the entry's type and message ID, and goes out with
// the next retransmission. It returns false if there is no such entry.
func (t *RetransmitTable) Update(msg *message.Message, remote transport.Endpoint) bool {
	if msg.Token.IsEmpty() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byToken[tokenKey{remote: remote, token: msg.Token}]
	if !ok || !e.confirmable {
		return false
	}

	msg.ID = e.msg.ID
	msg.Type = e.msg.Type
	e.msg = msg.Clone()

	if t.log != nil {
		t.log.Debugf("replaced pending message: %s", e.exchange())
	}
	return true
}

// Contains returns true if (remote, id) has a pending entry.
func (t *RetransmitTable) Contains(remote transport.Endpoint, id message.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.byID[exchangeKey{remote: remote, id: id}]
	return ok
}

// Len returns the number of pending entries.
func (t *RetransmitTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Close cancels every pending entry.
func (t *RetransmitTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.byID {
		e.task.Cancel()
	}
	t.byID = make(map[exchangeKey]*retransmitEntry)
	t.byToken = make(map[tokenKey]*retransmitEntry)
}

// fire runs when an entry's timer expires.
func (t *RetransmitTable) fire(e *retransmitEntry) {
	t.mu.Lock()

	if t.byID[exchangeKey{remote: e.remote, id: e.msg.ID}] != e {
		t.mu.Unlock()
		return
	}

	if !e.confirmable {
		t.deleteLocked(e)
		t.mu.Unlock()
		return
	}

	if e.count >= t.params.Retransmissions() {
		t.deleteLocked(e)
		x := e.exchange()
		t.mu.Unlock()

		if t.log != nil {
			t.log.Debugf("giving up after %d retransmissions: %s", e.count, x)
		}
		if t.onGiveUp != nil {
			t.onGiveUp(x)
		}
		return
	}

	e.count++
	n := e.count
	e.task = t.sched.Schedule(t.backoff.Timeout(e.initial, n), func() { t.fire(e) })
	msg := e.msg.Clone()
	t.mu.Unlock()

	x := ExchangeID{Remote: e.remote, MessageID: msg.ID, Token: msg.Token}
	if err := t.sender.Send(msg, e.remote); err != nil {
		if t.log != nil {
			t.log.Warnf("retransmission %d failed: %s: %v", n, x, err)
		}
		t.bus.Publish(MiscellaneousErrorEvent{ExchangeID: x, Description: err.Error()})
		return
	}

	if t.log != nil {
		t.log.Debugf("retransmitted (%d/%d): %s", n, t.params.Retransmissions(), x)
	}
	t.bus.Publish(MessageRetransmittedEvent{ExchangeID: x, Retransmission: n})
}

// insertLocked adds e, replacing any entry with the same message ID.
func (t *RetransmitTable) insertLocked(e *retransmitEntry) {
	if old, ok := t.byID[exchangeKey{remote: e.remote, id: e.msg.ID}]; ok {
		t.removeLocked(old)
	}
	t.byID[exchangeKey{remote: e.remote, id: e.msg.ID}] = e
	if !e.msg.Token.IsEmpty() {
		t.byToken[tokenKey{remote: e.remote, token: e.msg.Token}] = e
	}
}

func (t *RetransmitTable) removeLocked(e *retransmitEntry) {
	if e.task != nil {
		e.task.Cancel()
	}
	t.deleteLocked(e)
}

func (t *RetransmitTable) deleteLocked(e *retransmitEntry) {
	delete(t.byID, exchangeKey{remote: e.remote, id: e.msg.ID})
	tk := tokenKey{remote: e.remote, token: e.msg.Token}
	if t.byToken[tk] == e {
		delete(t.byToken, tk)
	}
}
