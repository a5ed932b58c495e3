package reliability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/logging"
)

// messageIDSpace is the number of distinct 16-bit message IDs.
const messageIDSpace = 1 << 16

// MessageIDFactoryConfig configures a MessageIDFactory.
type MessageIDFactoryConfig struct {
	// Lifetime is how long an allocated ID stays reserved.
	// Default: DefaultExchangeLifetime
	Lifetime time.Duration

	// Random picks the first ID for a new remote endpoint.
	// Default: DefaultRandomSource
	Random RandomSource

	// OnRelease is called, on its own goroutine, when an ID's lifetime ends.
	OnRelease func(ExchangeID)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MessageIDFactory allocates message IDs per remote endpoint.
//
// The first ID for an endpoint is random, later ones are sequential. An ID is
// not handed out again while it is within its lifetime, so a peer can use
// (endpoint, message ID) for deduplication.
type MessageIDFactory struct {
	log       logging.LeveledLogger
	random    RandomSource
	onRelease func(ExchangeID)
	allocated *expirable.LRU[exchangeKey, message.Token]
	closed    atomic.Bool

	mu   sync.Mutex
	next map[transport.Endpoint]uint16
}

// NewMessageIDFactory creates a factory.
//
// Allocated IDs expire on wall-clock time, not the scheduler clock, and
// the LRU behind them runs a cleanup goroutine for the life of the process.
// Create one factory per endpoint and reuse it.
func NewMessageIDFactory(config MessageIDFactoryConfig) *MessageIDFactory {
	if config.Lifetime <= 0 {
		config.Lifetime = DefaultExchangeLifetime
	}
	if config.Random == nil {
		config.Random = DefaultRandomSource
	}

	f := &MessageIDFactory{
		random:    config.Random,
		onRelease: config.OnRelease,
		next:      make(map[transport.Endpoint]uint16),
	}
	if config.LoggerFactory != nil {
		f.log = config.LoggerFactory.NewLogger("coap-msgid")
	}

	// Size 0 means no capacity eviction; IDs leave only by expiry.
	f.allocated = expirable.NewLRU[exchangeKey, message.Token](0, f.evicted, config.Lifetime)
	return f
}

// Allocate reserves the next free message ID for remote.
// It returns ErrNoMessageID if all 65536 IDs are in use.
func (f *MessageIDFactory) Allocate(remote transport.Endpoint, token message.Token) (message.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start, ok := f.next[remote]
	if !ok {
		start = uint16(f.random.Float64() * messageIDSpace)
	}

	for i := 0; i < messageIDSpace; i++ {
		id := start + uint16(i)
		k := exchangeKey{remote: remote, id: message.MessageID(id)}
		if f.allocated.Contains(k) {
			continue
		}
		f.allocated.Add(k, token)
		f.next[remote] = id + 1
		return message.MessageID(id), nil
	}

	if f.log != nil {
		f.log.Warnf("no message ID available for %s", remote)
	}
	return message.UndefinedMessageID, ErrNoMessageID
}

// Len returns the number of allocated IDs across all endpoints.
func (f *MessageIDFactory) Len() int {
	return f.allocated.Len()
}

// Close drops all allocations without release callbacks.
func (f *MessageIDFactory) Close() {
	f.closed.Store(true)
	f.allocated.Purge()
}

// evicted runs with the LRU's lock held, so the release callback is moved to
// its own goroutine.
func (f *MessageIDFactory) evicted(k exchangeKey, token message.Token) {
	if f.closed.Load() {
		return
	}
	go f.release(ExchangeID{Remote: k.remote, MessageID: k.id, Token: token})
}

func (f *MessageIDFactory) release(x ExchangeID) {
	if f.log != nil {
		f.log.Tracef("released message ID: %s", x)
	}
	if f.onRelease != nil && !f.closed.Load() {
		f.onRelease(x)
	}
}
