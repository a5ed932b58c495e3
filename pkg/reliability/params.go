package reliability

import (
	"fmt"
	"time"
)

// Transmission parameters (RFC 7252 Section 4.8).
const (
	// DefaultAckTimeout is the base timeout before the first retransmission.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor scales the initial timeout into
	// [AckTimeout, AckTimeout*AckRandomFactor].
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the number of retransmissions of a confirmable
	// message before giving up.
	DefaultMaxRetransmit = 4

	// NoRetransmit configures MaxRetransmit for a single transmission.
	// A zero MaxRetransmit means the default.
	NoRetransmit = -1

	// DefaultEmptyAckDelay is how long a server waits for the application's
	// response before acknowledging a confirmable request with an empty ACK.
	DefaultEmptyAckDelay = 1500 * time.Millisecond

	// DefaultExchangeLifetime is how long a message ID stays allocated and how
	// long a completed exchange is remembered for deduplication.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultNonLifetime is how long a non-confirmable message stays tracked so
	// that a reset can still cancel its exchange.
	DefaultNonLifetime = 3 * time.Second
)

// Params are the timing parameters shared by all reliability handlers.
// Zero fields mean the default, so MaxRetransmit uses NoRetransmit to turn
// retransmission off.
type Params struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckRandomFactor  float64       `yaml:"ack_random_factor"`
	MaxRetransmit    int           `yaml:"max_retransmit"`
	EmptyAckDelay    time.Duration `yaml:"empty_ack_delay"`
	ExchangeLifetime time.Duration `yaml:"exchange_lifetime"`
	NonLifetime      time.Duration `yaml:"non_lifetime"`
}

// DefaultParams returns the RFC 7252 default parameters.
func DefaultParams() Params {
	return Params{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		EmptyAckDelay:    DefaultEmptyAckDelay,
		ExchangeLifetime: DefaultExchangeLifetime,
		NonLifetime:      DefaultNonLifetime,
	}
}

// WithDefaults returns p with every zero field replaced by its default.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.AckTimeout == 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor == 0 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.EmptyAckDelay == 0 {
		p.EmptyAckDelay = d.EmptyAckDelay
	}
	if p.ExchangeLifetime == 0 {
		p.ExchangeLifetime = d.ExchangeLifetime
	}
	if p.NonLifetime == 0 {
		p.NonLifetime = d.NonLifetime
	}
	return p
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	switch {
	case p.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout %v", ErrInvalidParams, p.AckTimeout)
	case p.AckRandomFactor < 1:
		return fmt.Errorf("%w: ack random factor %v < 1", ErrInvalidParams, p.AckRandomFactor)
	case p.MaxRetransmit < NoRetransmit || p.MaxRetransmit > 16:
		return fmt.Errorf("%w: max retransmit %d", ErrInvalidParams, p.MaxRetransmit)
	case p.EmptyAckDelay < 0:
		return fmt.Errorf("%w: empty ack delay %v", ErrInvalidParams, p.EmptyAckDelay)
	case p.ExchangeLifetime <= 0:
		return fmt.Errorf("%w: exchange lifetime %v", ErrInvalidParams, p.ExchangeLifetime)
	case p.NonLifetime <= 0:
		return fmt.Errorf("%w: non lifetime %v", ErrInvalidParams, p.NonLifetime)
	}
	return nil
}

// MaxTransmitSpan is the time from the first transmission of a confirmable
// message to its last retransmission, using the maximum initial timeout.
func (p Params) MaxTransmitSpan() time.Duration {
	initial := float64(p.AckTimeout) * p.AckRandomFactor
	return time.Duration(initial * float64(int(1)<<p.Retransmissions()-1))
}

// Retransmissions returns how often a confirmable message is retransmitted.
func (p Params) Retransmissions() int {
	if p.MaxRetransmit < 0 {
		return 0
	}
	return p.MaxRetransmit
}
