package reliability

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for the initial timeout.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes retransmission timeouts (RFC 7252 Section 4.2).
//
// The initial timeout is chosen once per message:
//
//	initial = ACK_TIMEOUT * (1 + random(0,1) * (ACK_RANDOM_FACTOR - 1))
//
// and doubles with every retransmission:
//
//	timeout(n) = initial * 2^n
//
// where n is the number of retransmissions already sent.
type BackoffCalculator struct {
	random RandomSource
	params Params
}

// NewBackoffCalculator creates a new backoff calculator with the given random source.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(params Params, random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random, params: params.WithDefaults()}
}

// Initial picks a randomized initial timeout.
func (b *BackoffCalculator) Initial() time.Duration {
	f := 1.0 + b.random.Float64()*(b.params.AckRandomFactor-1.0)
	return time.Duration(float64(b.params.AckTimeout) * f)
}

// Timeout returns the wait after the given number of retransmissions.
func (b *BackoffCalculator) Timeout(initial time.Duration, retransmissions int) time.Duration {
	return initial << retransmissions
}

// CalculateMin computes the minimum timeout (random = 0).
// Useful for testing and documentation.
func (b *BackoffCalculator) CalculateMin(retransmissions int) time.Duration {
	return b.params.AckTimeout << retransmissions
}

// CalculateMax computes the maximum timeout (random = 1).
// Useful for testing and documentation.
func (b *BackoffCalculator) CalculateMax(retransmissions int) time.Duration {
	initial := time.Duration(float64(b.params.AckTimeout) * b.params.AckRandomFactor)
	return initial << retransmissions
}
