package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/benbjohnson/clock"
)

var (
	serverAddr = transport.MustEndpoint("10.0.0.1:5683")
	clientAddr = transport.MustEndpoint("10.0.0.2:40000")
)

// mockRandomSource returns a fixed value for deterministic testing.
type mockRandomSource struct {
	value float64
}

func (m mockRandomSource) Float64() float64 {
	return m.value
}

type sentMessage struct {
	msg    *message.Message
	remote transport.Endpoint
}

// recordingSender records every message instead of transmitting it.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(msg *message.Message, remote transport.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{msg: msg.Clone(), remote: remote})
	return nil
}

func (s *recordingSender) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// count returns how many messages of typ and code were sent.
func (s *recordingSender) count(typ message.Type, code message.Code) int {
	n := 0
	for _, m := range s.all() {
		if m.msg.Type == typ && m.msg.Code == code {
			n++
		}
	}
	return n
}

func (s *recordingSender) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// eventRecorder collects every event published on a bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func newEventRecorder(bus *EventBus) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func countEvents[T Event](r *eventRecorder) int {
	n := 0
	for _, ev := range r.all() {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

// newTestScheduler returns a scheduler on a mock clock.
func newTestScheduler(t *testing.T) (*clock.Mock, *scheduler.Scheduler) {
	t.Helper()
	mock := clock.NewMock()
	s := scheduler.New(scheduler.Config{Clock: mock})
	t.Cleanup(s.Stop)
	return mock, s
}

// advance moves the mock clock forward and runs every task that became due.
func advance(mock *clock.Mock, s *scheduler.Scheduler, d time.Duration) {
	mock.Add(d)
	s.RunDue()
}

func conRequest(id message.MessageID, token message.Token) *message.Message {
	req := message.NewRequest(message.TypeCON, message.CodeGET, token)
	req.ID = id
	return req
}

func nonRequest(id message.MessageID, token message.Token) *message.Message {
	req := message.NewRequest(message.TypeNON, message.CodeGET, token)
	req.ID = id
	return req
}
