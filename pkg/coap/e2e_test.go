package coap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/reliability"
	"github.com/backkem/coap/pkg/transport"
)

// echoHandler answers every request with its payload after delay.
type echoHandler struct {
	delay time.Duration
	calls atomic.Int32
}

func (h *echoHandler) ServeCoAP(ctx context.Context, req *message.Message, from transport.Endpoint) *message.Message {
	h.calls.Add(1)
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil
		}
	}
	resp := message.NewResponse(req, message.CodeContent)
	resp.Payload = append([]byte("echo:"), req.Payload...)
	return resp
}

func newPair(t *testing.T, h Handler) *TestPair {
	t.Helper()
	pair, err := NewTestPair(TestPairConfig{Handler: h})
	if err != nil {
		t.Fatalf("NewTestPair() error = %v", err)
	}
	t.Cleanup(func() { _ = pair.Close() })
	return pair
}

func post(typ message.Type, payload string) *message.Message {
	req := message.NewRequest(typ, message.CodePOST, message.EmptyToken)
	req.Payload = []byte(payload)
	return req
}

func doRequest(t *testing.T, pair *TestPair, req *message.Message) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := pair.Client().Do(ctx, req, pair.ServerEndpoint())
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return resp
}

func TestE2EPiggyBacked(t *testing.T) {
	h := &echoHandler{}
	pair := newPair(t, h)

	resp := doRequest(t, pair, post(message.TypeCON, "hi"))
	if resp.Type != message.TypeACK {
		t.Errorf("response type = %s, want ACK", resp.Type)
	}
	if resp.Code != message.CodeContent || string(resp.Payload) != "echo:hi" {
		t.Errorf("response = %s %q", resp.Code, resp.Payload)
	}
	if n := h.calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestE2ESeparateResponse(t *testing.T) {
	h := &echoHandler{delay: 150 * time.Millisecond}
	pair := newPair(t, h)

	emptyAcks := make(chan reliability.Event, 1)
	pair.Client().Bus().Subscribe(func(ev reliability.Event) {
		if _, ok := ev.(reliability.EmptyAckReceivedEvent); ok {
			select {
			case emptyAcks <- ev:
			default:
			}
		}
	})

	req := post(message.TypeCON, "slow")
	resp := doRequest(t, pair, req)
	if resp.Type != message.TypeCON {
		t.Errorf("response type = %s, want CON", resp.Type)
	}
	if resp.Token != req.Token {
		t.Errorf("response token = %s, want %s", resp.Token, req.Token)
	}

	select {
	case ev := <-emptyAcks:
		if ev.Exchange().MessageID != req.ID {
			t.Errorf("empty ACK id = %s, want %s", ev.Exchange().MessageID, req.ID)
		}
	default:
		t.Error("no empty ACK before the separate response")
	}

	// The client's ACK stops the server's retransmission
	deadline := time.Now().Add(time.Second)
	for pair.Server().Stats().PendingRetransmissions != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server still retransmitting the separate response")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestE2ENonConfirmable(t *testing.T) {
	pair := newPair(t, &echoHandler{})

	resp := doRequest(t, pair, post(message.TypeNON, "x"))
	if resp.Type != message.TypeNON {
		t.Errorf("response type = %s, want NON", resp.Type)
	}
}

// TestE2ELostRequest drops the first copy of the request; the
// retransmission reaches the handler exactly once.
func TestE2ELostRequest(t *testing.T) {
	h := &echoHandler{}
	pair := newPair(t, h)

	var dropped atomic.Bool
	client := pair.ClientEndpoint()
	pair.Pipe().SetCondition(transport.NetworkCondition{
		Drop: func(from transport.Endpoint, data []byte) bool {
			return from == client && dropped.CompareAndSwap(false, true)
		},
	})

	retransmitted := make(chan struct{}, 4)
	pair.Client().Bus().Subscribe(func(ev reliability.Event) {
		if _, ok := ev.(reliability.MessageRetransmittedEvent); ok {
			select {
			case retransmitted <- struct{}{}:
			default:
			}
		}
	})

	resp := doRequest(t, pair, post(message.TypeCON, "again"))
	if string(resp.Payload) != "echo:again" {
		t.Errorf("payload = %q", resp.Payload)
	}
	if n := h.calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
	select {
	case <-retransmitted:
	case <-time.After(time.Second):
		t.Error("no MessageRetransmittedEvent")
	}
}

// TestE2EDuplicatingNetwork delivers every datagram twice.
func TestE2EDuplicatingNetwork(t *testing.T) {
	h := &echoHandler{}
	pair := newPair(t, h)
	pair.Pipe().SetCondition(transport.NetworkCondition{Duplicate: 1.0})

	for i := 0; i < 5; i++ {
		doRequest(t, pair, post(message.TypeCON, "dup"))
	}
	if n := h.calls.Load(); n != 5 {
		t.Errorf("handler calls = %d, want 5", n)
	}
}

func TestE2ETimeout(t *testing.T) {
	pair := newPair(t, &echoHandler{})
	client := pair.ClientEndpoint()
	pair.Pipe().SetCondition(transport.NetworkCondition{
		Drop: func(from transport.Endpoint, data []byte) bool { return from == client },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := pair.Client().Do(ctx, post(message.TypeCON, "void"), pair.ServerEndpoint())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if n := pair.Client().Stats().AwaitedTokens; n != 0 {
		t.Errorf("AwaitedTokens = %d after timeout, want 0", n)
	}
}

func TestE2EContextCancel(t *testing.T) {
	release := make(chan struct{})
	pair := newPair(t, HandlerFunc(func(ctx context.Context, req *message.Message, _ transport.Endpoint) *message.Message {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := pair.Client().Do(ctx, post(message.TypeCON, "wait"), pair.ServerEndpoint())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want DeadlineExceeded", err)
	}
	stats := pair.Client().Stats()
	if stats.AwaitedTokens != 0 || stats.PendingRetransmissions != 0 {
		t.Errorf("Stats() = %+v after cancel, want empty", stats)
	}
}

func TestE2EPing(t *testing.T) {
	pair := newPair(t, &echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pair.Client().Ping(ctx, pair.ServerEndpoint()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

// TestE2EPingCancelled verifies that a ping abandoned through its context
// stops retransmitting.
func TestE2EPingCancelled(t *testing.T) {
	pair := newPair(t, &echoHandler{})
	client := pair.ClientEndpoint()
	pair.Pipe().SetCondition(transport.NetworkCondition{
		Drop: func(from transport.Endpoint, data []byte) bool { return from == client },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pair.Client().Ping(ctx, pair.ServerEndpoint()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ping() error = %v, want context.DeadlineExceeded", err)
	}
	if n := pair.Client().Stats().PendingRetransmissions; n != 0 {
		t.Errorf("PendingRetransmissions = %d after cancelled ping, want 0", n)
	}
}

func TestE2EConcurrentRequests(t *testing.T) {
	h := &echoHandler{delay: 10 * time.Millisecond}
	pair := newPair(t, h)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := pair.Client().Do(ctx, post(message.TypeCON, "c"), pair.ServerEndpoint()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Do() error = %v", err)
	}
	if n := h.calls.Load(); n != 20 {
		t.Errorf("handler calls = %d, want 20", n)
	}
}

func TestE2EStop(t *testing.T) {
	pair, err := NewTestPair(TestPairConfig{Handler: &echoHandler{}})
	if err != nil {
		t.Fatalf("NewTestPair() error = %v", err)
	}
	_ = pair.Close()

	_, err = pair.Client().Do(context.Background(), post(message.TypeCON, "x"), pair.ServerEndpoint())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Do() after Close error = %v, want ErrClosed", err)
	}
	if err := pair.Server().Stop(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Stop() error = %v, want ErrClosed", err)
	}
}

func TestNewServerRequiresHandler(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("NewServer() error = %v, want ErrNoHandler", err)
	}
}

// TestE2EHandlerDeclines verifies that requests the handler answers with nil
// leave no exchange state behind on the server.
func TestE2EHandlerDeclines(t *testing.T) {
	var calls atomic.Int32
	pair := newPair(t, HandlerFunc(func(ctx context.Context, req *message.Message, from transport.Endpoint) *message.Message {
		calls.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := pair.Client().Do(ctx, post(message.TypeCON, "ignored"), pair.ServerEndpoint())
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Do() error = %v, want context.DeadlineExceeded", err)
		}
	}

	if n := calls.Load(); n != 5 {
		t.Errorf("handler calls = %d, want 5", n)
	}
	deadline := time.Now().Add(time.Second)
	for pair.Server().Stats().PendingRequests != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server pending requests = %d, want 0", pair.Server().Stats().PendingRequests)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Nothing is left retransmitting on the client either
	if n := pair.Client().Stats().PendingRetransmissions; n != 0 {
		t.Errorf("client pending retransmissions = %d, want 0", n)
	}
}
