package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
)

// node is one side of an in-memory exchange: a handler chain whose raw
// sends are encoded, decoded and fed into the peer's chain.
type node struct {
	t     *testing.T
	addr  transport.Endpoint
	peer  *node
	chain Chain

	mu        sync.Mutex
	delivered []*message.Message
	drop      func(*message.Message) bool
}

// Send implements Sender. It bypasses the local chain.
func (n *node) Send(msg *message.Message, remote transport.Endpoint) error {
	data, err := message.Encode(msg)
	if err != nil {
		n.t.Errorf("%s: Encode(%s) error = %v", n.addr, msg, err)
		return err
	}

	n.mu.Lock()
	drop := n.drop != nil && n.drop(msg)
	n.mu.Unlock()
	if drop {
		return nil
	}

	decoded, err := message.Decode(data)
	if err != nil {
		n.t.Errorf("%s: Decode() error = %v", n.addr, err)
		return err
	}
	n.peer.receive(decoded, n.addr)
	return nil
}

func (n *node) receive(msg *message.Message, from transport.Endpoint) {
	if n.chain.HandleInbound(msg, from) {
		n.mu.Lock()
		n.delivered = append(n.delivered, msg)
		n.mu.Unlock()
	}
}

// send runs msg through the outbound chain and transmits it.
func (n *node) send(msg *message.Message, remote transport.Endpoint) bool {
	if !n.chain.HandleOutbound(msg, remote) {
		return false
	}
	return n.Send(msg, remote) == nil
}

func (n *node) deliveries() []*message.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*message.Message(nil), n.delivered...)
}

type scenario struct {
	client, server *node
	clientOut      *ClientOutbound
	serverOut      *ServerOutbound
	clientEvents   *eventRecorder
}

func newScenario(t *testing.T, s *scheduler.Scheduler) *scenario {
	t.Helper()
	client := &node{t: t, addr: clientAddr}
	server := &node{t: t, addr: serverAddr}
	client.peer, server.peer = server, client

	clientBus := NewEventBus()
	serverBus := NewEventBus()
	// The client starts at message ID 0 with a 2s initial timeout, the
	// server at 32768 with 2.5s.
	clientOut, err := NewClientOutbound(ClientOutboundConfig{Scheduler: s, Sender: client, Bus: clientBus, Random: mockRandomSource{value: 0}})
	if err != nil {
		t.Fatal(err)
	}
	clientIn, err := NewClientInbound(ClientInboundConfig{Sender: client, Bus: clientBus})
	if err != nil {
		t.Fatal(err)
	}
	serverOut, err := NewServerOutbound(ServerOutboundConfig{Scheduler: s, Sender: server, Bus: serverBus, Random: mockRandomSource{value: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	serverIn, err := NewServerInbound(ServerInboundConfig{Scheduler: s, Sender: server})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		clientOut.Close()
		clientIn.Close()
		serverOut.Close()
		serverIn.Close()
	})

	client.chain = NewChain(clientOut, clientIn)
	server.chain = NewChain(serverOut, serverIn)

	return &scenario{
		client:       client,
		server:       server,
		clientOut:    clientOut,
		serverOut:    serverOut,
		clientEvents: newEventRecorder(clientBus),
	}
}

// TestScenarioSeparateResponse: a CON request with token 0xAB to
// 10.0.0.1:5683 is acknowledged empty at 1500ms; the later separate CON
// response is acknowledged and delivered exactly once, even when the server
// retransmits it.
func TestScenarioSeparateResponse(t *testing.T) {
	mock, s := newTestScheduler(t)
	sc := newScenario(t, s)
	token := message.MustToken(0xAB)

	req := message.NewRequest(message.TypeCON, message.CodeGET, token)
	path, _ := message.NewStringOption(message.OptionURIPath, "temp")
	req.AddOption(path)
	if !sc.client.send(req, serverAddr) {
		t.Fatal("request not sent")
	}

	got := sc.server.deliveries()
	if len(got) != 1 || got[0].Token != token {
		t.Fatalf("server deliveries = %d, want 1 with token 0xab", len(got))
	}
	serverReq := got[0]

	advance(mock, s, DefaultEmptyAckDelay)
	if n := countEvents[EmptyAckReceivedEvent](sc.clientEvents); n != 1 {
		t.Fatalf("EmptyAckReceivedEvent count = %d, want 1", n)
	}
	x := sc.clientEvents.all()[len(sc.clientEvents.all())-1].Exchange()
	if x.MessageID != req.ID || x.Remote != serverAddr {
		t.Errorf("empty ACK exchange = %s, want id=%s remote=%s", x, req.ID, serverAddr)
	}
	if sc.clientOut.Pending() != 0 {
		t.Error("client still retransmitting after empty ACK")
	}

	// The client's ACK for the separate response is lost once, so the
	// server retransmits it.
	acksDropped := 0
	sc.client.drop = func(m *message.Message) bool {
		if m.Type == message.TypeACK && acksDropped == 0 {
			acksDropped++
			return true
		}
		return false
	}

	advance(mock, s, time.Second)
	resp := message.NewResponse(serverReq, message.CodeContent)
	resp.Payload = []byte("22.5 C")
	if !sc.server.send(resp, clientAddr) {
		t.Fatal("separate response not sent")
	}
	if resp.Type != message.TypeCON || resp.ID == req.ID {
		t.Errorf("separate response = %s, want CON with a fresh ID", resp)
	}
	if sc.serverOut.Pending() != 1 {
		t.Fatalf("server Pending() = %d, want 1", sc.serverOut.Pending())
	}

	advance(mock, s, 2500*time.Millisecond) // server retransmits
	if sc.serverOut.Pending() != 0 {
		t.Errorf("server Pending() = %d after ACK, want 0", sc.serverOut.Pending())
	}

	deliveries := sc.client.deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("client deliveries = %d, want 1", len(deliveries))
	}
	if d := deliveries[0]; d.Code != message.CodeContent || string(d.Payload) != "22.5 C" || d.Token != token {
		t.Errorf("delivered %s, want 2.05 with token 0xab", d)
	}
	if n := countEvents[MessageRetransmittedEvent](sc.clientEvents); n != 0 {
		t.Errorf("client retransmitted %d times, want 0", n)
	}
}

// TestScenarioPiggyBacked: the request is retransmitted because the first
// copy is lost; the server answers before the delay with a piggy-backed ACK.
func TestScenarioPiggyBacked(t *testing.T) {
	mock, s := newTestScheduler(t)
	sc := newScenario(t, s)
	token := message.MustToken(0x01, 0x02)

	lost := false
	sc.client.drop = func(m *message.Message) bool {
		if m.Kind() == message.KindRequest && !lost {
			lost = true
			return true
		}
		return false
	}

	req := message.NewRequest(message.TypeCON, message.CodePUT, token)
	sc.client.send(req, serverAddr)
	if len(sc.server.deliveries()) != 0 {
		t.Fatal("lost request delivered")
	}

	advance(mock, s, 2*time.Second) // client retransmits
	got := sc.server.deliveries()
	if len(got) != 1 {
		t.Fatalf("server deliveries = %d, want 1", len(got))
	}

	resp := message.NewResponse(got[0], message.CodeChanged)
	sc.server.send(resp, clientAddr)
	if resp.Type != message.TypeACK || resp.ID != req.ID {
		t.Errorf("response = %s, want piggy-backed ACK id=%s", resp, req.ID)
	}

	advance(mock, s, time.Minute)
	if n := len(sc.client.deliveries()); n != 1 {
		t.Errorf("client deliveries = %d, want 1", n)
	}
	if sc.clientOut.Pending() != 0 {
		t.Error("client still retransmitting")
	}
	if n := countEvents[EmptyAckReceivedEvent](sc.clientEvents); n != 0 {
		t.Errorf("EmptyAckReceivedEvent count = %d, want 0", n)
	}
}

func TestScenarioPing(t *testing.T) {
	_, s := newTestScheduler(t)
	sc := newScenario(t, s)

	sc.client.send(message.NewPing(), serverAddr)
	if n := countEvents[ResetReceivedEvent](sc.clientEvents); n != 1 {
		t.Errorf("ResetReceivedEvent count = %d, want 1", n)
	}
	if len(sc.server.deliveries()) != 0 || len(sc.client.deliveries()) != 0 {
		t.Error("ping delivered to an application")
	}
}
