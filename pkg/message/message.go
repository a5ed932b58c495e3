package message

import (
	"fmt"
	"sort"
)

// MessageID is the 16-bit message ID. UndefinedMessageID marks a message whose ID
// is still to be assigned by the outbound reliability layer.
type MessageID int32

// UndefinedMessageID is the ID of a message that has not been assigned one yet.
const UndefinedMessageID MessageID = -1

// IsDefined returns true if the ID is a valid 16-bit value.
func (id MessageID) IsDefined() bool {
	return id >= 0 && id <= 0xFFFF
}

// String renders the ID, "undefined" when unassigned.
func (id MessageID) String() string {
	if !id.IsDefined() {
		return "undefined"
	}
	return fmt.Sprintf("%d", int32(id))
}

// Message is a decoded CoAP message.
//
// Reliability handlers treat Type, ID and Token as the message identity. Only the
// handler that owns the piggy-back decision rewrites Type and ID of a response.
type Message struct {
	Type    Type
	Code    Code
	ID      MessageID
	Token   Token
	Options []OptionValue
	Payload []byte
}

// NewRequest creates a request with an undefined message ID.
func NewRequest(typ Type, code Code, token Token) *Message {
	return &Message{
		Type:  typ,
		Code:  code,
		ID:    UndefinedMessageID,
		Token: token,
	}
}

// NewResponse creates a response to req. It echoes the request's message ID and
// token; a CON request gets a CON response, anything else a NON response. The
// server inbound reliability handler later decides whether it is piggy-backed.
func NewResponse(req *Message, code Code) *Message {
	typ := TypeNON
	if req.Type == TypeCON {
		typ = TypeCON
	}
	return &Message{
		Type:  typ,
		Code:  code,
		ID:    req.ID,
		Token: req.Token,
	}
}

// NewEmptyACK creates an empty acknowledgement for a message ID.
func NewEmptyACK(id MessageID) *Message {
	return &Message{Type: TypeACK, Code: CodeEmpty, ID: id}
}

// NewReset creates a reset message for a message ID.
func NewReset(id MessageID) *Message {
	return &Message{Type: TypeRST, Code: CodeEmpty, ID: id}
}

// NewPing creates a CoAP ping (empty CON) with an undefined message ID.
func NewPing() *Message {
	return &Message{Type: TypeCON, Code: CodeEmpty, ID: UndefinedMessageID}
}

// Kind classifies the message by its code.
func (m *Message) Kind() Kind {
	return KindOf(m.Code)
}

// IsPing returns true for an empty confirmable message.
func (m *Message) IsPing() bool {
	return m.Code == CodeEmpty && m.Type == TypeCON
}

// AddOption appends an option, keeping options ordered by number.
// Options with the same number keep their insertion order.
func (m *Message) AddOption(o OptionValue) {
	m.Options = append(m.Options, o)
	sort.SliceStable(m.Options, func(i, j int) bool {
		return m.Options[i].Number() < m.Options[j].Number()
	})
}

// SetOption replaces all options with o's number by o.
func (m *Message) SetOption(o OptionValue) {
	m.RemoveOption(o.Number())
	m.AddOption(o)
}

// RemoveOption removes all options with the given number.
func (m *Message) RemoveOption(n OptionNumber) {
	kept := m.Options[:0]
	for _, o := range m.Options {
		if o.Number() != n {
			kept = append(kept, o)
		}
	}
	m.Options = kept
}

// Option returns the first option with the given number.
func (m *Message) Option(n OptionNumber) (OptionValue, bool) {
	for _, o := range m.Options {
		if o.Number() == n {
			return o, true
		}
	}
	return OptionValue{}, false
}

// Observe returns the Observe option value if present.
func (m *Message) Observe() (uint64, bool) {
	o, ok := m.Option(OptionObserve)
	if !ok {
		return 0, false
	}
	return o.Uint(), true
}

// IsUpdateNotification returns true for a response carrying an Observe option.
func (m *Message) IsUpdateNotification() bool {
	if m.Kind() != KindResponse {
		return false
	}
	_, ok := m.Option(OptionObserve)
	return ok
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Options != nil {
		c.Options = make([]OptionValue, len(m.Options))
		copy(c.Options, m.Options)
	}
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}

// String returns a one-line summary for logs.
func (m *Message) String() string {
	return fmt.Sprintf("[%s %s id=%s token=%s options=%d payload=%dB]",
		m.Type, m.Code, m.ID, m.Token, len(m.Options), len(m.Payload))
}
