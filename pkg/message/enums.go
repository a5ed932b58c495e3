// Package message implements the CoAP message model and datagram codec.
//
// The package provides:
//   - Message identity: type, 16-bit message ID, token
//   - Message codes and the closed Request/Response/Empty kind classification
//   - Option numbers, the option characteristics table and option value validation
//   - Datagram encoding/decoding (RFC 7252 Section 3)
package message

import "fmt"

// Type is the 2-bit CoAP message type (RFC 7252 Section 3).
type Type uint8

const (
	// TypeCON is a confirmable message. It is retransmitted until acknowledged.
	TypeCON Type = 0

	// TypeNON is a non-confirmable message.
	TypeNON Type = 1

	// TypeACK acknowledges a confirmable message. It may carry a piggy-backed response.
	TypeACK Type = 2

	// TypeRST indicates a message was received but could not be processed.
	TypeRST Type = 3
)

// String returns the short protocol name of the type.
func (t Type) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type fits the 2-bit field.
func (t Type) IsValid() bool {
	return t <= TypeRST
}

// Code is the 8-bit message code, split on the wire into a 3-bit class and a
// 5-bit detail ("c.dd").
type Code uint8

// Method and response codes (RFC 7252 Section 12.1).
const (
	CodeEmpty Code = 0

	CodeGET    Code = 1
	CodePOST   Code = 2
	CodePUT    Code = 3
	CodeDELETE Code = 4

	CodeCreated  Code = 65 // 2.01
	CodeDeleted  Code = 66 // 2.02
	CodeValid    Code = 67 // 2.03
	CodeChanged  Code = 68 // 2.04
	CodeContent  Code = 69 // 2.05
	CodeContinue Code = 95 // 2.31

	CodeBadRequest               Code = 128 // 4.00
	CodeUnauthorized             Code = 129 // 4.01
	CodeBadOption                Code = 130 // 4.02
	CodeForbidden                Code = 131 // 4.03
	CodeNotFound                 Code = 132 // 4.04
	CodeMethodNotAllowed         Code = 133 // 4.05
	CodeNotAcceptable            Code = 134 // 4.06
	CodeRequestEntityIncomplete  Code = 136 // 4.08
	CodePreconditionFailed       Code = 140 // 4.12
	CodeRequestEntityTooLarge    Code = 141 // 4.13
	CodeUnsupportedContentFormat Code = 143 // 4.15

	CodeInternalServerError  Code = 160 // 5.00
	CodeNotImplemented       Code = 161 // 5.01
	CodeBadGateway           Code = 162 // 5.02
	CodeServiceUnavailable   Code = 163 // 5.03
	CodeGatewayTimeout       Code = 164 // 5.04
	CodeProxyingNotSupported Code = 165 // 5.05
)

// Class returns the 3-bit code class.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1F
}

// IsRequest returns true for method codes (class 0, non-empty).
func (c Code) IsRequest() bool {
	return c != CodeEmpty && c.Class() == 0
}

// IsResponse returns true for response codes (classes 2, 4 and 5).
func (c Code) IsResponse() bool {
	switch c.Class() {
	case 2, 4, 5:
		return true
	default:
		return false
	}
}

// String renders the code in "c.dd" notation.
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Kind classifies a message by its code.
type Kind int

const (
	// KindEmpty is a message with code 0.00: an empty ACK, an RST or a ping.
	KindEmpty Kind = iota

	// KindRequest carries a method code.
	KindRequest

	// KindResponse carries a response code.
	KindResponse

	// KindReserved carries a code from a reserved class (1, 3, 6, 7).
	// Such messages are rejected by the decoder.
	KindReserved
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	default:
		return "Reserved"
	}
}

// KindOf returns the kind for a message code.
func KindOf(c Code) Kind {
	switch {
	case c == CodeEmpty:
		return KindEmpty
	case c.IsRequest():
		return KindRequest
	case c.IsResponse():
		return KindResponse
	default:
		return KindReserved
	}
}
