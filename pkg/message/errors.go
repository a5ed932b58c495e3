package message

import "errors"

// Message layer errors.
var (
	// Header decoding errors
	ErrMessageTooShort  = errors.New("message: data too short")
	ErrInvalidVersion   = errors.New("message: invalid version (must be 1)")
	ErrInvalidTokenLen  = errors.New("message: token length exceeds 8 bytes")
	ErrReservedCode     = errors.New("message: code from reserved class")
	ErrInvalidEmpty     = errors.New("message: empty message must not carry token, options or payload")
	ErrPayloadMarker    = errors.New("message: payload marker followed by empty payload")
	ErrInvalidOptionExt = errors.New("message: reserved option delta or length nibble (15)")
	ErrOptionTruncated  = errors.New("message: option exceeds datagram")
	ErrOptionNumber     = errors.New("message: option number exceeds 65535")

	// Option value errors
	ErrUnknownOption       = errors.New("message: unknown critical option")
	ErrOptionLength        = errors.New("message: option value length out of range")
	ErrOptionDefault       = errors.New("message: option value is the default value")
	ErrOptionType          = errors.New("message: option value has wrong type")
	ErrOptionInvalidString = errors.New("message: option value is not valid UTF-8")

	// Encoding errors
	ErrUndefinedMessageID = errors.New("message: message ID not assigned")
	ErrMessageTooLong     = errors.New("message: exceeds maximum datagram size")
)

// Wire format constants (RFC 7252 Section 3).
const (
	// Version is the only supported protocol version.
	Version uint8 = 1

	// HeaderSize is the fixed header size: Ver|T|TKL (1) + Code (1) + Message ID (2).
	HeaderSize = 4

	// MaxTokenLength is the maximum token length in bytes.
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload.
	PayloadMarker byte = 0xFF

	// MaxDatagramSize is the largest datagram the codec will produce or accept.
	// It matches the default UDP read buffer of the transport.
	MaxDatagramSize = 1152
)
