package message

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a message into a datagram (RFC 7252 Section 3).
// The message ID must be assigned.
func Encode(m *Message) ([]byte, error) {
	if !m.ID.IsDefined() {
		return nil, ErrUndefinedMessageID
	}
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("message: invalid type %d", m.Type)
	}

	size := HeaderSize + m.Token.Len()
	for _, o := range m.Options {
		size += 5 + len(o.Bytes())
	}
	if len(m.Payload) > 0 {
		size += 1 + len(m.Payload)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, Version<<6|uint8(m.Type)<<4|uint8(m.Token.Len()))
	buf = append(buf, uint8(m.Code))
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.ID))
	buf = append(buf, m.Token.b[:m.Token.n]...)

	// Options must be in ascending order for delta encoding.
	prev := OptionNumber(0)
	for _, o := range sortedOptions(m.Options) {
		delta := int(o.Number() - prev)
		value := o.Bytes()
		buf = appendOptionHeader(buf, delta, len(value))
		buf = append(buf, value...)
		prev = o.Number()
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}

	if len(buf) > MaxDatagramSize {
		return nil, ErrMessageTooLong
	}
	return buf, nil
}

// Decode parses a datagram into a message.
//
// Option values are validated with default values allowed, since a decoded
// message has already been serialized by its sender.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrMessageTooShort
	}

	if data[0]>>6 != Version {
		return nil, ErrInvalidVersion
	}
	typ := Type((data[0] >> 4) & 0x03)
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, ErrInvalidTokenLen
	}

	m := &Message{
		Type: typ,
		Code: Code(data[1]),
		ID:   MessageID(binary.BigEndian.Uint16(data[2:4])),
	}

	switch m.Kind() {
	case KindEmpty:
		if len(data) != HeaderSize || tkl != 0 {
			return nil, ErrInvalidEmpty
		}
		return m, nil
	case KindRequest, KindResponse:
	case KindReserved:
		return nil, ErrReservedCode
	}

	rest := data[HeaderSize:]
	if len(rest) < tkl {
		return nil, ErrMessageTooShort
	}
	m.Token, _ = NewToken(rest[:tkl])
	rest = rest[tkl:]

	number := 0
	for len(rest) > 0 {
		if rest[0] == PayloadMarker {
			if len(rest) == 1 {
				return nil, ErrPayloadMarker
			}
			m.Payload = append([]byte(nil), rest[1:]...)
			break
		}

		delta, length, n, err := readOptionHeader(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		if len(rest) < length {
			return nil, ErrOptionTruncated
		}

		number += delta
		if number > maxOptionNumber {
			return nil, ErrOptionNumber
		}
		opt, err := Classify(OptionNumber(number), rest[:length], true)
		if err != nil {
			return nil, err
		}
		m.Options = append(m.Options, opt)
		rest = rest[length:]
	}

	return m, nil
}

const maxOptionNumber = 0xFFFF

func appendOptionHeader(buf []byte, delta, length int) []byte {
	dn, dext := nibble(delta)
	ln, lext := nibble(length)
	buf = append(buf, dn<<4|ln)
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return buf
}

// nibble returns the 4-bit field and its extended bytes for an option delta or length.
func nibble(v int) (uint8, []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{uint8(v - 13)}
	default:
		return 14, binary.BigEndian.AppendUint16(nil, uint16(v-269))
	}
}

// readOptionHeader parses the option delta and length, returning the header size.
func readOptionHeader(b []byte) (delta, length, n int, err error) {
	dn := int(b[0] >> 4)
	ln := int(b[0] & 0x0F)
	n = 1

	delta, n, err = readExtended(b, dn, n)
	if err != nil {
		return 0, 0, 0, err
	}
	length, n, err = readExtended(b, ln, n)
	if err != nil {
		return 0, 0, 0, err
	}
	return delta, length, n, nil
}

func readExtended(b []byte, v, n int) (int, int, error) {
	switch v {
	case 13:
		if len(b) < n+1 {
			return 0, 0, ErrOptionTruncated
		}
		return int(b[n]) + 13, n + 1, nil
	case 14:
		if len(b) < n+2 {
			return 0, 0, ErrOptionTruncated
		}
		return int(binary.BigEndian.Uint16(b[n:n+2])) + 269, n + 2, nil
	case 15:
		return 0, 0, ErrInvalidOptionExt
	default:
		return v, n, nil
	}
}

func sortedOptions(opts []OptionValue) []OptionValue {
	for i := 1; i < len(opts); i++ {
		if opts[i].Number() < opts[i-1].Number() {
			sorted := make([]OptionValue, len(opts))
			copy(sorted, opts)
			insertionSort(sorted)
			return sorted
		}
	}
	return opts
}

func insertionSort(opts []OptionValue) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j].Number() < opts[j-1].Number(); j-- {
			opts[j], opts[j-1] = opts[j-1], opts[j]
		}
	}
}
