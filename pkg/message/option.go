package message

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"
)

// OptionNumber identifies a CoAP option.
type OptionNumber uint16

// Registered option numbers.
const (
	OptionIfMatch       OptionNumber = 1
	OptionURIHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6
	OptionURIPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionURIPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionURIQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyURI      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
	OptionSize1         OptionNumber = 60
	OptionEndpointID1   OptionNumber = 124
	OptionEndpointID2   OptionNumber = 189
)

// IsCritical returns true for critical options (odd numbers).
func (n OptionNumber) IsCritical() bool {
	return n&1 == 1
}

// Default option values a sender must omit.
const (
	// DefaultURIPort is the default port of the coap scheme.
	DefaultURIPort = 5683

	// DefaultMaxAge is the default Max-Age in seconds.
	DefaultMaxAge = 60
)

// OptionType is the value format of an option.
type OptionType int

const (
	// OptionTypeEmpty is a zero-length, presence-only option.
	OptionTypeEmpty OptionType = iota

	// OptionTypeString is UTF-8 text.
	OptionTypeString

	// OptionTypeUint is a big-endian unsigned integer in the fewest bytes.
	OptionTypeUint

	// OptionTypeOpaque is an opaque byte sequence.
	OptionTypeOpaque
)

// String returns a human-readable name for the option type.
func (t OptionType) String() string {
	switch t {
	case OptionTypeEmpty:
		return "Empty"
	case OptionTypeString:
		return "String"
	case OptionTypeUint:
		return "Uint"
	case OptionTypeOpaque:
		return "Opaque"
	default:
		return "Unknown"
	}
}

// OptionDef holds the registered characteristics of an option number.
type OptionDef struct {
	Type      OptionType
	MinLength int
	MaxLength int
}

// maxElectiveLength bounds unknown elective options accepted by the decoder.
const maxElectiveLength = 1034

var optionDefs = map[OptionNumber]OptionDef{
	OptionIfMatch:       {OptionTypeOpaque, 0, 8},
	OptionURIHost:       {OptionTypeString, 1, 255},
	OptionETag:          {OptionTypeOpaque, 1, 8},
	OptionIfNoneMatch:   {OptionTypeEmpty, 0, 0},
	OptionObserve:       {OptionTypeUint, 0, 3},
	OptionURIPort:       {OptionTypeUint, 0, 2},
	OptionLocationPath:  {OptionTypeString, 0, 255},
	OptionURIPath:       {OptionTypeString, 0, 255},
	OptionContentFormat: {OptionTypeUint, 0, 2},
	OptionMaxAge:        {OptionTypeUint, 0, 4},
	OptionURIQuery:      {OptionTypeString, 0, 255},
	OptionAccept:        {OptionTypeUint, 0, 2},
	OptionLocationQuery: {OptionTypeString, 0, 255},
	OptionBlock2:        {OptionTypeUint, 0, 3},
	OptionBlock1:        {OptionTypeUint, 0, 3},
	OptionSize2:         {OptionTypeUint, 0, 4},
	OptionProxyURI:      {OptionTypeString, 1, 1034},
	OptionProxyScheme:   {OptionTypeString, 1, 255},
	OptionSize1:         {OptionTypeUint, 0, 4},
	OptionEndpointID1:   {OptionTypeOpaque, 0, 8},
	OptionEndpointID2:   {OptionTypeOpaque, 0, 8},
}

// LookupOption returns the registered characteristics of an option number.
func LookupOption(n OptionNumber) (OptionDef, bool) {
	def, ok := optionDefs[n]
	return def, ok
}

// IsDefaultValue reports whether value is the reserved default for the option:
// Uri-Port 5683, Max-Age 60, or a Uri-Host that is an IP literal.
func IsDefaultValue(n OptionNumber, value []byte) bool {
	switch n {
	case OptionURIPort:
		return bytes.Equal(value, encodeUint(DefaultURIPort))
	case OptionMaxAge:
		return bytes.Equal(value, encodeUint(DefaultMaxAge))
	case OptionURIHost:
		host := string(value)
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
		_, err := netip.ParseAddr(host)
		return err == nil
	default:
		return false
	}
}

// OptionValue is a validated option: its length is within the registered range and
// its bytes match the option type.
type OptionValue struct {
	number OptionNumber
	typ    OptionType
	value  []byte
}

// Classify validates raw option bytes and returns the typed value.
//
// allowDefault must only be true on the decode path: a legal sender omits
// default values, but an already-serialized message is accepted as is.
// UINT values are normalized to their minimal big-endian form.
func Classify(n OptionNumber, value []byte, allowDefault bool) (OptionValue, error) {
	def, ok := optionDefs[n]
	if !ok {
		if n.IsCritical() {
			return OptionValue{}, fmt.Errorf("%w: no. %d", ErrUnknownOption, n)
		}
		def = OptionDef{Type: OptionTypeOpaque, MinLength: 0, MaxLength: maxElectiveLength}
	}

	if def.Type == OptionTypeUint {
		value = trimLeadingZeros(value)
	}

	if len(value) < def.MinLength || len(value) > def.MaxLength {
		return OptionValue{}, fmt.Errorf("%w: option no. %d length %d (min %d, max %d)",
			ErrOptionLength, n, len(value), def.MinLength, def.MaxLength)
	}

	if !allowDefault && IsDefaultValue(n, value) {
		return OptionValue{}, fmt.Errorf("%w: option no. %d", ErrOptionDefault, n)
	}

	if def.Type == OptionTypeString && !utf8.Valid(value) {
		return OptionValue{}, fmt.Errorf("%w: option no. %d", ErrOptionInvalidString, n)
	}

	v := make([]byte, len(value))
	copy(v, value)
	return OptionValue{number: n, typ: def.Type, value: v}, nil
}

// NewUintOption creates a UINT option from an integer.
func NewUintOption(n OptionNumber, v uint64) (OptionValue, error) {
	if def, ok := optionDefs[n]; ok && def.Type != OptionTypeUint {
		return OptionValue{}, fmt.Errorf("%w: option no. %d is %s", ErrOptionType, n, def.Type)
	}
	return Classify(n, encodeUint(v), false)
}

// NewStringOption creates a STRING option.
func NewStringOption(n OptionNumber, s string) (OptionValue, error) {
	if def, ok := optionDefs[n]; ok && def.Type != OptionTypeString {
		return OptionValue{}, fmt.Errorf("%w: option no. %d is %s", ErrOptionType, n, def.Type)
	}
	return Classify(n, []byte(s), false)
}

// NewOpaqueOption creates an OPAQUE option.
func NewOpaqueOption(n OptionNumber, b []byte) (OptionValue, error) {
	if def, ok := optionDefs[n]; ok && def.Type != OptionTypeOpaque {
		return OptionValue{}, fmt.Errorf("%w: option no. %d is %s", ErrOptionType, n, def.Type)
	}
	return Classify(n, b, false)
}

// NewEmptyOption creates an EMPTY (presence-only) option.
func NewEmptyOption(n OptionNumber) (OptionValue, error) {
	if def, ok := optionDefs[n]; ok && def.Type != OptionTypeEmpty {
		return OptionValue{}, fmt.Errorf("%w: option no. %d is %s", ErrOptionType, n, def.Type)
	}
	return Classify(n, nil, false)
}

// Number returns the option number.
func (o OptionValue) Number() OptionNumber {
	return o.number
}

// Type returns the option value type.
func (o OptionValue) Type() OptionType {
	return o.typ
}

// Bytes returns the raw option value.
func (o OptionValue) Bytes() []byte {
	return o.value
}

// Uint decodes a UINT value. Other types decode their bytes as big-endian.
func (o OptionValue) Uint() uint64 {
	var buf [8]byte
	if len(o.value) > 8 {
		return 0
	}
	copy(buf[8-len(o.value):], o.value)
	return binary.BigEndian.Uint64(buf[:])
}

// Equal compares two values by number and content.
func (o OptionValue) Equal(other OptionValue) bool {
	return o.number == other.number && bytes.Equal(o.value, other.value)
}

// String renders the decoded value for diagnostics.
func (o OptionValue) String() string {
	switch o.typ {
	case OptionTypeEmpty:
		return "<empty>"
	case OptionTypeUint:
		return fmt.Sprintf("%d", o.Uint())
	case OptionTypeString:
		return string(o.value)
	default:
		if len(o.value) == 0 {
			return "<empty>"
		}
		return "0x" + hex.EncodeToString(o.value)
	}
}

// encodeUint encodes v big-endian in the fewest bytes; 0 encodes as no bytes.
func encodeUint(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return trimLeadingZeros(buf[:])
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}
