package message

import (
	"crypto/rand"
	"encoding/hex"
)

// Token correlates a request with its response(s), independent of message ID.
//
// Token is a comparable value type: two tokens are equal iff their bytes are
// equal, so a Token can be used directly as (part of) a map key.
type Token struct {
	b [MaxTokenLength]byte
	n uint8
}

// EmptyToken is the zero-length token.
var EmptyToken = Token{}

// NewToken creates a token from up to 8 bytes.
func NewToken(b []byte) (Token, error) {
	if len(b) > MaxTokenLength {
		return Token{}, ErrInvalidTokenLen
	}
	var t Token
	copy(t.b[:], b)
	t.n = uint8(len(b))
	return t, nil
}

// MustToken is like NewToken but panics on invalid input.
// Intended for constants and tests.
func MustToken(b ...byte) Token {
	t, err := NewToken(b)
	if err != nil {
		panic(err)
	}
	return t
}

// RandomToken returns a random token of the given length (clamped to 0..8).
func RandomToken(length int) (Token, error) {
	if length < 0 {
		length = 0
	}
	if length > MaxTokenLength {
		length = MaxTokenLength
	}
	var t Token
	if _, err := rand.Read(t.b[:length]); err != nil {
		return Token{}, err
	}
	t.n = uint8(length)
	return t, nil
}

// Len returns the token length in bytes.
func (t Token) Len() int {
	return int(t.n)
}

// Bytes returns a copy of the token bytes.
func (t Token) Bytes() []byte {
	out := make([]byte, t.n)
	copy(out, t.b[:t.n])
	return out
}

// IsEmpty returns true for the zero-length token.
func (t Token) IsEmpty() bool {
	return t.n == 0
}

// String renders the token as hex, "<empty>" for zero length.
func (t Token) String() string {
	if t.n == 0 {
		return "<empty>"
	}
	return "0x" + hex.EncodeToString(t.b[:t.n])
}
