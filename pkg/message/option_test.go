package message

import (
	"bytes"
	"errors"
	"testing"
)

func TestClassifyLengthRange(t *testing.T) {
	tests := []struct {
		name    string
		number  OptionNumber
		value   []byte
		wantErr error
	}{
		{"etag min", OptionETag, []byte{0x01}, nil},
		{"etag too short", OptionETag, nil, ErrOptionLength},
		{"etag too long", OptionETag, make([]byte, 9), ErrOptionLength},
		{"if-none-match empty", OptionIfNoneMatch, nil, nil},
		{"if-none-match with value", OptionIfNoneMatch, []byte{1}, ErrOptionLength},
		{"uri-host empty", OptionURIHost, nil, ErrOptionLength},
		{"uri-port too long", OptionURIPort, []byte{1, 2, 3}, ErrOptionLength},
		{"observe 3 bytes", OptionObserve, []byte{1, 2, 3}, nil},
		{"proxy-uri max", OptionProxyURI, bytes.Repeat([]byte("a"), 1034), nil},
		{"unknown critical", OptionNumber(2049), []byte{1}, ErrUnknownOption},
		{"unknown elective", OptionNumber(2048), []byte{1}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Classify(tc.number, tc.value, false)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Classify() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestClassifyDefaultValues(t *testing.T) {
	tests := []struct {
		name   string
		number OptionNumber
		value  []byte
	}{
		{"uri-port 5683", OptionURIPort, []byte{0x16, 0x33}},
		{"max-age 60", OptionMaxAge, []byte{0x3C}},
		{"uri-host ipv4", OptionURIHost, []byte("10.0.0.1")},
		{"uri-host ipv6 bracketed", OptionURIHost, []byte("[2001:db8::1]")},
		{"uri-host ipv6", OptionURIHost, []byte("::1")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !IsDefaultValue(tc.number, tc.value) {
				t.Fatal("IsDefaultValue() = false, want true")
			}

			_, err := Classify(tc.number, tc.value, false)
			if !errors.Is(err, ErrOptionDefault) {
				t.Errorf("Classify(allowDefault=false) error = %v, want ErrOptionDefault", err)
			}

			// Decode path accepts defaults
			if _, err := Classify(tc.number, tc.value, true); err != nil {
				t.Errorf("Classify(allowDefault=true) error = %v", err)
			}
		})
	}
}

func TestClassifyNonDefaultHost(t *testing.T) {
	if IsDefaultValue(OptionURIHost, []byte("example.org")) {
		t.Error("host name treated as default")
	}
	if _, err := NewStringOption(OptionURIHost, "example.org"); err != nil {
		t.Errorf("NewStringOption() error = %v", err)
	}
	if IsDefaultValue(OptionURIPort, []byte{0x16, 0x34}) {
		t.Error("port 5684 treated as default")
	}
}

func TestUintOptionRoundTrip(t *testing.T) {
	tests := []struct {
		value uint64
		want  []byte
	}{
		{0, []byte{}},
		{1, []byte{0x01}},
		{255, []byte{0xFF}},
		{256, []byte{0x01, 0x00}},
		{0x123456, []byte{0x12, 0x34, 0x56}},
	}

	for _, tc := range tests {
		opt, err := NewUintOption(OptionObserve, tc.value)
		if err != nil {
			t.Fatalf("NewUintOption(%d) error = %v", tc.value, err)
		}
		if !bytes.Equal(opt.Bytes(), tc.want) {
			t.Errorf("NewUintOption(%d) bytes = %x, want %x", tc.value, opt.Bytes(), tc.want)
		}

		// Classify the encoded bytes again
		again, err := Classify(OptionObserve, opt.Bytes(), false)
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if again.Uint() != tc.value {
			t.Errorf("round trip = %d, want %d", again.Uint(), tc.value)
		}
		if !bytes.Equal(again.Bytes(), opt.Bytes()) {
			t.Errorf("round trip bytes = %x, want %x", again.Bytes(), opt.Bytes())
		}
	}
}

func TestUintOptionLeadingZeros(t *testing.T) {
	// A peer may pad with leading zeros; the value is normalized.
	opt, err := Classify(OptionContentFormat, []byte{0x00, 0x2A}, true)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if !bytes.Equal(opt.Bytes(), []byte{0x2A}) {
		t.Errorf("bytes = %x, want 2a", opt.Bytes())
	}
	if opt.Uint() != 42 {
		t.Errorf("Uint() = %d, want 42", opt.Uint())
	}
}

func TestOpaqueOptionRoundTrip(t *testing.T) {
	value := []byte{0x00, 0xAB, 0x00}
	opt, err := NewOpaqueOption(OptionETag, value)
	if err != nil {
		t.Fatalf("NewOpaqueOption() error = %v", err)
	}

	again, err := Classify(OptionETag, opt.Bytes(), false)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if !bytes.Equal(again.Bytes(), value) {
		t.Errorf("bytes = %x, want %x", again.Bytes(), value)
	}
	if !again.Equal(opt) {
		t.Error("Equal() = false for same content")
	}

	// The value is copied
	value[1] = 0xFF
	if opt.Bytes()[1] != 0xAB {
		t.Error("option shares caller's buffer")
	}
}

func TestOptionString(t *testing.T) {
	ifMatch, _ := NewOpaqueOption(OptionIfMatch, nil)
	etag, _ := NewOpaqueOption(OptionETag, []byte{0xCA, 0xFE})
	path, _ := NewStringOption(OptionURIPath, "sensors")
	maxAge, _ := NewUintOption(OptionMaxAge, 120)
	none, _ := NewEmptyOption(OptionIfNoneMatch)

	tests := []struct {
		opt  OptionValue
		want string
	}{
		{ifMatch, "<empty>"},
		{etag, "0xcafe"},
		{path, "sensors"},
		{maxAge, "120"},
		{none, "<empty>"},
	}
	for _, tc := range tests {
		if got := tc.opt.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestTypedConstructorMismatch(t *testing.T) {
	if _, err := NewUintOption(OptionURIPath, 1); !errors.Is(err, ErrOptionType) {
		t.Errorf("NewUintOption(Uri-Path) error = %v, want ErrOptionType", err)
	}
	if _, err := NewStringOption(OptionETag, "x"); !errors.Is(err, ErrOptionType) {
		t.Errorf("NewStringOption(ETag) error = %v, want ErrOptionType", err)
	}
	if _, err := NewStringOption(OptionURIPath, string([]byte{0xFF, 0xFE})); !errors.Is(err, ErrOptionInvalidString) {
		t.Errorf("NewStringOption(invalid utf8) error = %v, want ErrOptionInvalidString", err)
	}
}
