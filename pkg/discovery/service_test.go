package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/backkem/coap/pkg/transport"
)

func TestEncodeTXT(t *testing.T) {
	got, err := EncodeTXT(map[string]string{"b": "2", "a": "1", "flag": ""})
	if err != nil {
		t.Fatalf("EncodeTXT() error = %v", err)
	}
	want := []string{"a=1", "b=2", "flag="}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EncodeTXT() = %v, want %v", got, want)
	}

	if _, err := EncodeTXT(map[string]string{"": "x"}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("empty key error = %v, want ErrInvalidTXTRecord", err)
	}
	if _, err := EncodeTXT(map[string]string{"k": strings.Repeat("v", 254)}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("long record error = %v, want ErrInvalidTXTRecord", err)
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"rt=temp", "obs", "rt=ignored", "=x", "if=a=b"})
	want := map[string]string{"rt": "temp", "obs": "", "if": "a=b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}

func TestSortEndpointsByPreference(t *testing.T) {
	in := []transport.Endpoint{
		transport.MustEndpoint("127.0.0.1:5683"),
		transport.MustEndpoint("[fe80::1]:5683"),
		transport.MustEndpoint("192.168.1.2:5683"),
		transport.MustEndpoint("[fd00::1]:5683"),
		transport.MustEndpoint("8.8.8.8:5683"),
	}
	want := []transport.Endpoint{
		transport.MustEndpoint("8.8.8.8:5683"),
		transport.MustEndpoint("192.168.1.2:5683"),
		transport.MustEndpoint("[fd00::1]:5683"),
		transport.MustEndpoint("[fe80::1]:5683"),
		transport.MustEndpoint("127.0.0.1:5683"),
	}

	got := SortEndpointsByPreference(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SortEndpointsByPreference() = %v, want %v", got, want)
	}
	if in[0] != transport.MustEndpoint("127.0.0.1:5683") {
		t.Error("input slice modified")
	}
}
