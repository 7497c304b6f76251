package endpoint

import (
	"net"
	"testing"
)

func TestV4RoundTrip(t *testing.T) {
	ep := Endpoint{Family: FamilyV4, IP: net.ParseIP("192.168.1.42").To4(), Port: 7777}
	buf := make([]byte, ep.Size())
	n, err := ep.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != V4Size {
		t.Fatalf("Encode returned %d, want %d", n, V4Size)
	}
	got, consumed, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != V4Size || got.Port != ep.Port || !got.IP.Equal(ep.IP) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ep)
	}
}

func TestV6RoundTrip(t *testing.T) {
	ep := Endpoint{Family: FamilyV6, IP: net.ParseIP("2001:db8::1"), Port: 443}
	buf := make([]byte, ep.Size())
	if _, err := ep.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, consumed, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != V6Size || got.Port != ep.Port || !got.IP.Equal(ep.IP) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ep)
	}
}

func TestFromUDPAddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}
	ep, err := FromUDPAddr(addr)
	if err != nil {
		t.Fatalf("FromUDPAddr: %v", err)
	}
	if ep.Family != FamilyV4 || ep.Port != 9000 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	back := ep.UDPAddr()
	if back.Port != addr.Port || !back.IP.Equal(addr.IP) {
		t.Fatalf("UDPAddr mismatch: got %+v, want %+v", back, addr)
	}
}
