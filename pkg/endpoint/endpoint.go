// Package endpoint carries the wire representation of a peer network
// address, independent of *net.UDPAddr, so that packet payloads (e.g. the
// sender field of a pool descriptor) can be serialized without holding a
// live socket reference.
package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Family identifies the address family of an Endpoint.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Sizes of the fixed wire encodings.
const (
	V4Size = 1 + 4 + 2 // family + address + port
	V6Size = 1 + 16 + 2
)

// Endpoint is a network endpoint: an IP address plus a UDP port. It encodes
// to a fixed-size wire form selected by address family.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   uint16
}

// FromUDPAddr converts a standard library address into an Endpoint.
func FromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	if addr == nil {
		return Endpoint{}, fmt.Errorf("endpoint: nil udp address")
	}
	if v4 := addr.IP.To4(); v4 != nil {
		return Endpoint{Family: FamilyV4, IP: v4, Port: uint16(addr.Port)}, nil
	}
	if v6 := addr.IP.To16(); v6 != nil {
		return Endpoint{Family: FamilyV6, IP: v6, Port: uint16(addr.Port)}, nil
	}
	return Endpoint{}, fmt.Errorf("endpoint: unrecognized address %v", addr)
}

// UDPAddr converts back to a standard library address.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// Size returns the wire length of this endpoint's encoding.
func (e Endpoint) Size() int {
	if e.Family == FamilyV6 {
		return V6Size
	}
	return V4Size
}

// Encode writes the fixed-size wire form into dst, which must be at least
// Size() bytes.
func (e Endpoint) Encode(dst []byte) (int, error) {
	n := e.Size()
	if len(dst) < n {
		return 0, fmt.Errorf("endpoint: destination too small: have %d need %d", len(dst), n)
	}
	dst[0] = byte(e.Family)
	switch e.Family {
	case FamilyV4:
		copy(dst[1:5], e.IP.To4())
		binary.LittleEndian.PutUint16(dst[5:7], e.Port)
	case FamilyV6:
		copy(dst[1:17], e.IP.To16())
		binary.LittleEndian.PutUint16(dst[17:19], e.Port)
	default:
		return 0, fmt.Errorf("endpoint: unknown family %d", e.Family)
	}
	return n, nil
}

// Decode parses a fixed-size wire form produced by Encode.
func Decode(src []byte) (Endpoint, int, error) {
	if len(src) < 1 {
		return Endpoint{}, 0, fmt.Errorf("endpoint: source too small")
	}
	family := Family(src[0])
	switch family {
	case FamilyV4:
		if len(src) < V4Size {
			return Endpoint{}, 0, fmt.Errorf("endpoint: source too small for v4")
		}
		ip := make(net.IP, 4)
		copy(ip, src[1:5])
		port := binary.LittleEndian.Uint16(src[5:7])
		return Endpoint{Family: FamilyV4, IP: ip, Port: port}, V4Size, nil
	case FamilyV6:
		if len(src) < V6Size {
			return Endpoint{}, 0, fmt.Errorf("endpoint: source too small for v6")
		}
		ip := make(net.IP, 16)
		copy(ip, src[1:17])
		port := binary.LittleEndian.Uint16(src[17:19])
		return Endpoint{Family: FamilyV6, IP: ip, Port: port}, V6Size, nil
	default:
		return Endpoint{}, 0, fmt.Errorf("endpoint: unknown family %d", family)
	}
}

// String renders the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}
