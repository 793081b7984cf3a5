package dht

import (
	"fmt"
	"net"
)

// Address is a UDP endpoint: an IP and a port. Equality is structural
// (spec.md §3), not pointer identity.
type Address struct {
	IP   net.IP
	Port uint16
}

// NewAddress normalizes ip to its 4-byte form when it is an IPv4 address so
// that two addresses built from different net.IP representations of the
// same host compare equal.
func NewAddress(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Address{IP: ip, Port: port}
}

func AddressFromUDP(addr *net.UDPAddr) Address {
	return NewAddress(addr.IP, uint16(addr.Port))
}

func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

func (a Address) Equal(b Address) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// IsIPv4 reports whether the address holds a 4-byte (or 4-in-6) IP.
func (a Address) IsIPv4() bool {
	return a.IP.To4() != nil
}

// CompactIPv4 returns the 6-byte compact (IPv4, port) encoding used in
// get_peers "values" entries. If a is not an IPv4 address the four IP
// bytes are left zero; callers must check IsIPv4 first.
func (a Address) CompactIPv4() [6]byte {
	var out [6]byte
	v4 := a.IP.To4()
	copy(out[:4], v4)
	out[4] = byte(a.Port >> 8)
	out[5] = byte(a.Port)
	return out
}

// AddressFromCompactIPv4 decodes a 6-byte compact (IPv4, port) entry.
func AddressFromCompactIPv4(b [6]byte) Address {
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := uint16(b[4])<<8 | uint16(b[5])
	return NewAddress(ip, port)
}
