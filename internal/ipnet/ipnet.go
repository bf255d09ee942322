// Package ipnet provides IP address and network value types used for
// admission checks in the Konak web server.
package ipnet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Parsing errors.
var (
	// ErrInvalidAddress is returned when an address cannot be parsed.
	ErrInvalidAddress = errors.New("ipnet: invalid IP address")
	// ErrInvalidNetwork is returned when a CIDR network cannot be parsed.
	ErrInvalidNetwork = errors.New("ipnet: invalid network")
	// ErrInvalidPrefixLength is returned when a prefix length is out of range.
	ErrInvalidPrefixLength = errors.New("ipnet: invalid prefix length")
)

// Addr is an immutable IPv4 or IPv6 address value.
// The zero value is not a valid address. Addr is comparable and can be
// used as a map key.
type Addr struct {
	addr netip.Addr
}

// ParseAddr parses s as an IP address ("192.0.2.1" or "2001:db8::1").
func ParseAddr(s string) (Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Addr{addr: normalize(a)}, nil
}

// FromNetAddr extracts the IP address from a net.Addr as returned by
// net.Conn.RemoteAddr. Returns an error if the address carries no IP.
func FromNetAddr(na net.Addr) (Addr, error) {
	var ip net.IP
	switch v := na.(type) {
	case *net.TCPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		// Fall back to parsing the textual form ("host:port").
		host, _, err := net.SplitHostPort(na.String())
		if err != nil {
			host = na.String()
		}
		return ParseAddr(strings.Trim(host, "[]"))
	}

	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Addr{}, ErrInvalidAddress
	}
	return Addr{addr: normalize(a)}, nil
}

// normalize maps 4-in-6 addresses to their IPv4 form so that membership
// tests and map keys behave uniformly across both families.
func normalize(a netip.Addr) netip.Addr {
	if a.Is4In6() {
		return a.Unmap()
	}
	return a
}

// IsValid reports whether the address is set.
func (a Addr) IsValid() bool {
	return a.addr.IsValid()
}

// Is4 reports whether the address is IPv4.
func (a Addr) Is4() bool {
	return a.addr.Is4()
}

// Is6 reports whether the address is IPv6.
func (a Addr) Is6() bool {
	return a.addr.Is6() && !a.addr.Is4In6()
}

// String returns the textual form of the address.
func (a Addr) String() string {
	if !a.addr.IsValid() {
		return "<invalid>"
	}
	return a.addr.String()
}

// Network is an immutable CIDR range: a base address plus a prefix length.
type Network struct {
	prefix netip.Prefix
}

// ParseNetwork parses s in CIDR notation ("192.0.2.0/24", "2001:db8::/32").
// A bare address is accepted and treated as a full-length prefix, which is
// convenient for single-host allow-list entries.
func ParseNetwork(s string) (Network, error) {
	if !strings.Contains(s, "/") {
		a, err := ParseAddr(s)
		if err != nil {
			return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, s)
		}
		return NewNetwork(a, a.addr.BitLen())
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, s)
	}
	return Network{prefix: netip.PrefixFrom(normalize(p.Addr()), adjustBits(p))}, nil
}

// adjustBits rewrites the prefix length of a 4-in-6 prefix so it applies to
// the unmapped IPv4 address.
func adjustBits(p netip.Prefix) int {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		return p.Bits() - 96
	}
	return p.Bits()
}

// NewNetwork builds a Network from a base address and prefix length.
func NewNetwork(a Addr, bits int) (Network, error) {
	if !a.IsValid() {
		return Network{}, ErrInvalidAddress
	}
	if bits < 0 || bits > a.addr.BitLen() {
		return Network{}, fmt.Errorf("%w: %d", ErrInvalidPrefixLength, bits)
	}
	return Network{prefix: netip.PrefixFrom(a.addr, bits)}, nil
}

// Contains reports whether addr falls inside the network, using standard
// prefix-matching semantics. Addresses of a different family never match.
func (n Network) Contains(a Addr) bool {
	if !n.prefix.IsValid() || !a.IsValid() {
		return false
	}
	return n.prefix.Contains(a.addr)
}

// Bits returns the prefix length.
func (n Network) Bits() int {
	return n.prefix.Bits()
}

// String returns the CIDR form of the network.
func (n Network) String() string {
	if !n.prefix.IsValid() {
		return "<invalid>"
	}
	return n.prefix.String()
}
