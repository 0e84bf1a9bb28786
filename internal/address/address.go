// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address implements the Endpoint value type: parsing, formatting,
// and IPv4/IPv6-mapped translation for tinyportmapper's listen and remote
// endpoints.
package address

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Family distinguishes the two address families an Endpoint can hold.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

var (
	// ErrInvalidFormat is returned when an endpoint string is neither
	// "a.b.c.d:port", "[ipv6]:port", nor ":port".
	ErrInvalidFormat = errors.New("address: invalid endpoint format")
	// ErrInvalidPort is returned when the port segment does not parse as
	// a uint16.
	ErrInvalidPort = errors.New("address: invalid port")
	// ErrNotMappedV6 is returned by FromMappedV6 when the address is not
	// in the ::ffff:0:0/96 range.
	ErrNotMappedV6 = errors.New("address: not an IPv4-mapped IPv6 address")
)

// Endpoint is an immutable IP+port pair, IPv4 or IPv6.
type Endpoint struct {
	ip     netip.Addr
	port   uint16
	family Family
}

// V4 builds an Endpoint from a 4-byte address.
func V4(ip [4]byte, port uint16) Endpoint {
	return Endpoint{ip: netip.AddrFrom4(ip), port: port, family: FamilyV4}
}

// V6 builds an Endpoint from a 16-byte address.
func V6(ip [16]byte, port uint16) Endpoint {
	return Endpoint{ip: netip.AddrFrom16(ip), port: port, family: FamilyV6}
}

// FromNetipAddr builds an Endpoint from a netip.Addr + port. IPv4 and
// IPv4-mapped IPv6 addresses become (unmapped) FamilyV4 endpoints; every
// other address becomes a FamilyV6 endpoint.
func FromNetipAddr(ip netip.Addr, port uint16) Endpoint {
	if ip.Is4() || ip.Is4In6() {
		return Endpoint{ip: ip.Unmap(), port: port, family: FamilyV4}
	}
	return Endpoint{ip: ip, port: port, family: FamilyV6}
}

// Parse accepts "a.b.c.d:port" (IPv4), "[ipv6]:port" (IPv6, brackets
// required), and ":port" (any-address; family must be supplied by the
// caller since a bare port carries no family information).
func Parse(s string, anyFamily Family) (Endpoint, error) {
	if strings.HasPrefix(s, "[") {
		closing := strings.IndexByte(s, ']')
		if closing < 0 {
			return Endpoint{}, ErrInvalidFormat
		}
		ipPart := s[1:closing]
		rest := s[closing+1:]
		if !strings.HasPrefix(rest, ":") {
			return Endpoint{}, ErrInvalidFormat
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return Endpoint{}, err
		}
		ip, err := netip.ParseAddr(ipPart)
		if err != nil || !ip.Is6() {
			return Endpoint{}, ErrInvalidFormat
		}
		return Endpoint{ip: ip, port: port, family: FamilyV6}, nil
	}

	if strings.HasPrefix(s, ":") {
		port, err := parsePort(s[1:])
		if err != nil {
			return Endpoint{}, err
		}
		if anyFamily == FamilyV6 {
			return Endpoint{ip: netip.IPv6Unspecified(), port: port, family: FamilyV6}, nil
		}
		return Endpoint{ip: netip.IPv4Unspecified(), port: port, family: FamilyV4}, nil
	}

	last := strings.LastIndexByte(s, ':')
	if last < 0 {
		return Endpoint{}, ErrInvalidFormat
	}
	ipPart, portPart := s[:last], s[last+1:]
	if strings.Contains(ipPart, ":") {
		// A bare IPv6 literal without brackets: reject per the bit-level
		// contract (brackets are required for IPv6).
		return Endpoint{}, ErrInvalidFormat
	}
	ip, err := netip.ParseAddr(ipPart)
	if err != nil || !ip.Is4() {
		return Endpoint{}, ErrInvalidFormat
	}
	port, err := parsePort(portPart)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{ip: ip, port: port, family: FamilyV4}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, ErrInvalidPort
	}
	return uint16(n), nil
}

// Family reports whether the endpoint is IPv4 or IPv6.
func (e Endpoint) Family() Family { return e.family }

// Port returns the endpoint's port.
func (e Endpoint) Port() uint16 { return e.port }

// Addr returns the underlying netip.Addr.
func (e Endpoint) Addr() netip.Addr { return e.ip }

// IsValid reports whether the endpoint was constructed (zero value is
// invalid).
func (e Endpoint) IsValid() bool { return e.ip.IsValid() }

// String renders "a.b.c.d:port" or "[ipv6]:port".
func (e Endpoint) String() string {
	if e.family == FamilyV6 {
		return "[" + e.ip.String() + "]:" + strconv.Itoa(int(e.port))
	}
	return net.JoinHostPort(e.ip.String(), strconv.Itoa(int(e.port)))
}

// UDPAddr/TCPAddr adapt the endpoint to the stdlib net address types used
// when constructing sockaddr_storage values via golang.org/x/sys/unix.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(e.ip.AsSlice()), Port: int(e.port)}
}

func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(e.ip.AsSlice()), Port: int(e.port)}
}

// ToMappedV6 produces the IPv4-mapped IPv6 form (::ffff:a.b.c.d) of a v4
// endpoint. It fails for endpoints that are already IPv6.
func (e Endpoint) ToMappedV6() (Endpoint, error) {
	if e.family != FamilyV4 {
		return Endpoint{}, errors.New("address: ToMappedV6 requires an IPv4 endpoint")
	}
	mapped := netip.AddrFrom16(e.ip.As16())
	return Endpoint{ip: mapped, port: e.port, family: FamilyV6}, nil
}

// FromMappedV6 extracts the IPv4 address from a v6 endpoint that lies in
// ::ffff:0:0/96, failing otherwise.
func (e Endpoint) FromMappedV6() (Endpoint, error) {
	if e.family != FamilyV6 {
		return Endpoint{}, errors.New("address: FromMappedV6 requires an IPv6 endpoint")
	}
	if !e.ip.Is4In6() {
		return Endpoint{}, ErrNotMappedV6
	}
	v4 := e.ip.Unmap()
	return Endpoint{ip: v4, port: e.port, family: FamilyV4}, nil
}

// Translate applies the FwdType translation used when dialing the
// outbound socket: Normal leaves the endpoint untouched, FourToSix maps a
// v4 remote into ::ffff:0:0/96, SixToFour extracts the v4 address from a
// mapped v6 remote (rejecting anything else, per spec.md §6).
func (e Endpoint) Translate(kind FwdType) (Endpoint, error) {
	switch kind {
	case FwdNormal:
		return e, nil
	case FwdFourToSix:
		if e.family == FamilyV6 {
			return e, nil
		}
		return e.ToMappedV6()
	case FwdSixToFour:
		if e.family == FamilyV4 {
			return e, nil
		}
		return e.FromMappedV6()
	default:
		return Endpoint{}, errors.New("address: unknown FwdType")
	}
}

// FwdType selects the address-family translation mode applied to the
// outbound side of a forwarded connection.
type FwdType uint8

const (
	FwdNormal FwdType = iota
	FwdFourToSix
	FwdSixToFour
)

// ParseFwdType parses the config string form ("normal", "4to6", "6to4").
func ParseFwdType(s string) (FwdType, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return FwdNormal, nil
	case "4to6":
		return FwdFourToSix, nil
	case "6to4":
		return FwdSixToFour, nil
	default:
		return 0, errors.New("address: unknown fwd_type " + s)
	}
}

func (k FwdType) String() string {
	switch k {
	case FwdFourToSix:
		return "4to6"
	case FwdSixToFour:
		return "6to4"
	default:
		return "normal"
	}
}

// SockFamily returns the address family (FamilyV4 / FamilyV6) the
// outbound socket should be created with, combining the endpoint's own
// family with the configured translation mode (spec.md §4.6).
func (k FwdType) SockFamily(remote Endpoint) Family {
	switch k {
	case FwdFourToSix:
		return FamilyV6
	case FwdSixToFour:
		return FamilyV4
	default:
		return remote.family
	}
}
