// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package addr models the tagged IPv4/IPv6 address the mesh carries in
// candidates and STUN attributes, plus the IPv6 classification
// predicates ICE local-preference scoring depends on.
package addr

import (
	"fmt"
	"net"
)

// Family identifies which union member of Addr is populated.
type Family uint8

const (
	// Unspecified is the zero value of Family; no Addr should carry it
	// past construction.
	Unspecified Family = iota
	// V4 marks Addr.V4 as populated.
	V4
	// V6 marks Addr.V6 as populated.
	V6
)

// Addr is a tagged variant over a 4-byte or 16-byte address, mirroring
// the wire encodings used by both the STUN XOR-MAPPED-ADDRESS attribute
// and the mesh's own candidate blob.
type Addr struct {
	Family Family
	V4     [4]byte
	V6     [16]byte
}

// FromNetIP converts a net.IP into an Addr, preferring a 4-byte
// representation when the address has one.
func FromNetIP(ip net.IP) (Addr, error) {
	if v4 := ip.To4(); v4 != nil {
		var a Addr
		a.Family = V4
		copy(a.V4[:], v4)
		return a, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var a Addr
		a.Family = V6
		copy(a.V6[:], v6)
		return a, nil
	}
	return Addr{}, fmt.Errorf("addr: not an IPv4 or IPv6 address: %v", ip)
}

// IP renders Addr back into a net.IP.
func (a Addr) IP() net.IP {
	switch a.Family {
	case V4:
		return net.IP(a.V4[:])
	case V6:
		return net.IP(a.V6[:])
	default:
		return nil
	}
}

// Equal reports whether two addresses carry the same family and bytes.
func (a Addr) Equal(b Addr) bool {
	if a.Family != b.Family {
		return false
	}
	if a.Family == V4 {
		return a.V4 == b.V4
	}
	return a.V6 == b.V6
}

func (a Addr) String() string {
	if ip := a.IP(); ip != nil {
		return ip.String()
	}
	return "<unspecified>"
}

// IsLoopback reports whether the address is 127.0.0.1 or ::1.
func (a Addr) IsLoopback() bool {
	switch a.Family {
	case V4:
		return a.V4 == [4]byte{0x7F, 0x00, 0x00, 0x01}
	case V6:
		return a.V6 == [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	default:
		return false
	}
}

// IsLinkLocal reports whether an IPv6 address is fe80::/10. Always false
// for IPv4.
func (a Addr) IsLinkLocal() bool {
	return a.Family == V6 && a.V6[0] == 0xFE && (a.V6[1]&0xC0) == 0x80
}

// IsSiteLocal reports whether an IPv6 address is the deprecated
// fec0::/10 site-local range.
func (a Addr) IsSiteLocal() bool {
	return a.Family == V6 && a.V6[0] == 0xFE && (a.V6[1]&0xC0) == 0xC0
}

// IsV4Compatible reports whether an IPv6 address is an (deprecated)
// IPv4-compatible address: ::a.b.c.d.
func (a Addr) IsV4Compatible() bool {
	if a.Family != V6 {
		return false
	}
	for i := 0; i < 12; i++ {
		if a.V6[i] != 0 {
			return false
		}
	}
	return true
}

// IsV4Mapped reports whether an IPv6 address is ::ffff:a.b.c.d.
func (a Addr) IsV4Mapped() bool {
	if a.Family != V6 {
		return false
	}
	for i := 0; i < 10; i++ {
		if a.V6[i] != 0 {
			return false
		}
	}
	return a.V6[10] == 0xFF && a.V6[11] == 0xFF
}

// Is6Bone reports whether an IPv6 address falls in the retired 6bone
// 3ffe::/16 prefix.
func (a Addr) Is6Bone() bool {
	return a.Family == V6 && a.V6[0] == 0x3F && a.V6[1] == 0xFE
}

// IsTeredo reports whether an IPv6 address is in the Teredo 2001::/32
// prefix.
func (a Addr) IsTeredo() bool {
	return a.Family == V6 && a.V6[0] == 0x20 && a.V6[1] == 0x01 && a.V6[2] == 0x00 && a.V6[3] == 0x00
}

// Is6to4 reports whether an IPv6 address is in the 6to4 2002::/16
// prefix.
func (a Addr) Is6to4() bool {
	return a.Family == V6 && a.V6[0] == 0x20 && a.V6[1] == 0x02
}

// IsUniqueLocal reports whether an IPv6 address is in the fc00::/7
// unique local range.
func (a Addr) IsUniqueLocal() bool {
	return a.Family == V6 && (a.V6[0]&0xFE) == 0xFC
}
