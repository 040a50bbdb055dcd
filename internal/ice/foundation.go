// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"github.com/mendsley/min-voip/internal/addr"
	"github.com/spaolacci/murmur3"
)

// Foundation tags, concatenated with the address bytes before hashing.
// Grounded in tiny/src/peer/ice/foundation.cpp.
const (
	foundationTagHost            = "LOCALUDP"
	foundationTagServerReflexive = "SERVRFLX"
	foundationTagPeerReflexive   = "PEERRFLX"
)

func addressBytes(a addr.Addr) []byte {
	switch a.Family {
	case addr.V4:
		return a.V4[:]
	case addr.V6:
		return a.V6[:]
	default:
		return nil
	}
}

// FoundationForHostAddress derives a stable 32-bit foundation for a
// freshly bound local address.
func FoundationForHostAddress(a addr.Addr) uint32 {
	buf := append([]byte(foundationTagHost), addressBytes(a)...)
	return murmur3.Sum32WithSeed(buf, 0)
}

// FoundationForServerReflexiveAddress derives a foundation for a
// server-reflexive mapping, seeding the hash with the host candidate's
// own foundation so the two candidates that share an underlying socket
// are recognizably related.
func FoundationForServerReflexiveAddress(hostFoundation uint32, a addr.Addr) uint32 {
	buf := append([]byte(foundationTagServerReflexive), addressBytes(a)...)
	return murmur3.Sum32WithSeed(buf, hostFoundation)
}

// FoundationForPeerReflexiveAddress derives a foundation for a
// peer-reflexive candidate discovered from an incoming connectivity
// check.
func FoundationForPeerReflexiveAddress(a addr.Addr) uint32 {
	buf := append([]byte(foundationTagPeerReflexive), addressBytes(a)...)
	return murmur3.Sum32WithSeed(buf, 0)
}
