// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ice implements the candidate model, foundation hashing,
// priority formula, on-wire candidate blob codec, and the connectivity
// check pair state machine that the mesh's peer negotiation drives.
package ice

import (
	"encoding/binary"
	"fmt"

	"github.com/mendsley/min-voip/internal/addr"
)

// TypePreference is the low-8-bit component of a candidate priority.
// Larger is better.
type TypePreference uint32

// Candidate type preferences, fixed by the wire protocol.
const (
	TypeRelayed         TypePreference = 0x00
	TypeServerReflexive TypePreference = 0x64
	TypePeerReflexive   TypePreference = 0x6E
	TypeHost            TypePreference = 0x7E
)

// CandidateKind distinguishes the three candidate origins the mesh
// tracks. Relayed candidates are part of the wire format's type space
// but this core never gathers one itself (no TURN collaborator).
type CandidateKind int

const (
	// KindHost is a directly bound local socket address.
	KindHost CandidateKind = iota
	// KindServerReflexive is a local socket's public mapping as
	// observed by the configured STUN host.
	KindServerReflexive
	// KindPeerReflexive is a remote socket address observed from an
	// incoming connectivity check that didn't match an advertised
	// remote candidate.
	KindPeerReflexive
)

// Candidate is the attribute set common to local and remote candidates.
type Candidate struct {
	Kind       CandidateKind
	Foundation uint32
	Priority   uint32
	Address    addr.Addr
	Port       uint16 // host byte order
}

// TypePreference returns the candidate's type preference component,
// i.e. the low 8 bits of Priority.
func (c *Candidate) TypePreference() TypePreference {
	return TypePreference(c.Priority & 0xFF)
}

// localPreference scores an address by the RFC 5245-ish scheme the
// wire format's priority formula expects, grounded in
// tiny/src/peer/ice/priority.cpp: IPv4 always preferred over most IPv6
// scopes, loopback scoring highest among IPv6 classes only because it
// never leaves the host.
func localPreference(a addr.Addr) uint32 {
	switch a.Family {
	case addr.V4:
		return 30000
	case addr.V6:
		switch {
		case a.IsLoopback():
			return 60000
		case a.IsSiteLocal(), a.IsV4Compatible(), a.Is6Bone():
			return 1000
		case a.IsTeredo():
			return 10000
		case a.Is6to4():
			return 20000
		case a.IsV4Mapped():
			return 30000
		case a.IsUniqueLocal():
			return 50000
		default:
			return 40000
		}
	default:
		return 0
	}
}

// PriorityForHostAddress computes the priority a freshly-bound host
// candidate on addr should carry.
func PriorityForHostAddress(a addr.Addr) uint32 {
	return (localPreference(a) << 8) | uint32(TypeHost)
}

// PriorityWithType rewrites an existing priority's local-preference bits
// for a new type preference, used when a candidate's role changes (e.g.
// a server-reflexive priority derived from its host candidate's local
// preference).
func PriorityWithType(localPref uint32, t TypePreference) uint32 {
	return (localPref << 8 & 0xFFFFFF00) | uint32(t)
}

// ShouldUseHostAddress reports whether a locally enumerated address is
// worth turning into a host candidate: loopback and (for IPv6) link-local
// addresses are never useful to advertise to a remote peer.
func ShouldUseHostAddress(a addr.Addr) bool {
	switch a.Family {
	case addr.V4:
		return !a.IsLoopback()
	case addr.V6:
		return !a.IsLoopback() && !a.IsLinkLocal()
	default:
		return false
	}
}

const (
	familyTagV4 = 0x01
	familyTagV6 = 0x02
)

// EncodedLen returns the number of bytes Encode will write for c.
func EncodedLen(c *Candidate) int {
	switch c.Address.Family {
	case addr.V4:
		return 4 + 4 + 2 + 4
	case addr.V6:
		return 4 + 4 + 2 + 16
	default:
		return 0
	}
}

// Encode appends the on-wire candidate encoding: 4B foundation, 4B
// priority (low 2 bits replaced with a family tag), 2B big-endian port,
// then the 4B or 16B address.
func Encode(out []byte, c *Candidate) []byte {
	var hdr [10]byte
	binary.BigEndian.PutUint32(hdr[0:4], c.Foundation)

	priority := c.Priority &^ 0x03
	switch c.Address.Family {
	case addr.V4:
		priority |= familyTagV4
	case addr.V6:
		priority |= familyTagV6
	}
	binary.BigEndian.PutUint32(hdr[4:8], priority)
	binary.BigEndian.PutUint16(hdr[8:10], c.Port)
	out = append(out, hdr[:]...)

	switch c.Address.Family {
	case addr.V4:
		out = append(out, c.Address.V4[:]...)
	case addr.V6:
		out = append(out, c.Address.V6[:]...)
	}
	return out
}

// Decode parses one on-wire candidate from the front of in, returning the
// candidate and the number of bytes consumed, or an error if in is too
// short or carries an unknown family tag.
func Decode(in []byte) (Candidate, int, error) {
	if len(in) < 10 {
		return Candidate{}, 0, fmt.Errorf("ice: candidate buffer too short: %d bytes", len(in))
	}

	var c Candidate
	c.Foundation = binary.BigEndian.Uint32(in[0:4])
	priorityAndFamily := binary.BigEndian.Uint32(in[4:8])
	c.Priority = priorityAndFamily &^ 0x03
	familyTag := priorityAndFamily & 0x03
	c.Port = binary.BigEndian.Uint16(in[8:10])

	switch familyTag {
	case familyTagV4:
		if len(in) < 14 {
			return Candidate{}, 0, fmt.Errorf("ice: truncated IPv4 candidate")
		}
		c.Address.Family = addr.V4
		copy(c.Address.V4[:], in[10:14])
		return c, 14, nil
	case familyTagV6:
		if len(in) < 26 {
			return Candidate{}, 0, fmt.Errorf("ice: truncated IPv6 candidate")
		}
		c.Address.Family = addr.V6
		copy(c.Address.V6[:], in[10:26])
		return c, 26, nil
	default:
		return Candidate{}, 0, fmt.Errorf("ice: unknown candidate family tag %#x", familyTag)
	}
}

// EncodeList serializes a full local-address blob: a 1-byte count
// followed by each candidate's encoding.
func EncodeList(cands []Candidate) ([]byte, error) {
	if len(cands) > 255 {
		return nil, fmt.Errorf("ice: too many candidates to encode: %d", len(cands))
	}
	out := make([]byte, 0, 1+len(cands)*26)
	out = append(out, byte(len(cands)))
	for i := range cands {
		out = Encode(out, &cands[i])
	}
	return out, nil
}

// DecodeList parses a full address blob produced by EncodeList. Any
// trailing or missing bytes are treated as a parse failure.
func DecodeList(in []byte) ([]Candidate, error) {
	if len(in) < 1 {
		return nil, fmt.Errorf("ice: empty address blob")
	}
	count := int(in[0])
	in = in[1:]

	out := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		c, n, err := Decode(in)
		if err != nil {
			return nil, fmt.Errorf("ice: decoding candidate %d: %w", i, err)
		}
		out = append(out, c)
		in = in[n:]
	}
	if len(in) != 0 {
		return nil, fmt.Errorf("ice: %d trailing bytes after %d candidates", len(in), count)
	}
	return out, nil
}
