// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import (
	"net"
	"time"

	"github.com/mendsley/min-voip/internal/ice"
)

// PeerState is the caller-observable lifecycle of one peer connection.
type PeerState int

const (
	// PeerNegotiating is the state from creation until a candidate pair
	// is nominated and confirmed.
	PeerNegotiating PeerState = iota
	// PeerConnected means a nominated candidate pair is carrying traffic.
	PeerConnected
	// PeerInvalid is terminal: the slot may be recycled by a future
	// ConnectToPeer.
	PeerInvalid
)

func (s PeerState) String() string {
	switch s {
	case PeerNegotiating:
		return "Negotiating"
	case PeerConnected:
		return "Connected"
	case PeerInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// PeerConn is one remote peer's negotiation and session state. It holds
// no reference back to the owning Mesh: every mutation happens from
// Mesh.Update on the Mesh's single goroutine, with the Mesh passing in
// whatever collaborator state a step needs.
type PeerConn struct {
	id          uint64
	seq         uint32
	slotHint    int
	controlling bool
	tiebreaker  uint64

	remoteCandidates []ice.Candidate
	checks           []*ice.Check
	nominated        *ice.Check

	state              PeerState
	selectedLocalIndex int
	selectedRemoteAddr *net.UDPAddr
	keepaliveRequest   []byte

	inbox [][]byte

	// nextTimeout is the next significant send deadline: the
	// close-wait expiry while Negotiating with no succeeded check, or
	// the next keepalive send while Connected.
	nextTimeout time.Time
	// recvTimeout is the liveness deadline while Connected; elapsing
	// marks the peer Invalid.
	recvTimeout time.Time
}

// Handle returns the public handle for this peer.
func (p *PeerConn) Handle() PeerHandle {
	return newPeerHandle(p.slotHint, p.seq)
}

// slotHint is set once by the Mesh when the peer is placed into its
// table; it is not re-derived because PeerConn otherwise carries no
// positional knowledge of its own slot.
func (p *PeerConn) setSlot(i int) { p.slotHint = i }

func (p *PeerConn) enqueue(payload []byte) {
	if len(p.inbox) >= inboxCapacity {
		p.inbox = p.inbox[1:]
	}
	p.inbox = append(p.inbox, payload)
}

func (p *PeerConn) clearInbox() {
	p.inbox = nil
}

// anyCheckInProgress reports whether at least one connectivity check is
// still InProgress.
func (p *PeerConn) anyCheckInProgress() bool {
	for _, c := range p.checks {
		if c.State == ice.CheckInProgress {
			return true
		}
	}
	return false
}

func (p *PeerConn) succeededChecks() []*ice.Check {
	var out []*ice.Check
	for _, c := range p.checks {
		if c.State == ice.CheckSucceeded {
			out = append(out, c)
		}
	}
	return out
}
