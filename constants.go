// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import "time"

// Default timing and sizing constants. The Default* values are
// overridable per-Mesh via Config and are the zero-value defaults applied
// by Create; the others are fixed.
const (
	// DefaultStartingRetryInterval is the retransmission interval for
	// server-reflexive discovery and negotiation connectivity checks.
	DefaultStartingRetryInterval = 250 * time.Millisecond

	// DefaultKeepaliveRetryInterval is the STUN keepalive interval for an
	// established server-reflexive binding, once Running.
	DefaultKeepaliveRetryInterval = 15 * time.Second

	// MaxSTUNAttempts bounds retransmission of a socket's
	// server-reflexive discovery request before discovery on that socket
	// gives up. Connectivity checks use ice.MaxCheckAttempts.
	MaxSTUNAttempts = 5

	// DefaultCloseWait is how long a peer with no succeeded check is
	// kept alive waiting for a reviving inbound request.
	DefaultCloseWait = 3 * time.Second

	// DefaultTrafficAbsentInterval is the keepalive cadence for a
	// Connected peer with no outbound application traffic.
	DefaultTrafficAbsentInterval = 1 * time.Second

	// DefaultReceiveTimeout is how long inbound silence from a Connected
	// peer is tolerated before the peer is marked Invalid.
	DefaultReceiveTimeout = 3 * time.Second

	// MaxPeers is the hard ceiling on a Mesh's peer table capacity; the
	// public peer handle packs a slot index into its low byte.
	MaxPeers = 255

	// MaxChecksPerPeer bounds the priority-sorted, truncated check list
	// built when a peer is created.
	MaxChecksPerPeer = 50

	// DefaultRecvBatch is how many datagrams are drained from a single
	// socket per Update tick.
	DefaultRecvBatch = 10

	// inboxCapacity bounds each peer's inbound message ring buffer.
	// Supplements the queue depth left unbounded by a literal reading of
	// "enqueue for delivery": tiny/src/peer/message.cpp caps PeerConn's
	// inbound free list rather than growing it without bound.
	inboxCapacity = 16

	// recvBufSize is the scratch buffer size for one RecvFrom call. STUN
	// packets on this wire format stay well under it. An application
	// datagram longer than this is cut short by the read and then fails
	// its MAC check, so payloads over recvBufSize-21 bytes are not
	// delivered.
	recvBufSize = 256
)
