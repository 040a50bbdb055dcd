// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

// PeerHandle is the opaque value connectToPeer hands back to the
// caller. It packs a peer-table slot index into the low byte and an
// opaque sequence number into the remaining bits, so a handle captured
// before a slot was recycled can never alias the peer that now
// occupies it.
type PeerHandle uint32

// InvalidPeerHandle is returned by ConnectToPeer on failure.
const InvalidPeerHandle PeerHandle = 0xFFFFFFFF

func newPeerHandle(slot int, seq uint32) PeerHandle {
	return PeerHandle(uint32(slot)&0xFF | seq<<8)
}

func (h PeerHandle) slot() int    { return int(uint32(h) & 0xFF) }
func (h PeerHandle) sequence() uint32 { return uint32(h) >> 8 }
