// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import "fmt"

// MeshUnavailableError indicates Create failed: no local adapters could be
// enumerated, no socket could be bound, or maxPeers was out of range.
// Create returns a nil *Mesh alongside this error. StartSession also
// returns it when the STUN host cannot be resolved or a transaction id
// cannot be drawn.
type MeshUnavailableError struct {
	Err error
}

func (e *MeshUnavailableError) Error() string {
	return fmt.Sprintf("MeshUnavailableError: %v", e.Err)
}

func (e *MeshUnavailableError) Unwrap() error {
	return e.Err
}

// InvalidPeerError indicates a peer handle did not match a live slot, an
// address blob failed to parse, or no local/remote candidate pair shared
// an address family.
type InvalidPeerError struct {
	Err error
}

func (e *InvalidPeerError) Error() string {
	return fmt.Sprintf("InvalidPeerError: %v", e.Err)
}

func (e *InvalidPeerError) Unwrap() error {
	return e.Err
}

// StateInvalidError is returned by StartSession when the Mesh is not in
// StateCreated: a session is already started, or Destroy has moved the
// Mesh to StateInvalid, a terminal state EndSession does not recover from.
type StateInvalidError struct{}

func (e *StateInvalidError) Error() string {
	return "StateInvalidError: mesh is in an invalid state"
}

// PeerLostError indicates a peer dropped out of negotiation or lost an
// established session: its recvTimeout elapsed, or every connectivity
// check failed before one ever succeeded. The peer has already moved
// to PeerInvalid by the time this is observed; it is informational
// only, logged via LeveledLogger.Warnf rather than returned — PeerState
// reports PeerInvalid thereafter.
type PeerLostError struct {
	PeerID uint64
}

func (e *PeerLostError) Error() string {
	return fmt.Sprintf("PeerLostError: peer %d stopped responding", e.PeerID)
}
