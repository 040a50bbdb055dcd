// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package platform

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/mendsley/min-voip/internal/wire"
)

// RandSource is the CSPRNG collaborator: a source of cryptographically
// secure random bytes used for STUN transaction ids and ICE
// tiebreakers. This is implemented with the standard library rather
// than a pack dependency — see DESIGN.md for why no example repo's
// crypto dependency exposes a suitable raw byte source for this.
type RandSource interface {
	// Fill writes len(dest) cryptographically random bytes into dest.
	Fill(dest []byte) error
}

// CryptoRandSource is the production RandSource backed by crypto/rand.
type CryptoRandSource struct{}

// Fill implements RandSource.
func (CryptoRandSource) Fill(dest []byte) error {
	_, err := rand.Read(dest)
	return err
}

// NewTransactionID draws a fresh 12-byte STUN transaction id from src.
func NewTransactionID(src RandSource) ([wire.TransactionIDLen]byte, error) {
	var id [wire.TransactionIDLen]byte
	if err := src.Fill(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// NewTiebreaker draws a fresh 64-bit ICE role tiebreaker from src.
func NewTiebreaker(src RandSource) (uint64, error) {
	var b [8]byte
	if err := src.Fill(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
