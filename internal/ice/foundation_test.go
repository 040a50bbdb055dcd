// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendsley/min-voip/internal/addr"
)

func mustAddr(t *testing.T, ip string) addr.Addr {
	t.Helper()
	a, err := addr.FromNetIP(net.ParseIP(ip))
	require.NoError(t, err)
	return a
}

func TestFoundationForHostAddressIsPure(t *testing.T) {
	a := mustAddr(t, "192.168.1.5")
	f1 := FoundationForHostAddress(a)
	f2 := FoundationForHostAddress(a)
	assert.Equal(t, f1, f2, "foundation must be a pure function of the address")
}

func TestFoundationDiffersByAddress(t *testing.T) {
	a := mustAddr(t, "192.168.1.5")
	b := mustAddr(t, "192.168.1.6")
	assert.NotEqual(t, FoundationForHostAddress(a), FoundationForHostAddress(b))
}

func TestFoundationDiffersByOrigin(t *testing.T) {
	a := mustAddr(t, "203.0.113.9")
	host := FoundationForHostAddress(a)
	srflx := FoundationForServerReflexiveAddress(0, a)
	peerRflx := FoundationForPeerReflexiveAddress(a)
	assert.NotEqual(t, host, srflx)
	assert.NotEqual(t, host, peerRflx)
	assert.NotEqual(t, srflx, peerRflx)
}

func TestFoundationForServerReflexiveAddressSeedsOnHost(t *testing.T) {
	a := mustAddr(t, "203.0.113.9")
	withOneSeed := FoundationForServerReflexiveAddress(1, a)
	withAnotherSeed := FoundationForServerReflexiveAddress(2, a)
	assert.NotEqual(t, withOneSeed, withAnotherSeed, "different host foundations must yield different srflx foundations for the same mapped address")
}
