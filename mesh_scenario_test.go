// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // matches the wire format under test, not used for security margin
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendsley/min-voip/internal/addr"
	"github.com/mendsley/min-voip/internal/ice"
	"github.com/mendsley/min-voip/internal/platform"
)

const testSessionKey = "integration-test-shared-key"

// newTestMesh builds a Mesh bound to a single fake adapter on a shared
// in-memory network fabric, with a frozen clock so connectivity-check
// deadlines only advance when the test calls clock.Advance.
func newTestMesh(t *testing.T, fab *platform.FakeNetwork, clock *platform.FakeClock, ip string, port int, localID uint64, maxPeers int) *Mesh {
	t.Helper()
	cfg := Config{
		Net:   fab.NewNet([]net.IP{net.ParseIP(ip)}),
		Clock: clock,
		Rand:  &platform.FakeRandSource{},
	}
	m, err := Create(cfg, maxPeers, localID, port)
	require.NoError(t, err)
	m.SetSessionKey([]byte(testSessionKey))
	require.NoError(t, m.StartSession("", 0))
	// No STUN host configured: the only tick needed to leave Starting.
	assert.Equal(t, StateStartComplete, m.Update())
	return m
}

// newTestMeshMultiHomed is newTestMesh for a host bound to more than one
// local adapter, used to exercise candidate-pair priority across several
// real sockets.
func newTestMeshMultiHomed(t *testing.T, fab *platform.FakeNetwork, clock *platform.FakeClock, ips []string, port int, localID uint64, maxPeers int) *Mesh {
	t.Helper()
	adapters := make([]net.IP, len(ips))
	for i, ip := range ips {
		adapters[i] = net.ParseIP(ip)
	}
	cfg := Config{
		Net:   fab.NewNet(adapters),
		Clock: clock,
		Rand:  &platform.FakeRandSource{},
	}
	m, err := Create(cfg, maxPeers, localID, port)
	require.NoError(t, err)
	m.SetSessionKey([]byte(testSessionKey))
	require.NoError(t, m.StartSession("", 0))
	assert.Equal(t, StateStartComplete, m.Update())
	return m
}

// buildApplicationDatagram mirrors Mesh.SendUnreliableDataToPeer's wire
// format directly, letting a test sign a datagram as any sender id it
// chooses rather than whatever id the Mesh under test would pick.
func buildApplicationDatagram(t *testing.T, key []byte, senderID uint64, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 1+len(payload)+20)
	buf[0] = 0xC0
	copy(buf[1:], payload)

	mac := hmac.New(sha1.New, key)
	var idBuf [8]byte
	putUint64(idBuf[:], senderID)
	mac.Write(idBuf[:])   //nolint:errcheck
	mac.Write(payload)    //nolint:errcheck
	copy(buf[1+len(payload):], mac.Sum(nil))
	return buf
}

// driveUntilConnected alternates Update calls across both meshes until
// both peers report Connected or the round budget is exhausted.
func driveUntilConnected(t *testing.T, a, b *Mesh, ha, hb PeerHandle, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		a.Update()
		b.Update()

		sa, err := a.PeerState(ha)
		require.NoError(t, err)
		sb, err := b.PeerState(hb)
		require.NoError(t, err)
		if sa == PeerConnected && sb == PeerConnected {
			return
		}
	}
	t.Fatalf("peers did not reach Connected within %d rounds", rounds)
}

func TestLoopbackHandshakeAndDataExchange(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID uint64 = 2000, 1000 // alice controls: 2000 > 1000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	bobBlob, err := bob.SerializeLocalAddress()
	require.NoError(t, err)

	hAlice, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)

	driveUntilConnected(t, alice, bob, hAlice, hBob, 10)

	require.NoError(t, alice.SendUnreliableDataToPeer(hAlice, []byte("hello bob")))
	bob.Update()
	msgs, err := bob.Receive(hBob)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", string(msgs[0]))

	require.NoError(t, bob.SendUnreliableDataToPeer(hBob, []byte("hello alice")))
	alice.Update()
	msgs, err = alice.Receive(hAlice)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello alice", string(msgs[0]))
}

func TestForgedDatagramIsSilentlyDropped(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID uint64 = 2000, 1000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	bobBlob, err := bob.SerializeLocalAddress()
	require.NoError(t, err)

	hAlice, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)

	driveUntilConnected(t, alice, bob, hAlice, hBob, 10)

	peerBob, err := bob.lookupPeer(hBob)
	require.NoError(t, err)
	recvTimeoutBefore := peerBob.recvTimeout

	forged := make([]byte, 1+5+20)
	forged[0] = 0xC0
	copy(forged[1:6], "pwned")
	// Trailing 20 bytes are left zeroed: never a valid HMAC-SHA1 tag.

	aliceSocket := alice.sockets[0].conn
	require.NoError(t, aliceSocket.SendTo(forged, bob.sockets[0].conn.LocalAddr()))

	bob.Update()

	msgs, err := bob.Receive(hBob)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a datagram with a bad MAC must never reach the peer's inbox")
	assert.Equal(t, recvTimeoutBefore, peerBob.recvTimeout, "an unauthenticated datagram must not refresh liveness")

	state, err := bob.PeerState(hBob)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, state, "rejecting one forged datagram must not tear down the session")
}

func TestReceiveTimeoutMarksPeerLost(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID uint64 = 2000, 1000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	bobBlob, err := bob.SerializeLocalAddress()
	require.NoError(t, err)

	hAlice, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)

	driveUntilConnected(t, alice, bob, hAlice, hBob, 10)

	// Alice goes silent: advance the clock well past bob's receive
	// timeout and let bob's own Update notice the silence. Bob's
	// keepalive sends are harmless no-ops since alice never reads them.
	clock.Advance(DefaultReceiveTimeout + DefaultStartingRetryInterval)
	bob.Update()

	state, err := bob.PeerState(hBob)
	require.NoError(t, err)
	assert.Equal(t, PeerInvalid, state)
}

func TestAllChecksFailingEntersCloseWaitBeforeGivingUp(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	cfg := Config{
		Net:   fab.NewNet([]net.IP{net.ParseIP("10.0.0.1")}),
		Clock: clock,
		Rand:  &platform.FakeRandSource{},
	}
	alice, err := Create(cfg, 4, 2000, 5000)
	require.NoError(t, err)
	alice.SetSessionKey([]byte(testSessionKey))
	require.NoError(t, alice.StartSession("", 0))
	assert.Equal(t, StateStartComplete, alice.Update())

	// Nobody is bound at this address on the fabric: every connectivity
	// check alice sends here is silently dropped, so every check fails
	// after MaxCheckAttempts without ever succeeding.
	unreachable := []ice.Candidate{{
		Foundation: 1,
		Priority:   ice.PriorityForHostAddress(mustTestAddr(t, "10.0.0.9")),
		Address:    mustTestAddr(t, "10.0.0.9"),
		Port:       9999,
	}}
	blob, err := ice.EncodeList(unreachable)
	require.NoError(t, err)

	hPeer, err := alice.ConnectToPeer(1000, blob)
	require.NoError(t, err)

	// One Update per retransmission, plus one more for the tick that
	// observes Attempts has reached the budget and marks the check Failed.
	for i := 0; i < ice.MaxCheckAttempts+1; i++ {
		alice.Update()
		clock.Advance(DefaultStartingRetryInterval)
	}

	state, err := alice.PeerState(hPeer)
	require.NoError(t, err)
	assert.Equal(t, PeerNegotiating, state, "a peer in its close-wait grace period must not be Invalid yet")

	clock.Advance(DefaultCloseWait)
	alice.Update()

	state, err = alice.PeerState(hPeer)
	require.NoError(t, err)
	assert.Equal(t, PeerInvalid, state, "a peer must give up once close-wait elapses with no succeeded check")
}

// TestNominationPrefersHigherPriorityCandidatePair covers S2: when
// several connectivity checks succeed, the controlling side must
// nominate the highest-priority pair, not whichever one was advertised
// or tried first.
func TestNominationPrefersHigherPriorityCandidatePair(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID uint64 = 2000, 1000 // alice controls: 2000 > 1000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMeshMultiHomed(t, fab, clock, []string{"10.0.0.2", "10.0.0.3"}, 6000, bobID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)

	// Advertise bob's two real sockets out of priority order: the
	// lower-ranked (server-reflexive-typed) candidate is listed first,
	// the higher-ranked host candidate second. A nomination that picked
	// by list or discovery order rather than by priority would pick the
	// wrong one.
	lowPriority := ice.Candidate{
		Kind:       ice.KindServerReflexive,
		Foundation: 11,
		Priority:   ice.PriorityWithType(0, ice.TypeServerReflexive),
		Address:    bob.sockets[1].addr,
		Port:       bob.sockets[1].port,
	}
	highPriority := ice.Candidate{
		Kind:       ice.KindHost,
		Foundation: 22,
		Priority:   ice.PriorityForHostAddress(bob.sockets[0].addr),
		Address:    bob.sockets[0].addr,
		Port:       bob.sockets[0].port,
	}
	require.Greater(t, highPriority.Priority, lowPriority.Priority)

	bobBlob, err := ice.EncodeList([]ice.Candidate{lowPriority, highPriority})
	require.NoError(t, err)

	hAlice, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)

	driveUntilConnected(t, alice, bob, hAlice, hBob, 10)

	alicePeer, err := alice.lookupPeer(hAlice)
	require.NoError(t, err)
	want := &net.UDPAddr{IP: bob.sockets[0].addr.IP(), Port: int(bob.sockets[0].port)}
	assert.Equal(t, want, alicePeer.selectedRemoteAddr, "nomination must pick the higher-priority candidate pair regardless of advertised order")
}

// TestCrossPeerReplayIsRejected covers S4: a datagram genuinely signed
// as coming from one peer must be rejected if replayed through a
// different peer's channel, even though every peer shares the same
// session key. This is exactly the property the send-side MAC-keying
// fix restores: the signature is bound to the sender's own id, not
// whichever peer happens to be on the receiving end.
func TestCrossPeerReplayIsRejected(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID, carolID uint64 = 2000, 1000, 3000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)
	carol := newTestMesh(t, fab, clock, "10.0.0.3", 7000, carolID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	bobBlob, err := bob.SerializeLocalAddress()
	require.NoError(t, err)
	carolBlob, err := carol.SerializeLocalAddress()
	require.NoError(t, err)

	hAliceBob, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBobAlice, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)
	driveUntilConnected(t, alice, bob, hAliceBob, hBobAlice, 10)

	hCarolBob, err := carol.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBobCarol, err := bob.ConnectToPeer(carolID, carolBlob)
	require.NoError(t, err)
	driveUntilConnected(t, carol, bob, hCarolBob, hBobCarol, 10)

	bobPeerForAlice, err := bob.lookupPeer(hBobAlice)
	require.NoError(t, err)
	recvTimeoutBefore := bobPeerForAlice.recvTimeout

	carolPeerForBob, err := carol.lookupPeer(hCarolBob)
	require.NoError(t, err)

	// A datagram legitimately signed as coming from alice, replayed over
	// carol's connection to bob.
	forged := buildApplicationDatagram(t, []byte(testSessionKey), aliceID, []byte("hello from alice"))
	require.NoError(t, carol.sockets[0].conn.SendTo(forged, carolPeerForBob.selectedRemoteAddr))

	bob.Update()

	msgs, err := bob.Receive(hBobCarol)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a datagram signed for a different peer must never be credited to carol's channel")

	msgs, err = bob.Receive(hBobAlice)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the replayed datagram arrived on carol's address, never alice's")

	assert.Equal(t, recvTimeoutBefore, bobPeerForAlice.recvTimeout, "a replayed datagram must not refresh a liveness it was never addressed to")
}

// TestIdleConnectionEmitsKeepaliveThenEventuallyTimesOut covers S6: a
// Connected peer with no application traffic still sends a periodic NAT
// keepalive, but that keepalive alone does not count as liveness -
// sustained silence eventually invalidates the connection from the
// connecting side exactly as it does from the side that answered it
// (already covered by TestReceiveTimeoutMarksPeerLost).
func TestIdleConnectionEmitsKeepaliveThenEventuallyTimesOut(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	const aliceID, bobID uint64 = 2000, 1000
	alice := newTestMesh(t, fab, clock, "10.0.0.1", 5000, aliceID, 4)
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)

	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	bobBlob, err := bob.SerializeLocalAddress()
	require.NoError(t, err)

	hAlice, err := alice.ConnectToPeer(bobID, bobBlob)
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(aliceID, aliceBlob)
	require.NoError(t, err)

	driveUntilConnected(t, alice, bob, hAlice, hBob, 10)

	alicePeer, err := alice.lookupPeer(hAlice)
	require.NoError(t, err)
	nextTimeoutBefore := alicePeer.nextTimeout

	clock.Advance(DefaultTrafficAbsentInterval)
	alice.Update()
	bob.Update()

	assert.True(t, alicePeer.nextTimeout.After(nextTimeoutBefore), "an idle Connected peer must re-arm its keepalive timer by sending one")

	state, err := alice.PeerState(hAlice)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, state, "a single keepalive round trip must not disturb a live connection")

	clock.Advance(DefaultReceiveTimeout)
	alice.Update()

	state, err = alice.PeerState(hAlice)
	require.NoError(t, err)
	assert.Equal(t, PeerInvalid, state, "3s without any application traffic must mark even the connecting side's peer Invalid")
}

// TestCloseWaitPeerRevivesOnInboundBindingRequest covers the other half
// of S5: a peer stuck in its close-wait grace period because every
// check it started with failed must be pulled back from the brink by a
// genuine inbound binding request, via the same peer-reflexive discovery
// that lets a freshly-created peer learn an address it was never told
// about.
func TestCloseWaitPeerRevivesOnInboundBindingRequest(t *testing.T) {
	fab := platform.NewFakeNetwork()
	clock := platform.NewFakeClock()

	cfg := Config{
		Net:   fab.NewNet([]net.IP{net.ParseIP("10.0.0.1")}),
		Clock: clock,
		Rand:  &platform.FakeRandSource{},
	}
	alice, err := Create(cfg, 4, 2000, 5000)
	require.NoError(t, err)
	alice.SetSessionKey([]byte(testSessionKey))
	require.NoError(t, alice.StartSession("", 0))
	assert.Equal(t, StateStartComplete, alice.Update())

	const bobID uint64 = 1000

	// alice only ever learned a bogus, unreachable candidate for bob, so
	// every check she starts with fails.
	unreachable := []ice.Candidate{{
		Foundation: 1,
		Priority:   ice.PriorityForHostAddress(mustTestAddr(t, "10.0.0.9")),
		Address:    mustTestAddr(t, "10.0.0.9"),
		Port:       9999,
	}}
	blob, err := ice.EncodeList(unreachable)
	require.NoError(t, err)

	hPeer, err := alice.ConnectToPeer(bobID, blob)
	require.NoError(t, err)

	for i := 0; i < ice.MaxCheckAttempts+1; i++ {
		alice.Update()
		clock.Advance(DefaultStartingRetryInterval)
	}

	state, err := alice.PeerState(hPeer)
	require.NoError(t, err)
	require.Equal(t, PeerNegotiating, state, "precondition: all of alice's original checks must have failed")

	// bob comes online and dials alice using alice's real address,
	// having never heard of the bogus candidate alice is stuck on.
	bob := newTestMesh(t, fab, clock, "10.0.0.2", 6000, bobID, 4)
	aliceBlob, err := alice.SerializeLocalAddress()
	require.NoError(t, err)
	hBob, err := bob.ConnectToPeer(2000, aliceBlob)
	require.NoError(t, err)

	// Well within the close-wait grace period still running from the
	// loop above: bob's inbound binding request must pull alice back out
	// of close-wait via a fresh peer-reflexive candidate.
	for i := 0; i < 8; i++ {
		bob.Update()
		alice.Update()
		clock.Advance(DefaultStartingRetryInterval)
	}

	state, err = alice.PeerState(hPeer)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, state, "an inbound binding request must revive a peer still inside its close-wait grace period")

	bobState, err := bob.PeerState(hBob)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, bobState)
}

func mustTestAddr(t *testing.T, ip string) addr.Addr {
	t.Helper()
	a, err := addr.FromNetIP(net.ParseIP(ip))
	require.NoError(t, err)
	return a
}
