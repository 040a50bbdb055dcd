// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package mesh implements authenticated peer-to-peer UDP connectivity
// between endpoints that may sit behind NATs. Given a shared symmetric
// session key distributed out-of-band, two Mesh instances exchange
// serialized candidate address lists and then discover, test, and
// select a working bidirectional UDP path using an ICE-lite-style STUN
// exchange, after which the mesh carries authenticated unreliable
// datagrams and keeps the NAT binding alive.
package mesh

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the wire format, not used for security margin
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/mendsley/min-voip/internal/addr"
	"github.com/mendsley/min-voip/internal/ice"
	"github.com/mendsley/min-voip/internal/platform"
	"github.com/mendsley/min-voip/internal/util"
	"github.com/mendsley/min-voip/internal/wire"
	"github.com/pion/logging"
)

// State is the Mesh's top-level lifecycle state, returned by every
// Update call.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateStartComplete
	StateRunning
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateStartComplete:
		return "StartComplete"
	case StateRunning:
		return "Running"
	case StateInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// localSocket is one bound UDP socket and its host/server-reflexive
// candidate bookkeeping.
type localSocket struct {
	conn platform.Socket
	addr addr.Addr
	port uint16

	hostCandidateIndex int

	waitingOnSrflx bool
	hasSrflx       bool
	attempts       int
	nextAttempt    time.Time
	transactionID  [wire.TransactionIDLen]byte
	request        []byte

	nextKeepalive time.Time
}

type pendingRequest struct {
	req *wire.BindingRequest
	src *net.UDPAddr
}

// Mesh is one endpoint's full ICE-lite session: owned sockets, gathered
// candidates, the peer table, and the update loop that drives all of
// it. All exported methods except Update must be called from the same
// goroutine that calls Update; nothing here is safe to call
// concurrently with Update.
type Mesh struct {
	cfg     Config
	localID uint64
	state   State

	sessionKey []byte

	sockets          []*localSocket
	localCandidates  []ice.Candidate
	srflxCandidates  []ice.Candidate
	// srflxOriginSocket[i] is the sockets index that discovered
	// srflxCandidates[i]; a server-reflexive candidate is reachable
	// only through the host socket that produced it.
	srflxOriginSocket []int

	stunHostV4 *net.UDPAddr
	stunHostV6 *net.UDPAddr

	peers    []*PeerConn
	peerSeq  []uint32
	pending  map[uint64][]pendingRequest

	log logging.LeveledLogger
}

// Create binds one UDP socket per usable enumerated local adapter and
// returns a Mesh ready for SetSessionKey/StartSession. maxPeers must be
// in (0, MaxPeers]. port 0 selects an ephemeral port per socket.
func Create(cfg Config, maxPeers int, localID uint64, port int) (*Mesh, error) {
	cfg = cfg.withDefaults()

	if maxPeers <= 0 || maxPeers > MaxPeers {
		return nil, &MeshUnavailableError{Err: errf("maxPeers %d out of range (0,%d]", maxPeers, MaxPeers)}
	}

	ips, err := cfg.Net.EnumerateAdapters()
	if err != nil {
		return nil, &MeshUnavailableError{Err: err}
	}

	m := &Mesh{
		cfg:     cfg,
		localID: localID,
		state:   StateCreated,
		peers:   make([]*PeerConn, maxPeers),
		peerSeq: make([]uint32, maxPeers),
		pending: make(map[uint64][]pendingRequest),
		log:     cfg.LoggerFactory.NewLogger("mesh"),
	}

	var bindErrs []error
	for _, ip := range ips {
		a, err := addr.FromNetIP(ip)
		if err != nil {
			continue
		}
		if !ice.ShouldUseHostAddress(a) {
			continue
		}

		conn, err := cfg.Net.ListenUDP(ip, port)
		if err != nil {
			bindErrs = append(bindErrs, err)
			continue
		}

		boundPort := uint16(conn.LocalAddr().Port) //nolint:gosec // UDP ports fit in uint16
		cIdx := len(m.localCandidates)
		m.localCandidates = append(m.localCandidates, ice.Candidate{
			Kind:       ice.KindHost,
			Foundation: ice.FoundationForHostAddress(a),
			Priority:   ice.PriorityForHostAddress(a),
			Address:    a,
			Port:       boundPort,
		})
		m.sockets = append(m.sockets, &localSocket{
			conn:               conn,
			addr:               a,
			port:               boundPort,
			hostCandidateIndex: cIdx,
		})
	}

	if len(m.sockets) == 0 {
		return nil, &MeshUnavailableError{Err: util.FlattenErrs(bindErrs)}
	}
	if len(bindErrs) > 0 {
		m.log.Warnf("bound %d/%d local adapters: %v", len(m.sockets), len(ips), util.FlattenErrs(bindErrs))
	}

	return m, nil
}

// SetSessionKey installs the shared symmetric key used for every
// MESSAGE-INTEGRITY and application-datagram HMAC. It may be called any
// time before the first ConnectToPeer.
func (m *Mesh) SetSessionKey(key []byte) {
	m.sessionKey = append([]byte(nil), key...)
}

// StartSession transitions Created -> Starting, beginning
// server-reflexive discovery against stunHost:stunPort if stunHost is
// non-empty.
func (m *Mesh) StartSession(stunHost string, stunPort int) error {
	if m.state != StateCreated {
		return &StateInvalidError{}
	}

	if stunHost != "" {
		v4, v6, err := m.cfg.Net.ResolveHost(stunHost)
		if err != nil {
			return &MeshUnavailableError{Err: err}
		}
		if v4 != nil {
			m.stunHostV4 = &net.UDPAddr{IP: v4, Port: stunPort}
		}
		if v6 != nil {
			m.stunHostV6 = &net.UDPAddr{IP: v6, Port: stunPort}
		}
	}

	now := m.cfg.Clock.Now()
	for _, s := range m.sockets {
		target := m.stunHostFor(s.addr)
		if target == nil {
			continue
		}
		txID, err := platform.NewTransactionID(m.cfg.Rand)
		if err != nil {
			return &MeshUnavailableError{Err: err}
		}
		s.waitingOnSrflx = true
		s.attempts = 0
		s.transactionID = txID
		s.request = wire.BuildServerReflexiveRequest(txID)
		s.nextAttempt = now
	}

	m.state = StateStarting
	return nil
}

func (m *Mesh) stunHostFor(a addr.Addr) *net.UDPAddr {
	switch a.Family {
	case addr.V4:
		return m.stunHostV4
	case addr.V6:
		return m.stunHostV6
	default:
		return nil
	}
}

// EndSession returns the Mesh to Created: peer state is dropped and
// server-reflexive discovery is reset, but bound local sockets are kept.
// It has no effect once Destroy has moved the Mesh to StateInvalid.
func (m *Mesh) EndSession() {
	if m.state == StateInvalid {
		return
	}
	m.peers = make([]*PeerConn, len(m.peers))
	m.pending = make(map[uint64][]pendingRequest)
	m.srflxCandidates = nil
	m.srflxOriginSocket = nil
	m.stunHostV4 = nil
	m.stunHostV6 = nil
	for _, s := range m.sockets {
		s.waitingOnSrflx = false
		s.hasSrflx = false
	}
	m.state = StateCreated
}

// Destroy closes every local socket (on a detached goroutine, since
// close may block) and drops all mesh state. The Mesh must not be used
// afterward.
func (m *Mesh) Destroy() {
	sockets := m.sockets
	go func() {
		for _, s := range sockets {
			_ = s.conn.Close()
		}
	}()
	m.sockets = nil
	m.peers = nil
	m.pending = nil
	m.sessionKey = nil
	m.state = StateInvalid
}

// LocalAddressSize returns the number of bytes SerializeLocalAddress
// will produce.
func (m *Mesh) LocalAddressSize() int {
	n := 1
	for i := range m.localCandidates {
		n += ice.EncodedLen(&m.localCandidates[i])
	}
	for i := range m.srflxCandidates {
		n += ice.EncodedLen(&m.srflxCandidates[i])
	}
	return n
}

// SerializeLocalAddress encodes this Mesh's full candidate set (host
// plus any discovered server-reflexive candidates) for exchange with a
// peer out-of-band.
func (m *Mesh) SerializeLocalAddress() ([]byte, error) {
	all := make([]ice.Candidate, 0, len(m.localCandidates)+len(m.srflxCandidates))
	all = append(all, m.localCandidates...)
	all = append(all, m.srflxCandidates...)
	return ice.EncodeList(all)
}

// ConnectToPeer parses a peer's serialized address blob, builds the
// connectivity-check list, and begins negotiation.
func (m *Mesh) ConnectToPeer(remoteID uint64, addressBlob []byte) (PeerHandle, error) {
	if remoteID == m.localID {
		return InvalidPeerHandle, &InvalidPeerError{Err: errf("remote id equals local id")}
	}

	remoteCandidates, err := ice.DecodeList(addressBlob)
	if err != nil {
		return InvalidPeerHandle, &InvalidPeerError{Err: err}
	}

	for _, p := range m.peers {
		if p != nil && p.id == remoteID && p.state != PeerInvalid {
			return InvalidPeerHandle, &InvalidPeerError{Err: errf("peer %d already exists", remoteID)}
		}
	}

	slot := -1
	for i, p := range m.peers {
		if p == nil || p.state == PeerInvalid {
			slot = i
			break
		}
	}
	if slot == -1 {
		return InvalidPeerHandle, &InvalidPeerError{Err: errf("peer table full")}
	}

	controlling := m.localID > remoteID
	tiebreaker, err := platform.NewTiebreaker(m.cfg.Rand)
	if err != nil {
		return InvalidPeerHandle, &InvalidPeerError{Err: err}
	}

	peer := &PeerConn{
		id:               remoteID,
		controlling:      controlling,
		tiebreaker:       tiebreaker,
		remoteCandidates: remoteCandidates,
	}

	allLocal := make([]ice.Candidate, 0, len(m.localCandidates)+len(m.srflxCandidates))
	allLocal = append(allLocal, m.localCandidates...)
	allLocal = append(allLocal, m.srflxCandidates...)

	for li := range allLocal {
		for ri := range remoteCandidates {
			if allLocal[li].Address.Family != remoteCandidates[ri].Address.Family {
				continue
			}
			sockIdx := m.socketIndexForCandidate(li)
			chk, err := m.buildCheck(peer, allLocal[li], sockIdx, remoteCandidates[ri], ri)
			if err != nil {
				return InvalidPeerHandle, &InvalidPeerError{Err: err}
			}
			peer.checks = append(peer.checks, chk)
		}
	}
	if len(peer.checks) == 0 {
		return InvalidPeerHandle, &InvalidPeerError{Err: errf("no compatible candidate pair with peer %d", remoteID)}
	}

	ice.SortChecksDescending(peer.checks)
	if len(peer.checks) > MaxChecksPerPeer {
		peer.checks = peer.checks[:MaxChecksPerPeer]
	}
	now := m.cfg.Clock.Now()
	for _, c := range peer.checks {
		c.NextDeadline = now
	}

	peer.state = PeerNegotiating
	m.peerSeq[slot]++
	peer.seq = m.peerSeq[slot]
	peer.setSlot(slot)
	m.peers[slot] = peer

	for _, pr := range m.pending[remoteID] {
		m.handleInboundBindingRequest(peer, pr.req, pr.src)
	}
	delete(m.pending, remoteID)

	return peer.Handle(), nil
}

// socketIndexForCandidate maps an index into the host+server-reflexive
// candidate list (as assembled in ConnectToPeer/SerializeLocalAddress)
// to the sockets index that can actually send from that candidate.
func (m *Mesh) socketIndexForCandidate(li int) int {
	if li < len(m.localCandidates) {
		return li
	}
	return m.srflxOriginSocket[li-len(m.localCandidates)]
}

// buildCheck constructs one candidate-pair connectivity check, keyed
// off the sending socket index and a remote candidate index.
func (m *Mesh) buildCheck(peer *PeerConn, local ice.Candidate, sockIdx int, remote ice.Candidate, remoteIdx int) (*ice.Check, error) {
	var g, d uint32
	if peer.controlling {
		g, d = local.Priority, remote.Priority
	} else {
		g, d = remote.Priority, local.Priority
	}

	txID, err := platform.NewTransactionID(m.cfg.Rand)
	if err != nil {
		return nil, err
	}

	chk := &ice.Check{
		Foundation:    ice.PairFoundation(local.Foundation, remote.Foundation),
		Priority:      ice.PairPriority(g, d),
		State:         ice.CheckInProgress,
		LocalIndex:    sockIdx,
		RemoteIndex:   remoteIdx,
		LocalPriority: local.Priority,
		TransactionID: txID,
	}
	chk.Request = wire.BuildBindingRequest(wire.BindingRequestParams{
		TransactionID: txID,
		LocalID:       m.localID,
		RemoteID:      peer.id,
		Controlling:   peer.controlling,
		Tiebreaker:    peer.tiebreaker,
		Priority:      local.Priority,
		Key:           m.sessionKey,
	})
	return chk, nil
}

// DisconnectPeer marks a peer Invalid without any network notification;
// the remote side will notice via its own receive timeout.
func (m *Mesh) DisconnectPeer(handle PeerHandle) error {
	p, err := m.lookupPeer(handle)
	if err != nil {
		return err
	}
	p.state = PeerInvalid
	return nil
}

// PeerState reports a peer's current lifecycle state.
func (m *Mesh) PeerState(handle PeerHandle) (PeerState, error) {
	p, err := m.lookupPeer(handle)
	if err != nil {
		return PeerInvalid, err
	}
	return p.state, nil
}

// SendUnreliableDataToPeer authenticates and sends one application
// datagram. It is silently dropped if the peer is not Connected.
func (m *Mesh) SendUnreliableDataToPeer(handle PeerHandle, payload []byte) error {
	p, err := m.lookupPeer(handle)
	if err != nil {
		return err
	}
	if p.state != PeerConnected {
		return nil
	}

	buf := make([]byte, 1+len(payload)+20)
	buf[0] = 0xC0
	copy(buf[1:], payload)

	mac := hmac.New(sha1.New, m.sessionKey)
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], m.localID)
	mac.Write(idBuf[:])   //nolint:errcheck
	mac.Write(payload)    //nolint:errcheck
	copy(buf[1+len(payload):], mac.Sum(nil))

	sock := m.sockets[p.selectedLocalIndex]
	if err := sock.conn.SendTo(buf, p.selectedRemoteAddr); err != nil && err != platform.ErrWouldBlock {
		m.log.Warnf("send to peer %d failed: %v", p.id, err)
		return nil
	}
	p.nextTimeout = m.cfg.Clock.Now().Add(m.cfg.timing.TrafficAbsentInterval)
	return nil
}

// Receive returns the messages delivered to a peer's inbox by the most
// recent Update call. The returned slice is borrowed and only valid
// until the next Update.
func (m *Mesh) Receive(handle PeerHandle) ([][]byte, error) {
	p, err := m.lookupPeer(handle)
	if err != nil {
		return nil, err
	}
	return p.inbox, nil
}

func (m *Mesh) lookupPeer(handle PeerHandle) (*PeerConn, error) {
	slot := handle.slot()
	if slot < 0 || slot >= len(m.peers) {
		return nil, &InvalidPeerError{Err: errf("handle slot %d out of range", slot)}
	}
	p := m.peers[slot]
	if p == nil || p.seq != handle.sequence() {
		return nil, &InvalidPeerError{Err: errf("stale or unknown peer handle")}
	}
	return p, nil
}

func verifyHMAC(key, id []byte, payload, got []byte) bool {
	mac := hmac.New(sha1.New, key)
	mac.Write(id)      //nolint:errcheck
	mac.Write(payload) //nolint:errcheck
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
