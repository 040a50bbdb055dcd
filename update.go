// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import (
	"net"

	"github.com/mendsley/min-voip/internal/addr"
	"github.com/mendsley/min-voip/internal/ice"
	"github.com/mendsley/min-voip/internal/platform"
	"github.com/mendsley/min-voip/internal/wire"
)

// Update advances the Mesh by one tick and returns the resulting state.
// It never blocks: every socket operation is non-blocking and time is
// read from the configured Clock.
func (m *Mesh) Update() State {
	switch m.state {
	case StateStarting:
		return m.updateStarting()
	case StateRunning:
		m.updateRunning()
		return StateRunning
	default:
		return m.state
	}
}

func (m *Mesh) updateStarting() State {
	now := m.cfg.Clock.Now()
	buf := make([]byte, recvBufSize)

	anyWaiting := false
	for sockIdx, s := range m.sockets {
		if !s.waitingOnSrflx {
			continue
		}

		target := m.stunHostFor(s.addr)
		if target == nil {
			s.waitingOnSrflx = false
			continue
		}

		for i := 0; i < m.cfg.recvBatch; i++ {
			n, src, ok, err := s.conn.RecvFrom(buf)
			if err != nil || !ok {
				break
			}
			if !sameHost(src, target) {
				continue
			}
			if !wire.IsBindingSuccess(buf[:n]) {
				continue
			}
			res, err := wire.ParseBindingResult(buf[:n], nil)
			if err != nil || !wire.TransactionIDsEqual(res.TransactionID, s.transactionID) {
				continue
			}
			m.addServerReflexiveCandidate(sockIdx, s, res)
			s.waitingOnSrflx = false
			s.hasSrflx = true
			s.nextKeepalive = now.Add(m.cfg.timing.KeepaliveRetryInterval)
			break
		}

		if !s.waitingOnSrflx {
			continue
		}

		if !now.Before(s.nextAttempt) {
			if s.attempts >= MaxSTUNAttempts {
				s.waitingOnSrflx = false
				m.log.Warnf("server-reflexive discovery gave up on %s", s.addr)
				continue
			}
			if err := s.conn.SendTo(s.request, target); err != nil && err != platform.ErrWouldBlock {
				s.waitingOnSrflx = false
				continue
			}
			s.attempts++
			s.nextAttempt = now.Add(m.cfg.timing.StartingRetryInterval)
		}
		anyWaiting = true
	}

	if anyWaiting {
		return StateStarting
	}

	sortCandidatesDescending(m.srflxCandidates, m.srflxOriginSocket)
	m.state = StateRunning
	m.log.Info("server-reflexive discovery complete, mesh running")
	return StateStartComplete
}

// sortCandidatesDescending orders cands by Priority, descending, and
// applies the same swaps to origins so origins[i] stays paired with
// cands[i].
func sortCandidatesDescending(cands []ice.Candidate, origins []int) {
	for i := 1; i < len(cands); i++ {
		j := i
		for j > 0 && cands[j-1].Priority < cands[j].Priority {
			cands[j-1], cands[j] = cands[j], cands[j-1]
			origins[j-1], origins[j] = origins[j], origins[j-1]
			j--
		}
	}
}

func (m *Mesh) addServerReflexiveCandidate(sockIdx int, s *localSocket, res *wire.BindingResult) {
	hostFoundation := m.localCandidates[s.hostCandidateIndex].Foundation
	c := ice.Candidate{
		Kind:       ice.KindServerReflexive,
		Foundation: ice.FoundationForServerReflexiveAddress(hostFoundation, res.MappedAddress),
		Priority:   ice.PriorityWithType(m.localCandidates[s.hostCandidateIndex].Priority>>8, ice.TypeServerReflexive),
		Address:    res.MappedAddress,
		Port:       res.MappedPort,
	}
	m.srflxCandidates = append(m.srflxCandidates, c)
	m.srflxOriginSocket = append(m.srflxOriginSocket, sockIdx)
}

func (m *Mesh) updateRunning() {
	now := m.cfg.Clock.Now()

	for _, s := range m.sockets {
		if !s.hasSrflx {
			continue
		}
		target := m.stunHostFor(s.addr)
		if target == nil || now.Before(s.nextKeepalive) {
			continue
		}
		if err := s.conn.SendTo(s.request, target); err == nil {
			s.nextKeepalive = now.Add(m.cfg.timing.KeepaliveRetryInterval)
		}
	}

	for _, p := range m.peers {
		if p != nil {
			p.clearInbox()
		}
	}

	buf := make([]byte, recvBufSize)
	for sockIdx, s := range m.sockets {
		for i := 0; i < m.cfg.recvBatch; i++ {
			n, src, ok, err := s.conn.RecvFrom(buf)
			if err != nil || !ok {
				break
			}
			m.handleDatagram(sockIdx, src, append([]byte(nil), buf[:n]...))
		}
	}

	for _, p := range m.peers {
		if p != nil && p.state != PeerInvalid {
			m.advancePeer(p)
		}
	}
}

func (m *Mesh) handleDatagram(sockIdx int, src *net.UDPAddr, buf []byte) {
	switch {
	case wire.IsBindingRequest(buf):
		m.handleBindingRequestDatagram(sockIdx, src, buf)
	case wire.IsBindingSuccess(buf):
		m.handleBindingSuccessDatagram(buf)
	case wire.IsApplicationDatagram(buf):
		m.handleApplicationDatagram(src, buf)
	}
}

func (m *Mesh) handleBindingRequestDatagram(sockIdx int, src *net.UDPAddr, buf []byte) {
	req, err := wire.ParseBindingRequest(buf, m.sessionKey)
	if err != nil {
		return
	}
	if req.TargetID != m.localID {
		return
	}

	srcAddr, err := addr.FromNetIP(src.IP)
	if err != nil {
		return
	}
	resp := wire.BuildBindingResponse(req.TransactionID, srcAddr, uint16(src.Port), m.sessionKey) //nolint:gosec
	if err := m.sockets[sockIdx].conn.SendTo(resp, src); err != nil && err != platform.ErrWouldBlock {
		m.log.Debugf("failed to send binding response to %s: %v", src, err)
	}

	for _, p := range m.peers {
		if p != nil && p.id == req.SenderID && p.state != PeerInvalid {
			m.handleInboundBindingRequestFrom(p, req, src, sockIdx)
			return
		}
	}
	m.pending[req.SenderID] = append(m.pending[req.SenderID], pendingRequest{req: req, src: src})
}

// handleInboundBindingRequest replays a queued request against a peer
// that has just been created by ConnectToPeer; the socket the request
// originally arrived on is no longer known, so the first local socket
// sharing the source address family is used.
func (m *Mesh) handleInboundBindingRequest(peer *PeerConn, req *wire.BindingRequest, src *net.UDPAddr) {
	for i, s := range m.sockets {
		if sameFamily(s.addr, src.IP) {
			m.handleInboundBindingRequestFrom(peer, req, src, i)
			return
		}
	}
}

func (m *Mesh) handleInboundBindingRequestFrom(peer *PeerConn, req *wire.BindingRequest, src *net.UDPAddr, sockIdx int) {
	remoteIdx := m.findOrCreatePeerReflexive(peer, req, src)
	if remoteIdx < 0 {
		return
	}

	var chk *ice.Check
	for _, c := range peer.checks {
		if c.LocalIndex == sockIdx && c.RemoteIndex == remoteIdx {
			chk = c
			break
		}
	}
	if chk == nil {
		local := m.localCandidates[m.sockets[sockIdx].hostCandidateIndex]
		var err error
		chk, err = m.buildCheck(peer, local, sockIdx, peer.remoteCandidates[remoteIdx], remoteIdx)
		if err != nil {
			return
		}
		chk.NextDeadline = m.cfg.Clock.Now()
		peer.checks = append(peer.checks, chk)
		ice.SortChecksDescending(peer.checks)
		if len(peer.checks) > MaxChecksPerPeer {
			peer.checks = peer.checks[:MaxChecksPerPeer]
		}
	}

	if req.UseCandidate && !peer.controlling && peer.state != PeerConnected {
		chk.State = ice.CheckSucceeded
		chk.Nominated = true
		peer.nominated = chk
		peer.selectedLocalIndex = sockIdx
		peer.selectedRemoteAddr = src
		peer.state = PeerConnected
		peer.recvTimeout = m.cfg.Clock.Now().Add(m.cfg.timing.ReceiveTimeout)
		peer.nextTimeout = m.cfg.Clock.Now().Add(m.cfg.timing.TrafficAbsentInterval)
		peer.keepaliveRequest = wire.BuildBindingRequest(wire.BindingRequestParams{
			TransactionID: chk.TransactionID,
			LocalID:       m.localID,
			RemoteID:      peer.id,
			Controlling:   peer.controlling,
			Tiebreaker:    peer.tiebreaker,
			Priority:      chk.LocalPriority,
			Key:           m.sessionKey,
		})
		m.log.Infof("peer %d connected (controlled)", peer.id)
	}
}

// findOrCreatePeerReflexive resolves src to an index in peer's remote
// candidate list, creating a peer-reflexive candidate if the source
// doesn't match any previously advertised remote candidate.
func (m *Mesh) findOrCreatePeerReflexive(peer *PeerConn, req *wire.BindingRequest, src *net.UDPAddr) int {
	srcAddr, err := addr.FromNetIP(src.IP)
	if err != nil {
		return -1
	}
	port := uint16(src.Port) //nolint:gosec

	for i, c := range peer.remoteCandidates {
		if c.Address.Equal(srcAddr) && c.Port == port {
			return i
		}
	}

	priority := req.Priority
	if !req.HasPriority {
		priority = ice.PriorityWithType(0, ice.TypePeerReflexive)
	}
	c := ice.Candidate{
		Kind:       ice.KindPeerReflexive,
		Foundation: ice.FoundationForPeerReflexiveAddress(srcAddr),
		Priority:   priority,
		Address:    srcAddr,
		Port:       port,
	}
	peer.remoteCandidates = append(peer.remoteCandidates, c)
	return len(peer.remoteCandidates) - 1
}

func (m *Mesh) handleBindingSuccessDatagram(buf []byte) {
	res, err := wire.ParseBindingResult(buf, m.sessionKey)
	if err != nil {
		return
	}

	now := m.cfg.Clock.Now()
	for _, p := range m.peers {
		if p == nil || p.state == PeerInvalid {
			continue
		}
		for _, c := range p.checks {
			if c.State != ice.CheckInProgress || !wire.TransactionIDsEqual(c.TransactionID, res.TransactionID) {
				continue
			}
			c.State = ice.CheckSucceeded
			p.recvTimeout = now.Add(m.cfg.timing.ReceiveTimeout)
			if p.controlling && c.Nominated {
				p.state = PeerConnected
				p.nominated = c
				p.selectedLocalIndex = c.LocalIndex
				p.selectedRemoteAddr = m.remoteAddrFor(p, c)
				p.nextTimeout = now.Add(m.cfg.timing.TrafficAbsentInterval)
				p.keepaliveRequest = c.Request
				m.log.Infof("peer %d connected (controlling)", p.id)
			}
			return
		}
	}
}

func (m *Mesh) remoteAddrFor(p *PeerConn, c *ice.Check) *net.UDPAddr {
	rc := p.remoteCandidates[c.RemoteIndex]
	return &net.UDPAddr{IP: rc.Address.IP(), Port: int(rc.Port)}
}

func (m *Mesh) handleApplicationDatagram(src *net.UDPAddr, buf []byte) {
	payload := buf[1 : len(buf)-20]
	got := buf[len(buf)-20:]

	for _, p := range m.peers {
		if p == nil || p.state != PeerConnected || p.selectedRemoteAddr == nil {
			continue
		}
		if !sameHost(src, p.selectedRemoteAddr) {
			continue
		}
		var idBuf [8]byte
		putUint64(idBuf[:], p.id)
		if !verifyHMAC(m.sessionKey, idBuf[:], payload, got) {
			return
		}
		p.enqueue(append([]byte(nil), payload...))
		p.recvTimeout = m.cfg.Clock.Now().Add(m.cfg.timing.ReceiveTimeout)
		return
	}
}

func (m *Mesh) advancePeer(p *PeerConn) {
	now := m.cfg.Clock.Now()

	if p.state == PeerConnected {
		if !now.Before(p.nextTimeout) {
			sock := m.sockets[p.selectedLocalIndex]
			if err := sock.conn.SendTo(p.keepaliveRequest, p.selectedRemoteAddr); err == nil || err == platform.ErrWouldBlock {
				p.nextTimeout = now.Add(m.cfg.timing.TrafficAbsentInterval)
			}
		}
		if now.After(p.recvTimeout) {
			p.state = PeerInvalid
			m.log.Warnf("%v", &PeerLostError{PeerID: p.id})
		}
		return
	}

	for _, c := range p.checks {
		if c.State != ice.CheckInProgress || now.Before(c.NextDeadline) {
			continue
		}
		if c.Attempts >= ice.MaxCheckAttempts {
			c.State = ice.CheckFailed
			continue
		}
		sock := m.sockets[c.LocalIndex]
		dst := m.remoteAddrFor(p, c)
		err := sock.conn.SendTo(c.Request, dst)
		if err != nil && err != platform.ErrWouldBlock {
			c.State = ice.CheckFailed
			continue
		}
		c.Attempts++
		c.NextDeadline = now.Add(m.cfg.timing.StartingRetryInterval)
	}

	if p.anyCheckInProgress() {
		return
	}

	succeeded := p.succeededChecks()
	if len(succeeded) == 0 {
		if p.nextTimeout.IsZero() {
			p.nextTimeout = now.Add(m.cfg.timing.CloseWait)
		} else if now.After(p.nextTimeout) {
			p.state = PeerInvalid
			m.log.Warnf("%v", &PeerLostError{PeerID: p.id})
		}
		return
	}

	if !p.controlling {
		return
	}
	if p.nominated != nil {
		return
	}

	best := succeeded[0]
	for _, c := range succeeded {
		if c.Priority > best.Priority {
			best = c
		}
	}
	for _, c := range succeeded {
		if c != best {
			c.State = ice.CheckFailed
		}
	}

	txID, err := platform.NewTransactionID(m.cfg.Rand)
	if err != nil {
		return
	}
	best.TransactionID = txID
	best.Request = wire.BuildBindingRequest(wire.BindingRequestParams{
		TransactionID: txID,
		LocalID:       m.localID,
		RemoteID:      p.id,
		Controlling:   true,
		Tiebreaker:    p.tiebreaker,
		Priority:      best.LocalPriority,
		UseCandidate:  true,
		Key:           m.sessionKey,
	})
	best.State = ice.CheckInProgress
	best.Attempts = 0
	best.Nominated = true
	best.NextDeadline = now
	p.nominated = best
}

func sameHost(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func sameFamily(a addr.Addr, ip net.IP) bool {
	candidate, err := addr.FromNetIP(ip)
	if err != nil {
		return false
	}
	return a.Family == candidate.Family
}

func putUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}
