// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package platform

import (
	"fmt"
	"net"
	"sync"
)

// FakeNetwork is an in-memory UDP fabric shared by every FakeNet bound
// to it, letting tests wire up a multi-host mesh scenario (loopback
// handshake, forged datagrams, cross-peer replay) without touching a
// real socket.
type FakeNetwork struct {
	mu      sync.Mutex
	sockets map[string]*fakeSocket
	hosts   map[string][2]net.IP
	nextEph int
}

// NewFakeNetwork returns an empty fabric.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		sockets: make(map[string]*fakeSocket),
		hosts:   make(map[string][2]net.IP),
		nextEph: 40000,
	}
}

// SetHost registers a DNS record a FakeNet's ResolveHost will return.
// Either ip may be nil.
func (n *FakeNetwork) SetHost(name string, v4, v6 net.IP) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[name] = [2]net.IP{v4, v6}
}

// NewNet returns a Net bound to adapters, all routed through this
// fabric.
func (n *FakeNetwork) NewNet(adapters []net.IP) Net {
	return &FakeNet{bus: n, adapters: adapters}
}

func key(ip net.IP, port int) string {
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

// FakeNet is the Net implementation backing one simulated host.
type FakeNet struct {
	bus      *FakeNetwork
	adapters []net.IP
}

// EnumerateAdapters implements Net.
func (f *FakeNet) EnumerateAdapters() ([]net.IP, error) {
	if len(f.adapters) == 0 {
		return nil, fmt.Errorf("platform: fake net has no adapters configured")
	}
	return f.adapters, nil
}

// ResolveHost implements Net using records registered via
// FakeNetwork.SetHost.
func (f *FakeNet) ResolveHost(name string) (v4, v6 net.IP, err error) {
	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	rec, ok := f.bus.hosts[name]
	if !ok {
		return nil, nil, fmt.Errorf("platform: fake net has no record for %q", name)
	}
	return rec[0], rec[1], nil
}

// ListenUDP implements Net by registering a fakeSocket into the shared
// fabric.
func (f *FakeNet) ListenUDP(ip net.IP, port int) (Socket, error) {
	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()

	if port == 0 {
		for {
			f.bus.nextEph++
			port = f.bus.nextEph
			if _, taken := f.bus.sockets[key(ip, port)]; !taken {
				break
			}
		}
	}
	k := key(ip, port)
	if _, taken := f.bus.sockets[k]; taken {
		return nil, fmt.Errorf("platform: fake address %s already bound", k)
	}

	s := &fakeSocket{
		bus:   f.bus,
		laddr: &net.UDPAddr{IP: ip, Port: port},
		key:   k,
	}
	f.bus.sockets[k] = s
	return s, nil
}

type fakePacket struct {
	data []byte
	src  *net.UDPAddr
}

type fakeSocket struct {
	bus    *FakeNetwork
	laddr  *net.UDPAddr
	key    string
	mu     sync.Mutex
	queue  []fakePacket
	closed bool
}

func (s *fakeSocket) LocalAddr() *net.UDPAddr { return s.laddr }

// SendTo delivers directly into the destination socket's queue if one
// is bound there; otherwise the datagram is silently dropped, matching
// how a real UDP send to an unbound port is never surfaced as a
// send-time error on most platforms.
func (s *fakeSocket) SendTo(b []byte, dst *net.UDPAddr) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return fmt.Errorf("platform: send on closed fake socket")
	}
	target, ok := s.bus.sockets[key(dst.IP, dst.Port)]
	if !ok {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	target.mu.Lock()
	target.queue = append(target.queue, fakePacket{data: cp, src: s.laddr})
	target.mu.Unlock()
	return nil
}

func (s *fakeSocket) RecvFrom(buf []byte) (int, *net.UDPAddr, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, nil, false, nil
	}
	pkt := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(buf, pkt.data)
	return n, pkt.src, true, nil
}

func (s *fakeSocket) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	delete(s.bus.sockets, s.key)
	return nil
}
