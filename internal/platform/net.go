// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package platform

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Socket is one bound, non-blocking UDP endpoint. A Mesh owns at most
// one per enumerated local adapter.
type Socket interface {
	LocalAddr() *net.UDPAddr
	// SendTo writes a single datagram. A non-blocking implementation
	// that cannot accept the write without blocking returns
	// ErrWouldBlock.
	SendTo(b []byte, dst *net.UDPAddr) error
	// RecvFrom reads at most one datagram into buf without blocking. ok
	// is false (with a nil error) when no datagram was available.
	RecvFrom(buf []byte) (n int, src *net.UDPAddr, ok bool, err error)
	Close() error
}

// ErrWouldBlock is returned by Socket.SendTo when a send could not be
// completed immediately. The mesh never treats this as a check failure;
// anything else does.
var ErrWouldBlock = errors.New("platform: operation would block")

// Net is the collaborator surface for adapter enumeration, DNS
// resolution, and non-blocking UDP socket primitives.
type Net interface {
	// EnumerateAdapters returns local addresses in a stable, meaningful
	// order (callers bind one socket per address).
	EnumerateAdapters() ([]net.IP, error)
	// ResolveHost resolves name to its IPv4 and/or IPv6 address. Either
	// return value may be nil if that family has no record.
	ResolveHost(name string) (v4, v6 net.IP, err error)
	// ListenUDP binds a non-blocking UDP socket to ip:port. port 0
	// selects an ephemeral port.
	ListenUDP(ip net.IP, port int) (Socket, error)
}

// SystemNet is the production Net backed by the standard library.
type SystemNet struct{}

// EnumerateAdapters implements Net using net.InterfaceAddrs.
func (SystemNet) EnumerateAdapters() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating local adapters")
	}

	var ips []net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ips = append(ips, ipNet.IP)
	}
	if len(ips) == 0 {
		return nil, errors.New("no local adapters found")
	}
	return ips, nil
}

// ResolveHost implements Net using net.DefaultResolver.
func (SystemNet) ResolveHost(name string) (v4, v6 net.IP, err error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolving %q", name)
	}
	for _, a := range addrs {
		if v4 == nil && a.IP.To4() != nil {
			v4 = a.IP.To4()
		}
		if v6 == nil && a.IP.To4() == nil {
			v6 = a.IP
		}
	}
	return v4, v6, nil
}

// ListenUDP implements Net by binding a net.UDPConn.
func (SystemNet) ListenUDP(ip net.IP, port int) (Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "binding udp socket on %s:%d", ip, port)
	}
	return &systemSocket{conn: conn}, nil
}

// systemSocket adapts a *net.UDPConn to Socket. Go's net package has no
// notion of O_NONBLOCK; RecvFrom fakes it with an immediate read
// deadline, the idiomatic substitute also used by callers of
// golang.org/x/net/ipv4.PacketConn elsewhere in the pion stack.
type systemSocket struct {
	conn *net.UDPConn
}

func (s *systemSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr) //nolint:forcetypeassert // guaranteed by ListenUDP
}

func (s *systemSocket) SendTo(b []byte, dst *net.UDPAddr) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(immediateTimeout)); err != nil {
		return err
	}
	_, err := s.conn.WriteToUDP(b, dst)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

func (s *systemSocket) RecvFrom(buf []byte) (int, *net.UDPAddr, bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(immediateTimeout)); err != nil {
		return 0, nil, false, err
	}
	n, src, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, src, true, nil
}

func (s *systemSocket) Close() error {
	return s.conn.Close()
}

// immediateTimeout is long enough to let the OS hand back an
// already-queued datagram but short enough that a tick never blocks on
// an empty socket.
const immediateTimeout = 50 * time.Microsecond
