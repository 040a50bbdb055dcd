// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mesh

import (
	"time"

	"github.com/mendsley/min-voip/internal/platform"
	"github.com/pion/logging"
)

// Config groups a Mesh's tunable timeouts and batch sizes, plus the
// collaborator implementations it's built on. Every zero-valued field
// is replaced with its documented default by Create, following a plain
// struct with lazily-applied defaults rather than a constructor with a
// long parameter list.
type Config struct {
	// Net, Clock, and Rand are the platform collaborators. Left nil,
	// Create installs the production implementations
	// (platform.SystemNet{}, platform.SystemClock{},
	// platform.CryptoRandSource{}); tests substitute fakes.
	Net   platform.Net
	Clock platform.Clock
	Rand  platform.RandSource

	// LoggerFactory builds the scoped logger every Mesh logs through. Defaults to logging.DefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory

	timing struct {
		StartingRetryInterval  time.Duration
		KeepaliveRetryInterval time.Duration
		CloseWait              time.Duration
		TrafficAbsentInterval  time.Duration
		ReceiveTimeout         time.Duration
	}
	recvBatch int
}

// SetStartingRetryInterval overrides the server-reflexive
// discovery/negotiation check retransmission interval.
func (c *Config) SetStartingRetryInterval(d time.Duration) { c.timing.StartingRetryInterval = d }

// SetKeepaliveRetryInterval overrides the STUN keepalive interval used
// once server-reflexive discovery has completed.
func (c *Config) SetKeepaliveRetryInterval(d time.Duration) { c.timing.KeepaliveRetryInterval = d }

// SetCloseWait overrides how long a peer with no succeeded check
// lingers waiting for a reviving inbound request.
func (c *Config) SetCloseWait(d time.Duration) { c.timing.CloseWait = d }

// SetTrafficAbsentInterval overrides the Connected-peer keepalive
// cadence.
func (c *Config) SetTrafficAbsentInterval(d time.Duration) { c.timing.TrafficAbsentInterval = d }

// SetReceiveTimeout overrides how long inbound silence from a Connected
// peer is tolerated before it is marked Invalid.
func (c *Config) SetReceiveTimeout(d time.Duration) { c.timing.ReceiveTimeout = d }

// SetRecvBatch overrides how many datagrams are drained from a single
// socket per Update tick.
func (c *Config) SetRecvBatch(n int) { c.recvBatch = n }

func (c Config) withDefaults() Config {
	if c.Net == nil {
		c.Net = platform.SystemNet{}
	}
	if c.Clock == nil {
		c.Clock = platform.SystemClock{}
	}
	if c.Rand == nil {
		c.Rand = platform.CryptoRandSource{}
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.timing.StartingRetryInterval == 0 {
		c.timing.StartingRetryInterval = DefaultStartingRetryInterval
	}
	if c.timing.KeepaliveRetryInterval == 0 {
		c.timing.KeepaliveRetryInterval = DefaultKeepaliveRetryInterval
	}
	if c.timing.CloseWait == 0 {
		c.timing.CloseWait = DefaultCloseWait
	}
	if c.timing.TrafficAbsentInterval == 0 {
		c.timing.TrafficAbsentInterval = DefaultTrafficAbsentInterval
	}
	if c.timing.ReceiveTimeout == 0 {
		c.timing.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.recvBatch == 0 {
		c.recvBatch = DefaultRecvBatch
	}
	return c
}
