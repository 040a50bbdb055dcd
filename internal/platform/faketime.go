// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package platform

import "time"

// FakeClock is a manually advanced Clock for deterministic tests of the
// update loop's timeout/retry scheduling.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed
// instant (never the zero time.Time, so Sub/Before comparisons behave
// the same as with a real clock).
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(1700000000, 0)}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
