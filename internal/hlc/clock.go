package hlc

import (
	"sync"
	"time"

	"github.com/TopGunBuild/topgun/internal/errors"
)

// ClockSource supplies wall time in milliseconds. Production uses
// WallClock; tests inject a ManualClock to drive time deterministically.
type ClockSource interface {
	NowMillis() int64
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ManualClock is a ClockSource under test control.
type ManualClock struct {
	mu     sync.Mutex
	millis int64
}

// NewManualClock starts a manual clock at the given millisecond reading.
func NewManualClock(millis int64) *ManualClock {
	return &ManualClock{millis: millis}
}

func (c *ManualClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis += d.Milliseconds()
}

// Set moves the clock to an absolute millisecond reading.
func (c *ManualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis = millis
}

// Clock is a hybrid logical clock. Every emitted Timestamp is strictly
// greater than all previously emitted ones, and Observe folds remote
// timestamps in so causality is preserved across nodes.
type Clock struct {
	nodeID    string
	source    ClockSource
	maxSkewMs int64

	mu       sync.Mutex
	lastWall int64
	logical  uint32
}

// NewClock creates a clock for nodeID. maxSkew bounds the tolerated
// difference between a remote physical reading and local wall time.
func NewClock(nodeID string, source ClockSource, maxSkew time.Duration) *Clock {
	if source == nil {
		source = WallClock{}
	}
	return &Clock{
		nodeID:    nodeID,
		source:    source,
		maxSkewMs: maxSkew.Milliseconds(),
	}
}

// NodeID returns the identity stamped on emitted timestamps.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now emits the next timestamp. If wall time has not advanced past the
// last emission the logical counter is bumped instead.
func (c *Clock) Now() Timestamp {
	now := c.source.NowMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.lastWall {
		c.lastWall = now
		c.logical = 0
	} else {
		c.logical++
	}
	return Timestamp{PhysicalMillis: c.lastWall, Logical: c.logical, NodeID: c.nodeID}
}

// Observe merges a remote timestamp into the clock per the standard HLC
// update rules and returns the resulting local emission, which is
// strictly greater than both the prior local state and remote. Fails
// with a clockSkew error when remote physical time is outside the
// tolerated window around local wall time.
func (c *Clock) Observe(remote Timestamp) (Timestamp, error) {
	now := c.source.NowMillis()

	skew := remote.PhysicalMillis - now
	if skew < 0 {
		skew = -skew
	}
	if skew > c.maxSkewMs {
		return Timestamp{}, errors.ClockSkew(remote.PhysicalMillis, now, c.maxSkewMs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case now > c.lastWall && now > remote.PhysicalMillis:
		c.lastWall = now
		c.logical = 0
	case remote.PhysicalMillis > c.lastWall:
		c.lastWall = remote.PhysicalMillis
		c.logical = remote.Logical + 1
	case remote.PhysicalMillis == c.lastWall:
		if remote.Logical >= c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	default:
		c.logical++
	}
	return Timestamp{PhysicalMillis: c.lastWall, Logical: c.logical, NodeID: c.nodeID}, nil
}
