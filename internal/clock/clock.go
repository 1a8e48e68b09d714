// Package clock provides the time source and ID generator every engine is
// constructed with, so tests can pin both.
package clock

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is a monotonic wall-time source.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for messages, transactions,
// orders and the rest of the entity space.
type IDGenerator interface {
	NewID() string
}

// SystemClock reads the OS clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// UUIDGenerator issues random UUIDv4 identifiers.
type UUIDGenerator struct{}

// NewID returns a fresh UUIDv4 string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// ManualClock is a controllable clock for time-dependent tests.
type ManualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewManualClock creates a ManualClock set to a fixed default time,
// June 1, 2025, 00:00:00 UTC.
func NewManualClock() *ManualClock {
	return &ManualClock{
		current: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// NewManualClockAt creates a ManualClock set to the specified time.
func NewManualClockAt(t time.Time) *ManualClock {
	return &ManualClock{
		current: t,
	}
}

// Now returns the current time on the clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the clock forward by the specified duration.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set sets the clock to a specific time.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// SequenceGenerator issues deterministic ids with a fixed prefix for tests.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int64
}

// NewSequenceGenerator creates a SequenceGenerator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix, next: 1}
}

// NewID returns "<prefix>-<n>" with n increasing from 1.
func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.prefix + "-" + strconv.FormatInt(g.next, 10)
	g.next++
	return id
}
