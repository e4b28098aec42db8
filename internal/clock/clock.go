// Package clock is the daemon's time source. Checkpoint expiry and lease
// bookkeeping all go through it so tests can pin time, and so the boot-time
// sanity check has one place to live.
package clock

import (
	"sync"
	"time"
)

// MinReasonableYear is the earliest year a live system clock can plausibly
// show. Anything earlier means the RTC battery is dead or missing.
const MinReasonableYear = 2023

// Clock abstracts the time source for components that need injectable time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock reads the system clock.
type RealClock struct{}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a settable clock for tests.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set pins the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance moves the mock time forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}

// IsReasonableTime reports whether t falls after the earliest plausible
// year for a running system.
func IsReasonableTime(t time.Time) bool {
	return t.Year() >= MinReasonableYear
}
