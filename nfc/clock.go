package nfc

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations so retry backoffs
// and poll intervals can run without real delays in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep pauses execution for the given duration
	Sleep(d time.Duration)

	// After returns a channel that will receive a value after the duration
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (rc *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FakeClock implements Clock for testing with controllable time
type FakeClock struct {
	mu     sync.RWMutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{
		now:    startTime,
		timers: make([]*fakeTimer, 0),
	}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

// Sleep advances time immediately so loops under test run without waiting.
func (fc *FakeClock) Sleep(d time.Duration) {
	fc.Advance(d)
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ch := make(chan time.Time, 1)
	fc.timers = append(fc.timers, &fakeTimer{
		deadline: fc.now.Add(d),
		c:        ch,
	})
	return ch
}

// Advance moves the fake clock forward by the given duration
// and fires any pending After channels whose deadline was reached.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	for _, timer := range fc.timers {
		if !timer.fired && !fc.now.Before(timer.deadline) {
			select {
			case timer.c <- fc.now:
				timer.fired = true
			default:
				// Channel full, skip
			}
		}
	}
}

// fakeTimer backs FakeClock.After; it fires once.
type fakeTimer struct {
	deadline time.Time
	c        chan time.Time
	fired    bool
}
