// Package clock abstracts wall-clock time so debounce windows, ledger
// timeouts and wipe retry windows can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by the station.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the caller for at least d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manually driven Clock. Sleep advances the fake time instead
// of blocking, so retry loops run instantly under test.
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake creates a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now implements Clock.Now.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Sleep implements Clock.Sleep by advancing the clock.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.mu.Unlock()
}
