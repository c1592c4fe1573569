// Package clock abstracts the time operations used by the connection and
// delivery timers so tests can drive them deterministically.
package clock

import "time"

// Clock is the subset of the time package the components depend on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously during
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports whether the call was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped. C has capacity 1; late ticks
// are dropped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() {
	if t != nil {
		t.stop()
	}
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
