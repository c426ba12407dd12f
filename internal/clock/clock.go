package clock

import "time"

// Clock abstracts the time source used by the admission ledgers so tests can
// drive cooldowns and idle windows deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock on top of the runtime clock.
type Real struct{}

// Now returns the current wall time with its monotonic reading intact.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Since reports the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return Or(c).Now().Sub(t)
}
