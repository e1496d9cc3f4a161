package kairos

import "time"

// Clock abstracts time so the deadline scheduler can be driven by a virtual
// clock in tests instead of waiting on real timers.
type Clock interface {
	Now() time.Time
	// Until returns a channel that delivers once the clock reaches t.
	// A t at or before Now must deliver immediately. Deadlines are
	// absolute so that registration cannot race a concurrent clock
	// advance.
	Until(t time.Time) <-chan time.Time
}

// systemClock is the default Clock backed by package time.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Until(t time.Time) <-chan time.Time {
	d := time.Until(t)
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}

// NewSystemClock returns the real-time Clock used by default.
func NewSystemClock() Clock { return systemClock{} }
