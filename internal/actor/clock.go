package actor

import "time"

// Clock is the time source runtimes stamp events with. Reducers never read
// it; they see the NowMs carried on each input.
type Clock interface {
	Now() time.Time
}

// RealClock is backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// NowMs returns the clock reading in unix milliseconds.
func NowMs(c Clock) int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return c.Now().UnixMilli()
}
