package device

import "time"

// Clock is the logical time source of a Device. Now reports the time
// elapsed since an arbitrary origin and must never go backwards. The
// device reads it once per entry point and never consults a wall clock
// for timer decisions.
type Clock interface {
	Now() time.Duration
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Duration

func (f ClockFunc) Now() time.Duration {
	return f()
}

// NewMonotonicClock returns a Clock that starts at zero and follows the
// process monotonic clock.
func NewMonotonicClock() Clock {
	start := time.Now()
	return ClockFunc(func() time.Duration {
		return time.Since(start)
	})
}

// instant is a point on the logical clock. The zero value means the
// event has not happened yet.
type instant struct {
	at  time.Duration
	set bool
}

func at(now time.Duration) instant {
	return instant{at: now, set: true}
}

// elapsed reports whether at least d passed between i and now.
// An unset instant counts as infinitely long ago.
func (i instant) elapsed(now, d time.Duration) bool {
	return !i.set || now-i.at >= d
}
