package sequencer

import "time"

// Clock is the time source of the scheduler. After replaces a blocking
// sleep so the wait can be selected against a new snapshot.
type Clock interface {
	Now() time.Time
	After(t time.Time) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) After(t time.Time) <-chan time.Time {
	return time.After(time.Until(t))
}
