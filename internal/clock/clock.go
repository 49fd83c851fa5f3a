package clock

import "time"

// Timer is the subset of *time.Timer the forwarding engine needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock reads and one-shot timers so timing-sensitive
// code can be driven by a fake in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
