package session

import "time"

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop prevents the call from firing. It reports false if the call
	// already ran or was stopped.
	Stop() bool
}

// Clock schedules turn timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
