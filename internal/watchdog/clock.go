package watchdog

import "time"

// Timer is a pending deferred callback. *time.Timer satisfies it.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// ran or was already stopped.
	Stop() bool
}

// Clock is the time capability a Watchdog schedules its countdown on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// EventSource delivers host signals to subscribers.
type EventSource interface {
	// Subscribe registers fn for sig and returns a function that removes
	// exactly that registration. Calling the returned function twice is safe.
	Subscribe(sig Signal, fn func(Event)) (unsubscribe func())
}

type realClock struct{}

// RealClock returns a Clock backed by the time package. Callbacks run on
// their own goroutine.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
