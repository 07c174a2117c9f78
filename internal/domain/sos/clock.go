package sos

import "time"

// Clock supplies the current time. Injected so tests control it.
type Clock interface {
	Now() time.Time
}

// Timer schedules a single callback after d. The returned function stops
// the callback if it has not fired yet.
type Timer interface {
	After(d time.Duration, fn func()) (stop func())
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SystemTimer is the production Timer backed by time.AfterFunc.
type SystemTimer struct{}

func (SystemTimer) After(d time.Duration, fn func()) (stop func()) {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
