package dht

import "time"

// Clock abstracts wall-clock time so every timeout/expiry check in this
// module reads "now" through one seam (spec.md §9's "global clock" design
// note) instead of calling time.Now() directly, which keeps tests
// deterministic.
type Clock interface {
	Now() time.Time
}

// CancelFunc cancels a scheduled callback. Calling it after the callback
// has already fired, or calling it twice, is a no-op.
type CancelFunc func()

// Scheduler abstracts delayed callbacks (spec.md §9's "global reactor"
// design note). After returns a CancelFunc that prevents the callback from
// firing if it hasn't already.
type Scheduler interface {
	After(d time.Duration, f func()) CancelFunc
}

// systemClock is the real Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock implementation.
var SystemClock Clock = systemClock{}

// timerScheduler is the real Scheduler, backed by time.AfterFunc.
type timerScheduler struct{}

func (timerScheduler) After(d time.Duration, f func()) CancelFunc {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// SystemScheduler is the production Scheduler implementation.
var SystemScheduler Scheduler = timerScheduler{}
