package token

import "time"

// Clock abstracts wall-clock reads and timer waits so the cache and the
// refresh scheduler can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the Clock used outside of tests.
var SystemClock Clock = systemClock{}
