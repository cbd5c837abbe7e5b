// Package clock abstracts wall time so sessions, decay and dispute
// deadlines can share one source and tests can drive it by hand.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type system struct{}

func (system) Now() time.Time { return time.Now() }

// System is the wall clock.
var System Clock = system{}
