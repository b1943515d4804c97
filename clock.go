package boxd

import "time"

// Clock abstracts wall-clock time for the controller and scheduler.
// Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
