package recorder

import "time"

// Clock provides the current instant. Durations are computed with
// time.Time.Sub, which uses the monotonic reading when present.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}
