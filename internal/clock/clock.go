package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a frozen clock for tests.
// Params: At is the instant returned by Now.
// Returns: deterministic timestamps.
type Fixed struct {
	At time.Time
}

// Now returns the frozen instant.
// Params: none.
// Returns: configured timestamp.
func (f Fixed) Now() time.Time {
	return f.At
}
