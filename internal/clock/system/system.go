// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements monitor.Clock using time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}
