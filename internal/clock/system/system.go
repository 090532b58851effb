// Package system reads the wall clock for crawl directory names and markers.
package system

import "time"

// Clock reads the wall clock in UTC at millisecond precision, the precision
// crawl directory names and harvest markers carry.
type Clock struct {
	now func() time.Time
}

// New returns a Clock backed by time.Now.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current UTC time truncated to milliseconds.
func (c *Clock) Now() time.Time {
	now := time.Now
	if c != nil && c.now != nil {
		now = c.now
	}
	return now().UTC().Truncate(time.Millisecond)
}
