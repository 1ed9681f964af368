package client

import "time"

// retry counts failed attempts of one batch and schedules the next one.
// Delays double from base: base, 2×base, 4×base, ...
type retry struct {
	attempt int
	max     int
	base    time.Duration
}

// Next records a failed attempt and returns the delay before trying again.
// ok is false once max attempts have failed: the batch stays pending for the
// next sync cycle.
func (r *retry) Next() (delay time.Duration, ok bool) {
	r.attempt++
	if r.attempt >= r.max {
		return 0, false
	}
	return r.base << (r.attempt - 1), true
}
