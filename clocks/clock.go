// Package clocks re-exports the time-injection types from
// github.com/vimeo/go-clocks so the rest of the module has a single import
// for them. Nothing here reads the wall clock directly; components take a
// Clock and tests substitute go-clocks/fake.
package clocks

import (
	clocks "github.com/vimeo/go-clocks"
)

// DefaultClock returns the real-time clock backed by the time package. It is
// the fallback used whenever a Config leaves its Clock field nil.
func DefaultClock() Clock {
	return clocks.DefaultClock()
}

// Clock is the time source every manager in this module stamps and sleeps
// against.
type Clock = clocks.Clock
