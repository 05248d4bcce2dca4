package clocks

import (
	"time"

	"github.com/vimeo/go-clocks/offset"
)

// OffsetClock shifts another clock's view of "now" by a constant amount.
// Tests use it to model processes whose wall clocks disagree, since claim
// ranking and lease expiry both compare timestamps taken on different
// processes.
type OffsetClock = offset.Clock

// NewOffsetClock wraps inner so its reported time is offset by timeOffset
// (negative values run behind).
func NewOffsetClock(inner Clock, timeOffset time.Duration) *OffsetClock {
	return offset.NewOffsetClock(inner, timeOffset)
}
