package resource

import "time"

// SetClock replaces the clock a holder measures deadlines with.
func SetClock(h *Holder, clock func() time.Time) {
	h.clock = clock
}
