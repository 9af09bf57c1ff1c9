package invoke

import "time"

// SetClock replaces the coordinator clock.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }
