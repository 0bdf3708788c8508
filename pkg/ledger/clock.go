package ledger

import "sync"

// Clock is virtual simulation time in seconds, monotonically advanced by
// the driver. It is never wall-clock time: every IM and the registry key
// entries by Clock.Now(), so a run is reproducible independent of how long
// it actually takes to execute.
type Clock struct {
	mu  sync.RWMutex
	now float64
}

// NewClock creates a Clock starting at t=0.
func NewClock() *Clock { return &Clock{} }

// Now returns the current virtual time in seconds.
func (c *Clock) Now() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set pins the clock to an absolute time. The driver only ever calls this
// with non-decreasing values (spec.md §5's ordering guarantee), but Clock
// itself does not enforce that — it is a dumb register, same as the
// teacher's StateDB fields are dumb registers guarded by the owning type.
func (c *Clock) Set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Add advances the clock by dt seconds (dt may be negative only in tests).
func (c *Clock) Add(dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += dt
}
