package pipeline

import (
	"sync"
	"time"
)

// Clock supplies the time parameter, in seconds since the loop started.
// Seconds is called once per tick and must never go backwards.
type Clock interface {
	Reset()
	Seconds(tick uint64) float64
}

// WallClock measures real elapsed time
type WallClock struct {
	mu    sync.Mutex
	start time.Time
	last  float64
	now   func() time.Time
}

// NewWallClock creates a wall clock started now
func NewWallClock() *WallClock {
	c := &WallClock{now: time.Now}
	c.Reset()
	return c
}

// Reset restarts the clock at zero
func (c *WallClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = c.now()
	c.last = 0
}

// Seconds returns elapsed seconds, clamped so it never decreases
func (c *WallClock) Seconds(uint64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.now().Sub(c.start).Seconds()
	if s < c.last {
		return c.last
	}
	c.last = s
	return s
}

// FixedStepClock advances by Step seconds per tick, independent of real
// time. It makes renders reproducible.
type FixedStepClock struct {
	Step float64
}

// NewFixedStepClock creates a clock advancing 1/fps seconds per tick
func NewFixedStepClock(fps int) *FixedStepClock {
	if fps <= 0 {
		fps = 30
	}
	return &FixedStepClock{Step: 1 / float64(fps)}
}

func (c *FixedStepClock) Reset() {}

func (c *FixedStepClock) Seconds(tick uint64) float64 {
	return float64(tick) * c.Step
}
