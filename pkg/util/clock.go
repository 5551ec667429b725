package util

import (
	"sync/atomic"
	"time"
)

// Clock abstracts wall time so order/trade timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// StepClock returns a strictly increasing fake time, one tick per call.
type StepClock struct {
	base  time.Time
	ticks atomic.Int64
}

func NewStepClock(base time.Time) *StepClock {
	return &StepClock{base: base}
}

func (c *StepClock) Now() time.Time {
	n := c.ticks.Add(1)
	return c.base.Add(time.Duration(n) * time.Millisecond)
}
