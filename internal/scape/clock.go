package scape

import (
	"math"
	"math/rand"
)

// Clock appends count sinusoidal clock inputs to another scape's
// observation. Input a oscillates with frequency proportional to a over a
// base period of Period ticks, mapped into [0, 1]; input 0 is a constant
// 0.5.
type Clock struct {
	Scape
	Count  int
	Period float64

	tick int
}

const DefaultClockPeriod = 60

func WithClock(s Scape, count int) *Clock {
	return &Clock{Scape: s, Count: count, Period: DefaultClockPeriod}
}

func (c *Clock) StateSize() int {
	return c.Scape.StateSize() + c.Count
}

func (c *Clock) Reset(rng *rand.Rand) {
	c.tick = 0
	c.Scape.Reset(rng)
}

func (c *Clock) Observe() []float64 {
	obs := c.Scape.Observe()
	for a := 0; a < c.Count; a++ {
		obs = append(obs, math.Sin(float64(c.tick)/c.Period*4*float64(a)*math.Pi)*0.5+0.5)
	}
	return obs
}

func (c *Clock) Step(actions []float64) (float64, error) {
	reward, err := c.Scape.Step(actions)
	if err != nil {
		return 0, err
	}
	c.tick++
	return reward, nil
}

func (c *Clock) Episodes() int {
	if e, ok := c.Scape.(Episodic); ok {
		return e.Episodes()
	}
	return 0
}
