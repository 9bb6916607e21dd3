package scape

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"qroute/internal/nn"
)

const TargetTrackingName = "target-tracking"

// TargetTracking moves a point along a line after a target that swings
// sinusoidally. Reward is 1 - |target - position|, floored at 0.
type TargetTracking struct {
	mode      string
	period    float64
	amplitude float64
	speed     float64

	position float64
	phase    float64
	tick     int
}

func NewTargetTracking(mode string) (*TargetTracking, error) {
	t := &TargetTracking{amplitude: 0.8, speed: 0.08}
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "gt":
		t.mode, t.period = "gt", 120
	case "fast":
		t.mode, t.period = "fast", 40
	default:
		return nil, fmt.Errorf("unsupported target-tracking mode: %s", mode)
	}
	return t, nil
}

func (*TargetTracking) Name() string {
	return TargetTrackingName
}

func (t *TargetTracking) Mode() string {
	return t.mode
}

func (*TargetTracking) StateSize() int {
	return 2
}

func (*TargetTracking) ActionSize() int {
	return 1
}

func (t *TargetTracking) Reset(rng *rand.Rand) {
	t.position, t.phase, t.tick = 0, 0, 0
	if rng != nil {
		t.phase = rng.Float64() * 2 * math.Pi
	}
}

func (t *TargetTracking) target() float64 {
	return t.amplitude * math.Sin(2*math.Pi*float64(t.tick)/t.period+t.phase)
}

// Observe reports the signed distance to the target and the position, both
// mapped into [0, 1].
func (t *TargetTracking) Observe() []float64 {
	return []float64{
		nn.Sat((t.target()-t.position)/4+0.5, 1, 0),
		nn.Sat(t.position/2+0.5, 1, 0),
	}
}

func (t *TargetTracking) Step(actions []float64) (float64, error) {
	if err := checkActions(TargetTrackingName, actions, 1); err != nil {
		return 0, err
	}
	move := nn.Sat(nn.ScaleValue(actions[0], 1, 0), 1, -1)
	t.position = nn.Sat(t.position+move*t.speed, 1, -1)
	t.tick++
	return 1.0 - math.Min(1.0, math.Abs(t.target()-t.position)), nil
}
