package agent

import (
	"math/rand"

	"qroute/internal/nn"
)

// explore perturbs a proposal in [-1, 1]. With probability breakChance the
// proposal is replaced by a uniform draw; otherwise Gaussian noise is added
// and the result clamped.
func explore(proposal, stdDev, breakChance float64, rng *rand.Rand) float64 {
	if rng.Float64() < breakChance {
		return rng.Float64()*2 - 1
	}
	return nn.Sat(proposal+rng.NormFloat64()*stdDev, 1, -1)
}

// selectActions turns the bottom action prediction into exploratory actions
// and writes the actuator values into the action and anti-action slots.
func (a *Agent) selectActions(rng *rand.Rand) {
	pred := a.layers[0].preds[actionPredictor].pred.Prediction()
	size := a.cfg.Inputs.Action
	actionStart := a.cfg.Inputs.State.Area()
	antiStart := actionStart + size.Area()
	hasAnti := a.cfg.Inputs.HasAntiAction()
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			proposal := pred.At(x, y)
			if a.cfg.ActionDeriveAlpha != 0 {
				proposal += a.cfg.ActionDeriveAlpha * a.actionGrad.At(x, y)
			}
			proposal = nn.Sat(proposal, 1, -1)
			act := explore(proposal, a.cfg.ExplorationStdDev, a.cfg.ExplorationBreakChance, rng)
			a.exploratory.Set(x, y, act)

			offset := x + y*size.X
			a.slots[actionStart+offset].Value = act*a.cfg.ActionScale + a.cfg.ActionOffset
			if hasAnti {
				a.slots[antiStart+offset].Value = -act*a.cfg.ActionScale + a.cfg.ActionOffset
			}
		}
	}
}
