package agent

import (
	"math"

	"qroute/internal/compute"
	"qroute/internal/grid"
	"qroute/internal/nn"
)

// stepConnection applies one TD(λ) update: the weight moves along the old
// trace, then the trace decays and accumulates the new eligibility.
func stepConnection(c QConnection, alpha, delta, lambda, eligibility float64) QConnection {
	return QConnection{
		Weight: c.Weight + alpha*delta*c.Trace,
		Trace:  lambda*c.Trace + eligibility,
	}
}

func (l *Layer) updateBaseline(sub compute.Substrate, reward float64) error {
	front, back := l.baselines.Read(), l.baselines.Write()
	decay := l.cfg.BaselineDecay
	err := sub.Dispatch("q_baseline", l.cfg.Size, func(x, y int) {
		b := front.At(x, y)
		back.Set(x, y, b+decay*(reward-b))
	})
	if err != nil {
		return err
	}
	l.baselines.Swap()
	return nil
}

func (l *Layer) adjustReward(sub compute.Substrate, reward float64) error {
	baselines := l.baselines.Read()
	sens := l.cfg.BaselineSensitivity
	return sub.Dispatch("q_reward", l.cfg.Size, func(x, y int) {
		l.adjusted.Set(x, y, math.Tanh(sens*(reward-baselines.At(x, y))))
	})
}

// forward computes fresh value states from the own code and, above the
// bottom, the layer below's values of this pass. Values flow upward so the
// top layer aggregates the stack and bootstraps.
func (l *Layer) forward(sub compute.Substrate, below *Layer) error {
	hidden := l.sc.HiddenStates()
	conns := l.qConns.Read()
	biases := l.qBiases.Read()
	var belowQ *grid.Grid[float64]
	if l.pos.readsBelow() {
		belowQ = below.qStates.Read()
	}
	out := l.qStates.Write()
	alpha := l.cfg.ActivationAlpha
	err := sub.Dispatch("q_forward", l.cfg.Size, func(x, y int) {
		c := conns.Unit(x, y)
		pre := biases.At(x, y)
		l.ownField.Each(x, y, func(sx, sy, slot int) {
			pre += c[slot].Weight * hidden.At(sx, sy)
		})
		if belowQ != nil {
			l.belowField.Each(x, y, func(sx, sy, slot int) {
				pre += c[l.ownCount+slot].Weight * belowQ.At(sx, sy)
			})
		}
		l.qPre.Set(x, y, pre)
		out.Set(x, y, nn.Saturation(l.act.Func(pre, alpha)))
	})
	if err != nil {
		return err
	}
	l.qStates.Swap()
	return nil
}

// backward computes the layer's value error. Bootstrapping layers compare
// the fresh value with the tick's starting value; every other layer gathers
// the error of the layer above through the transposed value connections.
func (l *Layer) backward(sub compute.Substrate, above *Layer, gamma float64) error {
	if l.pos.bootstraps() {
		q := l.qStates.Read()
		return sub.Dispatch("q_error", l.cfg.Size, func(x, y int) {
			l.qErrors.Set(x, y, l.adjusted.At(x, y)+gamma*q.At(x, y)-l.qPrev.At(x, y))
		})
	}
	conns := above.qConns.Read()
	alpha := above.cfg.ActivationAlpha
	return sub.Dispatch("q_error", l.cfg.Size, func(x, y int) {
		var sum float64
		above.belowField.EachReceiver(x, y, func(ix, iy, slot int) {
			grad := above.act.Derivative(above.qPre.At(ix, iy), alpha)
			sum += above.qErrors.At(ix, iy) * grad * conns.At3(ix, iy, above.ownCount+slot).Weight
		})
		l.qErrors.Set(x, y, (1+math.Abs(l.adjusted.At(x, y)))*sum)
	})
}

// codeGradient writes the value gradient with respect to the layer's own
// hidden code into out.
func (l *Layer) codeGradient(sub compute.Substrate, out *grid.Grid[float64]) error {
	conns := l.qConns.Read()
	alpha := l.cfg.ActivationAlpha
	return sub.Dispatch("q_code_gradient", l.cfg.Size, func(sx, sy int) {
		var sum float64
		l.ownField.EachReceiver(sx, sy, func(x, y, slot int) {
			grad := l.act.Derivative(l.qPre.At(x, y), alpha)
			sum += l.qErrors.At(x, y) * grad * conns.At3(x, y, slot).Weight
		})
		out.Set(sx, sy, sum)
	})
}

// learn moves every value connection along its trace and refreshes the
// traces with this pass's eligibilities.
func (l *Layer) learn(sub compute.Substrate, below *Layer, alpha, lambda float64) error {
	hidden := l.sc.HiddenStates()
	var belowQ *grid.Grid[float64]
	if l.pos.readsBelow() {
		belowQ = below.qStates.Read()
	}
	front, back := l.qConns.Read(), l.qConns.Write()
	actAlpha := l.cfg.ActivationAlpha
	err := sub.Dispatch("q_learn", l.cfg.Size, func(x, y int) {
		src, dst := front.Unit(x, y), back.Unit(x, y)
		delta := l.qErrors.At(x, y)
		grad := l.act.Derivative(l.qPre.At(x, y), actAlpha)
		for k := range src {
			dst[k] = stepConnection(src[k], alpha, delta, lambda, 0)
		}
		l.ownField.Each(x, y, func(sx, sy, slot int) {
			dst[slot].Trace += grad * hidden.At(sx, sy)
		})
		if belowQ != nil {
			l.belowField.Each(x, y, func(sx, sy, slot int) {
				dst[l.ownCount+slot].Trace += grad * belowQ.At(sx, sy)
			})
		}
	})
	if err != nil {
		return err
	}
	l.qConns.Swap()

	bFront, bBack := l.qBiases.Read(), l.qBiases.Write()
	biasAlpha := l.cfg.QBiasAlpha
	err = sub.Dispatch("q_learn_bias", l.cfg.Size, func(x, y int) {
		bBack.Set(x, y, bFront.At(x, y)+biasAlpha*l.qErrors.At(x, y))
	})
	if err != nil {
		return err
	}
	l.qBiases.Swap()
	return nil
}

// propagateValue runs the per-tick value protocol over the whole stack.
func (a *Agent) propagateValue(sub compute.Substrate, reward float64, learn bool) error {
	for _, l := range a.layers {
		if learn {
			if err := l.updateBaseline(sub, reward); err != nil {
				return err
			}
		}
		if err := l.adjustReward(sub, reward); err != nil {
			return err
		}
		if err := compute.Copy(sub, "q_snapshot", l.qPrev, l.qStates.Read()); err != nil {
			return err
		}
	}

	top := len(a.layers) - 1
	for pass := 0; pass < a.cfg.QIter; pass++ {
		for i, l := range a.layers {
			var below *Layer
			if i > 0 {
				below = a.layers[i-1]
			}
			if err := l.forward(sub, below); err != nil {
				return err
			}
		}
		for i := top; i >= 0; i-- {
			var above *Layer
			if i < top {
				above = a.layers[i+1]
			}
			if err := a.layers[i].backward(sub, above, a.cfg.Gamma); err != nil {
				return err
			}
		}
		if a.cfg.ActionDeriveAlpha != 0 && pass == a.cfg.QIter-1 {
			if err := a.routeActionGradient(sub); err != nil {
				return err
			}
		}
		if !learn {
			continue
		}
		for i, l := range a.layers {
			alpha, lambda := l.cfg.QAlpha, l.cfg.QGammaLambda
			if i == top {
				alpha, lambda = a.cfg.LastLayerQAlpha, a.cfg.LastLayerQGammaLambda
			}
			var below *Layer
			if i > 0 {
				below = a.layers[i-1]
			}
			if err := l.learn(sub, below, alpha, lambda); err != nil {
				return err
			}
		}
	}
	return nil
}

// routeActionGradient pushes the bottom layer's value gradient through its
// encoder weights onto the action inputs.
func (a *Agent) routeActionGradient(sub compute.Substrate) error {
	bottom := a.layers[0]
	if err := bottom.codeGradient(sub, a.codeGrad); err != nil {
		return err
	}
	return bottom.sc.Route(sub, actionInputIndex, a.codeGrad, a.actionGrad)
}
