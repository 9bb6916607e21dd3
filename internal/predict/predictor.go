// Package predict implements a local linear decoder: every output unit reads
// a square window on each input grid and reconstructs one target value.
package predict

import (
	"errors"
	"fmt"
	"math/rand"

	"qroute/internal/compute"
	"qroute/internal/grid"
)

var ErrInvalidConfig = errors.New("invalid predictor config")

type InputDesc struct {
	Size   grid.Int2
	Radius int
}

type input struct {
	desc    InputDesc
	field   grid.Field
	weights *grid.DoubleBuffer[float64]
}

type Predictor struct {
	size       grid.Int2
	inputs     []input
	prediction *grid.DoubleBuffer[float64]
	errors     *grid.Grid[float64]
}

// New allocates a predictor with output geometry size. Weights are drawn
// input by input.
func New(size grid.Int2, descs []InputDesc, weightRange grid.Range, rng *rand.Rand) (*Predictor, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: output size %+v", ErrInvalidConfig, size)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: at least one input is required", ErrInvalidConfig)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: rng is required", ErrInvalidConfig)
	}
	p := &Predictor{
		size:       size,
		prediction: grid.NewDoubleBuffer[float64](size),
		errors:     grid.New[float64](size),
	}
	for i, desc := range descs {
		if desc.Size.X <= 0 || desc.Size.Y <= 0 || desc.Radius < 0 {
			return nil, fmt.Errorf("%w: input %d %+v", ErrInvalidConfig, i, desc)
		}
		field := grid.NewField(desc.Size, size, desc.Radius)
		in := input{
			desc:    desc,
			field:   field,
			weights: grid.NewDoubleBuffer3[float64](grid.Int3{X: size.X, Y: size.Y, Z: field.Count()}),
		}
		grid.Uniform(in.weights.Read(), weightRange, rng)
		in.weights.Settle()
		p.inputs = append(p.inputs, in)
	}
	return p, nil
}

func (p *Predictor) check(states []*grid.Grid[float64]) error {
	if len(states) != len(p.inputs) {
		return fmt.Errorf("%w: got %d inputs, want %d", ErrInvalidConfig, len(states), len(p.inputs))
	}
	for i, s := range states {
		if s == nil || s.Size() != p.inputs[i].desc.Size {
			return fmt.Errorf("%w: input %d does not match %+v", ErrInvalidConfig, i, p.inputs[i].desc.Size)
		}
	}
	return nil
}

// Predict writes a new prediction and swaps it to the front.
func (p *Predictor) Predict(sub compute.Substrate, states []*grid.Grid[float64]) error {
	if err := p.check(states); err != nil {
		return err
	}
	out := p.prediction.Write()
	err := sub.Dispatch("pred_activate", p.size, func(x, y int) {
		var sum float64
		for i := range p.inputs {
			in := &p.inputs[i]
			w := in.weights.Read().Unit(x, y)
			s := states[i]
			in.field.Each(x, y, func(sx, sy, slot int) {
				sum += w[slot] * s.At(sx, sy)
			})
		}
		out.Set(x, y, sum)
	})
	if err != nil {
		return err
	}
	p.prediction.Swap()
	return nil
}

// Learn applies the delta rule against target using the inputs that produced
// the front prediction.
func (p *Predictor) Learn(sub compute.Substrate, target *grid.Grid[float64], states []*grid.Grid[float64], alpha float64) error {
	if err := p.check(states); err != nil {
		return err
	}
	if target == nil || target.Size() != p.size {
		return fmt.Errorf("%w: target must match %+v", ErrInvalidConfig, p.size)
	}
	pred := p.prediction.Read()
	err := sub.Dispatch("pred_error", p.size, func(x, y int) {
		p.errors.Set(x, y, target.At(x, y)-pred.At(x, y))
	})
	if err != nil {
		return err
	}
	for i := range p.inputs {
		in := &p.inputs[i]
		s := states[i]
		front, back := in.weights.Read(), in.weights.Write()
		err := sub.Dispatch("pred_learn", p.size, func(x, y int) {
			src, dst := front.Unit(x, y), back.Unit(x, y)
			copy(dst, src)
			delta := alpha * p.errors.At(x, y)
			in.field.Each(x, y, func(sx, sy, slot int) {
				dst[slot] = src[slot] + delta*s.At(sx, sy)
			})
		})
		if err != nil {
			return err
		}
		in.weights.Swap()
	}
	return nil
}

// ClearMemory zeroes the stored prediction.
func (p *Predictor) ClearMemory() {
	p.prediction.Fill(0)
}

func (p *Predictor) Size() grid.Int2 {
	return p.size
}

func (p *Predictor) Prediction() *grid.Grid[float64] {
	return p.prediction.Read()
}

// Error holds target − prediction from the last Learn call.
func (p *Predictor) Error() *grid.Grid[float64] {
	return p.errors
}

func (p *Predictor) NumInputs() int {
	return len(p.inputs)
}

func (p *Predictor) Weights(i int) *grid.Grid[float64] {
	return p.inputs[i].weights.Read()
}
