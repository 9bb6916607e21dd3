// Package sparse implements a competitive sparse coder over 2D grids. Hidden
// units sum their local windows onto one or more visible grids, compete with
// their lateral neighbourhood, and the local winners form a binary code.
package sparse

import (
	"errors"
	"fmt"
	"math/rand"

	"qroute/internal/compute"
	"qroute/internal/grid"
)

var ErrInvalidConfig = errors.New("invalid sparse coder config")

type VisibleLayerDesc struct {
	Size         grid.Int2
	Radius       int
	WeightAlpha  float64
	IgnoreMiddle bool
}

type Config struct {
	HiddenSize    grid.Int2
	LateralRadius int
	// SolveIter relaxation steps run before winners are chosen.
	SolveIter int
	// Inhibition scales how strongly stronger neighbours suppress a unit
	// during relaxation.
	Inhibition  float64
	ActiveRatio float64
	BoostAlpha  float64
}

type visibleLayer struct {
	desc    VisibleLayerDesc
	field   grid.Field
	weights *grid.DoubleBuffer[float64]
	errors  *grid.Grid[float64]
}

type Coder struct {
	cfg     Config
	layers  []visibleLayer
	lateral grid.Field
	states  *grid.DoubleBuffer[float64]
	biases  *grid.DoubleBuffer[float64]
	relax   *grid.DoubleBuffer[float64]
}

// New allocates a coder. Weights of every visible layer are drawn in layer
// order, then the hidden biases.
func New(cfg Config, descs []VisibleLayerDesc, weightRange, biasRange grid.Range, rng *rand.Rand) (*Coder, error) {
	if cfg.HiddenSize.X <= 0 || cfg.HiddenSize.Y <= 0 {
		return nil, fmt.Errorf("%w: hidden size %+v", ErrInvalidConfig, cfg.HiddenSize)
	}
	if cfg.LateralRadius < 0 || cfg.SolveIter < 0 {
		return nil, fmt.Errorf("%w: negative lateral radius or solve iterations", ErrInvalidConfig)
	}
	if cfg.ActiveRatio <= 0 || cfg.ActiveRatio > 1 {
		return nil, fmt.Errorf("%w: active ratio %f outside (0, 1]", ErrInvalidConfig, cfg.ActiveRatio)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: at least one visible layer is required", ErrInvalidConfig)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: rng is required", ErrInvalidConfig)
	}

	c := &Coder{
		cfg:     cfg,
		lateral: grid.NewField(cfg.HiddenSize, cfg.HiddenSize, cfg.LateralRadius),
		states:  grid.NewDoubleBuffer[float64](cfg.HiddenSize),
		biases:  grid.NewDoubleBuffer[float64](cfg.HiddenSize),
		relax:   grid.NewDoubleBuffer[float64](cfg.HiddenSize),
	}
	for i, desc := range descs {
		if desc.Size.X <= 0 || desc.Size.Y <= 0 {
			return nil, fmt.Errorf("%w: visible layer %d size %+v", ErrInvalidConfig, i, desc.Size)
		}
		if desc.Radius < 0 {
			return nil, fmt.Errorf("%w: visible layer %d radius %d", ErrInvalidConfig, i, desc.Radius)
		}
		field := grid.NewField(desc.Size, cfg.HiddenSize, desc.Radius)
		vl := visibleLayer{
			desc:    desc,
			field:   field,
			weights: grid.NewDoubleBuffer3[float64](grid.Int3{X: cfg.HiddenSize.X, Y: cfg.HiddenSize.Y, Z: field.Count()}),
			errors:  grid.New[float64](desc.Size),
		}
		grid.Uniform(vl.weights.Read(), weightRange, rng)
		vl.weights.Settle()
		c.layers = append(c.layers, vl)
	}
	grid.Uniform(c.biases.Read(), biasRange, rng)
	c.biases.Settle()
	return c, nil
}

func (c *Coder) checkVisible(visible []*grid.Grid[float64]) error {
	if len(visible) != len(c.layers) {
		return fmt.Errorf("%w: got %d visible grids, want %d", ErrInvalidConfig, len(visible), len(c.layers))
	}
	for i, v := range visible {
		if v == nil || v.Size() != c.layers[i].desc.Size {
			return fmt.Errorf("%w: visible grid %d does not match %+v", ErrInvalidConfig, i, c.layers[i].desc.Size)
		}
	}
	return nil
}

// Activate computes a new hidden code from the visible grids and swaps it to
// the front.
func (c *Coder) Activate(sub compute.Substrate, visible []*grid.Grid[float64]) error {
	if err := c.checkVisible(visible); err != nil {
		return err
	}
	hidden := c.cfg.HiddenSize

	biases := c.biases.Read()
	sums := c.relax.Write()
	err := sub.Dispatch("sc_activate", hidden, func(x, y int) {
		sum := biases.At(x, y)
		for i := range c.layers {
			vl := &c.layers[i]
			w := vl.weights.Read().Unit(x, y)
			v := visible[i]
			middle := vl.field.Middle()
			vl.field.Each(x, y, func(sx, sy, slot int) {
				if vl.desc.IgnoreMiddle && slot == middle {
					return
				}
				sum += w[slot] * v.At(sx, sy)
			})
		}
		sums.Set(x, y, sum)
	})
	if err != nil {
		return err
	}
	c.relax.Swap()

	for iter := 0; iter < c.cfg.SolveIter; iter++ {
		src, dst := c.relax.Read(), c.relax.Write()
		err := sub.Dispatch("sc_inhibit", hidden, func(x, y int) {
			own := src.At(x, y)
			var pressure float64
			n := 0
			c.lateral.Each(x, y, func(sx, sy, _ int) {
				n++
				if other := src.At(sx, sy); other > own {
					pressure += other - own
				}
			})
			dst.Set(x, y, own-c.cfg.Inhibition*pressure/float64(n))
		})
		if err != nil {
			return err
		}
		c.relax.Swap()
	}

	acts := c.relax.Read()
	out := c.states.Write()
	err = sub.Dispatch("sc_solve", hidden, func(x, y int) {
		own := acts.At(x, y)
		ownIndex := x + y*hidden.X
		rank, n := 0, 0
		c.lateral.Each(x, y, func(sx, sy, _ int) {
			n++
			other := acts.At(sx, sy)
			if other > own || (other == own && sx+sy*hidden.X < ownIndex) {
				rank++
			}
		})
		if float64(rank) < c.cfg.ActiveRatio*float64(n) {
			out.Set(x, y, 1)
		} else {
			out.Set(x, y, 0)
		}
	})
	if err != nil {
		return err
	}
	c.states.Swap()
	return nil
}

// Learn reconstructs every visible grid from the front code and moves
// weights and biases toward lower reconstruction error and the target
// activity ratio.
func (c *Coder) Learn(sub compute.Substrate, visible []*grid.Grid[float64]) error {
	if err := c.checkVisible(visible); err != nil {
		return err
	}
	states := c.states.Read()

	for i := range c.layers {
		vl := &c.layers[i]
		v := visible[i]
		w := vl.weights.Read()
		middle := vl.field.Middle()
		err := sub.Dispatch("sc_reconstruct", vl.desc.Size, func(sx, sy int) {
			var recon float64
			vl.field.EachReceiver(sx, sy, func(x, y, slot int) {
				if vl.desc.IgnoreMiddle && slot == middle {
					return
				}
				recon += w.At3(x, y, slot) * states.At(x, y)
			})
			vl.errors.Set(sx, sy, v.At(sx, sy)-recon)
		})
		if err != nil {
			return err
		}
	}

	for i := range c.layers {
		vl := &c.layers[i]
		front, back := vl.weights.Read(), vl.weights.Write()
		middle := vl.field.Middle()
		err := sub.Dispatch("sc_learn_weights", c.cfg.HiddenSize, func(x, y int) {
			src, dst := front.Unit(x, y), back.Unit(x, y)
			copy(dst, src)
			s := states.At(x, y)
			if s == 0 {
				return
			}
			vl.field.Each(x, y, func(sx, sy, slot int) {
				if vl.desc.IgnoreMiddle && slot == middle {
					return
				}
				dst[slot] = src[slot] + vl.desc.WeightAlpha*s*vl.errors.At(sx, sy)
			})
		})
		if err != nil {
			return err
		}
		vl.weights.Swap()
	}

	front, back := c.biases.Read(), c.biases.Write()
	err := sub.Dispatch("sc_learn_biases", c.cfg.HiddenSize, func(x, y int) {
		back.Set(x, y, front.At(x, y)+c.cfg.BoostAlpha*(c.cfg.ActiveRatio-states.At(x, y)))
	})
	if err != nil {
		return err
	}
	c.biases.Swap()
	return nil
}

// Route pushes a per-hidden-unit signal back onto visible layer i through the
// transposed encoder weights, writing one value per visible cell into out.
func (c *Coder) Route(sub compute.Substrate, i int, hiddenSignal, out *grid.Grid[float64]) error {
	if i < 0 || i >= len(c.layers) {
		return fmt.Errorf("%w: visible layer %d out of range", ErrInvalidConfig, i)
	}
	vl := &c.layers[i]
	if hiddenSignal.Size() != c.cfg.HiddenSize || out.Size() != vl.desc.Size {
		return fmt.Errorf("%w: route grid sizes do not match layer %d", ErrInvalidConfig, i)
	}
	w := vl.weights.Read()
	middle := vl.field.Middle()
	return sub.Dispatch("sc_route", vl.desc.Size, func(sx, sy int) {
		var total float64
		vl.field.EachReceiver(sx, sy, func(x, y, slot int) {
			if vl.desc.IgnoreMiddle && slot == middle {
				return
			}
			total += hiddenSignal.At(x, y) * w.At3(x, y, slot)
		})
		out.Set(sx, sy, total)
	})
}

// ClearMemory zeroes the hidden code.
func (c *Coder) ClearMemory() {
	c.states.Fill(0)
}

func (c *Coder) HiddenSize() grid.Int2 {
	return c.cfg.HiddenSize
}

func (c *Coder) HiddenStates() *grid.Grid[float64] {
	return c.states.Read()
}

func (c *Coder) Biases() *grid.Grid[float64] {
	return c.biases.Read()
}

func (c *Coder) NumVisibleLayers() int {
	return len(c.layers)
}

func (c *Coder) VisibleLayerDesc(i int) VisibleLayerDesc {
	return c.layers[i].desc
}

func (c *Coder) Weights(i int) *grid.Grid[float64] {
	return c.layers[i].weights.Read()
}

func (c *Coder) Field(i int) grid.Field {
	return c.layers[i].field
}

// ReconstructionError holds the error grid of visible layer i from the last
// Learn call.
func (c *Coder) ReconstructionError(i int) *grid.Grid[float64] {
	return c.layers[i].errors
}

// ActiveRatio is the fraction of active units in the front code.
func (c *Coder) ActiveRatio() float64 {
	states := c.states.Read()
	return float64(grid.CountAbove(states, 0.5)) / float64(states.Len())
}
