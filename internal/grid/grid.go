package grid

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/exp/constraints"
)

// Int2 is a 2D extent or position.
type Int2 struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (v Int2) Area() int {
	return v.X * v.Y
}

// Extent is the larger of the two dimensions.
func (v Int2) Extent() int {
	if v.X > v.Y {
		return v.X
	}
	return v.Y
}

// Int3 is a 3D extent; Z indexes per-cell channels such as connection slots.
type Int3 struct {
	X int
	Y int
	Z int
}

func (v Int3) XY() Int2 {
	return Int2{X: v.X, Y: v.Y}
}

func (v Int3) Volume() int {
	return v.X * v.Y * v.Z
}

// Range is a half-open interval [Lo, Hi) used for random initialization.
type Range struct {
	Lo float64 `json:"lo" yaml:"lo"`
	Hi float64 `json:"hi" yaml:"hi"`
}

func (r Range) Validate() error {
	if math.IsNaN(r.Lo) || math.IsNaN(r.Hi) {
		return fmt.Errorf("range bounds must be numbers")
	}
	if r.Lo > r.Hi {
		return fmt.Errorf("range lo %f exceeds hi %f", r.Lo, r.Hi)
	}
	return nil
}

// Grid is a dense X×Y×Z array. Cells of one (x, y) unit are contiguous.
type Grid[T any] struct {
	size  Int3
	cells []T
}

func New[T any](size Int2) *Grid[T] {
	return New3[T](Int3{X: size.X, Y: size.Y, Z: 1})
}

func New3[T any](size Int3) *Grid[T] {
	if size.X < 0 || size.Y < 0 || size.Z < 0 {
		panic(fmt.Sprintf("grid: negative size %+v", size))
	}
	return &Grid[T]{size: size, cells: make([]T, size.Volume())}
}

func (g *Grid[T]) Size() Int2 {
	return g.size.XY()
}

func (g *Grid[T]) Size3() Int3 {
	return g.size
}

func (g *Grid[T]) Len() int {
	return len(g.cells)
}

func (g *Grid[T]) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.size.X && y < g.size.Y
}

func (g *Grid[T]) index(x, y, z int) int {
	return (y*g.size.X+x)*g.size.Z + z
}

func (g *Grid[T]) At(x, y int) T {
	return g.cells[g.index(x, y, 0)]
}

func (g *Grid[T]) Set(x, y int, v T) {
	g.cells[g.index(x, y, 0)] = v
}

func (g *Grid[T]) At3(x, y, z int) T {
	return g.cells[g.index(x, y, z)]
}

func (g *Grid[T]) Set3(x, y, z int, v T) {
	g.cells[g.index(x, y, z)] = v
}

// Unit returns the Z cells of unit (x, y). The slice aliases the grid.
func (g *Grid[T]) Unit(x, y int) []T {
	start := g.index(x, y, 0)
	return g.cells[start : start+g.size.Z]
}

// Cells exposes the backing slice in (y, x, z) order.
func (g *Grid[T]) Cells() []T {
	return g.cells
}

func (g *Grid[T]) CopyFrom(src *Grid[T]) error {
	if src.size != g.size {
		return fmt.Errorf("grid size mismatch: dst=%+v src=%+v", g.size, src.size)
	}
	copy(g.cells, src.cells)
	return nil
}

func (g *Grid[T]) Clone() *Grid[T] {
	out := New3[T](g.size)
	copy(out.cells, g.cells)
	return out
}

func Fill[T any](g *Grid[T], v T) {
	for i := range g.cells {
		g.cells[i] = v
	}
}

// Uniform fills g from rng in cell order, so equal seeds give equal grids.
func Uniform[T constraints.Float](g *Grid[T], r Range, rng *rand.Rand) {
	span := r.Hi - r.Lo
	for i := range g.cells {
		g.cells[i] = T(r.Lo + rng.Float64()*span)
	}
}

func Sum[T constraints.Float](g *Grid[T]) T {
	var total T
	for _, v := range g.cells {
		total += v
	}
	return total
}

func Mean[T constraints.Float](g *Grid[T]) T {
	if len(g.cells) == 0 {
		return 0
	}
	return Sum(g) / T(len(g.cells))
}

func MeanAbs[T constraints.Float](g *Grid[T]) T {
	if len(g.cells) == 0 {
		return 0
	}
	var total T
	for _, v := range g.cells {
		if v < 0 {
			total -= v
		} else {
			total += v
		}
	}
	return total / T(len(g.cells))
}

func CountAbove[T constraints.Float](g *Grid[T], threshold T) int {
	n := 0
	for _, v := range g.cells {
		if v > threshold {
			n++
		}
	}
	return n
}

func AllFinite[T constraints.Float](g *Grid[T]) bool {
	for _, v := range g.cells {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
