package compute

import (
	"errors"
	"fmt"

	"qroute/internal/grid"
)

var (
	ErrKernelPanic     = errors.New("kernel panicked")
	ErrBackendExists   = errors.New("backend already registered")
	ErrBackendNotFound = errors.New("backend not found")
)

// Kernel computes the cell(s) owned by unit (x, y). A kernel may only write
// cells of its own unit and may only read grids that no concurrent invocation
// writes.
type Kernel func(x, y int)

// Substrate runs a named kernel once for every unit of a region. Dispatch
// returns only after every invocation has completed.
type Substrate interface {
	Dispatch(name string, region grid.Int2, kernel Kernel) error
}

// Sized is an optional substrate capability reporting its parallelism.
type Sized interface {
	Workers() int
}

// Copy dispatches a cell-wise copy of src into dst.
func Copy(sub Substrate, name string, dst, src *grid.Grid[float64]) error {
	if dst.Size3() != src.Size3() {
		return fmt.Errorf("%s: size mismatch dst=%+v src=%+v", name, dst.Size3(), src.Size3())
	}
	return sub.Dispatch(name, dst.Size(), func(x, y int) {
		copy(dst.Unit(x, y), src.Unit(x, y))
	})
}

// Fill dispatches a cell-wise fill of g.
func Fill(sub Substrate, name string, g *grid.Grid[float64], v float64) error {
	return sub.Dispatch(name, g.Size(), func(x, y int) {
		unit := g.Unit(x, y)
		for i := range unit {
			unit[i] = v
		}
	})
}
