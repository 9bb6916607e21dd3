package compute

import (
	"fmt"
	"runtime"
	"sync"

	"qroute/internal/grid"
)

// CPU runs kernels on a fixed number of goroutines, each taking a contiguous
// band of rows.
type CPU struct {
	workers int
}

// NewCPU returns a CPU substrate; workers <= 0 selects GOMAXPROCS.
func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPU{workers: workers}
}

func (c *CPU) Workers() int {
	return c.workers
}

func (c *CPU) Dispatch(name string, region grid.Int2, kernel Kernel) error {
	if kernel == nil {
		return fmt.Errorf("%s: kernel is required", name)
	}
	if region.X <= 0 || region.Y <= 0 {
		return nil
	}
	workers := c.workers
	if workers > region.Y {
		workers = region.Y
	}
	if workers <= 1 {
		return runRows(name, region.X, 0, region.Y, kernel)
	}

	band := (region.Y + workers - 1) / workers
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * band
		hi := lo + band
		if hi > region.Y {
			hi = region.Y
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			errs[w] = runRows(name, region.X, lo, hi, kernel)
		}(w, lo, hi)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runRows(name string, width, lo, hi int, kernel Kernel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrKernelPanic, name, r)
		}
	}()
	for y := lo; y < hi; y++ {
		for x := 0; x < width; x++ {
			kernel(x, y)
		}
	}
	return nil
}
