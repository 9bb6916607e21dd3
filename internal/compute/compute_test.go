package compute

import (
	"errors"
	"testing"

	"qroute/internal/grid"
)

func TestCPUDispatchVisitsEveryCellOnce(t *testing.T) {
	for _, workers := range []int{1, 3, 8, 64} {
		sub := NewCPU(workers)
		region := grid.Int2{X: 7, Y: 5}
		hits := grid.New[int](region)
		err := sub.Dispatch("count", region, func(x, y int) {
			hits.Set(x, y, hits.At(x, y)+1)
		})
		if err != nil {
			t.Fatalf("workers=%d dispatch: %v", workers, err)
		}
		for i, v := range hits.Cells() {
			if v != 1 {
				t.Fatalf("workers=%d cell %d visited %d times", workers, i, v)
			}
		}
	}
}

func TestCPUDispatchRecoversKernelPanic(t *testing.T) {
	sub := NewCPU(4)
	err := sub.Dispatch("boom", grid.Int2{X: 4, Y: 4}, func(x, y int) {
		if x == 2 && y == 3 {
			panic("bad cell")
		}
	})
	if !errors.Is(err, ErrKernelPanic) {
		t.Fatalf("expected ErrKernelPanic, got %v", err)
	}
}

func TestCPUDispatchEmptyRegionAndNilKernel(t *testing.T) {
	sub := NewCPU(2)
	if err := sub.Dispatch("empty", grid.Int2{}, func(int, int) { t.Fatal("unexpected call") }); err != nil {
		t.Fatalf("empty dispatch: %v", err)
	}
	if err := sub.Dispatch("nil", grid.Int2{X: 1, Y: 1}, nil); err == nil {
		t.Fatal("expected nil kernel error")
	}
}

func TestCopyAndFill(t *testing.T) {
	sub := NewCPU(2)
	src := grid.New3[float64](grid.Int3{X: 3, Y: 3, Z: 2})
	for i := range src.Cells() {
		src.Cells()[i] = float64(i)
	}
	dst := grid.New3[float64](grid.Int3{X: 3, Y: 3, Z: 2})
	if err := Copy(sub, "copy", dst, src); err != nil {
		t.Fatalf("copy: %v", err)
	}
	for i := range dst.Cells() {
		if dst.Cells()[i] != float64(i) {
			t.Fatalf("cell %d: got %f", i, dst.Cells()[i])
		}
	}
	if err := Fill(sub, "fill", dst, 0.5); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if grid.Sum(dst) != 0.5*18 {
		t.Fatalf("unexpected sum after fill: %f", grid.Sum(dst))
	}
	if err := Copy(sub, "copy", grid.New[float64](grid.Int2{X: 2, Y: 2}), src); err == nil {
		t.Fatal("expected size mismatch")
	}
}

func TestRecorderKeepsOrder(t *testing.T) {
	rec := NewRecorder(NewCPU(2))
	for _, name := range []string{"a", "b", "a"} {
		if err := rec.Dispatch(name, grid.Int2{X: 2, Y: 2}, func(int, int) {}); err != nil {
			t.Fatalf("dispatch %s: %v", name, err)
		}
	}
	names := rec.Names()
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "a" {
		t.Fatalf("unexpected order: %v", names)
	}
	if rec.Counts()["a"] != 2 {
		t.Fatalf("unexpected counts: %v", rec.Counts())
	}
	if rec.Workers() != 2 {
		t.Fatalf("expected recorder to report wrapped workers, got %d", rec.Workers())
	}
	rec.Reset()
	if len(rec.Records()) != 0 {
		t.Fatal("expected reset to clear records")
	}
}

func TestBackendRegistry(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	sub, err := ResolveBackend("", 3)
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if sized, ok := sub.(Sized); !ok || sized.Workers() != 3 {
		t.Fatalf("expected cpu backend with 3 workers, got %#v", sub)
	}
	serial, err := ResolveBackend(SerialBackendName, 16)
	if err != nil {
		t.Fatalf("resolve serial: %v", err)
	}
	if serial.(Sized).Workers() != 1 {
		t.Fatal("expected serial backend to use one worker")
	}
	if _, err := ResolveBackend("gpu", 1); !errors.Is(err, ErrBackendNotFound) {
		t.Fatalf("expected ErrBackendNotFound, got %v", err)
	}
	if err := RegisterBackend(DefaultBackendName, func(int) Substrate { return NewCPU(1) }); !errors.Is(err, ErrBackendExists) {
		t.Fatalf("expected ErrBackendExists, got %v", err)
	}
	if err := RegisterBackend("", func(int) Substrate { return NewCPU(1) }); err == nil {
		t.Fatal("expected name validation")
	}
	if got := ListBackends(); len(got) != 2 || got[0] != "cpu" || got[1] != "serial" {
		t.Fatalf("unexpected backends: %v", got)
	}
}
