package predict

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"qroute/internal/compute"
	"qroute/internal/grid"
)

func TestPredictorLearnsLinearTarget(t *testing.T) {
	size := grid.Int2{X: 4, Y: 4}
	p, err := New(size, []InputDesc{{Size: size, Radius: 1}}, grid.Range{Lo: -0.01, Hi: 0.01}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	sub := compute.NewCPU(2)
	rng := rand.New(rand.NewSource(2))
	in := grid.New[float64](size)
	target := grid.New[float64](size)

	meanErr := func() float64 { return grid.MeanAbs(p.Error()) }
	var first, last float64
	for step := 0; step < 400; step++ {
		grid.Uniform(in, grid.Range{Lo: 0, Hi: 1}, rng)
		for y := 0; y < size.Y; y++ {
			for x := 0; x < size.X; x++ {
				target.Set(x, y, 0.5*in.At(x, y))
			}
		}
		states := []*grid.Grid[float64]{in}
		if err := p.Predict(sub, states); err != nil {
			t.Fatalf("predict: %v", err)
		}
		if err := p.Learn(sub, target, states, 0.1); err != nil {
			t.Fatalf("learn: %v", err)
		}
		if step == 0 {
			first = meanErr()
		}
		last = meanErr()
	}
	if !(last < first*0.5) {
		t.Fatalf("expected prediction error to shrink: first=%f last=%f", first, last)
	}
}

func TestPredictSumsEveryInput(t *testing.T) {
	out := grid.Int2{X: 2, Y: 2}
	descs := []InputDesc{
		{Size: grid.Int2{X: 2, Y: 2}, Radius: 0},
		{Size: grid.Int2{X: 4, Y: 4}, Radius: 1},
	}
	p, err := New(out, descs, grid.Range{Lo: 0.5, Hi: 0.5}, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	a := grid.New[float64](descs[0].Size)
	b := grid.New[float64](descs[1].Size)
	grid.Fill(a, 1)
	grid.Fill(b, 1)
	if err := p.Predict(compute.NewCPU(1), []*grid.Grid[float64]{a, b}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	// unit (0,0): one cell of a, a clipped 3x3 window centred on (1,1) of b
	if got := p.Prediction().At(0, 0); math.Abs(got-0.5*(1+9)) > 1e-12 {
		t.Fatalf("unexpected prediction: %f", got)
	}
}

func TestPredictorValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := New(grid.Int2{}, []InputDesc{{Size: grid.Int2{X: 1, Y: 1}}}, grid.Range{}, rng); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected size error, got %v", err)
	}
	if _, err := New(grid.Int2{X: 1, Y: 1}, nil, grid.Range{}, rng); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected inputs error, got %v", err)
	}
	p, err := New(grid.Int2{X: 2, Y: 2}, []InputDesc{{Size: grid.Int2{X: 2, Y: 2}, Radius: 1}}, grid.Range{}, rng)
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	sub := compute.NewCPU(1)
	in := grid.New[float64](grid.Int2{X: 2, Y: 2})
	if err := p.Predict(sub, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected input count error, got %v", err)
	}
	if err := p.Learn(sub, grid.New[float64](grid.Int2{X: 3, Y: 3}), []*grid.Grid[float64]{in}, 0.1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected target size error, got %v", err)
	}
}
