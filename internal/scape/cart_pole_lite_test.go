package scape

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"qroute/internal/nn"
)

func runPolicy(t *testing.T, s Scape, ticks int, policy func(obs []float64) []float64) float64 {
	t.Helper()
	var total float64
	for i := 0; i < ticks; i++ {
		reward, err := s.Step(policy(s.Observe()))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		total += reward
	}
	return total / float64(ticks)
}

func TestCartPoleLiteStabilizerEarnsHighReward(t *testing.T) {
	cp, err := NewCartPoleLite("gt")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cp.Reset(rand.New(rand.NewSource(1)))
	stabilizer := func(obs []float64) []float64 {
		x, v := (obs[0]-0.5)*4, (obs[1]-0.5)*4
		force := nn.Sat(-1.2*x-0.6*v, 1, -1)
		return []float64{force/2 + 0.5}
	}
	avg := runPolicy(t, cp, 600, stabilizer)
	if avg <= 0.75 {
		t.Fatalf("expected stabilizer avg reward > 0.75, got %f", avg)
	}
	if cp.Episodes() == 0 {
		t.Fatal("expected episodes to roll over")
	}
}

func TestCartPoleLitePushingOneWayEndsEpisodes(t *testing.T) {
	cp, err := NewCartPoleLite("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cp.Reset(nil)
	avg := runPolicy(t, cp, 300, func([]float64) []float64 { return []float64{1} })
	if avg >= 0.8 {
		t.Fatalf("expected constant push to do worse, got %f", avg)
	}
	for _, o := range cp.Observe() {
		if o < 0 || o > 1 {
			t.Fatalf("observation %f outside [0, 1]", o)
		}
	}
}

func TestCartPoleLiteModes(t *testing.T) {
	for _, mode := range []string{"", "gt", "validation", "test", "benchmark"} {
		t.Run(mode, func(t *testing.T) {
			cp, err := NewCartPoleLite(mode)
			if err != nil {
				t.Fatalf("mode %q: %v", mode, err)
			}
			if cp.Mode() == "" {
				t.Fatal("expected resolved mode")
			}
		})
	}
	if _, err := NewCartPoleLite("sideways"); err == nil {
		t.Fatal("expected unsupported mode error")
	}
}

func TestCartPoleLiteRejectsWrongActionCount(t *testing.T) {
	cp, _ := NewCartPoleLite("")
	cp.Reset(nil)
	if _, err := cp.Step([]float64{0.5, 0.5}); !errors.Is(err, ErrActionCount) {
		t.Fatalf("expected ErrActionCount, got %v", err)
	}
}

func TestCartPoleLiteStepPhysics(t *testing.T) {
	x, v, reward := cartPoleLiteStep(0, 0, 5)
	if math.Abs(v-0.125) > 1e-12 || math.Abs(x-0.0125) > 1e-12 {
		t.Fatalf("expected clamped force response, got x=%f v=%f", x, v)
	}
	if math.Abs(reward-(1-0.0125/2)) > 1e-12 {
		t.Fatalf("unexpected reward %f", reward)
	}
}
