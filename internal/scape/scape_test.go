package scape

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestRegistryDefaults(t *testing.T) {
	resetRegistryForTests()
	names := List()
	if len(names) != 3 || names[0] != CartPoleLiteName || names[1] != PoleBalancingName || names[2] != TargetTrackingName {
		t.Fatalf("unexpected default scapes: %v", names)
	}
	s, err := Resolve(TargetTrackingName, "fast")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Name() != TargetTrackingName {
		t.Fatalf("unexpected scape %s", s.Name())
	}
	if _, err := Resolve("mountain-car", ""); !errors.Is(err, ErrScapeNotFound) {
		t.Fatalf("expected ErrScapeNotFound, got %v", err)
	}
	err = Register(CartPoleLiteName, func(string) (Scape, error) { return NewCartPoleLite("") })
	if !errors.Is(err, ErrScapeExists) {
		t.Fatalf("expected ErrScapeExists, got %v", err)
	}
	if err := Register(" ", nil); err == nil {
		t.Fatal("expected empty name error")
	}
}

func TestTargetTrackingFollowerBeatsIdle(t *testing.T) {
	follower := func(obs []float64) []float64 {
		distance := (obs[0] - 0.5) * 4
		move := math.Max(-1, math.Min(1, distance*10))
		return []float64{move/2 + 0.5}
	}
	idle := func([]float64) []float64 { return []float64{0.5} }

	tt, err := NewTargetTracking("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tt.Reset(rand.New(rand.NewSource(3)))
	followed := runPolicy(t, tt, 480, follower)
	tt.Reset(rand.New(rand.NewSource(3)))
	stayed := runPolicy(t, tt, 480, idle)
	if followed <= stayed {
		t.Fatalf("expected follower (%f) to beat idle (%f)", followed, stayed)
	}
	if followed < 0.9 {
		t.Fatalf("expected follower to stay close, got %f", followed)
	}
}

func TestClockAppendsInputs(t *testing.T) {
	cp, _ := NewCartPoleLite("")
	c := WithClock(cp, 4)
	c.Reset(nil)
	if c.StateSize() != 6 {
		t.Fatalf("expected 6 state values, got %d", c.StateSize())
	}
	for tick := 0; tick < 30; tick++ {
		obs := c.Observe()
		if len(obs) != 6 {
			t.Fatalf("expected 6 observations, got %d", len(obs))
		}
		if obs[2] != 0.5 {
			t.Fatalf("clock input 0 must stay at 0.5, got %f", obs[2])
		}
		for _, o := range obs[2:] {
			if o < 0 || o > 1 {
				t.Fatalf("clock value %f outside [0, 1]", o)
			}
		}
		if _, err := c.Step([]float64{0.5}); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	want := math.Sin(30.0/60.0*4*math.Pi)*0.5 + 0.5
	if got := c.Observe()[3]; math.Abs(got-want) > 1e-12 {
		t.Fatalf("clock input 1 at tick 30: got %f want %f", got, want)
	}
}
