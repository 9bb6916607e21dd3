package scape

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"qroute/internal/nn"
)

const CartPoleLiteName = "cart-pole-lite"

// CartPoleLite is a simplified 1D balancing task: push a damped cart back
// to the origin. Episodes end when the cart leaves [-2, 2] or the step
// budget runs out, and the scape restarts from another start position.
type CartPoleLite struct {
	cfg cartPoleLiteModeConfig
	rng *rand.Rand

	x, v     float64
	step     int
	episodes int
}

type cartPoleLiteModeConfig struct {
	mode            string
	startPositions  []float64
	stepsPerEpisode int
}

func cartPoleLiteConfigForMode(mode string) (cartPoleLiteModeConfig, error) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "gt":
		return cartPoleLiteModeConfig{
			mode:            "gt",
			startPositions:  []float64{-0.8, -0.4, 0.0, 0.4, 0.8},
			stepsPerEpisode: 60,
		}, nil
	case "validation":
		return cartPoleLiteModeConfig{
			mode:            "validation",
			startPositions:  []float64{-1.0, -0.5, 0.5, 1.0},
			stepsPerEpisode: 48,
		}, nil
	case "test", "benchmark":
		return cartPoleLiteModeConfig{
			mode:            strings.TrimSpace(strings.ToLower(mode)),
			startPositions:  []float64{-1.2, -0.6, 0.0, 0.6, 1.2},
			stepsPerEpisode: 48,
		}, nil
	default:
		return cartPoleLiteModeConfig{}, fmt.Errorf("unsupported cart-pole-lite mode: %s", mode)
	}
}

func NewCartPoleLite(mode string) (*CartPoleLite, error) {
	cfg, err := cartPoleLiteConfigForMode(mode)
	if err != nil {
		return nil, err
	}
	return &CartPoleLite{cfg: cfg}, nil
}

func (*CartPoleLite) Name() string {
	return CartPoleLiteName
}

func (c *CartPoleLite) Mode() string {
	return c.cfg.mode
}

func (*CartPoleLite) StateSize() int {
	return 2
}

func (*CartPoleLite) ActionSize() int {
	return 1
}

func (c *CartPoleLite) Reset(rng *rand.Rand) {
	c.rng = rng
	c.episodes = 0
	c.startEpisode()
}

func (c *CartPoleLite) startEpisode() {
	start := c.cfg.startPositions[c.episodes%len(c.cfg.startPositions)]
	if c.rng != nil {
		start = c.cfg.startPositions[c.rng.Intn(len(c.cfg.startPositions))]
	}
	c.x, c.v, c.step = start, 0, 0
}

// Observe reports position and velocity mapped into [0, 1].
func (c *CartPoleLite) Observe() []float64 {
	return []float64{
		nn.Sat(c.x/4+0.5, 1, 0),
		nn.Sat(c.v/4+0.5, 1, 0),
	}
}

// Step maps the single action from [0, 1] onto a force in [-1, 1].
func (c *CartPoleLite) Step(actions []float64) (float64, error) {
	if err := checkActions(CartPoleLiteName, actions, 1); err != nil {
		return 0, err
	}
	force := nn.ScaleValue(actions[0], 1, 0)
	var reward float64
	c.x, c.v, reward = cartPoleLiteStep(c.x, c.v, force)
	c.step++
	if math.Abs(c.x) > 2.0 || c.step >= c.cfg.stepsPerEpisode {
		c.episodes++
		c.startEpisode()
	}
	return reward, nil
}

func (c *CartPoleLite) Episodes() int {
	return c.episodes
}

func (c *CartPoleLite) Position() (x, v float64) {
	return c.x, c.v
}

func cartPoleLiteStep(x, v, force float64) (nextX, nextV, reward float64) {
	const (
		dt       = 0.1
		kPos     = 0.45
		kVel     = 0.15
		forceK   = 1.25
		maxForce = 1.0
	)
	force = nn.Sat(force, maxForce, -maxForce)

	acc := forceK*force - kPos*x - kVel*v
	v = v + acc*dt
	x = x + v*dt
	reward = 1.0 - math.Min(1.0, math.Abs(x)/2.0)
	return x, v, reward
}
