package scape

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"qroute/internal/nn"
)

const PoleBalancingName = "pole-balancing"

// PoleBalancing is the double pole cart task. Each tick applies the action
// as a force for two integration steps. While both poles and the cart stay
// in bounds the reward is 1 minus a penalty for pole angle and cart offset;
// the failing tick earns 0 and the next episode starts.
type PoleBalancing struct {
	cfg poleModeConfig
	rng *rand.Rand

	state    poleState
	step     int
	episodes int
}

type poleState struct {
	cartPosition float64
	cartVelocity float64
	angle1       float64
	velocity1    float64
	angle2       float64
	velocity2    float64
}

type poleModeConfig struct {
	mode       string
	maxSteps   int
	angleLimit float64
	initAngle1 float64
	initAngle2 float64
	// jitter is the half width of the uniform noise added to the initial
	// angles when the scape has an rng.
	jitter     float64
	doublePole bool
}

const (
	poleCartLimit     = 2.4
	poleVelocityLimit = 10.0
	poleSpinLimit     = 4.0
	poleMaxForce      = 10.0
	poleSubsteps      = 2
)

func poleConfigForMode(mode string) (poleModeConfig, error) {
	rad := 2 * math.Pi / 360
	angleLimit := 36.0 * rad

	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "gt":
		return poleModeConfig{
			mode:       "gt",
			maxSteps:   100000,
			angleLimit: angleLimit,
			initAngle1: 3.6 * rad,
			jitter:     1.8 * rad,
			doublePole: true,
		}, nil
	case "single":
		return poleModeConfig{
			mode:       "single",
			maxSteps:   100000,
			angleLimit: angleLimit,
			initAngle1: 3.6 * rad,
			jitter:     1.8 * rad,
		}, nil
	case "validation":
		return poleModeConfig{
			mode:       "validation",
			maxSteps:   1200,
			angleLimit: angleLimit,
			initAngle1: 2.4 * rad,
			initAngle2: 1.2 * rad,
			doublePole: true,
		}, nil
	case "test", "benchmark":
		return poleModeConfig{
			mode:       strings.TrimSpace(strings.ToLower(mode)),
			maxSteps:   1200,
			angleLimit: angleLimit,
			initAngle1: 4.8 * rad,
			initAngle2: -1.8 * rad,
			doublePole: true,
		}, nil
	default:
		return poleModeConfig{}, fmt.Errorf("unsupported pole-balancing mode: %s", mode)
	}
}

func NewPoleBalancing(mode string) (*PoleBalancing, error) {
	cfg, err := poleConfigForMode(mode)
	if err != nil {
		return nil, err
	}
	p := &PoleBalancing{cfg: cfg}
	p.startEpisode()
	return p, nil
}

func (*PoleBalancing) Name() string {
	return PoleBalancingName
}

func (p *PoleBalancing) Mode() string {
	return p.cfg.mode
}

func (*PoleBalancing) StateSize() int {
	return 6
}

func (*PoleBalancing) ActionSize() int {
	return 1
}

func (p *PoleBalancing) Reset(rng *rand.Rand) {
	p.rng = rng
	p.episodes = 0
	p.startEpisode()
}

func (p *PoleBalancing) startEpisode() {
	p.state = poleState{angle1: p.cfg.initAngle1, angle2: p.cfg.initAngle2}
	if p.rng != nil && p.cfg.jitter > 0 {
		p.state.angle1 += (p.rng.Float64()*2 - 1) * p.cfg.jitter
		if p.cfg.doublePole {
			p.state.angle2 += (p.rng.Float64()*2 - 1) * p.cfg.jitter
		}
	}
	p.step = 0
}

// Observe reports cart position and velocity followed by the angle and
// angular velocity of each pole, all mapped into [0, 1].
func (p *PoleBalancing) Observe() []float64 {
	s, limit := p.state, p.cfg.angleLimit
	return []float64{
		unitInterval(s.cartPosition, poleCartLimit),
		unitInterval(s.cartVelocity, poleVelocityLimit),
		unitInterval(s.angle1, limit),
		unitInterval(s.velocity1, poleSpinLimit),
		unitInterval(s.angle2, limit),
		unitInterval(s.velocity2, poleSpinLimit),
	}
}

// Step maps the single action from [0, 1] onto a force in [-10, 10] N.
func (p *PoleBalancing) Step(actions []float64) (float64, error) {
	if err := checkActions(PoleBalancingName, actions, 1); err != nil {
		return 0, err
	}
	force := nn.Sat(nn.ScaleValue(actions[0], 1, 0), 1, -1) * poleMaxForce
	p.state = simulateDoublePole(force, p.state, poleSubsteps)
	p.step++

	if p.failed() {
		p.episodes++
		p.startEpisode()
		return 0, nil
	}
	reward := 1 - 0.5*math.Abs(p.state.angle1)/p.cfg.angleLimit - 0.5*math.Abs(p.state.cartPosition)/poleCartLimit
	if p.step >= p.cfg.maxSteps {
		p.episodes++
		p.startEpisode()
	}
	return reward, nil
}

func (p *PoleBalancing) failed() bool {
	s := p.state
	if math.Abs(s.angle1) > p.cfg.angleLimit || math.Abs(s.cartPosition) > poleCartLimit {
		return true
	}
	return p.cfg.doublePole && math.Abs(s.angle2) > p.cfg.angleLimit
}

func (p *PoleBalancing) Episodes() int {
	return p.episodes
}

func simulateDoublePole(force float64, state poleState, steps int) poleState {
	const (
		halfLength1 = 0.5
		halfLength2 = 0.05
		cartMass    = 1.0
		poleMass1   = 0.1
		poleMass2   = 0.01
		muC         = 0.0005
		muP         = 0.000002
		gravity     = -9.81
		delta       = 0.01
	)

	next := state
	for i := 0; i < steps; i++ {
		cur := next

		cos1, sin1 := math.Cos(cur.angle1), math.Sin(cur.angle1)
		cos2, sin2 := math.Cos(cur.angle2), math.Sin(cur.angle2)
		em1 := poleMass1 * (1 - 0.75*cos1*cos1)
		em2 := poleMass2 * (1 - 0.75*cos2*cos2)

		ef1 := poleMass1*halfLength1*cur.velocity1*cur.velocity1*sin1 +
			0.75*poleMass1*cos1*((muP*cur.velocity1)/(poleMass1*halfLength1)+gravity*sin1)
		ef2 := poleMass2*halfLength2*cur.velocity2*cur.velocity2*sin2 +
			0.75*poleMass2*cos2*((muP*cur.velocity2)/(poleMass2*halfLength2)+gravity*sin2)

		cartAccel := (force - muC*sign(cur.cartVelocity) + ef1 + ef2) / (cartMass + em1 + em2)
		poleAccel1 := -(3.0 / (4.0 * halfLength1)) * (cartAccel*cos1 + gravity*sin1 + (muP*cur.velocity1)/(poleMass1*halfLength1))
		poleAccel2 := -(3.0 / (4.0 * halfLength2)) * (cartAccel*cos2 + gravity*sin2 + (muP*cur.velocity2)/(poleMass2*halfLength2))

		next.cartVelocity = cur.cartVelocity + delta*cartAccel
		next.cartPosition = cur.cartPosition + delta*cur.cartVelocity
		next.velocity1 = cur.velocity1 + delta*poleAccel1
		next.angle1 = cur.angle1 + delta*next.velocity1
		next.velocity2 = cur.velocity2 + delta*poleAccel2
		next.angle2 = cur.angle2 + delta*next.velocity2
	}
	return next
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// unitInterval maps [-limit, limit] onto [0, 1], saturating outside.
func unitInterval(v, limit float64) float64 {
	return nn.Sat(v/(2*limit)+0.5, 1, 0)
}
