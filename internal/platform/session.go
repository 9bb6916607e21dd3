package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"qroute/internal/agent"
	"qroute/internal/compute"
	"qroute/internal/model"
	"qroute/internal/scape"
)

var ErrLayoutMismatch = errors.New("agent layout does not fit scape")

type SessionConfig struct {
	Agent     *agent.Agent
	Scape     scape.Scape
	Substrate compute.Substrate
	// RNG drives agent exploration; the scape is reset from its own stream.
	RNG   *rand.Rand
	Learn bool
	// SampleEvery records a tick sample every n ticks; 0 records every tick.
	SampleEvery int
	// OnSample, when set, is called synchronously with every recorded sample.
	OnSample func(model.TickSample)
	Logger   *slog.Logger
}

type SessionResult struct {
	Ticks      int
	Episodes   int
	MeanReward float64
	Samples    []model.TickSample
	Final      agent.Diagnostics
}

// Session drives one agent against one scape, tick by tick.
type Session struct {
	cfg        SessionConfig
	logger     *slog.Logger
	stateSlots int
	reward     float64
	tick       int64
	actions    []float64
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Agent == nil || cfg.Scape == nil || cfg.Substrate == nil || cfg.RNG == nil {
		return nil, fmt.Errorf("session requires agent, scape, substrate and rng")
	}
	inputs := cfg.Agent.Config().Inputs
	if inputs.State.Area() < cfg.Scape.StateSize() {
		return nil, fmt.Errorf("%w: %d state slots for %d observations", ErrLayoutMismatch, inputs.State.Area(), cfg.Scape.StateSize())
	}
	if inputs.Action.Area() < cfg.Scape.ActionSize() {
		return nil, fmt.Errorf("%w: %d action slots for %d actions", ErrLayoutMismatch, inputs.Action.Area(), cfg.Scape.ActionSize())
	}
	if cfg.SampleEvery < 1 {
		cfg.SampleEvery = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "session"), slog.String("scape", cfg.Scape.Name())),
		stateSlots: inputs.State.Area(),
		actions:    make([]float64, cfg.Scape.ActionSize()),
	}, nil
}

// Run advances the session by ticks steps. Cancellation is checked between
// ticks; the partial result is returned alongside ctx's error.
func (s *Session) Run(ctx context.Context, ticks int) (SessionResult, error) {
	var (
		result SessionResult
		total  float64
	)
	for i := 0; i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			s.finish(&result, total)
			return result, err
		}
		reward, err := s.step()
		if err != nil {
			s.finish(&result, total)
			return result, fmt.Errorf("tick %d: %w", s.tick, err)
		}
		total += reward
		result.Ticks++
		if (s.tick-1)%int64(s.cfg.SampleEvery) == 0 {
			sample := s.sample(reward)
			result.Samples = append(result.Samples, sample)
			if s.cfg.OnSample != nil {
				s.cfg.OnSample(sample)
			}
		}
	}
	s.finish(&result, total)
	s.logger.Debug("session finished",
		slog.Int("ticks", result.Ticks),
		slog.Float64("mean_reward", result.MeanReward),
		slog.Int("episodes", result.Episodes))
	return result, nil
}

// step feeds the observation and the previous tick's reward to the agent,
// then applies its actions to the scape.
func (s *Session) step() (float64, error) {
	a := s.cfg.Agent
	for i, v := range s.cfg.Scape.Observe() {
		if err := a.SetState(i, v); err != nil {
			return 0, err
		}
	}
	if err := a.SimStep(s.cfg.Substrate, s.reward, s.cfg.RNG, s.cfg.Learn); err != nil {
		return 0, err
	}
	for i := range s.actions {
		v, err := a.Action(s.stateSlots + i)
		if err != nil {
			return 0, err
		}
		s.actions[i] = v
	}
	reward, err := s.cfg.Scape.Step(s.actions)
	if err != nil {
		return 0, err
	}
	s.reward = reward
	s.tick++
	return reward, nil
}

func (s *Session) sample(reward float64) model.TickSample {
	d := s.cfg.Agent.Diagnostics()
	return model.TickSample{
		Tick:           s.tick - 1,
		Reward:         reward,
		Value:          d.Value,
		TDError:        d.TDError,
		MeanAbsTDError: d.MeanAbsTDError,
		ActiveRatio:    d.ActiveRatio,
		Actions:        append([]float64(nil), s.actions...),
	}
}

func (s *Session) finish(result *SessionResult, total float64) {
	if result.Ticks > 0 {
		result.MeanReward = total / float64(result.Ticks)
	}
	if e, ok := s.cfg.Scape.(scape.Episodic); ok {
		result.Episodes = e.Episodes()
	}
	result.Final = s.cfg.Agent.Diagnostics()
}

// Ticks reports how many ticks the session has completed.
func (s *Session) Ticks() int64 {
	return s.tick
}
