package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"qroute/internal/agent"
	"qroute/internal/compute"
	"qroute/internal/model"
	"qroute/internal/scape"
	"qroute/internal/storage"
)

var (
	ErrNotStarted = errors.New("polis is not initialized")
	ErrRunActive  = errors.New("run already active")
)

type Config struct {
	Store  storage.Store
	Logger *slog.Logger
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// RunConfig describes one persisted agent × scape session.
type RunConfig struct {
	RunID       string
	Scape       string
	Mode        string
	ClockInputs int
	Ticks       int
	Seed        int64
	Learn       bool
	Backend     string
	Workers     int
	SampleEvery int
	Agent       agent.Config
	OnSample    func(model.TickSample)
}

type RunResult struct {
	Run     model.RunRecord
	Samples []model.TickSample
}

// Polis owns the store and tracks active runs so they can be stopped.
type Polis struct {
	store  storage.Store
	logger *slog.Logger

	mu             sync.RWMutex
	started        bool
	lastStopReason StopReason
	runs           map[string]context.CancelFunc
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Polis{
		store:          cfg.Store,
		logger:         logger.With(slog.String("component", "polis")),
		runs:           make(map[string]context.CancelFunc),
		lastStopReason: StopReasonNormal,
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) Store() storage.Store {
	return p.store
}

func (p *Polis) Stop() {
	_ = p.StopWithReason(StopReasonNormal)
}

// StopWithReason cancels every active run. Cancelled runs still persist
// their partial results.
func (p *Polis) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	if reason != StopReasonNormal && reason != StopReasonShutdown {
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.runs {
		cancel()
	}
	p.started = false
	p.lastStopReason = reason
	p.runs = make(map[string]context.CancelFunc)
	return nil
}

func (p *Polis) LastStopReason() StopReason {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastStopReason
}

func (p *Polis) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Polis) StopRun(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.runs[runID]
	if ok {
		cancel()
	}
	return ok
}

// RunSession builds the agent and scape described by cfg, drives them for
// cfg.Ticks ticks and persists the run record and sampled history.
func (p *Polis) RunSession(ctx context.Context, cfg RunConfig) (RunResult, error) {
	if strings.TrimSpace(cfg.RunID) == "" {
		return RunResult{}, fmt.Errorf("run id is required")
	}
	if cfg.Ticks <= 0 {
		return RunResult{}, fmt.Errorf("ticks must be > 0")
	}

	sc, err := scape.Resolve(cfg.Scape, cfg.Mode)
	if err != nil {
		return RunResult{}, err
	}
	if cfg.ClockInputs > 0 {
		sc = scape.WithClock(sc, cfg.ClockInputs)
	}
	sub, err := compute.ResolveBackend(cfg.Backend, cfg.Workers)
	if err != nil {
		return RunResult{}, err
	}
	workers := cfg.Workers
	if sized, ok := sub.(compute.Sized); ok {
		workers = sized.Workers()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	a, err := agent.New(cfg.Agent, rng, agent.WithLogger(p.logger.With(slog.String("run_id", cfg.RunID))))
	if err != nil {
		return RunResult{}, err
	}
	sc.Reset(rand.New(rand.NewSource(cfg.Seed + 1)))

	session, err := NewSession(SessionConfig{
		Agent:       a,
		Scape:       sc,
		Substrate:   sub,
		RNG:         rng,
		Learn:       cfg.Learn,
		SampleEvery: cfg.SampleEvery,
		OnSample:    cfg.OnSample,
		Logger:      p.logger,
	})
	if err != nil {
		return RunResult{}, err
	}

	rawConfig, err := json.Marshal(cfg.Agent)
	if err != nil {
		return RunResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.register(cfg.RunID, cancel); err != nil {
		return RunResult{}, err
	}
	defer p.unregister(cfg.RunID)

	started := time.Now().UTC()
	p.logger.Info("run started",
		slog.String("run_id", cfg.RunID),
		slog.String("scape", sc.Name()),
		slog.Int("ticks", cfg.Ticks),
		slog.Int64("seed", cfg.Seed))
	out, runErr := session.Run(runCtx, cfg.Ticks)

	backend := cfg.Backend
	if backend == "" {
		backend = compute.DefaultBackendName
	}
	record := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              cfg.RunID,
		Scape:           sc.Name(),
		Mode:            cfg.Mode,
		Seed:            cfg.Seed,
		Ticks:           out.Ticks,
		Learn:           cfg.Learn,
		Backend:         backend,
		Workers:         workers,
		CreatedAt:       started,
		DurationMillis:  time.Since(started).Milliseconds(),
		Episodes:        out.Episodes,
		MeanReward:      out.MeanReward,
		FinalValue:      out.Final.Value,
		FinalTDError:    out.Final.TDError,
		NonFinite:       out.Final.NonFinite,
		Completed:       runErr == nil,
		Config:          rawConfig,
	}
	// A cancelled parent still gets its partial run persisted.
	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.SaveRun(saveCtx, record); err != nil {
		return RunResult{}, fmt.Errorf("save run: %w", err)
	}
	if err := p.store.SaveTickHistory(saveCtx, cfg.RunID, out.Samples); err != nil {
		return RunResult{}, fmt.Errorf("save tick history: %w", err)
	}
	p.logger.Info("run finished",
		slog.String("run_id", cfg.RunID),
		slog.Int("ticks", out.Ticks),
		slog.Bool("completed", record.Completed),
		slog.Float64("mean_reward", out.MeanReward))

	result := RunResult{Run: record, Samples: out.Samples}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (p *Polis) register(runID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.runs[runID] = cancel
	return nil
}

func (p *Polis) unregister(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}
