package qroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"qroute/internal/agent"
	"qroute/internal/grid"
	"qroute/internal/model"
	"qroute/internal/platform"
	"qroute/internal/scape"
	"qroute/internal/stats"
	"qroute/internal/storage"
)

const (
	defaultBenchmarksDir = "benchmarks"
	defaultExportsDir    = "exports"
	defaultDBPath        = "qroute.db"
	defaultScape         = "cart-pole-lite"
	defaultTicks         = 1000
	defaultSampleEvery   = 10
)

type Options struct {
	StoreKind     string
	DBPath        string
	BenchmarksDir string
	ExportsDir    string
	Logger        *slog.Logger
}

type Client struct {
	store  storage.Store
	polis  *platform.Polis
	logger *slog.Logger

	benchmarksDir string
	exportsDir    string
}

type RunRequest struct {
	// RunID is generated when empty.
	RunID       string
	Scape       string
	Mode        string
	ClockInputs int
	Ticks       int
	Seed        int64
	// Inference disables learning; the agent only acts.
	Inference   bool
	Backend     string
	Workers     int
	SampleEvery int
	// Agent overrides the default stack, which is sized to the scape.
	Agent    *agent.Config
	Progress func(model.TickSample)
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Ticks        int
	Episodes     int
	MeanReward   float64
	FinalValue   float64
	FinalTDError float64
	NonFinite    int64
	Completed    bool
	Duration     time.Duration
	Summary      *stats.Summary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAt    time.Time
	CreatedAtUTC string
	Scape        string
	Mode         string
	Seed         int64
	Ticks        int
	Learn        bool
	Completed    bool
	MeanReward   float64
	Duration     time.Duration
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type SummaryRequest struct {
	RunID  string
	Latest bool
}

// BenchmarkRequest repeats Run once per seed, starting at Run.Seed.
type BenchmarkRequest struct {
	Run   RunRequest
	Seeds int
	// RewardGoal, when set, marks a seed successful once the moving mean of
	// Window sampled rewards reaches it.
	RewardGoal *float64
	Window     int
	ReportName string
}

type BenchmarkSummary struct {
	ExperimentID string
	ReportDir    string
	RunIDs       []string
	Stats        stats.BenchmarkStats
	Curve        []stats.BenchmarkPlotPoint
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	benchmarksDir := opts.BenchmarksDir
	if benchmarksDir == "" {
		benchmarksDir = defaultBenchmarksDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:         store,
		logger:        logger,
		benchmarksDir: benchmarksDir,
		exportsDir:    exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePolis(ctx)
	return err
}

// Stop cancels any run in progress. Cancelled runs keep their partial
// history.
func (c *Client) Stop() {
	if c.polis != nil {
		_ = c.polis.StopWithReason(platform.StopReasonShutdown)
	}
}

// Scapes lists the registered environments.
func (c *Client) Scapes() []string {
	return scape.List()
}

// DefaultAgentConfig returns the default stack with its input regions sized
// for the named scape plus clockInputs extra state slots.
func DefaultAgentConfig(scapeName, mode string, clockInputs int) (agent.Config, error) {
	sc, err := scape.Resolve(scapeName, mode)
	if err != nil {
		return agent.Config{}, err
	}
	cfg := agent.DefaultConfig()
	cfg.Inputs = agent.InputLayout{
		State:  grid.Int2{X: sc.StateSize() + clockInputs, Y: 1},
		Action: grid.Int2{X: sc.ActionSize(), Y: 1},
	}
	return cfg, nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Scape == "" {
		req.Scape = defaultScape
	}
	if req.Ticks <= 0 {
		req.Ticks = defaultTicks
	}
	if req.SampleEvery <= 0 {
		req.SampleEvery = defaultSampleEvery
	}
	if req.ClockInputs < 0 {
		return RunSummary{}, errors.New("clock inputs must be >= 0")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	var cfg agent.Config
	if req.Agent != nil {
		cfg = *req.Agent
	} else {
		var err error
		cfg, err = DefaultAgentConfig(req.Scape, req.Mode, req.ClockInputs)
		if err != nil {
			return RunSummary{}, err
		}
	}

	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	result, runErr := p.RunSession(ctx, platform.RunConfig{
		RunID:       req.RunID,
		Scape:       req.Scape,
		Mode:        req.Mode,
		ClockInputs: req.ClockInputs,
		Ticks:       req.Ticks,
		Seed:        req.Seed,
		Learn:       !req.Inference,
		Backend:     req.Backend,
		Workers:     req.Workers,
		SampleEvery: req.SampleEvery,
		Agent:       cfg,
		OnSample:    req.Progress,
	})
	if result.Run.ID == "" {
		return RunSummary{}, runErr
	}

	artifactsDir, err := stats.WriteRunArtifacts(c.benchmarksDir, result.Run, result.Samples)
	if err != nil {
		return RunSummary{}, fmt.Errorf("write artifacts: %w", err)
	}

	out := RunSummary{
		RunID:        result.Run.ID,
		ArtifactsDir: artifactsDir,
		Ticks:        result.Run.Ticks,
		Episodes:     result.Run.Episodes,
		MeanReward:   result.Run.MeanReward,
		FinalValue:   result.Run.FinalValue,
		FinalTDError: result.Run.FinalTDError,
		NonFinite:    result.Run.NonFinite,
		Completed:    result.Run.Completed,
		Duration:     time.Duration(result.Run.DurationMillis) * time.Millisecond,
	}
	if summary, err := stats.Summarize(result.Samples); err == nil {
		out.Summary = &summary
	}
	return out, runErr
}

func (c *Client) Benchmark(ctx context.Context, req BenchmarkRequest) (BenchmarkSummary, error) {
	if req.Seeds <= 0 {
		return BenchmarkSummary{}, errors.New("seeds must be > 0")
	}
	if req.Window <= 0 {
		req.Window = 1
	}
	if req.Run.RunID != "" {
		return BenchmarkSummary{}, errors.New("benchmark run ids are generated per seed")
	}
	experimentID := uuid.NewString()
	out := BenchmarkSummary{ExperimentID: experimentID}
	histories := make([][]model.TickSample, 0, req.Seeds)
	runs := make([]stats.BenchmarkRun, 0, req.Seeds)
	for i := 0; i < req.Seeds; i++ {
		runReq := req.Run
		runReq.Seed = req.Run.Seed + int64(i)
		runReq.RunID = fmt.Sprintf("%s-%d", experimentID, i)
		summary, err := c.Run(ctx, runReq)
		if err != nil {
			return out, fmt.Errorf("seed %d: %w", runReq.Seed, err)
		}
		samples, err := c.History(ctx, HistoryRequest{RunID: summary.RunID})
		if err != nil {
			return out, err
		}
		out.RunIDs = append(out.RunIDs, summary.RunID)
		histories = append(histories, samples)
		runs = append(runs, stats.EvaluateBenchmarkRun(summary.RunID, runReq.Seed, samples, req.RewardGoal, req.Window))
	}

	out.Curve = stats.AverageRewardCurve(histories)
	out.Stats = stats.BuildBenchmarkStats(runs, req.RewardGoal, req.Window)
	scapeName := req.Run.Scape
	if scapeName == "" {
		scapeName = defaultScape
	}
	dir, err := stats.WriteBenchmarkReport(c.benchmarksDir, stats.BenchmarkReport{
		ExperimentID: experimentID,
		ReportName:   req.ReportName,
		Scape:        scapeName,
		Mode:         req.Run.Mode,
		Ticks:        req.Run.Ticks,
		Curve:        out.Curve,
		Stats:        out.Stats,
	})
	if err != nil {
		return out, err
	}
	out.ReportDir = dir
	return out, nil
}

// Runs lists runs newest first. When the store holds none, as with a fresh
// memory store, the artifact index under the benchmarks directory is used.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		runs, err = c.indexedRuns()
		if err != nil {
			return nil, err
		}
	}
	if req.Limit > 0 && len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	items := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, RunItem{
			RunID:        run.ID,
			CreatedAt:    run.CreatedAt,
			CreatedAtUTC: stats.StampUTC(run.CreatedAt),
			Scape:        run.Scape,
			Mode:         run.Mode,
			Seed:         run.Seed,
			Ticks:        run.Ticks,
			Learn:        run.Learn,
			Completed:    run.Completed,
			MeanReward:   run.MeanReward,
			Duration:     time.Duration(run.DurationMillis) * time.Millisecond,
		})
	}
	return items, nil
}

func (c *Client) indexedRuns() ([]model.RunRecord, error) {
	entries, err := stats.ListRunIndex(c.benchmarksDir)
	if err != nil {
		return nil, err
	}
	runs := make([]model.RunRecord, 0, len(entries))
	for _, e := range entries {
		run, ok, err := stats.ReadRunRecord(c.benchmarksDir, e.RunID)
		if err != nil {
			return nil, err
		}
		if ok {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// History returns the sampled ticks of a run; Limit keeps the last n.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.TickSample, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	samples, ok, err := c.store.GetTickHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		samples, ok, err = stats.ReadRunHistory(c.benchmarksDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("tick history not found for run %s", runID)
	}
	if req.Limit > 0 && len(samples) > req.Limit {
		samples = samples[len(samples)-req.Limit:]
	}
	return samples, nil
}

func (c *Client) Summary(ctx context.Context, req SummaryRequest) (stats.Summary, error) {
	samples, err := c.History(ctx, HistoryRequest{RunID: req.RunID, Latest: req.Latest})
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Summarize(samples)
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID := req.RunID
	if req.Latest {
		if req.RunID != "" {
			return ExportSummary{}, errors.New("use either run id or latest")
		}
		entries, err := stats.ListRunIndex(c.benchmarksDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	} else if runID == "" {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}

	exportedDir, err := stats.ExportRunArtifacts(c.benchmarksDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return "", err
	}
	if !latest {
		return runID, nil
	}
	runs, err := c.Runs(ctx, RunsRequest{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[0].RunID, nil
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil && c.polis.Started() {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store, Logger: c.logger})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}
