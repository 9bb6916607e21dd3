package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"qroute/internal/model"
	"qroute/internal/storage"
	"qroute/pkg/qroute"
)

const (
	benchmarksDir = "benchmarks"
	exportsDir    = "exports"
	dbPath        = "qroute.db"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "benchmark":
		return runBenchmark(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "summary":
		return runSummary(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "config":
		return runConfig(ctx, args[1:])
	case "scapes":
		return runScapes(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind          *string
	dbPath        *string
	benchmarksDir *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:          fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:        fs.String("db-path", dbPath, "sqlite database path"),
		benchmarksDir: fs.String("benchmarks-dir", benchmarksDir, "run artifacts directory"),
	}
}

func (s storeFlags) client() (*qroute.Client, error) {
	return qroute.New(qroute.Options{
		StoreKind:     *s.kind,
		DBPath:        *s.dbPath,
		BenchmarksDir: *s.benchmarksDir,
		ExportsDir:    exportsDir,
	})
}

type runFlags struct {
	configPath  *string
	runID       *string
	scapeName   *string
	mode        *string
	clockInputs *int
	ticks       *int
	seed        *int64
	inference   *bool
	backend     *string
	workers     *int
	sampleEvery *int
}

func addRunFlags(fs *flag.FlagSet) runFlags {
	return runFlags{
		configPath:  fs.String("config", "", "optional run config YAML path"),
		runID:       fs.String("run-id", "", "explicit run id (optional)"),
		scapeName:   fs.String("scape", "cart-pole-lite", "scape name"),
		mode:        fs.String("mode", "gt", "scape mode"),
		clockInputs: fs.Int("clock-inputs", 0, "sinusoid clock inputs appended to the state"),
		ticks:       fs.Int("ticks", 5000, "ticks to simulate"),
		seed:        fs.Int64("seed", 1, "rng seed"),
		inference:   fs.Bool("inference", false, "act without learning"),
		backend:     fs.String("backend", "cpu", "compute backend: cpu|serial"),
		workers:     fs.Int("workers", 0, "worker goroutines (0 uses GOMAXPROCS)"),
		sampleEvery: fs.Int("sample-every", 10, "record a tick sample every n ticks"),
	}
}

// request builds the run request from the config file, if any, with the
// flags set on fs layered on top, and resolves the agent configuration.
func (rf runFlags) request(fs *flag.FlagSet) (qroute.RunRequest, error) {
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	file, err := loadOrDefaultRunFile(*rf.configPath)
	if err != nil {
		return qroute.RunRequest{}, err
	}
	req := file.request()
	if *rf.configPath == "" {
		req = qroute.RunRequest{
			RunID:       *rf.runID,
			Scape:       *rf.scapeName,
			Mode:        *rf.mode,
			ClockInputs: *rf.clockInputs,
			Ticks:       *rf.ticks,
			Seed:        *rf.seed,
			Inference:   *rf.inference,
			Backend:     *rf.backend,
			Workers:     *rf.workers,
			SampleEvery: *rf.sampleEvery,
		}
	} else {
		err := overrideFromFlags(&req, setFlags, map[string]any{
			"run-id":       *rf.runID,
			"scape":        *rf.scapeName,
			"mode":         *rf.mode,
			"clock-inputs": *rf.clockInputs,
			"ticks":        *rf.ticks,
			"seed":         *rf.seed,
			"inference":    *rf.inference,
			"backend":      *rf.backend,
			"workers":      *rf.workers,
			"sample-every": *rf.sampleEvery,
		})
		if err != nil {
			return qroute.RunRequest{}, err
		}
		if req.Scape == "" {
			req.Scape = *rf.scapeName
		}
	}
	cfg, err := resolveAgentConfig(req, &file.Agent)
	if err != nil {
		return qroute.RunRequest{}, err
	}
	req.Agent = &cfg
	return req, nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf := addRunFlags(fs)
	progress := fs.Bool("progress", true, "show a progress line when stdout is a terminal")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := rf.request(fs)
	if err != nil {
		return err
	}

	if *progress && isTerminal(os.Stdout) {
		req.Progress = progressPrinter(req.Ticks)
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if req.Progress != nil {
		fmt.Fprintln(stdout)
	}
	if summary.RunID == "" {
		return err
	}
	fmt.Fprintf(stdout, "run_id=%s scape=%s ticks=%s episodes=%s mean_reward=%.6f final_value=%.6f final_td_error=%.6f completed=%t duration=%s\n",
		summary.RunID,
		req.Scape,
		humanize.Comma(int64(summary.Ticks)),
		humanize.Comma(int64(summary.Episodes)),
		summary.MeanReward,
		summary.FinalValue,
		summary.FinalTDError,
		summary.Completed,
		summary.Duration.Round(time.Millisecond),
	)
	printNonFiniteWarning(stdout, summary.NonFinite)
	fmt.Fprintf(stdout, "artifacts=%s\n", summary.ArtifactsDir)
	return err
}

func runBenchmark(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("benchmark", flag.ContinueOnError)
	rf := addRunFlags(fs)
	seeds := fs.Int("seeds", 5, "number of seeds, counting up from --seed")
	goal := fs.Float64("goal", math.NaN(), "moving mean reward that counts as solved (unset disables)")
	window := fs.Int("window", 10, "moving mean window in samples")
	reportName := fs.String("report-name", "report", "benchmark report file prefix")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seeds <= 0 {
		return errors.New("seeds must be > 0")
	}
	req, err := rf.request(fs)
	if err != nil {
		return err
	}
	if req.RunID != "" {
		return errors.New("benchmark does not accept --run-id")
	}
	var rewardGoal *float64
	if !math.IsNaN(*goal) {
		rewardGoal = goal
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Benchmark(ctx, qroute.BenchmarkRequest{
		Run:        req,
		Seeds:      *seeds,
		RewardGoal: rewardGoal,
		Window:     *window,
		ReportName: *reportName,
	})
	if err != nil {
		return err
	}
	for _, run := range summary.Stats.Runs {
		fmt.Fprintf(stdout, "seed=%d run_id=%s mean_reward=%.6f final_reward=%.6f success=%t ticks_to_goal=%d\n",
			run.Seed, run.RunID, run.MeanReward, run.FinalReward, run.Success, run.TicksToGoal)
	}
	st := summary.Stats
	fmt.Fprintf(stdout, "benchmark experiment_id=%s runs=%d success_rate=%.3f mean_reward=%.6f std_reward=%.6f avg_ticks_to_goal=%.1f report=%s\n",
		summary.ExperimentID, st.TotalRuns, st.SuccessRate, st.MeanReward, st.StdReward, st.AvgTicksToGoal, summary.ReportDir)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, qroute.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runsItem struct {
			RunID        string  `json:"run_id"`
			CreatedAtUTC string  `json:"created_at_utc"`
			Scape        string  `json:"scape"`
			Mode         string  `json:"mode,omitempty"`
			Seed         int64   `json:"seed"`
			Ticks        int     `json:"ticks"`
			Learn        bool    `json:"learn"`
			Completed    bool    `json:"completed"`
			MeanReward   float64 `json:"mean_reward"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem{
				RunID:        item.RunID,
				CreatedAtUTC: item.CreatedAtUTC,
				Scape:        item.Scape,
				Mode:         item.Mode,
				Seed:         item.Seed,
				Ticks:        item.Ticks,
				Learn:        item.Learn,
				Completed:    item.Completed,
				MeanReward:   item.MeanReward,
			})
		}
		return writeJSON(out)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(stdout, "run_id=%s created=%s scape=%s seed=%d ticks=%s learn=%t completed=%t mean_reward=%.6f\n",
			item.RunID,
			humanize.Time(item.CreatedAt),
			item.Scape,
			item.Seed,
			humanize.Comma(int64(item.Ticks)),
			item.Learn,
			item.Completed,
			item.MeanReward,
		)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	limit := fs.Int("limit", 0, "show only the last n samples (0 shows all)")
	jsonOut := fs.Bool("json", false, "emit samples as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	samples, err := client.History(ctx, qroute.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(samples)
	}
	for _, s := range samples {
		fmt.Fprintf(stdout, "tick=%d reward=%.6f value=%.6f td_error=%.6f mean_abs_td_error=%.6f active_ratio=%.4f actions=%s\n",
			s.Tick, s.Reward, s.Value, s.TDError, s.MeanAbsTDError, s.ActiveRatio, formatActions(s.Actions))
	}
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	jsonOut := fs.Bool("json", false, "emit summary as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Summary(ctx, qroute.SummaryRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(summary)
	}
	fmt.Fprintf(stdout, "samples=%s ticks=%d..%d mean_reward=%.6f std_reward=%.6f min_reward=%.6f max_reward=%.6f mean_abs_td_error=%.6f td_trend_slope=%.3e final_value=%.6f mean_active_ratio=%.4f\n",
		humanize.Comma(int64(summary.Samples)),
		summary.FirstTick,
		summary.LastTick,
		summary.MeanReward,
		summary.StdReward,
		summary.MinReward,
		summary.MaxReward,
		summary.MeanAbsTDError,
		summary.TDTrendSlope,
		summary.FinalValue,
		summary.MeanActiveRatio,
	)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := sf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, qroute.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

// runConfig prints the agent configuration a run would use.
func runConfig(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config YAML path")
	scapeName := fs.String("scape", "cart-pole-lite", "scape name")
	mode := fs.String("mode", "gt", "scape mode")
	clockInputs := fs.Int("clock-inputs", 0, "sinusoid clock inputs appended to the state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	file, err := loadOrDefaultRunFile(*configPath)
	if err != nil {
		return err
	}
	req := file.request()
	err = overrideFromFlags(&req, setFlags, map[string]any{
		"scape":        *scapeName,
		"mode":         *mode,
		"clock-inputs": *clockInputs,
	})
	if err != nil {
		return err
	}
	if req.Scape == "" {
		req.Scape = *scapeName
	}
	cfg, err := resolveAgentConfig(req, &file.Agent)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func runScapes(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("scapes", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := qroute.New(qroute.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	for _, name := range client.Scapes() {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func progressPrinter(total int) func(model.TickSample) {
	totalText := humanize.Comma(int64(total))
	return func(s model.TickSample) {
		fmt.Fprintf(stdout, "\rtick %s/%s reward=%.3f value=%.3f td=%.3f   ",
			humanize.Comma(s.Tick+1), totalText, s.Reward, s.Value, s.TDError)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func formatActions(actions []float64) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = fmt.Sprintf("%.4f", a)
	}
	return strings.Join(parts, ";")
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: qroutectl <run|benchmark|runs|history|summary|export|config|scapes> [flags]", msg)
}

func printNonFiniteWarning(w io.Writer, ticks int64) {
	if ticks > 0 {
		fmt.Fprintf(w, "warning: %s ticks held non-finite values\n", humanize.Comma(ticks))
	}
}
