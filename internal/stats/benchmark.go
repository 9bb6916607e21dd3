package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"qroute/internal/model"
)

const benchmarkExperimentsDir = "experiments"

type BenchmarkPlotPoint struct {
	Tick  int64   `json:"tick"`
	Value float64 `json:"value"`
}

// BenchmarkRun scores one seed of a benchmark. TicksToGoal is the tick at
// which the moving mean reward first reached the goal, or -1.
type BenchmarkRun struct {
	RunID       string  `json:"run_id"`
	Seed        int64   `json:"seed"`
	Samples     int     `json:"samples"`
	MeanReward  float64 `json:"mean_reward"`
	FinalReward float64 `json:"final_reward"`
	TicksToGoal int64   `json:"ticks_to_goal"`
	Success     bool    `json:"success"`
}

type BenchmarkStats struct {
	TotalRuns      int            `json:"total_runs"`
	SuccessRuns    int            `json:"success_runs"`
	SuccessRate    float64        `json:"success_rate"`
	MeanReward     float64        `json:"mean_reward"`
	StdReward      float64        `json:"std_reward"`
	AvgTicksToGoal float64        `json:"avg_ticks_to_goal"`
	StdTicksToGoal float64        `json:"std_ticks_to_goal"`
	MinTicksToGoal float64        `json:"min_ticks_to_goal"`
	MaxTicksToGoal float64        `json:"max_ticks_to_goal"`
	RewardGoal     *float64       `json:"reward_goal,omitempty"`
	Window         int            `json:"window"`
	Runs           []BenchmarkRun `json:"runs"`
}

type BenchmarkReport struct {
	ExperimentID string               `json:"experiment_id"`
	ReportName   string               `json:"report_name"`
	GeneratedAt  string               `json:"generated_at_utc"`
	Scape        string               `json:"scape"`
	Mode         string               `json:"mode,omitempty"`
	Ticks        int                  `json:"ticks"`
	Curve        []BenchmarkPlotPoint `json:"curve"`
	Stats        BenchmarkStats       `json:"stats"`
}

// AverageRewardCurve averages reward across runs sample by sample. Runs that
// have ended drop out, so later points average fewer runs.
func AverageRewardCurve(histories [][]model.TickSample) []BenchmarkPlotPoint {
	longest := 0
	for _, h := range histories {
		if len(h) > longest {
			longest = len(h)
		}
	}
	points := make([]BenchmarkPlotPoint, 0, longest)
	values := make([]float64, 0, len(histories))
	for i := 0; i < longest; i++ {
		values = values[:0]
		var tick int64
		for _, h := range histories {
			if i < len(h) {
				if len(values) == 0 {
					tick = h[i].Tick
				}
				values = append(values, h[i].Reward)
			}
		}
		points = append(points, BenchmarkPlotPoint{Tick: tick, Value: stat.Mean(values, nil)})
	}
	return points
}

// EvaluateBenchmarkRun scores samples against goal using a moving mean of
// window samples. A nil goal counts every run with samples as a success.
func EvaluateBenchmarkRun(runID string, seed int64, samples []model.TickSample, goal *float64, window int) BenchmarkRun {
	run := BenchmarkRun{RunID: runID, Seed: seed, Samples: len(samples), TicksToGoal: -1}
	if len(samples) == 0 {
		return run
	}
	rewards := make([]float64, len(samples))
	for i, s := range samples {
		rewards[i] = s.Reward
	}
	run.MeanReward = stat.Mean(rewards, nil)
	smoothed := MovingMean(rewards, window)
	run.FinalReward = smoothed[len(smoothed)-1]
	if goal == nil {
		run.Success = true
		return run
	}
	for i, v := range smoothed {
		if v >= *goal {
			run.Success = true
			run.TicksToGoal = samples[i].Tick
			break
		}
	}
	return run
}

func BuildBenchmarkStats(runs []BenchmarkRun, goal *float64, window int) BenchmarkStats {
	out := BenchmarkStats{
		TotalRuns:  len(runs),
		RewardGoal: cloneFloat64Ptr(goal),
		Window:     window,
		Runs:       append([]BenchmarkRun(nil), runs...),
	}
	if len(runs) == 0 {
		return out
	}
	rewards := make([]float64, 0, len(runs))
	ticks := make([]float64, 0, len(runs))
	for _, r := range runs {
		rewards = append(rewards, r.MeanReward)
		if r.Success {
			out.SuccessRuns++
			if r.TicksToGoal >= 0 {
				ticks = append(ticks, float64(r.TicksToGoal))
			}
		}
	}
	out.SuccessRate = float64(out.SuccessRuns) / float64(out.TotalRuns)
	out.MeanReward = stat.Mean(rewards, nil)
	if len(rewards) > 1 {
		out.StdReward = stat.StdDev(rewards, nil)
	}
	if len(ticks) > 0 {
		out.AvgTicksToGoal = stat.Mean(ticks, nil)
		if len(ticks) > 1 {
			out.StdTicksToGoal = stat.StdDev(ticks, nil)
		}
		out.MinTicksToGoal = floats.Min(ticks)
		out.MaxTicksToGoal = floats.Max(ticks)
	}
	return out
}

// WriteBenchmarkReport writes <name>_Curve.json, <name>_Evaluations.json and
// <name>_Report.json under baseDir/experiments/<experiment id>.
func WriteBenchmarkReport(baseDir string, report BenchmarkReport) (string, error) {
	if report.ExperimentID == "" {
		return "", fmt.Errorf("report experiment id is required")
	}
	name := report.ReportName
	if name == "" {
		name = "report"
	}
	reportDir := filepath.Join(baseDir, benchmarkExperimentsDir, report.ExperimentID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", err
	}
	if report.GeneratedAt == "" {
		report.GeneratedAt = StampUTC(time.Now())
	}
	if err := writeJSON(filepath.Join(reportDir, name+"_Curve.json"), report.Curve); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(reportDir, name+"_Evaluations.json"), report.Stats); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(reportDir, name+"_Report.json"), report); err != nil {
		return "", err
	}
	return reportDir, nil
}

func cloneFloat64Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}
