package stats

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"qroute/internal/model"
)

func rewardSamples(step int64, rewards ...float64) []model.TickSample {
	out := make([]model.TickSample, len(rewards))
	for i, r := range rewards {
		out[i] = model.TickSample{Tick: int64(i) * step, Reward: r}
	}
	return out
}

func TestAverageRewardCurve(t *testing.T) {
	points := AverageRewardCurve([][]model.TickSample{
		rewardSamples(10, 1, 2, 3),
		rewardSamples(10, 2, 4),
		rewardSamples(10, 3),
	})
	want := []BenchmarkPlotPoint{{0, 2}, {10, 3}, {20, 3}}
	if len(points) != len(want) {
		t.Fatalf("expected %d points, got %+v", len(want), points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Fatalf("point %d: got %+v want %+v", i, points[i], want[i])
		}
	}
	if len(AverageRewardCurve(nil)) != 0 {
		t.Fatal("expected empty curve for no runs")
	}
}

func TestEvaluateBenchmarkRun(t *testing.T) {
	goal := 0.5
	samples := rewardSamples(100, 0.1, 0.2, 0.6, 0.8, 0.9)

	reached := EvaluateBenchmarkRun("a", 1, samples, &goal, 2)
	// Moving means are 0.1, 0.15, 0.4, 0.7, 0.85.
	if !reached.Success || reached.TicksToGoal != 300 || math.Abs(reached.FinalReward-0.85) > 1e-12 {
		t.Fatalf("unexpected evaluation: %+v", reached)
	}
	if math.Abs(reached.MeanReward-0.52) > 1e-12 {
		t.Fatalf("unexpected mean reward %f", reached.MeanReward)
	}

	high := 0.95
	missed := EvaluateBenchmarkRun("b", 2, samples, &high, 2)
	if missed.Success || missed.TicksToGoal != -1 {
		t.Fatalf("expected missed goal: %+v", missed)
	}

	noGoal := EvaluateBenchmarkRun("c", 3, samples, nil, 2)
	if !noGoal.Success || noGoal.TicksToGoal != -1 {
		t.Fatalf("expected success without goal: %+v", noGoal)
	}
	if empty := EvaluateBenchmarkRun("d", 4, nil, nil, 2); empty.Success {
		t.Fatalf("empty run should not succeed: %+v", empty)
	}
}

func TestBuildBenchmarkStats(t *testing.T) {
	goal := 0.5
	runs := []BenchmarkRun{
		{RunID: "a", MeanReward: 0.4, Success: true, TicksToGoal: 100},
		{RunID: "b", MeanReward: 0.6, Success: true, TicksToGoal: 300},
		{RunID: "c", MeanReward: 0.2, TicksToGoal: -1},
	}
	s := BuildBenchmarkStats(runs, &goal, 5)
	if s.TotalRuns != 3 || s.SuccessRuns != 2 || math.Abs(s.SuccessRate-2.0/3) > 1e-12 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.AvgTicksToGoal != 200 || s.MinTicksToGoal != 100 || s.MaxTicksToGoal != 300 {
		t.Fatalf("unexpected tick stats: %+v", s)
	}
	if math.Abs(s.StdTicksToGoal-math.Sqrt(20000)) > 1e-9 || math.Abs(s.MeanReward-0.4) > 1e-12 {
		t.Fatalf("unexpected spread: %+v", s)
	}
	goal = 0.9
	if *s.RewardGoal != 0.5 {
		t.Fatalf("goal should be copied, got %f", *s.RewardGoal)
	}
}

func TestWriteBenchmarkReport(t *testing.T) {
	base := t.TempDir()
	report := BenchmarkReport{
		ExperimentID: "exp-1",
		Scape:        "cart-pole-lite",
		Ticks:        100,
		Curve:        []BenchmarkPlotPoint{{Tick: 0, Value: 0.5}},
		Stats:        BuildBenchmarkStats([]BenchmarkRun{{RunID: "a", Success: true, TicksToGoal: -1}}, nil, 1),
	}
	dir, err := WriteBenchmarkReport(base, report)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if dir != filepath.Join(base, "experiments", "exp-1") {
		t.Fatalf("unexpected report dir %s", dir)
	}
	data, err := os.ReadFile(filepath.Join(dir, "report_Report.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var loaded BenchmarkReport
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if loaded.GeneratedAt == "" || loaded.Stats.TotalRuns != 1 || len(loaded.Curve) != 1 {
		t.Fatalf("unexpected report: %+v", loaded)
	}
	for _, name := range []string{"report_Curve.json", "report_Evaluations.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := WriteBenchmarkReport(base, BenchmarkReport{}); err == nil {
		t.Fatal("expected missing experiment id error")
	}
}
