package stats

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"qroute/internal/model"
)

var ErrNoSamples = errors.New("no tick samples")

// Summary condenses a run's sampled ticks.
type Summary struct {
	Samples   int   `json:"samples"`
	FirstTick int64 `json:"first_tick"`
	LastTick  int64 `json:"last_tick"`

	MeanReward float64 `json:"mean_reward"`
	StdReward  float64 `json:"std_reward"`
	MinReward  float64 `json:"min_reward"`
	MaxReward  float64 `json:"max_reward"`

	MeanAbsTDError float64 `json:"mean_abs_td_error"`
	// TDTrendSlope is the least-squares slope of the mean |TD error| per
	// tick. Negative means the value estimates are settling.
	TDTrendSlope float64 `json:"td_trend_slope"`

	FinalValue      float64 `json:"final_value"`
	MeanActiveRatio float64 `json:"mean_active_ratio"`
}

func Summarize(samples []model.TickSample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	n := len(samples)
	ticks := make([]float64, n)
	rewards := make([]float64, n)
	absTD := make([]float64, n)
	active := make([]float64, n)
	for i, s := range samples {
		ticks[i] = float64(s.Tick)
		rewards[i] = s.Reward
		absTD[i] = s.MeanAbsTDError
		active[i] = s.ActiveRatio
	}

	out := Summary{
		Samples:         n,
		FirstTick:       samples[0].Tick,
		LastTick:        samples[n-1].Tick,
		MinReward:       floats.Min(rewards),
		MaxReward:       floats.Max(rewards),
		MeanAbsTDError:  stat.Mean(absTD, nil),
		FinalValue:      samples[n-1].Value,
		MeanActiveRatio: stat.Mean(active, nil),
	}
	out.MeanReward, out.StdReward = stat.MeanStdDev(rewards, nil)
	if n < 2 {
		out.StdReward = 0
		return out, nil
	}
	if floats.Max(ticks) > floats.Min(ticks) {
		_, out.TDTrendSlope = stat.LinearRegression(ticks, absTD, nil, false)
	}
	return out, nil
}

// MovingMean returns the trailing mean of values over window samples.
func MovingMean(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		out[i] = sum / math.Min(float64(i+1), float64(window))
	}
	return out
}
