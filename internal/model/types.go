package model

import (
	"encoding/json"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one agent × scape session. The learned agent state is
// never persisted; Config holds the agent configuration the run started from.
type RunRecord struct {
	VersionedRecord
	ID        string    `json:"id"`
	Scape     string    `json:"scape"`
	Mode      string    `json:"mode,omitempty"`
	Seed      int64     `json:"seed"`
	Ticks     int       `json:"ticks"`
	Learn     bool      `json:"learn"`
	Backend   string    `json:"backend"`
	Workers   int       `json:"workers"`
	CreatedAt time.Time `json:"created_at"`

	DurationMillis int64   `json:"duration_ms"`
	Episodes       int     `json:"episodes"`
	MeanReward     float64 `json:"mean_reward"`
	FinalValue     float64 `json:"final_value"`
	FinalTDError   float64 `json:"final_td_error"`
	NonFinite      int64   `json:"non_finite"`
	Completed      bool    `json:"completed"`

	Config json.RawMessage `json:"config,omitempty"`
}

// TickSample is one sampled tick of a run.
type TickSample struct {
	Tick           int64     `json:"tick"`
	Reward         float64   `json:"reward"`
	Value          float64   `json:"value"`
	TDError        float64   `json:"td_error"`
	MeanAbsTDError float64   `json:"mean_abs_td_error"`
	ActiveRatio    float64   `json:"active_ratio"`
	Actions        []float64 `json:"actions,omitempty"`
}
