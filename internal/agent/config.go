package agent

import (
	"fmt"
	"strings"

	"qroute/internal/grid"
	"qroute/internal/nn"
)

type SlotTag int

const (
	SlotState SlotTag = iota
	SlotAction
	SlotAntiAction
)

func (t SlotTag) String() string {
	switch t {
	case SlotState:
		return "state"
	case SlotAction:
		return "action"
	case SlotAntiAction:
		return "anti_action"
	default:
		return fmt.Sprintf("slot_tag(%d)", int(t))
	}
}

func (t SlotTag) MarshalText() ([]byte, error) {
	switch t {
	case SlotState, SlotAction, SlotAntiAction:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("unknown slot tag %d", int(t))
	}
}

func (t *SlotTag) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "state":
		*t = SlotState
	case "action":
		*t = SlotAction
	case "anti_action", "antiaction":
		*t = SlotAntiAction
	default:
		return fmt.Errorf("unknown slot tag %q", string(text))
	}
	return nil
}

type InputSlot struct {
	Tag   SlotTag `json:"tag"`
	Value float64 `json:"value"`
}

// InputLayout is the geometry of the slot vector. AntiAction is either zero
// or equal to Action. Slots, when set, must list the tags of every slot in
// vector order.
type InputLayout struct {
	State      grid.Int2 `json:"state" yaml:"state"`
	Action     grid.Int2 `json:"action" yaml:"action"`
	AntiAction grid.Int2 `json:"anti_action,omitempty" yaml:"anti_action,omitempty"`
	Slots      []SlotTag `json:"slots,omitempty" yaml:"slots,omitempty"`
}

func (l InputLayout) HasAntiAction() bool {
	return l.AntiAction.Area() > 0
}

func (l InputLayout) NumSlots() int {
	return l.State.Area() + l.Action.Area() + l.AntiAction.Area()
}

type InitRanges struct {
	Weights    grid.Range `json:"weights" yaml:"weights"`
	Thresholds grid.Range `json:"thresholds" yaml:"thresholds"`
	QWeights   grid.Range `json:"q_weights" yaml:"q_weights"`
	QBiases    grid.Range `json:"q_biases" yaml:"q_biases"`
}

type LayerConfig struct {
	Size grid.Int2 `json:"size" yaml:"size"`

	FeedForwardRadius int `json:"feed_forward_radius" yaml:"feed_forward_radius"`
	RecurrentRadius   int `json:"recurrent_radius" yaml:"recurrent_radius"`
	LateralRadius     int `json:"lateral_radius" yaml:"lateral_radius"`
	FeedBackRadius    int `json:"feed_back_radius" yaml:"feed_back_radius"`
	PredictiveRadius  int `json:"predictive_radius" yaml:"predictive_radius"`
	QRadius           int `json:"q_radius" yaml:"q_radius"`

	SCSolveIter          int     `json:"sc_solve_iter" yaml:"sc_solve_iter"`
	SCWeightAlpha        float64 `json:"sc_weight_alpha" yaml:"sc_weight_alpha"`
	SCLateralWeightAlpha float64 `json:"sc_lateral_weight_alpha" yaml:"sc_lateral_weight_alpha"`
	SCActiveRatio        float64 `json:"sc_active_ratio" yaml:"sc_active_ratio"`
	SCBoostAlpha         float64 `json:"sc_boost_alpha" yaml:"sc_boost_alpha"`

	BaselineDecay       float64 `json:"baseline_decay" yaml:"baseline_decay"`
	BaselineSensitivity float64 `json:"baseline_sensitivity" yaml:"baseline_sensitivity"`

	PredWeightAlpha float64 `json:"pred_weight_alpha" yaml:"pred_weight_alpha"`

	QAlpha       float64 `json:"q_alpha" yaml:"q_alpha"`
	QBiasAlpha   float64 `json:"q_bias_alpha" yaml:"q_bias_alpha"`
	QGammaLambda float64 `json:"q_gamma_lambda" yaml:"q_gamma_lambda"`

	Activation      string  `json:"activation" yaml:"activation"`
	ActivationAlpha float64 `json:"activation_alpha" yaml:"activation_alpha"`
}

func DefaultLayerConfig() LayerConfig {
	return LayerConfig{
		Size:                 grid.Int2{X: 16, Y: 16},
		FeedForwardRadius:    5,
		RecurrentRadius:      5,
		LateralRadius:        5,
		FeedBackRadius:       5,
		PredictiveRadius:     5,
		QRadius:              6,
		SCSolveIter:          10,
		SCWeightAlpha:        0.01,
		SCLateralWeightAlpha: 0.1,
		SCActiveRatio:        0.01,
		SCBoostAlpha:         0.1,
		BaselineDecay:        0.01,
		BaselineSensitivity:  4,
		PredWeightAlpha:      0.1,
		QAlpha:               0.005,
		QBiasAlpha:           0.005,
		QGammaLambda:         0.95,
		Activation:           nn.DefaultActivation,
		ActivationAlpha:      1,
	}
}

type Config struct {
	Layers []LayerConfig `json:"layers" yaml:"layers"`
	Inputs InputLayout   `json:"inputs" yaml:"inputs"`

	InputPredictorRadius    int `json:"input_predictor_radius" yaml:"input_predictor_radius"`
	ActionPredictorRadius   int `json:"action_predictor_radius" yaml:"action_predictor_radius"`
	ActionFeedForwardRadius int `json:"action_feed_forward_radius" yaml:"action_feed_forward_radius"`

	Init InitRanges `json:"init" yaml:"init"`

	PredInputWeightAlpha  float64 `json:"pred_input_weight_alpha" yaml:"pred_input_weight_alpha"`
	PredActionWeightAlpha float64 `json:"pred_action_weight_alpha" yaml:"pred_action_weight_alpha"`
	QIter                 int     `json:"q_iter" yaml:"q_iter"`
	ActionDeriveAlpha     float64 `json:"action_derive_alpha" yaml:"action_derive_alpha"`
	LastLayerQAlpha       float64 `json:"last_layer_q_alpha" yaml:"last_layer_q_alpha"`
	LastLayerQGammaLambda float64 `json:"last_layer_q_gamma_lambda" yaml:"last_layer_q_gamma_lambda"`
	Gamma                 float64 `json:"gamma" yaml:"gamma"`

	ExplorationStdDev      float64 `json:"exploration_std_dev" yaml:"exploration_std_dev"`
	ExplorationBreakChance float64 `json:"exploration_break_chance" yaml:"exploration_break_chance"`

	// ActionScale and ActionOffset map internal actions in [-1, 1] onto the
	// values written into action slots.
	ActionScale  float64 `json:"action_scale" yaml:"action_scale"`
	ActionOffset float64 `json:"action_offset" yaml:"action_offset"`
}

// DefaultConfig returns a two layer stack over a 5x5 state and 4x4 action
// layout.
func DefaultConfig() Config {
	return Config{
		Layers: []LayerConfig{DefaultLayerConfig(), DefaultLayerConfig()},
		Inputs: InputLayout{
			State:  grid.Int2{X: 5, Y: 5},
			Action: grid.Int2{X: 4, Y: 4},
		},
		InputPredictorRadius:    6,
		ActionPredictorRadius:   8,
		ActionFeedForwardRadius: 5,
		Init: InitRanges{
			Weights:    grid.Range{Lo: -0.01, Hi: 0.01},
			Thresholds: grid.Range{Lo: 0.01, Hi: 0.05},
			QWeights:   grid.Range{Lo: -0.01, Hi: 0.01},
			QBiases:    grid.Range{Lo: -0.01, Hi: 0.01},
		},
		PredInputWeightAlpha:   0.05,
		PredActionWeightAlpha:  0.05,
		QIter:                  1,
		ActionDeriveAlpha:      0.08,
		LastLayerQAlpha:        0.002,
		LastLayerQGammaLambda:  0.95,
		Gamma:                  0.99,
		ExplorationStdDev:      0.04,
		ExplorationBreakChance: 0.01,
		ActionScale:            0.5,
		ActionOffset:           0.5,
	}
}

// Validate checks the stack geometry and parameter ranges. Every window
// radius must stay within the larger extent of the two grids it couples.
func (c Config) Validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: at least one layer is required", ErrConfiguration)
	}
	in := c.Inputs
	if in.State.X <= 0 || in.State.Y <= 0 {
		return fmt.Errorf("%w: state region %+v must be non-empty", ErrConfiguration, in.State)
	}
	if in.Action.X <= 0 || in.Action.Y <= 0 {
		return fmt.Errorf("%w: action region %+v must be non-empty", ErrConfiguration, in.Action)
	}
	if in.AntiAction != (grid.Int2{}) && in.AntiAction != in.Action {
		return fmt.Errorf("%w: anti-action region %+v must be empty or equal the action region %+v", ErrConfiguration, in.AntiAction, in.Action)
	}
	if _, err := newSlotLayout(in); err != nil {
		return err
	}
	for _, r := range []struct {
		name string
		r    grid.Range
	}{
		{"weights", c.Init.Weights},
		{"thresholds", c.Init.Thresholds},
		{"q_weights", c.Init.QWeights},
		{"q_biases", c.Init.QBiases},
	} {
		if err := r.r.Validate(); err != nil {
			return fmt.Errorf("%w: init %s: %v", ErrConfiguration, r.name, err)
		}
	}
	if c.QIter < 1 {
		return fmt.Errorf("%w: q_iter must be >= 1", ErrConfiguration)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("%w: gamma %f outside [0, 1]", ErrConfiguration, c.Gamma)
	}
	if c.ExplorationStdDev < 0 {
		return fmt.Errorf("%w: exploration std dev must be >= 0", ErrConfiguration)
	}
	if c.ExplorationBreakChance < 0 || c.ExplorationBreakChance > 1 {
		return fmt.Errorf("%w: exploration break chance %f outside [0, 1]", ErrConfiguration, c.ExplorationBreakChance)
	}

	for i, lc := range c.Layers {
		if err := lc.validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}

	bottom := c.Layers[0]
	checks := []radiusCheck{
		{"feed_forward_radius", bottom.FeedForwardRadius, in.State, bottom.Size},
		{"action_feed_forward_radius", c.ActionFeedForwardRadius, in.Action, bottom.Size},
		{"input_predictor_radius", c.InputPredictorRadius, bottom.Size, in.State},
		{"action_predictor_radius", c.ActionPredictorRadius, bottom.Size, in.Action},
	}
	for i := 1; i < len(c.Layers); i++ {
		below, lc := c.Layers[i-1], c.Layers[i]
		checks = append(checks,
			radiusCheck{fmt.Sprintf("layer %d feed_forward_radius", i), lc.FeedForwardRadius, below.Size, lc.Size},
			radiusCheck{fmt.Sprintf("layer %d predictive_radius", i), lc.PredictiveRadius, lc.Size, below.Size},
			radiusCheck{fmt.Sprintf("layer %d q_radius", i), lc.QRadius, below.Size, lc.Size},
			radiusCheck{fmt.Sprintf("layer %d feed_back_radius", i-1), below.FeedBackRadius, lc.Size, below.Size},
		)
	}
	for _, rc := range checks {
		if err := rc.check(); err != nil {
			return err
		}
	}
	return nil
}

func (lc LayerConfig) validate() error {
	if lc.Size.X <= 0 || lc.Size.Y <= 0 {
		return fmt.Errorf("%w: size %+v must be positive", ErrConfiguration, lc.Size)
	}
	radii := []struct {
		name string
		r    int
	}{
		{"feed_forward_radius", lc.FeedForwardRadius},
		{"recurrent_radius", lc.RecurrentRadius},
		{"lateral_radius", lc.LateralRadius},
		{"feed_back_radius", lc.FeedBackRadius},
		{"predictive_radius", lc.PredictiveRadius},
		{"q_radius", lc.QRadius},
	}
	for _, r := range radii {
		if r.r < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrConfiguration, r.name)
		}
	}
	for _, rc := range []radiusCheck{
		{"recurrent_radius", lc.RecurrentRadius, lc.Size, lc.Size},
		{"lateral_radius", lc.LateralRadius, lc.Size, lc.Size},
		{"q_radius", lc.QRadius, lc.Size, lc.Size},
	} {
		if err := rc.check(); err != nil {
			return err
		}
	}
	if lc.SCSolveIter < 0 {
		return fmt.Errorf("%w: sc_solve_iter must be >= 0", ErrConfiguration)
	}
	if lc.SCActiveRatio <= 0 || lc.SCActiveRatio > 1 {
		return fmt.Errorf("%w: sc_active_ratio %f outside (0, 1]", ErrConfiguration, lc.SCActiveRatio)
	}
	if lc.BaselineDecay < 0 || lc.BaselineDecay > 1 {
		return fmt.Errorf("%w: baseline_decay %f outside [0, 1]", ErrConfiguration, lc.BaselineDecay)
	}
	if lc.QGammaLambda < 0 || lc.QGammaLambda > 1 {
		return fmt.Errorf("%w: q_gamma_lambda %f outside [0, 1]", ErrConfiguration, lc.QGammaLambda)
	}
	if _, err := nn.GetActivation(lc.Activation); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

type radiusCheck struct {
	name     string
	radius   int
	src, dst grid.Int2
}

func (rc radiusCheck) check() error {
	if rc.radius < 0 {
		return fmt.Errorf("%w: %s must be >= 0", ErrConfiguration, rc.name)
	}
	limit := rc.src.Extent()
	if e := rc.dst.Extent(); e > limit {
		limit = e
	}
	if rc.radius > limit {
		return fmt.Errorf("%w: %s %d exceeds grid extent %d", ErrConfiguration, rc.name, rc.radius, limit)
	}
	return nil
}
