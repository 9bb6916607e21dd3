package agent

import (
	"fmt"
	"log/slog"
	"math/rand"

	"qroute/internal/compute"
	"qroute/internal/grid"
	"qroute/internal/nn"
	"qroute/internal/sparse"
)

// Feed-forward input and predictor positions on the bottom layer.
const (
	stateInputIndex  = 0
	actionInputIndex = 1

	statePredictor  = 0
	actionPredictor = 1
)

type Option func(*Agent)

// WithLogger sets the logger used for numerical warnings. nil keeps
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

type Diagnostics struct {
	Tick           int64   `json:"tick"`
	Value          float64 `json:"value"`
	TDError        float64 `json:"td_error"`
	MeanAbsTDError float64 `json:"mean_abs_td_error"`
	ActiveRatio    float64 `json:"active_ratio"`
	// NonFinite counts ticks on which any layer held a NaN or Inf value.
	NonFinite int64 `json:"non_finite"`
}

// Agent is a layered sparse-coding value learner over a fixed slot vector.
// The zero value is not usable; build one with New.
type Agent struct {
	cfg    Config
	layout slotLayout
	layers []*Layer
	slots  []InputSlot

	stateInput  *grid.Grid[float64]
	actionInput *grid.Grid[float64]
	antiInput   *grid.Grid[float64]
	exploratory *grid.Grid[float64]
	codeGrad    *grid.Grid[float64]
	actionGrad  *grid.Grid[float64]

	logger *slog.Logger
	diag   Diagnostics
}

// New validates cfg and allocates the stack bottom-up. All random
// initialization is drawn from rng in layer order.
func New(cfg Config, rng *rand.Rand, opts ...Option) (*Agent, error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: rng is required", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()
	layout, err := newSlotLayout(cfg.Inputs)
	if err != nil {
		return nil, err
	}

	in := cfg.Inputs
	a := &Agent{
		cfg:         cfg,
		layout:      layout,
		stateInput:  grid.New[float64](in.State),
		actionInput: grid.New[float64](in.Action),
		exploratory: grid.New[float64](in.Action),
		codeGrad:    grid.New[float64](cfg.Layers[0].Size),
		actionGrad:  grid.New[float64](in.Action),
		logger:      slog.Default().With(slog.String("component", "agent")),
	}
	if in.HasAntiAction() {
		a.antiInput = grid.New[float64](in.AntiAction)
	}
	for _, opt := range opts {
		opt(a)
	}

	n := len(cfg.Layers)
	for i, lc := range cfg.Layers {
		var wiring layerWiring
		if i == 0 {
			wiring.feedForward = []sparse.VisibleLayerDesc{
				{Size: in.State, Radius: lc.FeedForwardRadius, WeightAlpha: lc.SCWeightAlpha},
				{Size: in.Action, Radius: cfg.ActionFeedForwardRadius, WeightAlpha: lc.SCWeightAlpha},
			}
			if in.HasAntiAction() {
				wiring.feedForward = append(wiring.feedForward, sparse.VisibleLayerDesc{
					Size: in.AntiAction, Radius: cfg.ActionFeedForwardRadius, WeightAlpha: lc.SCWeightAlpha,
				})
			}
			wiring.predictors = []predictorSpec{
				{size: in.State, radius: cfg.InputPredictorRadius, target: stateInputIndex, alpha: cfg.PredInputWeightAlpha},
				{size: in.Action, radius: cfg.ActionPredictorRadius, target: actionInputIndex, alpha: cfg.PredActionWeightAlpha},
			}
		} else {
			below := cfg.Layers[i-1].Size
			wiring.below = &below
			wiring.feedForward = []sparse.VisibleLayerDesc{
				{Size: below, Radius: lc.FeedForwardRadius, WeightAlpha: lc.SCWeightAlpha},
			}
			wiring.predictors = []predictorSpec{
				{size: below, radius: lc.PredictiveRadius, target: 0, alpha: lc.PredWeightAlpha},
			}
		}
		if i+1 < n {
			above := cfg.Layers[i+1].Size
			wiring.above = &above
		}
		layer, err := newLayer(lc, positionOf(i, n), wiring, cfg.Init, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		a.layers = append(a.layers, layer)
	}

	tags := layout.tags()
	a.slots = make([]InputSlot, len(tags))
	for i, tag := range tags {
		a.slots[i].Tag = tag
		if tag != SlotState {
			a.slots[i].Value = cfg.ActionOffset
		}
	}
	return a, nil
}

func (c Config) clone() Config {
	out := c
	out.Layers = append([]LayerConfig(nil), c.Layers...)
	out.Inputs.Slots = append([]SlotTag(nil), c.Inputs.Slots...)
	return out
}

func (a *Agent) ready() error {
	if a == nil || len(a.layers) == 0 {
		return ErrNotReady
	}
	return nil
}

// SimStep advances the agent by one tick: encode the current slots, update
// the value estimates from reward, then choose new exploratory actions.
// With learn false no weight, bias or trace changes.
func (a *Agent) SimStep(sub compute.Substrate, reward float64, rng *rand.Rand, learn bool) error {
	if err := a.ready(); err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("%w: substrate is required", ErrPrecondition)
	}
	if rng == nil {
		return fmt.Errorf("%w: rng is required", ErrPrecondition)
	}
	if !nn.Finite(reward) {
		return fmt.Errorf("%w: reward %f is not finite", ErrPrecondition, reward)
	}

	if err := a.loadInputs(sub); err != nil {
		return fmt.Errorf("load inputs: %w", err)
	}
	if err := a.encode(sub, learn); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := a.propagateValue(sub, reward, learn); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	a.selectActions(rng)
	a.observe()
	return nil
}

func (a *Agent) loadInputs(sub compute.Substrate) error {
	state := a.cfg.Inputs.State
	err := sub.Dispatch("load_state", state, func(x, y int) {
		a.stateInput.Set(x, y, a.slots[x+y*state.X].Value)
	})
	if err != nil {
		return err
	}
	if err := compute.Copy(sub, "load_action", a.actionInput, a.exploratory); err != nil {
		return err
	}
	if a.antiInput == nil {
		return nil
	}
	return sub.Dispatch("load_anti_action", a.cfg.Inputs.AntiAction, func(x, y int) {
		a.antiInput.Set(x, y, -a.exploratory.At(x, y))
	})
}

func (a *Agent) feedForward(i int) []*grid.Grid[float64] {
	if i > 0 {
		return []*grid.Grid[float64]{a.layers[i-1].sc.HiddenStates()}
	}
	ff := []*grid.Grid[float64]{a.stateInput, a.actionInput}
	if a.antiInput != nil {
		ff = append(ff, a.antiInput)
	}
	return ff
}

// encode runs the bottom-up sparse coding and prediction pass. Predictors
// first learn from how well last tick's prediction matched the current
// inputs, then predict the next inputs from the fresh code.
func (a *Agent) encode(sub compute.Substrate, learn bool) error {
	for _, l := range a.layers {
		if err := compute.Copy(sub, "sc_snapshot", l.hiddenPrev, l.sc.HiddenStates()); err != nil {
			return err
		}
	}
	for i, l := range a.layers {
		ff := a.feedForward(i)
		visible := append(append([]*grid.Grid[float64](nil), ff...), l.hiddenPrev)
		var abovePrev *grid.Grid[float64]
		if i+1 < len(a.layers) {
			abovePrev = a.layers[i+1].hiddenPrev
			visible = append(visible, abovePrev)
		}
		if err := l.sc.Activate(sub, visible); err != nil {
			return fmt.Errorf("layer %d activate: %w", i, err)
		}
		for j := range l.preds {
			b := &l.preds[j]
			if learn {
				if err := b.pred.Learn(sub, ff[b.target], b.inputs(l.hiddenPrev), b.alpha); err != nil {
					return fmt.Errorf("layer %d predictor %d learn: %w", i, j, err)
				}
			}
			if b.feedback != nil {
				if err := compute.Copy(sub, "pred_feedback", b.feedback, abovePrev); err != nil {
					return err
				}
			}
			if err := b.pred.Predict(sub, b.inputs(l.sc.HiddenStates())); err != nil {
				return fmt.Errorf("layer %d predictor %d predict: %w", i, j, err)
			}
		}
		if learn {
			if err := l.sc.Learn(sub, visible); err != nil {
				return fmt.Errorf("layer %d learn: %w", i, err)
			}
		}
	}
	return nil
}

func (b *predictorBinding) inputs(own *grid.Grid[float64]) []*grid.Grid[float64] {
	if b.feedback == nil {
		return []*grid.Grid[float64]{own}
	}
	return []*grid.Grid[float64]{own, b.feedback}
}

func (a *Agent) observe() {
	a.diag.Tick++
	top := a.layers[len(a.layers)-1]
	a.diag.Value = grid.Mean(top.qStates.Read())
	a.diag.TDError = grid.Mean(top.qErrors)
	a.diag.MeanAbsTDError = grid.MeanAbs(top.qErrors)

	var ratio float64
	bad := false
	for i, l := range a.layers {
		ratio += l.sc.ActiveRatio()
		if !grid.AllFinite(l.qStates.Read()) || !grid.AllFinite(l.qErrors) {
			bad = true
			a.logger.Warn("non-finite value state",
				slog.Int("layer", i),
				slog.String("position", l.pos.String()),
				slog.Int64("tick", a.diag.Tick))
		}
	}
	a.diag.ActiveRatio = ratio / float64(len(a.layers))
	if bad {
		a.diag.NonFinite++
	}
}

// ResetMemory clears hidden codes, predictions, value states, traces and
// exploratory actions. Learned weights and reward baselines are kept.
func (a *Agent) ResetMemory() error {
	if err := a.ready(); err != nil {
		return err
	}
	for _, l := range a.layers {
		l.clearMemory()
	}
	for _, g := range []*grid.Grid[float64]{a.stateInput, a.actionInput, a.exploratory, a.codeGrad, a.actionGrad} {
		grid.Fill(g, 0)
	}
	if a.antiInput != nil {
		grid.Fill(a.antiInput, 0)
	}
	for i := range a.slots {
		if a.slots[i].Tag != SlotState {
			a.slots[i].Value = a.cfg.ActionOffset
		}
	}
	return nil
}

func (a *Agent) NumLayers() int {
	if a == nil {
		return 0
	}
	return len(a.layers)
}

func (a *Agent) Layer(i int) (*Layer, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(a.layers) {
		return nil, fmt.Errorf("%w: layer %d out of range [0, %d)", ErrPrecondition, i, len(a.layers))
	}
	return a.layers[i], nil
}

func (a *Agent) LayerConfig(i int) (LayerConfig, error) {
	l, err := a.Layer(i)
	if err != nil {
		return LayerConfig{}, err
	}
	return l.cfg, nil
}

func (a *Agent) Config() Config {
	return a.cfg.clone()
}

func (a *Agent) Diagnostics() Diagnostics {
	return a.diag
}

// ExploratoryActions are the internal actions in [-1, 1] chosen on the last
// tick; they feed the bottom layer's action input on the next one.
func (a *Agent) ExploratoryActions() *grid.Grid[float64] {
	return a.exploratory.Clone()
}
