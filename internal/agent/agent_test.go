package agent

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"qroute/internal/compute"
	"qroute/internal/grid"
)

func testRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// smallConfig is a two layer 6x6 stack over 4 state and 2 action slots.
func smallConfig() Config {
	layer := DefaultLayerConfig()
	layer.Size = grid.Int2{X: 6, Y: 6}
	layer.FeedForwardRadius = 2
	layer.RecurrentRadius = 2
	layer.LateralRadius = 2
	layer.FeedBackRadius = 2
	layer.PredictiveRadius = 2
	layer.QRadius = 2
	layer.SCSolveIter = 2
	layer.SCActiveRatio = 0.1

	cfg := DefaultConfig()
	cfg.Layers = []LayerConfig{layer, layer}
	cfg.Inputs = InputLayout{
		State:  grid.Int2{X: 2, Y: 2},
		Action: grid.Int2{X: 2, Y: 1},
	}
	cfg.InputPredictorRadius = 2
	cfg.ActionPredictorRadius = 2
	cfg.ActionFeedForwardRadius = 2
	return cfg
}

func newTestAgent(t *testing.T, cfg Config, seed int64) *Agent {
	t.Helper()
	a, err := New(cfg, testRNG(seed))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func setStates(t *testing.T, a *Agent, values []float64) {
	t.Helper()
	for i, v := range values {
		if err := a.SetState(i, v); err != nil {
			t.Fatalf("set state %d: %v", i, err)
		}
	}
}

func actions(t *testing.T, a *Agent) []float64 {
	t.Helper()
	n := a.cfg.Inputs.Action.Area()
	start := a.cfg.Inputs.State.Area()
	out := make([]float64, n)
	for i := range out {
		v, err := a.Action(start + i)
		if err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
		out[i] = v
	}
	return out
}

func TestDeterministicTwinAgents(t *testing.T) {
	for _, workers := range [][2]int{{1, 1}, {1, 4}, {3, 8}} {
		a := newTestAgent(t, smallConfig(), 7)
		b := newTestAgent(t, smallConfig(), 7)
		subA, subB := compute.NewCPU(workers[0]), compute.NewCPU(workers[1])
		rngA, rngB := testRNG(99), testRNG(99)
		inputs := testRNG(3)
		for tick := 0; tick < 60; tick++ {
			state := []float64{inputs.Float64(), inputs.Float64(), inputs.Float64(), inputs.Float64()}
			reward := inputs.Float64()*2 - 1
			setStates(t, a, state)
			setStates(t, b, state)
			if err := a.SimStep(subA, reward, rngA, true); err != nil {
				t.Fatalf("tick %d agent a: %v", tick, err)
			}
			if err := b.SimStep(subB, reward, rngB, true); err != nil {
				t.Fatalf("tick %d agent b: %v", tick, err)
			}
			actA, actB := actions(t, a), actions(t, b)
			for i := range actA {
				if actA[i] != actB[i] {
					t.Fatalf("workers %v tick %d action %d differs: %v vs %v", workers, tick, i, actA[i], actB[i])
				}
			}
		}
		if a.Diagnostics() != b.Diagnostics() {
			t.Fatalf("diagnostics differ: %+v vs %+v", a.Diagnostics(), b.Diagnostics())
		}
	}
}

func TestGeometryStableAcrossTicks(t *testing.T) {
	a := newTestAgent(t, smallConfig(), 1)
	sub := compute.NewCPU(2)
	rng := testRNG(2)
	type seen map[*grid.Grid[float64]]bool
	hidden := make([]seen, a.NumLayers())
	values := make([]seen, a.NumLayers())
	for i := range hidden {
		hidden[i], values[i] = seen{}, seen{}
	}
	for tick := 0; tick < 12; tick++ {
		if err := a.SimStep(sub, 0.5, rng, true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		for i := 0; i < a.NumLayers(); i++ {
			l, err := a.Layer(i)
			if err != nil {
				t.Fatalf("layer %d: %v", i, err)
			}
			if l.HiddenStates().Size() != l.Size() || l.ValueStates().Size() != l.Size() {
				t.Fatalf("layer %d changed geometry", i)
			}
			if l.Connections().Size3().Z != 25*(1+min(i, 1)) {
				t.Fatalf("layer %d connection slots: %d", i, l.Connections().Size3().Z)
			}
			hidden[i][l.HiddenStates()] = true
			values[i][l.ValueStates()] = true
		}
	}
	for i := range hidden {
		if len(hidden[i]) > 2 || len(values[i]) > 2 {
			t.Fatalf("layer %d reallocated buffers: hidden=%d values=%d", i, len(hidden[i]), len(values[i]))
		}
	}
	if len(a.Slots()) != 6 {
		t.Fatalf("slot vector changed length: %d", len(a.Slots()))
	}
}

type paramSnapshot struct {
	floats [][]float64
	conns  [][]QConnection
}

func snapshotParams(t *testing.T, a *Agent) paramSnapshot {
	t.Helper()
	var s paramSnapshot
	for i := 0; i < a.NumLayers(); i++ {
		l, _ := a.Layer(i)
		for v := 0; v < l.sc.NumVisibleLayers(); v++ {
			s.floats = append(s.floats, append([]float64(nil), l.EncoderWeights(v).Cells()...))
		}
		s.floats = append(s.floats, append([]float64(nil), l.EncoderBiases().Cells()...))
		for p := 0; p < l.NumPredictors(); p++ {
			for in := 0; in < l.preds[p].pred.NumInputs(); in++ {
				s.floats = append(s.floats, append([]float64(nil), l.PredictorWeights(p, in).Cells()...))
			}
		}
		s.floats = append(s.floats, append([]float64(nil), l.ValueBiases().Cells()...))
		s.floats = append(s.floats, append([]float64(nil), l.Baselines().Cells()...))
		s.conns = append(s.conns, append([]QConnection(nil), l.Connections().Cells()...))
	}
	return s
}

func assertSameParams(t *testing.T, want, got paramSnapshot) {
	t.Helper()
	for i := range want.floats {
		for j := range want.floats[i] {
			if want.floats[i][j] != got.floats[i][j] {
				t.Fatalf("parameter block %d cell %d changed: %v -> %v", i, j, want.floats[i][j], got.floats[i][j])
			}
		}
	}
	for i := range want.conns {
		for j := range want.conns[i] {
			if want.conns[i][j] != got.conns[i][j] {
				t.Fatalf("connection block %d slot %d changed: %+v -> %+v", i, j, want.conns[i][j], got.conns[i][j])
			}
		}
	}
}

func TestInferenceLeavesParametersUnchanged(t *testing.T) {
	cfg := smallConfig()
	cfg.ExplorationStdDev = 0
	cfg.ExplorationBreakChance = 0
	a := newTestAgent(t, cfg, 4)
	sub := compute.NewCPU(3)
	rng := testRNG(5)
	state := []float64{0.1, 0.9, 0.4, 0.6}

	for tick := 0; tick < 20; tick++ {
		setStates(t, a, state)
		if err := a.SimStep(sub, 1, rng, true); err != nil {
			t.Fatalf("warmup tick %d: %v", tick, err)
		}
	}

	before := snapshotParams(t, a)
	run := func() [][]float64 {
		if err := a.ResetMemory(); err != nil {
			t.Fatalf("reset: %v", err)
		}
		var out [][]float64
		for tick := 0; tick < 10; tick++ {
			setStates(t, a, state)
			if err := a.SimStep(sub, 1, rng, false); err != nil {
				t.Fatalf("inference tick %d: %v", tick, err)
			}
			out = append(out, actions(t, a))
		}
		return out
	}
	first := run()
	second := run()
	assertSameParams(t, before, snapshotParams(t, a))
	for tick := range first {
		for i := range first[tick] {
			if first[tick][i] != second[tick][i] {
				t.Fatalf("tick %d action %d differs between identical inference runs: %v vs %v", tick, i, first[tick][i], second[tick][i])
			}
		}
	}
}

func TestTracesStayNonNegativeAndBounded(t *testing.T) {
	a := newTestAgent(t, smallConfig(), 6)
	sub := compute.NewCPU(2)
	rng := testRNG(1)
	for tick := 0; tick < 200; tick++ {
		setStates(t, a, []float64{0.5, 0.5, 0.5, 0.5})
		if err := a.SimStep(sub, 0, rng, true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	bottom, _ := a.Layer(0)
	// own-code traces accumulate f'(pre)·h with h in {0, 1} and 0 < f' <= 1
	bound := 1 / (1 - bottom.cfg.QGammaLambda)
	for i, c := range bottom.Connections().Cells() {
		if c.Trace < 0 || c.Trace > bound+1e-9 {
			t.Fatalf("connection %d trace %f outside [0, %f]", i, c.Trace, bound)
		}
	}
}

func TestStepConnectionDecaysTraceGeometrically(t *testing.T) {
	c := QConnection{Weight: 0.3, Trace: 2}
	lambda := 0.95
	for k := 1; k <= 50; k++ {
		c = stepConnection(c, 0.1, 0, lambda, 0)
		want := 2 * math.Pow(lambda, float64(k))
		if math.Abs(c.Trace-want) > 1e-12 {
			t.Fatalf("step %d: trace %f want %f", k, c.Trace, want)
		}
		if c.Trace < 0 {
			t.Fatalf("step %d: trace changed sign", k)
		}
	}
	if c.Weight != 0.3 {
		t.Fatalf("zero TD error must not move the weight, got %f", c.Weight)
	}
	moved := stepConnection(QConnection{Weight: 1, Trace: 0.5}, 0.1, 2, 0.9, 0.25)
	if math.Abs(moved.Weight-1.1) > 1e-12 || math.Abs(moved.Trace-0.7) > 1e-12 {
		t.Fatalf("unexpected update: %+v", moved)
	}
}

func TestConstantRewardReducesTDError(t *testing.T) {
	cfg := smallConfig()
	cfg.ActionDeriveAlpha = 0
	cfg.ExplorationStdDev = 0
	cfg.ExplorationBreakChance = 0
	for i := range cfg.Layers {
		cfg.Layers[i].SCBoostAlpha = 0
	}
	a := newTestAgent(t, cfg, 11)
	sub := compute.NewCPU(4)
	rng := testRNG(12)

	const ticks = 1000
	td := make([]float64, 0, ticks)
	for tick := 0; tick < ticks; tick++ {
		setStates(t, a, []float64{0.2, 0.4, 0.6, 0.8})
		if err := a.SimStep(sub, 1.0, rng, true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		td = append(td, a.Diagnostics().MeanAbsTDError)
	}
	mean := func(xs []float64) float64 {
		var s float64
		for _, x := range xs {
			s += x
		}
		return s / float64(len(xs))
	}
	early, late := mean(td[:100]), mean(td[ticks-100:])
	if !(late < early) {
		t.Fatalf("expected TD error to shrink: first 100=%f last 100=%f", early, late)
	}
	lateFirst, lateSecond := mean(td[ticks-100:ticks-50]), mean(td[ticks-50:])
	if lateSecond > lateFirst*1.1+0.01 {
		t.Fatalf("expected TD error not to grow over the last 100 ticks: %f then %f", lateFirst, lateSecond)
	}
	if a.Diagnostics().NonFinite != 0 {
		t.Fatalf("unexpected non-finite ticks: %d", a.Diagnostics().NonFinite)
	}
}

func TestSetStateOnActionSlotFails(t *testing.T) {
	a := newTestAgent(t, smallConfig(), 1)
	if err := a.SetState(4, 1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if _, err := a.Action(0); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition reading action from state slot, got %v", err)
	}
	if err := a.SetState(6, 1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected out of range error, got %v", err)
	}
	if err := a.SetStateAt(2, 0, 1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected out of region error, got %v", err)
	}
	if err := a.SetStateAt(1, 1, 0.25); err != nil {
		t.Fatalf("set state at: %v", err)
	}
	if got := a.Slots()[3].Value; got != 0.25 {
		t.Fatalf("expected slot 3 to hold 0.25, got %f", got)
	}
}

func TestZeroAgentIsNotReady(t *testing.T) {
	var a Agent
	if err := a.SimStep(compute.NewCPU(1), 0, testRNG(1), true); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := a.SetState(0, 1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := a.Prediction(0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := a.ResetMemory(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSimStepPreconditions(t *testing.T) {
	a := newTestAgent(t, smallConfig(), 1)
	if err := a.SimStep(nil, 0, testRNG(1), true); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected missing substrate error, got %v", err)
	}
	if err := a.SimStep(compute.NewCPU(1), math.NaN(), testRNG(1), true); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected non-finite reward error, got %v", err)
	}
}

func TestAntiActionMirrorsAction(t *testing.T) {
	cfg := smallConfig()
	cfg.Inputs.AntiAction = cfg.Inputs.Action
	a := newTestAgent(t, cfg, 3)
	sub := compute.NewCPU(2)
	rng := testRNG(4)
	for tick := 0; tick < 5; tick++ {
		if err := a.SimStep(sub, 0.1, rng, true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	slots := a.Slots()
	for i := 0; i < 2; i++ {
		act, anti := slots[4+i], slots[6+i]
		if act.Tag != SlotAction || anti.Tag != SlotAntiAction {
			t.Fatalf("unexpected tags: %s %s", act.Tag, anti.Tag)
		}
		if math.Abs(act.Value+anti.Value-2*cfg.ActionOffset) > 1e-12 {
			t.Fatalf("anti action %f does not mirror action %f", anti.Value, act.Value)
		}
		pa, _ := a.Prediction(4 + i)
		pn, _ := a.Prediction(6 + i)
		if pa != -pn {
			t.Fatalf("anti prediction %f does not mirror %f", pn, pa)
		}
	}
}

func TestDispatchOrderFollowsTickProtocol(t *testing.T) {
	cfg := smallConfig()
	cfg.QIter = 2
	cfg.ActionDeriveAlpha = 0
	a := newTestAgent(t, cfg, 1)
	rec := compute.NewRecorder(compute.NewCPU(2))
	if err := a.SimStep(rec, 1, testRNG(1), true); err != nil {
		t.Fatalf("tick: %v", err)
	}
	names := rec.Names()
	index := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		t.Fatalf("dispatch %s missing from %v", name, names)
		return -1
	}
	lastIndex := func(name string) int {
		last := -1
		for i, n := range names {
			if n == name {
				last = i
			}
		}
		return last
	}
	if names[0] != "load_state" {
		t.Fatalf("expected tick to begin by loading state, got %s", names[0])
	}
	if lastIndex("sc_learn_biases") > index("q_baseline") {
		t.Fatal("expected encoding to finish before value propagation")
	}
	counts := rec.Counts()
	if counts["q_forward"] != 2*2 || counts["q_error"] != 2*2 || counts["q_learn"] != 2*2 {
		t.Fatalf("unexpected value dispatch counts: %v", counts)
	}
	if counts["sc_activate"] != 2 || counts["pred_activate"] != 3 {
		t.Fatalf("unexpected encode dispatch counts: %v", counts)
	}
	if counts["q_code_gradient"] != 0 {
		t.Fatal("action gradient must not be computed with action_derive_alpha=0")
	}
}

func TestActionDeriveAlphaRoutesGradient(t *testing.T) {
	cfg := smallConfig()
	cfg.ActionDeriveAlpha = 0.08
	a := newTestAgent(t, cfg, 1)
	rec := compute.NewRecorder(compute.NewCPU(1))
	for tick := 0; tick < 3; tick++ {
		if err := a.SimStep(rec, 1, testRNG(int64(tick)), true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	counts := rec.Counts()
	if counts["q_code_gradient"] != 3 || counts["sc_route"] != 3 {
		t.Fatalf("expected one gradient route per tick, got %v", counts)
	}
	if !grid.AllFinite(a.actionGrad) {
		t.Fatal("action gradient must be finite")
	}
}

func TestRewardShapesActionsThroughValueGradient(t *testing.T) {
	cases := []struct {
		name        string
		deriveAlpha float64
		wantDiverge bool
	}{
		{name: "default routing", deriveAlpha: DefaultConfig().ActionDeriveAlpha, wantDiverge: true},
		{name: "routing disabled", deriveAlpha: 0, wantDiverge: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := smallConfig()
			cfg.ActionDeriveAlpha = tc.deriveAlpha
			cfg.ExplorationStdDev = 0
			cfg.ExplorationBreakChance = 0
			a := newTestAgent(t, cfg, 21)
			b := newTestAgent(t, cfg, 21)
			sub := compute.NewCPU(2)
			rngA, rngB := testRNG(22), testRNG(22)
			inputs := testRNG(23)

			var differing int
			for tick := 0; tick < 200; tick++ {
				state := []float64{inputs.Float64(), inputs.Float64(), inputs.Float64(), inputs.Float64()}
				rewardA, rewardB := 1.0, -5.0
				if tick%2 == 1 {
					rewardA, rewardB = -1, 5
				}
				setStates(t, a, state)
				setStates(t, b, state)
				if err := a.SimStep(sub, rewardA, rngA, true); err != nil {
					t.Fatalf("tick %d agent a: %v", tick, err)
				}
				if err := b.SimStep(sub, rewardB, rngB, true); err != nil {
					t.Fatalf("tick %d agent b: %v", tick, err)
				}
				actA, actB := actions(t, a), actions(t, b)
				for i := range actA {
					if actA[i] != actB[i] {
						differing++
					}
				}
			}
			if tc.wantDiverge && differing == 0 {
				t.Fatal("expected opposite reward streams to produce different actions")
			}
			if !tc.wantDiverge && differing != 0 {
				t.Fatalf("expected reward-independent actions, %d values differed", differing)
			}
		})
	}
}

func TestNonFiniteValuesAreLoggedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a, err := New(smallConfig(), testRNG(1), WithLogger(logger))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.SimStep(compute.NewCPU(1), 0, testRNG(2), true); err != nil {
		t.Fatalf("tick: %v", err)
	}
	top, _ := a.Layer(1)
	top.qStates.Read().Set(0, 0, math.Inf(1))
	a.observe()
	if a.Diagnostics().NonFinite != 1 {
		t.Fatalf("expected one non-finite tick, got %d", a.Diagnostics().NonFinite)
	}
	if !strings.Contains(buf.String(), "non-finite value state") {
		t.Fatalf("expected warning in log output, got %q", buf.String())
	}
}

func TestSingleLayerStack(t *testing.T) {
	cfg := smallConfig()
	cfg.Layers = cfg.Layers[:1]
	a := newTestAgent(t, cfg, 2)
	l, _ := a.Layer(0)
	if l.Position() != "single" {
		t.Fatalf("expected single position, got %s", l.Position())
	}
	sub := compute.NewCPU(1)
	rng := testRNG(3)
	for tick := 0; tick < 20; tick++ {
		if err := a.SimStep(sub, 0.5, rng, true); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	for i := 4; i < 6; i++ {
		v, err := a.Action(i)
		if err != nil {
			t.Fatalf("action: %v", err)
		}
		if v < 0 || v > 1 {
			t.Fatalf("action %d outside [0, 1]: %f", i, v)
		}
	}
}

func TestPositionsAcrossStack(t *testing.T) {
	cases := []struct {
		index, count int
		want         string
		readsBelow   bool
		bootstraps   bool
	}{
		{0, 1, "single", false, true},
		{0, 3, "bottom", false, false},
		{1, 3, "interior", true, false},
		{2, 3, "top", true, true},
	}
	for _, tc := range cases {
		pos := positionOf(tc.index, tc.count)
		if got := pos.String(); got != tc.want {
			t.Fatalf("positionOf(%d, %d) = %s, want %s", tc.index, tc.count, got, tc.want)
		}
		if pos.readsBelow() != tc.readsBelow || pos.bootstraps() != tc.bootstraps {
			t.Fatalf("%s: readsBelow=%t bootstraps=%t, want %t %t", tc.want, pos.readsBelow(), pos.bootstraps(), tc.readsBelow, tc.bootstraps)
		}
	}
}
