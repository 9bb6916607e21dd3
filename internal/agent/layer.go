package agent

import (
	"fmt"
	"math/rand"

	"qroute/internal/grid"
	"qroute/internal/nn"
	"qroute/internal/predict"
	"qroute/internal/sparse"
)

// QConnection is one value-propagation weight and its eligibility trace.
type QConnection struct {
	Weight float64 `json:"weight"`
	Trace  float64 `json:"trace"`
}

// position selects the variant of the value operators a layer runs.
type position int

const (
	positionSingle position = iota
	positionBottom
	positionInterior
	positionTop
)

func positionOf(index, count int) position {
	switch {
	case count == 1:
		return positionSingle
	case index == 0:
		return positionBottom
	case index == count-1:
		return positionTop
	default:
		return positionInterior
	}
}

func (p position) String() string {
	switch p {
	case positionSingle:
		return "single"
	case positionBottom:
		return "bottom"
	case positionInterior:
		return "interior"
	default:
		return "top"
	}
}

// bootstraps reports whether the layer computes the TD error from reward.
func (p position) bootstraps() bool {
	return p == positionTop || p == positionSingle
}

// readsBelow reports whether the value window spans the layer below.
func (p position) readsBelow() bool {
	return p == positionInterior || p == positionTop
}

// routesActions reports whether the layer owns the action inputs.
func (p position) routesActions() bool {
	return p == positionBottom || p == positionSingle
}

type predictorBinding struct {
	pred *predict.Predictor
	// target indexes the layer's feed-forward inputs.
	target int
	alpha  float64
	// feedback holds the layer above's code that went into the front
	// prediction.
	feedback *grid.Grid[float64]
}

type Layer struct {
	cfg LayerConfig
	pos position
	act nn.Nonlinearity

	sc         *sparse.Coder
	preds      []predictorBinding
	hiddenPrev *grid.Grid[float64]

	baselines *grid.DoubleBuffer[float64]
	adjusted  *grid.Grid[float64]

	qStates *grid.DoubleBuffer[float64]
	qConns  *grid.DoubleBuffer[QConnection]
	qBiases *grid.DoubleBuffer[float64]
	qPrev   *grid.Grid[float64]
	qPre    *grid.Grid[float64]
	qErrors *grid.Grid[float64]

	ownField   grid.Field
	belowField grid.Field
	ownCount   int
}

// layerWiring carries the neighbour geometry a layer is built against.
type layerWiring struct {
	feedForward []sparse.VisibleLayerDesc
	above       *grid.Int2
	below       *grid.Int2
	predictors  []predictorSpec
}

type predictorSpec struct {
	size   grid.Int2
	radius int
	target int
	alpha  float64
}

func newLayer(cfg LayerConfig, pos position, wiring layerWiring, init InitRanges, rng *rand.Rand) (*Layer, error) {
	act, err := nn.GetActivation(cfg.Activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	visible := append([]sparse.VisibleLayerDesc(nil), wiring.feedForward...)
	visible = append(visible, sparse.VisibleLayerDesc{
		Size:         cfg.Size,
		Radius:       cfg.RecurrentRadius,
		WeightAlpha:  cfg.SCWeightAlpha,
		IgnoreMiddle: true,
	})
	if wiring.above != nil {
		visible = append(visible, sparse.VisibleLayerDesc{
			Size:        *wiring.above,
			Radius:      cfg.FeedBackRadius,
			WeightAlpha: cfg.SCWeightAlpha,
		})
	}
	sc, err := sparse.New(sparse.Config{
		HiddenSize:    cfg.Size,
		LateralRadius: cfg.LateralRadius,
		SolveIter:     cfg.SCSolveIter,
		Inhibition:    cfg.SCLateralWeightAlpha,
		ActiveRatio:   cfg.SCActiveRatio,
		BoostAlpha:    cfg.SCBoostAlpha,
	}, visible, init.Weights, init.Thresholds, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	l := &Layer{
		cfg:        cfg,
		pos:        pos,
		act:        act,
		sc:         sc,
		hiddenPrev: grid.New[float64](cfg.Size),
		baselines:  grid.NewDoubleBuffer[float64](cfg.Size),
		adjusted:   grid.New[float64](cfg.Size),
		qStates:    grid.NewDoubleBuffer[float64](cfg.Size),
		qBiases:    grid.NewDoubleBuffer[float64](cfg.Size),
		qPrev:      grid.New[float64](cfg.Size),
		qPre:       grid.New[float64](cfg.Size),
		qErrors:    grid.New[float64](cfg.Size),
		ownField:   grid.NewField(cfg.Size, cfg.Size, cfg.QRadius),
	}

	for _, spec := range wiring.predictors {
		inputs := []predict.InputDesc{{Size: cfg.Size, Radius: spec.radius}}
		binding := predictorBinding{target: spec.target, alpha: spec.alpha}
		if wiring.above != nil {
			inputs = append(inputs, predict.InputDesc{Size: *wiring.above, Radius: spec.radius})
			binding.feedback = grid.New[float64](*wiring.above)
		}
		binding.pred, err = predict.New(spec.size, inputs, init.Weights, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		l.preds = append(l.preds, binding)
	}

	l.ownCount = l.ownField.Count()
	slots := l.ownCount
	if pos.readsBelow() {
		if wiring.below == nil {
			return nil, fmt.Errorf("%w: layer at %s position needs a layer below", ErrConfiguration, pos)
		}
		l.belowField = grid.NewField(*wiring.below, cfg.Size, cfg.QRadius)
		slots += l.belowField.Count()
	}
	l.qConns = grid.NewDoubleBuffer3[QConnection](grid.Int3{X: cfg.Size.X, Y: cfg.Size.Y, Z: slots})
	span := init.QWeights.Hi - init.QWeights.Lo
	conns := l.qConns.Read().Cells()
	for i := range conns {
		conns[i] = QConnection{Weight: init.QWeights.Lo + rng.Float64()*span}
	}
	l.qConns.Settle()
	grid.Uniform(l.qBiases.Read(), init.QBiases, rng)
	l.qBiases.Settle()
	return l, nil
}

// clearMemory zeroes codes, predictions, value states and traces.
func (l *Layer) clearMemory() {
	l.sc.ClearMemory()
	grid.Fill(l.hiddenPrev, 0)
	for _, b := range l.preds {
		b.pred.ClearMemory()
		if b.feedback != nil {
			grid.Fill(b.feedback, 0)
		}
	}
	l.qStates.Fill(0)
	grid.Fill(l.qPrev, 0)
	grid.Fill(l.qPre, 0)
	grid.Fill(l.qErrors, 0)
	for _, g := range []*grid.Grid[QConnection]{l.qConns.Read(), l.qConns.Write()} {
		cells := g.Cells()
		for i := range cells {
			cells[i].Trace = 0
		}
	}
}

func (l *Layer) Config() LayerConfig {
	return l.cfg
}

func (l *Layer) Position() string {
	return l.pos.String()
}

func (l *Layer) Size() grid.Int2 {
	return l.cfg.Size
}

func (l *Layer) HiddenStates() *grid.Grid[float64] {
	return l.sc.HiddenStates()
}

func (l *Layer) ValueStates() *grid.Grid[float64] {
	return l.qStates.Read()
}

func (l *Layer) Baselines() *grid.Grid[float64] {
	return l.baselines.Read()
}

func (l *Layer) Connections() *grid.Grid[QConnection] {
	return l.qConns.Read()
}

func (l *Layer) ValueBiases() *grid.Grid[float64] {
	return l.qBiases.Read()
}

// TDErrors holds the value error of the last pass.
func (l *Layer) TDErrors() *grid.Grid[float64] {
	return l.qErrors
}

func (l *Layer) EncoderWeights(i int) *grid.Grid[float64] {
	return l.sc.Weights(i)
}

func (l *Layer) EncoderBiases() *grid.Grid[float64] {
	return l.sc.Biases()
}

func (l *Layer) NumPredictors() int {
	return len(l.preds)
}

func (l *Layer) Prediction(i int) *grid.Grid[float64] {
	return l.preds[i].pred.Prediction()
}

func (l *Layer) PredictorWeights(i, input int) *grid.Grid[float64] {
	return l.preds[i].pred.Weights(input)
}

func (l *Layer) ActiveRatio() float64 {
	return l.sc.ActiveRatio()
}
