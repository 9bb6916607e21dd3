package agent

import (
	"fmt"

	"qroute/internal/grid"
)

// slotLayout maps global slot indices onto the state, action and anti-action
// regions, each laid out row-major.
type slotLayout struct {
	state  grid.Int2
	action grid.Int2
	anti   grid.Int2
}

func newSlotLayout(in InputLayout) (slotLayout, error) {
	l := slotLayout{state: in.State, action: in.Action, anti: in.AntiAction}
	if len(in.Slots) == 0 {
		return l, nil
	}
	if len(in.Slots) != l.len() {
		return slotLayout{}, fmt.Errorf("%w: %d slot tags for %d slots", ErrConfiguration, len(in.Slots), l.len())
	}
	for i, tag := range in.Slots {
		want, _, _ := l.locate(i)
		if tag != want {
			return slotLayout{}, fmt.Errorf("%w: slot %d tagged %s, layout expects %s", ErrConfiguration, i, tag, want)
		}
	}
	return l, nil
}

func (l slotLayout) len() int {
	return l.state.Area() + l.action.Area() + l.anti.Area()
}

func (l slotLayout) region(tag SlotTag) (grid.Int2, int) {
	switch tag {
	case SlotState:
		return l.state, 0
	case SlotAction:
		return l.action, l.state.Area()
	default:
		return l.anti, l.state.Area() + l.action.Area()
	}
}

// locate assumes 0 <= i < len().
func (l slotLayout) locate(i int) (SlotTag, int, int) {
	tag := SlotState
	switch {
	case i >= l.state.Area()+l.action.Area():
		tag = SlotAntiAction
	case i >= l.state.Area():
		tag = SlotAction
	}
	size, start := l.region(tag)
	local := i - start
	return tag, local % size.X, local / size.X
}

func (l slotLayout) index(tag SlotTag, x, y int) (int, error) {
	size, start := l.region(tag)
	if x < 0 || y < 0 || x >= size.X || y >= size.Y {
		return 0, fmt.Errorf("%w: %s position (%d, %d) outside %+v", ErrPrecondition, tag, x, y, size)
	}
	return start + x + y*size.X, nil
}

func (l slotLayout) tags() []SlotTag {
	out := make([]SlotTag, l.len())
	for i := range out {
		out[i], _, _ = l.locate(i)
	}
	return out
}

func (a *Agent) slotAt(i int, want SlotTag) (int, int, error) {
	if err := a.ready(); err != nil {
		return 0, 0, err
	}
	if i < 0 || i >= len(a.slots) {
		return 0, 0, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrPrecondition, i, len(a.slots))
	}
	tag, x, y := a.layout.locate(i)
	if tag != want {
		return 0, 0, fmt.Errorf("%w: slot %d is tagged %s, not %s", ErrPrecondition, i, tag, want)
	}
	return x, y, nil
}

// SetState writes the value of state slot i for the next tick.
func (a *Agent) SetState(i int, value float64) error {
	if _, _, err := a.slotAt(i, SlotState); err != nil {
		return err
	}
	a.slots[i].Value = value
	return nil
}

func (a *Agent) SetStateAt(x, y int, value float64) error {
	if err := a.ready(); err != nil {
		return err
	}
	i, err := a.layout.index(SlotState, x, y)
	if err != nil {
		return err
	}
	a.slots[i].Value = value
	return nil
}

// Action returns the exploratory action emitted for slot i on the last tick,
// already mapped through ActionScale and ActionOffset.
func (a *Agent) Action(i int) (float64, error) {
	if _, _, err := a.slotAt(i, SlotAction); err != nil {
		return 0, err
	}
	return a.slots[i].Value, nil
}

func (a *Agent) ActionAt(x, y int) (float64, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	i, err := a.layout.index(SlotAction, x, y)
	if err != nil {
		return 0, err
	}
	return a.slots[i].Value, nil
}

// Prediction returns the bottom layer's prediction of slot i's next input.
// Anti-action slots report the mirrored action prediction.
func (a *Agent) Prediction(i int) (float64, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	if i < 0 || i >= len(a.slots) {
		return 0, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrPrecondition, i, len(a.slots))
	}
	tag, x, y := a.layout.locate(i)
	bottom := a.layers[0]
	switch tag {
	case SlotState:
		return bottom.preds[statePredictor].pred.Prediction().At(x, y), nil
	case SlotAction:
		return bottom.preds[actionPredictor].pred.Prediction().At(x, y), nil
	default:
		return -bottom.preds[actionPredictor].pred.Prediction().At(x, y), nil
	}
}

func (a *Agent) PredictionAt(x, y int) (float64, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	i, err := a.layout.index(SlotState, x, y)
	if err != nil {
		return 0, err
	}
	return a.Prediction(i)
}

// Slots returns a copy of the slot vector.
func (a *Agent) Slots() []InputSlot {
	out := make([]InputSlot, len(a.slots))
	copy(out, a.slots)
	return out
}

func (a *Agent) NumSlots() int {
	return len(a.slots)
}
