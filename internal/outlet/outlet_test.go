package outlet

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

type call struct {
	Op     string
	Outlet int
	At     time.Duration
}

type fakeHardware struct {
	clk     *clock.Fake
	start   time.Time
	calls   []call
	states  map[int]model.OutletState
	failOn  map[int]error
	readErr map[int]error
}

func newFakeHardware(clk *clock.Fake) *fakeHardware {
	return &fakeHardware{
		clk:     clk,
		start:   clk.Now(),
		states:  map[int]model.OutletState{},
		failOn:  map[int]error{},
		readErr: map[int]error{},
	}
}

func (f *fakeHardware) record(op string, o int) error {
	f.calls = append(f.calls, call{Op: op, Outlet: o, At: f.clk.Now().Sub(f.start)})
	if err := f.failOn[o]; err != nil {
		return err
	}
	if op == "on" {
		f.states[o] = model.OutletOn
	} else {
		f.states[o] = model.OutletOff
	}
	return nil
}

func (f *fakeHardware) TurnOutletOn(o int) error  { return f.record("on", o) }
func (f *fakeHardware) TurnOutletOff(o int) error { return f.record("off", o) }

func (f *fakeHardware) ReadOutletState(o int) (model.OutletState, error) {
	if err := f.readErr[o]; err != nil {
		return model.OutletUnknown, err
	}
	st, ok := f.states[o]
	if !ok {
		return model.OutletOff, nil
	}
	return st, nil
}

func (f *fakeHardware) outlets() []int {
	var out []int
	for _, c := range f.calls {
		out = append(out, c.Outlet)
	}
	return out
}

func newTestSequencer(t *testing.T, n int, specs []model.ChannelSpec, opts ...Option) (*Sequencer, *fakeHardware, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	hw := newFakeHardware(clk)
	s := New(hw, append([]Option{WithClock(clk)}, opts...)...)
	s.SetNumberOfOutlets(n)
	require.NoError(t, s.LoadChannels(specs))
	return s, hw, clk
}

func TestTurnChannelOn_OrderAndDelay(t *testing.T) {
	s, hw, clk := newTestSequencer(t, 8, []model.ChannelSpec{{
		Name:     "camera",
		Outlets:  []int{4, 5},
		OnOrder:  []int{1, 0},
		OnDelays: []uint{0, 150},
	}})

	require.NoError(t, s.TurnChannelOn("camera"))

	assert.Equal(t, []call{
		{Op: "on", Outlet: 5, At: 0},
		{Op: "on", Outlet: 4, At: 150 * time.Millisecond},
	}, hw.calls)
	assert.Equal(t, []time.Duration{150 * time.Millisecond}, clk.Sleeps())
}

func TestTurnChannel_OrderLaw(t *testing.T) {
	scenarios := []struct {
		name     string
		outlets  []int
		order    []int
		expected []int
	}{
		{"explicit order", []int{0, 1, 2}, []int{2, 0, 1}, []int{2, 0, 1}},
		{"reverse", []int{3, 6}, []int{1, 0}, []int{6, 3}},
		{"identity", []int{1, 2, 3, 4}, []int{0, 1, 2, 3}, []int{1, 2, 3, 4}},
		{"short order ignored", []int{1, 2, 3}, []int{1, 0}, []int{1, 2, 3}},
		{"long order ignored", []int{1, 2}, []int{1, 0, 2}, []int{1, 2}},
		{"no order", []int{7, 0}, nil, []int{7, 0}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s, hw, _ := newTestSequencer(t, 8, []model.ChannelSpec{
				{Name: "ch", Outlets: sc.outlets, OnOrder: sc.order, OffOrder: sc.order},
			})

			require.NoError(t, s.TurnChannelOn("ch"))
			assert.Equal(t, sc.expected, hw.outlets())

			hw.calls = nil
			require.NoError(t, s.TurnChannelOff("ch"))
			assert.Equal(t, sc.expected, hw.outlets())
		})
	}
}

func TestTurnChannel_DelayLaw(t *testing.T) {
	scenarios := []struct {
		name     string
		delays   []uint
		expected []time.Duration
	}{
		{"first entry ignored", []uint{5000, 10, 20}, []time.Duration{0, 10 * time.Millisecond, 30 * time.Millisecond}},
		{"zero delays", []uint{0, 0, 0}, []time.Duration{0, 0, 0}},
		{"length mismatch ignored", []uint{0, 100}, []time.Duration{0, 0, 0}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s, hw, _ := newTestSequencer(t, 4, []model.ChannelSpec{
				{Name: "ch", Outlets: []int{0, 1, 2}, OffDelays: sc.delays},
			})

			require.NoError(t, s.TurnChannelOff("ch"))

			var at []time.Duration
			for _, c := range hw.calls {
				assert.Equal(t, "off", c.Op)
				at = append(at, c.At)
			}
			assert.Equal(t, sc.expected, at)
		})
	}
}

func TestChannelState_Aggregation(t *testing.T) {
	scenarios := []struct {
		name     string
		states   []model.OutletState
		expected model.OutletState
	}{
		{"all on", []model.OutletState{model.OutletOn, model.OutletOn}, model.OutletOn},
		{"all off", []model.OutletState{model.OutletOff, model.OutletOff}, model.OutletOff},
		{"mixed on off", []model.OutletState{model.OutletOn, model.OutletOff}, model.OutletIntermediate},
		{"mixed off on", []model.OutletState{model.OutletOff, model.OutletOn}, model.OutletIntermediate},
		{"one unknown", []model.OutletState{model.OutletOn, model.OutletUnknown}, model.OutletIntermediate},
		{"all unknown", []model.OutletState{model.OutletUnknown, model.OutletUnknown}, model.OutletUnknown},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s, hw, _ := newTestSequencer(t, 8, []model.ChannelSpec{
				{Name: "ch", Outlets: []int{4, 5}},
			})
			hw.states[4] = sc.states[0]
			hw.states[5] = sc.states[1]
			require.NoError(t, s.UpdateOutletStates())

			st, err := s.ChannelState("ch")
			require.NoError(t, err)
			assert.Equal(t, sc.expected, st)
		})
	}
}

func TestChannelState_UnknownBeforeFirstUpdate(t *testing.T) {
	s, _, _ := newTestSequencer(t, 2, []model.ChannelSpec{{Name: "ch", Outlets: []int{0, 1}}})

	st, err := s.ChannelState("ch")
	require.NoError(t, err)
	assert.Equal(t, model.OutletUnknown, st)
}

func TestUnknownChannel(t *testing.T) {
	s, hw, _ := newTestSequencer(t, 2, []model.ChannelSpec{{Name: "ch", Outlets: []int{0}}})

	assert.ErrorIs(t, s.TurnChannelOn("nope"), ErrUnknownChannel)
	assert.ErrorIs(t, s.TurnChannelOff("nope"), ErrUnknownChannel)
	_, err := s.ChannelState("nope")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Empty(t, hw.calls)
}

func TestSequencePolicy_FailFast(t *testing.T) {
	s, hw, _ := newTestSequencer(t, 4, []model.ChannelSpec{
		{Name: "ch", Outlets: []int{0, 1, 2}},
	})
	hw.failOn[1] = errors.New("relay stuck")

	err := s.TurnChannelOn("ch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay stuck")
	assert.Equal(t, []int{0, 1}, hw.outlets(), "outlet 2 must not be attempted")
}

func TestSequencePolicy_BestEffort(t *testing.T) {
	s, hw, _ := newTestSequencer(t, 4, []model.ChannelSpec{
		{Name: "ch", Outlets: []int{0, 1, 2, 3}},
	}, WithPolicy(BestEffort))
	stuck := errors.New("relay stuck")
	hw.failOn[1] = stuck
	hw.failOn[3] = errors.New("no response")

	err := s.TurnChannelOn("ch")
	require.Error(t, err)
	assert.ErrorIs(t, err, stuck)
	assert.Contains(t, err.Error(), "no response")
	assert.Equal(t, []int{0, 1, 2, 3}, hw.outlets())
}

func TestUpdateOutletStates_AbortsOnFirstFailure(t *testing.T) {
	s, hw, _ := newTestSequencer(t, 3, []model.ChannelSpec{{Name: "ch", Outlets: []int{0}}})
	hw.states[0] = model.OutletOn
	hw.states[2] = model.OutletOn
	hw.readErr[1] = errors.New("timeout")

	err := s.UpdateOutletStates()
	require.Error(t, err)

	assert.Equal(t, model.OutletOn, s.OutletState(0))
	assert.Equal(t, model.OutletUnknown, s.OutletState(1))
	assert.Equal(t, model.OutletUnknown, s.OutletState(2), "outlets after the failure keep their old state")
}

func TestLoadChannels_Validation(t *testing.T) {
	scenarios := []struct {
		name     string
		outlets  int
		specs    []model.ChannelSpec
		expected error
		code     int
	}{
		{"no outlets", 0, []model.ChannelSpec{{Name: "a", Outlets: []int{0}}}, ErrNoOutlets, -10},
		{"no channels", 4, nil, ErrNoChannels, -15},
		{"no valid channels", 4, []model.ChannelSpec{{Name: "a"}, {Name: "b"}}, ErrNoValidChannels, -20},
		{"outlet out of range", 4, []model.ChannelSpec{{Name: "a", Outlets: []int{4}}}, ErrInvalidChannel, -1},
		{"negative outlet", 4, []model.ChannelSpec{{Name: "a", Outlets: []int{-1}}}, ErrInvalidChannel, -1},
		{"duplicate outlet", 4, []model.ChannelSpec{{Name: "a", Outlets: []int{1, 1}}}, ErrInvalidChannel, -1},
		{"order not a permutation", 4, []model.ChannelSpec{{Name: "a", Outlets: []int{1, 2}, OnOrder: []int{1, 1}}}, ErrInvalidChannel, -1},
		{"order out of range", 4, []model.ChannelSpec{{Name: "a", Outlets: []int{1, 2}, OffOrder: []int{0, 2}}}, ErrInvalidChannel, -1},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s := New(newFakeHardware(clock.NewFake(time.Now())))
			s.SetNumberOfOutlets(sc.outlets)

			err := s.LoadChannels(sc.specs)
			assert.ErrorIs(t, err, sc.expected)
			assert.Equal(t, sc.code, Code(err))
		})
	}
}

func TestLoadChannels_SkipsSectionsWithoutOutlets(t *testing.T) {
	s := New(newFakeHardware(clock.NewFake(time.Now())))
	s.SetNumberOfOutlets(8)

	require.NoError(t, s.LoadChannels([]model.ChannelSpec{
		{Name: "settings"},
		{Name: "fan", Outlets: []int{7}},
		{Name: "camera", Outlets: []int{4, 5}, OnOrder: []int{0}},
	}))

	assert.Equal(t, []string{"camera", "fan"}, s.Channels())
	_, ok := s.Channel("settings")
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	for in, expected := range map[string]Policy{"": FailFast, "fail_fast": FailFast, "best_effort": BestEffort} {
		p, err := ParsePolicy(in)
		require.NoError(t, err, fmt.Sprintf("input %q", in))
		assert.Equal(t, expected, p)
	}
	_, err := ParsePolicy("yolo")
	assert.Error(t, err)
}
