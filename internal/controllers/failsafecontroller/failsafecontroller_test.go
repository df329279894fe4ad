package failsafecontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

func ptr(v float64) *float64 { return &v }

func guard(dev, value string, min, max *float64, onFailure bool) Guard {
	return Guard{
		Guard:   config.Guard{Device: dev, Value: value, Min: min, Max: max, OnFailure: onFailure},
		PDU:     "pdu0",
		Channel: dev,
	}
}

func state(g Guard, lifecycleState model.LifecycleState, values map[string]float64) GuardState {
	return GuardState{
		Guard:  g,
		Found:  true,
		Status: model.DeviceStatus{Name: g.Device, State: lifecycleState.String(), Values: values},
	}
}

func TestEvaluateFailsafeActions_NormalValues(t *testing.T) {
	cam := guard("cam", "ccdtemp", nil, ptr(25), true)
	states := []GuardState{state(cam, model.StateReady, map[string]float64{"ccdtemp": -60})}

	action := evaluateFailsafeActions(states, map[string]bool{}, nil, 2)
	assert.Empty(t, action.Trip)
	assert.Empty(t, action.Clear)
}

func TestEvaluateFailsafeActions_TripsOnRange(t *testing.T) {
	cam := guard("cam", "ccdtemp", ptr(-100), ptr(25), false)

	action := evaluateFailsafeActions([]GuardState{state(cam, model.StateOperating, map[string]float64{"ccdtemp": 31})}, nil, nil, 2)
	require.Len(t, action.Trip, 1)
	assert.Equal(t, "cam", action.Trip[0].Channel)
	assert.Contains(t, action.Trip[0].Reason, "above 25.00")

	action = evaluateFailsafeActions([]GuardState{state(cam, model.StateOperating, map[string]float64{"ccdtemp": -101})}, nil, nil, 2)
	require.Len(t, action.Trip, 1)
	assert.Contains(t, action.Trip[0].Reason, "below -100.00")
}

func TestEvaluateFailsafeActions_TripsOnFailure(t *testing.T) {
	stages := guard("stages", "", nil, nil, true)
	st := state(stages, model.StateFailure, nil)
	st.Status.LastError = "fatal: firmware mismatch"

	action := evaluateFailsafeActions([]GuardState{st}, nil, nil, 0)
	require.Len(t, action.Trip, 1)
	assert.Equal(t, "device entered FAILURE: fatal: firmware mismatch", action.Trip[0].Reason)

	noFailureGuard := guard("stages", "", nil, nil, false)
	action = evaluateFailsafeActions([]GuardState{state(noFailureGuard, model.StateFailure, nil)}, nil, nil, 0)
	assert.Empty(t, action.Trip)
}

func TestEvaluateFailsafeActions_IgnoredAndMissingDevices(t *testing.T) {
	cam := guard("cam", "ccdtemp", nil, ptr(25), true)
	stages := guard("stages", "", nil, nil, true)
	states := []GuardState{
		state(cam, model.StateFailure, map[string]float64{"ccdtemp": 40}),
		{Guard: stages},
	}

	action := evaluateFailsafeActions(states, nil, map[string]bool{"cam": true}, 0)
	assert.Empty(t, action.Trip)
	assert.Empty(t, action.Clear)
}

func TestEvaluateFailsafeActions_ClearsWithSpread(t *testing.T) {
	cam := guard("cam", "ccdtemp", nil, ptr(25), false)
	tripped := map[string]bool{"cam": true}

	action := evaluateFailsafeActions([]GuardState{state(cam, model.StateReady, map[string]float64{"ccdtemp": 24})}, tripped, nil, 2)
	assert.Empty(t, action.Trip, "tripped devices are not tripped again")
	assert.Empty(t, action.Clear, "inside the range but not the spread")

	action = evaluateFailsafeActions([]GuardState{state(cam, model.StateReady, map[string]float64{"ccdtemp": 22})}, tripped, nil, 2)
	assert.Equal(t, []string{"cam"}, action.Clear)
}

func TestEvaluateFailsafeActions_FailedDeviceStaysTripped(t *testing.T) {
	stages := guard("stages", "", nil, nil, true)
	action := evaluateFailsafeActions([]GuardState{state(stages, model.StateFailure, nil)}, map[string]bool{"stages": true}, nil, 0)
	assert.Empty(t, action.Trip)
	assert.Empty(t, action.Clear)
}

type stubDevice struct {
	*device.Core
	lifecycle.Base

	mu     sync.Mutex
	values map[string]float64
}

func newStub(name string) *stubDevice {
	d := &stubDevice{Core: device.NewCore(name, model.KindCamera), values: map[string]float64{}}
	d.Bind(lifecycle.Config{}, d)
	return d
}

func (d *stubDevice) set(k string, v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[k] = v
}

func (d *stubDevice) Close() error { return nil }
func (d *stubDevice) Status() model.DeviceStatus {
	st := d.BaseStatus()
	d.mu.Lock()
	defer d.mu.Unlock()
	st.Values = map[string]float64{}
	for k, v := range d.values {
		st.Values[k] = v
	}
	return st
}

type fakeSwitcher struct {
	mu   sync.Mutex
	cuts []string
	err  error
}

func (f *fakeSwitcher) CutChannel(ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cuts = append(f.cuts, ch)
	return f.err
}

func (f *fakeSwitcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cuts)
}

func testConfig() *config.Config {
	return &config.Config{
		PDUs: []config.PDU{{Name: "pdu0"}},
		Cameras: []config.Camera{
			{Name: "cam", Power: config.PowerRef{PDU: "pdu0", Channel: "camsci1"}},
		},
		Failsafe: config.Failsafe{
			Interval:     10 * time.Second,
			StartupDelay: time.Minute,
			Spread:       2,
			Guards:       []config.Guard{{Device: "cam", Value: "ccdtemp", Max: ptr(25)}},
		},
	}
}

func TestNew_ResolvesPowerChannels(t *testing.T) {
	set := device.NewSet()
	sw := &fakeSwitcher{}
	ctl, err := New(testConfig(), set, map[string]Switcher{"pdu0": sw})
	require.NoError(t, err)
	require.Len(t, ctl.guards, 1)
	assert.Equal(t, "camsci1", ctl.guards[0].Channel)

	_, err = New(testConfig(), set, map[string]Switcher{})
	assert.ErrorContains(t, err, "pdu pdu0 is not available")

	cfg := testConfig()
	cfg.Failsafe.Guards[0].Device = "stages"
	_, err = New(cfg, set, map[string]Switcher{"pdu0": sw})
	assert.ErrorContains(t, err, "not power managed")
}

func TestCheck_CutsPowerNotifiesAndLatches(t *testing.T) {
	cam := newStub("cam")
	set := device.NewSet()
	require.NoError(t, set.Add(cam))
	sw := &fakeSwitcher{}

	var notes []string
	ctl, err := New(testConfig(), set, map[string]Switcher{"pdu0": sw}, WithNotifier(func(title, msg string) error {
		notes = append(notes, title+": "+msg)
		return nil
	}))
	require.NoError(t, err)

	cam.set("ccdtemp", 30)
	action := ctl.Check()
	require.Len(t, action.Trip, 1)
	assert.Equal(t, []string{"camsci1"}, sw.cuts)
	assert.Equal(t, []string{"cam"}, ctl.Tripped())
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "Failsafe tripped: cam: Power to cam (pdu0/camsci1) was cut")

	ctl.Check()
	assert.Len(t, sw.cuts, 1, "latched device is cut once")

	cam.set("ccdtemp", -999)
	action = ctl.Check()
	assert.Equal(t, []string{"cam"}, action.Clear)
	assert.Empty(t, ctl.Tripped())
}

func TestCheck_SwitchErrorLeavesUnlatched(t *testing.T) {
	cam := newStub("cam")
	set := device.NewSet()
	require.NoError(t, set.Add(cam))
	sw := &fakeSwitcher{err: errors.New("relay stuck")}
	ctl, err := New(testConfig(), set, map[string]Switcher{"pdu0": sw})
	require.NoError(t, err)

	cam.set("ccdtemp", 30)
	ctl.Check()
	ctl.Check()
	assert.Len(t, sw.cuts, 2, "retried while the cut keeps failing")
	assert.Empty(t, ctl.Tripped())
}

func TestRun_WaitsForStartupDelay(t *testing.T) {
	cam := newStub("cam")
	cam.set("ccdtemp", 40)
	set := device.NewSet()
	require.NoError(t, set.Add(cam))
	sw := &fakeSwitcher{err: fmt.Errorf("keep retrying")}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctl, err := New(testConfig(), set, map[string]Switcher{"pdu0": sw}, WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctl.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(30 * time.Second)
	assert.Equal(t, 0, sw.count())

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return sw.count() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return sw.count() == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
