package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/gateway"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

type fakeDriver struct {
	gw    *gateway.Gateway
	calls []string

	found       bool
	locateErr   error
	testErr     error
	connectErr  error
	initErr     error
	pollErr     error
	reconfErr   error
	powerOffErr error
	busy        bool

	lockedCalls int
}

func (d *fakeDriver) record(name string) {
	d.calls = append(d.calls, name)
	if ok, _ := d.gw.TryDo(func() error { return nil }); !ok {
		d.lockedCalls++
	}
}

func (d *fakeDriver) Locate() (bool, error) {
	d.calls = append(d.calls, "locate")
	return d.found, d.locateErr
}

func (d *fakeDriver) TestConnection() error { d.record("test"); return d.testErr }
func (d *fakeDriver) Connect() error        { d.record("connect"); return d.connectErr }
func (d *fakeDriver) Initialize() error     { d.record("init"); return d.initErr }
func (d *fakeDriver) Reconfigure() error    { d.record("reconfigure"); return d.reconfErr }
func (d *fakeDriver) OnPowerOff() error     { d.record("poweroff"); return d.powerOffErr }

func (d *fakeDriver) PollStatus() (bool, error) {
	d.record("poll")
	return d.busy, d.pollErr
}

func (d *fakeDriver) reset() { d.calls = nil; d.lockedCalls = 0 }

type fakePower struct {
	state model.PowerState
}

func (p *fakePower) PowerState() model.PowerState { return p.state }

type harness struct {
	m      *Machine
	d      *fakeDriver
	gw     *gateway.Gateway
	clk    *clock.Fake
	power  *fakePower
	logs   *bytes.Buffer
	states []model.LifecycleState
}

func newHarness(t *testing.T, managed bool, power model.PowerState) *harness {
	t.Helper()
	gw := gateway.New()
	h := &harness{
		d:     &fakeDriver{gw: gw, found: true},
		gw:    gw,
		clk:   clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		power: &fakePower{state: power},
		logs:  &bytes.Buffer{},
	}
	h.m = New(Config{
		Name:         "testdev",
		PowerManaged: managed,
		PowerOnWait:  10 * time.Second,
		RetryBackoff: time.Second,
	}, h.d, gw,
		WithClock(h.clk),
		WithPower(h.power),
		WithLogger(zerolog.New(h.logs)),
	)
	h.m.OnStateChange(func(tr Transition) { h.states = append(h.states, tr.To) })
	return h
}

// tick advances the fake clock by one loop pause, then ticks.
func (h *harness) tick(t *testing.T) error {
	t.Helper()
	h.clk.Advance(time.Second)
	return h.m.Tick(context.Background())
}

func (h *harness) toReady(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Start())
	require.NoError(t, h.tick(t))
	require.Equal(t, model.StateReady, h.m.State())
	h.d.reset()
	h.logs.Reset()
}

func TestPowerOn_WaitsForDeadline(t *testing.T) {
	h := newHarness(t, true, model.PowerOn)
	h.d.testErr = ErrNotConnected

	require.NoError(t, h.m.Start())
	require.Equal(t, model.StatePowerOn, h.m.State())
	assert.Equal(t, 10*time.Second, h.m.PowerOnRemaining())

	for i := 1; i <= 9; i++ {
		require.NoError(t, h.tick(t))
		assert.Equal(t, model.StatePowerOn, h.m.State(), "tick %d", i)
	}
	assert.False(t, h.m.ReconfigurePending())
	assert.Empty(t, h.d.calls, "nothing may touch the device while it settles")

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateNotConnected, h.m.State())
	assert.True(t, h.m.ReconfigurePending())
	assert.Equal(t, time.Duration(0), h.m.PowerOnRemaining())
}

func TestPowerOn_DeadlineIndependentOfTickCount(t *testing.T) {
	h := newHarness(t, true, model.PowerOn)
	require.NoError(t, h.m.Start())

	// A stalled loop resumes after the wait has already passed.
	h.clk.Advance(30 * time.Second)
	require.NoError(t, h.m.Tick(context.Background()))
	assert.Equal(t, model.StateNotConnected, h.m.State())
}

func TestStart_UnpoweredGoesStraightToProbing(t *testing.T) {
	h := newHarness(t, true, model.PowerOff)
	h.d.found = false
	require.NoError(t, h.m.Start())
	assert.Equal(t, model.StateNoDevice, h.m.State())

	h = newHarness(t, false, model.PowerUnknown)
	require.NoError(t, h.m.Start())
	assert.Equal(t, model.StateNotConnected, h.m.State())

	assert.Error(t, h.m.Start(), "second start must be rejected")
}

func TestStart_LocateErrorIsFailure(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.d.locateErr = errors.New("udev broken")

	require.Error(t, h.m.Start())
	assert.Equal(t, model.StateFailure, h.m.State())
	assert.ErrorIs(t, h.m.Tick(context.Background()), ErrFailure)
}

func TestTick_NoDeviceToReadyInOneTick(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.d.found = false
	require.NoError(t, h.m.Start())
	require.Equal(t, []string{"locate"}, h.d.calls)
	h.d.reset()

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateNoDevice, h.m.State())
	assert.Equal(t, []string{"locate"}, h.d.calls)
	assert.NotContains(t, h.logs.String(), `"level":"error"`)

	h.d.reset()
	h.d.found = true
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())
	assert.Equal(t, []string{"locate", "test", "connect", "init", "poll"}, h.d.calls)
	assert.Equal(t, 4, h.d.lockedCalls, "probe, connect, init and poll all run under the gateway")
	assert.Equal(t, []model.LifecycleState{
		model.StateNoDevice, model.StateNotConnected, model.StateConnected, model.StateReady,
	}, h.states)
}

func TestTick_NotConnectedBusSilent(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.d.testErr = ErrNotConnected
	require.NoError(t, h.m.Start())

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateNotConnected, h.m.State())
	assert.Empty(t, h.clk.Sleeps())
	assert.NotContains(t, h.logs.String(), `"level":"error"`)
	assert.NotContains(t, h.logs.String(), `"level":"warn"`)
}

func TestTick_NotConnectedTransientBacksOff(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.d.testErr = errors.New("handshake garbled")
	require.NoError(t, h.m.Start())

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateNotConnected, h.m.State())
	assert.Equal(t, []time.Duration{time.Second}, h.clk.Sleeps())
	assert.Contains(t, h.logs.String(), "Connection attempt failed")
	assert.NotContains(t, h.d.calls, "connect")

	h.d.testErr = nil
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())
}

func TestTick_ConnectErrorAfterProbeIsError(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.d.connectErr = errors.New("write /dev/ttyUSB0: input/output error")
	require.NoError(t, h.m.Start())

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateError, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), h.d.connectErr)
	assert.Empty(t, h.clk.Sleeps())
	assert.Contains(t, h.logs.String(), `"op":"connect"`)
}

func TestTick_NotConnectedUnpoweredDoesNotProbe(t *testing.T) {
	h := newHarness(t, true, model.PowerOff)
	require.NoError(t, h.m.Start())
	require.Equal(t, model.StateNotConnected, h.m.State())
	h.logs.Reset()

	h.d.testErr = errors.New("no answer")
	for i := 0; i < 3; i++ {
		require.NoError(t, h.tick(t))
	}
	assert.Equal(t, model.StateNotConnected, h.m.State())
	assert.NotContains(t, h.d.calls, "test")
	assert.Empty(t, h.clk.Sleeps())
	assert.Empty(t, h.logs.String())
}

func TestTick_NotConnectedLosesDevice(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	require.NoError(t, h.m.Start())
	h.d.found = false

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateNoDevice, h.m.State())
	assert.NotContains(t, h.d.calls, "test")
}

func TestTick_ReadyOperatingToggle(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	h.d.busy = true
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateOperating, h.m.State())

	h.d.busy = false
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())
}

func TestTick_PollSkippedWhileCommandHoldsLock(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = h.gw.Do(func() error {
			close(entered)
			<-release
			return nil
		})
		close(done)
	}()
	<-entered

	skipped := h.gw.Skipped()
	h.d.pollErr = errors.New("would fail if polled")
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())
	assert.Empty(t, h.d.calls)
	assert.Equal(t, skipped+1, h.gw.Skipped())

	close(release)
	<-done
}

func TestTick_PollFailureWhilePoweredOffIsSwallowed(t *testing.T) {
	h := newHarness(t, true, model.PowerOff)
	require.NoError(t, h.m.Start())
	h.power.state = model.PowerOn
	h.d.testErr = nil

	// Power comes up: settle, then connect.
	for h.m.State() != model.StateReady {
		require.NoError(t, h.tick(t))
	}
	h.d.reset()

	h.power.state = model.PowerOff
	h.logs.Reset()
	h.d.pollErr = errors.New("camera not responding")

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())
	assert.Contains(t, h.d.calls, "poweroff")
	assert.Contains(t, h.d.calls, "poll")
	assert.NotContains(t, h.logs.String(), `"level":"error"`)
	assert.Nil(t, h.m.LastError())
}

func TestTick_PollFailureWhilePoweredIsError(t *testing.T) {
	h := newHarness(t, true, model.PowerOn)
	require.NoError(t, h.m.Start())
	for h.m.State() != model.StateReady {
		require.NoError(t, h.tick(t))
	}
	h.logs.Reset()

	pollErr := errors.New("camera not responding")
	h.d.pollErr = pollErr
	require.NoError(t, h.tick(t))

	assert.Equal(t, model.StateError, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), pollErr)
	assert.Contains(t, h.logs.String(), `"level":"error"`)
	assert.Contains(t, h.logs.String(), "camera not responding")
}

func TestTick_ErrorRecovery(t *testing.T) {
	scenarios := []struct {
		name      string
		found     bool
		locateErr error
		expected  model.LifecycleState
		tickErr   error
	}{
		{"device still present", true, nil, model.StateNotConnected, nil},
		{"device gone", false, nil, model.StateNoDevice, nil},
		{"lookup fails", true, errors.New("permission denied"), model.StateFailure, ErrFailure},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			h := newHarness(t, false, model.PowerOn)
			h.toReady(t)
			h.d.pollErr = errors.New("io error")
			require.NoError(t, h.tick(t))
			require.Equal(t, model.StateError, h.m.State(), "error must persist for the rest of the tick")

			h.d.found = sc.found
			h.d.locateErr = sc.locateErr
			err := h.tick(t)
			assert.Equal(t, sc.expected, h.m.State())
			if sc.tickErr != nil {
				assert.ErrorIs(t, err, sc.tickErr)
				assert.ErrorIs(t, h.tick(t), ErrFailure, "failure is terminal")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTick_FatalErrorIsFailureEvenWhenUnpowered(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	h.d.pollErr = errors.Join(ErrFatal, errors.New("protocol corrupt"))
	err := h.tick(t)
	assert.ErrorIs(t, err, ErrFailure)
	assert.Equal(t, model.StateFailure, h.m.State())
	assert.Contains(t, h.logs.String(), `"level":"error"`)
}

func TestTick_ReconfigureRunsBeforePoll(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	h.m.RequestReconfigure()
	require.NoError(t, h.tick(t))
	assert.Equal(t, []string{"reconfigure", "poll"}, h.d.calls)
	assert.Equal(t, 2, h.d.lockedCalls)
	assert.False(t, h.m.ReconfigurePending())

	h.d.reset()
	require.NoError(t, h.tick(t))
	assert.Equal(t, []string{"poll"}, h.d.calls)
}

func TestTick_ReconfigureFailureKeepsFlag(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	h.d.reconfErr = errors.New("bad mode file")
	h.m.RequestReconfigure()
	require.NoError(t, h.tick(t))

	assert.Equal(t, model.StateError, h.m.State())
	assert.True(t, h.m.ReconfigurePending())
	assert.NotContains(t, h.d.calls, "poll")
}

func TestTick_PowerCycleReentersPowerOn(t *testing.T) {
	h := newHarness(t, true, model.PowerOn)
	require.NoError(t, h.m.Start())
	for h.m.State() != model.StateReady {
		require.NoError(t, h.tick(t))
	}

	h.power.state = model.PowerOff
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateReady, h.m.State())

	h.power.state = model.PowerOn
	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StatePowerOn, h.m.State())
	assert.Equal(t, 10*time.Second, h.m.PowerOnRemaining())
}

func TestReportFailure_AppliedOnNextTick(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	h.toReady(t)

	h.m.ReportFailure(errors.New("move rejected"))
	assert.Equal(t, model.StateReady, h.m.State(), "commands never write state directly")

	require.NoError(t, h.tick(t))
	assert.Equal(t, model.StateError, h.m.State())
	assert.ErrorContains(t, h.m.LastError(), "move rejected")
}

func TestTick_NotStartedAndCancelled(t *testing.T) {
	h := newHarness(t, false, model.PowerOn)
	assert.ErrorIs(t, h.m.Tick(context.Background()), ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.m.Tick(ctx), context.Canceled)
}
