package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/gateway"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

var (
	// ErrNotConnected is returned by a driver probe when the transport is
	// present but nothing answers. It is not a fault.
	ErrNotConnected = errors.New("lifecycle: device not connected")
	// ErrFatal marks driver errors that must stop the device for good.
	ErrFatal = errors.New("lifecycle: fatal device fault")
	// ErrFailure is returned by Tick once the device is in Failure.
	ErrFailure    = errors.New("lifecycle: device in failure state")
	ErrNotStarted = errors.New("lifecycle: machine not started")
)

// Driver is the device-specific half of the state machine. Every method
// except Locate runs with the device gateway held.
type Driver interface {
	// Locate reports whether the transport endpoint exists. An error
	// means the lookup itself failed.
	Locate() (bool, error)
	TestConnection() error
	Connect() error
	Initialize() error
	// PollStatus refreshes cached status. busy selects Operating over Ready.
	PollStatus() (busy bool, err error)
	Reconfigure() error
	OnPowerOff() error
}

// Base gives drivers no-op defaults for the hooks they do not need.
type Base struct{}

func (Base) Locate() (bool, error)     { return true, nil }
func (Base) TestConnection() error     { return nil }
func (Base) Connect() error            { return nil }
func (Base) Initialize() error         { return nil }
func (Base) PollStatus() (bool, error) { return false, nil }
func (Base) Reconfigure() error        { return nil }
func (Base) OnPowerOff() error         { return nil }

// PowerSource reports the device's supply state as seen by power management.
type PowerSource interface {
	PowerState() model.PowerState
}

type Config struct {
	Name         string
	PowerManaged bool
	PowerOnWait  time.Duration
	RetryBackoff time.Duration
}

type Transition struct {
	Device string
	From   model.LifecycleState
	To     model.LifecycleState
	At     time.Time
	Err    error
}

// Machine drives one device through its lifecycle. Tick must be called
// from a single goroutine; State and the request methods are safe from any.
type Machine struct {
	cfg    Config
	driver Driver
	gw     *gateway.Gateway
	power  PowerSource
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.RWMutex
	state     model.LifecycleState
	lastErr   error
	observers []func(Transition)

	lastPower       model.PowerState
	powerOnDeadline time.Time

	reconfigure  atomic.Bool
	pendingFault atomic.Pointer[error]
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithPower(p PowerSource) Option {
	return func(m *Machine) { m.power = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

func New(cfg Config, driver Driver, gw *gateway.Gateway, opts ...Option) *Machine {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	m := &Machine{
		cfg:       cfg,
		driver:    driver,
		gw:        gw,
		clock:     clock.Real(),
		logger:    log.With().Str("device", cfg.Name).Logger(),
		state:     model.StateUninitialized,
		lastPower: model.PowerUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Name() string {
	return m.cfg.Name
}

func (m *Machine) State() model.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// PowerState is On when power management is disabled.
func (m *Machine) PowerState() model.PowerState {
	if !m.cfg.PowerManaged || m.power == nil {
		return model.PowerOn
	}
	return m.power.PowerState()
}

func (m *Machine) powered() bool {
	return m.PowerState().Powered()
}

// OnStateChange registers fn to be called after every transition.
func (m *Machine) OnStateChange(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// RequestReconfigure makes the next serviceable tick run Reconfigure
// before polling.
func (m *Machine) RequestReconfigure() {
	m.reconfigure.Store(true)
}

func (m *Machine) ReconfigurePending() bool {
	return m.reconfigure.Load()
}

// ReportFailure hands a command failure to the machine. It is applied on
// the next tick so the state keeps a single writer.
func (m *Machine) ReportFailure(err error) {
	if err == nil {
		return
	}
	m.pendingFault.Store(&err)
}

// PowerOnRemaining is the time left before connection attempts start.
func (m *Machine) PowerOnRemaining() time.Duration {
	if m.State() != model.StatePowerOn {
		return 0
	}
	m.mu.RLock()
	deadline := m.powerOnDeadline
	m.mu.RUnlock()
	if d := deadline.Sub(m.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (m *Machine) setState(s model.LifecycleState, cause error) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if cause != nil {
		m.lastErr = cause
	}
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	ev := m.logger.Info()
	if s == model.StateFailure {
		ev = m.logger.Error().Err(cause)
	}
	ev.Str("from", prev.String()).Str("to", s.String()).Msg("State change")

	tr := Transition{Device: m.cfg.Name, From: prev, To: s, At: m.clock.Now(), Err: cause}
	for _, fn := range observers {
		fn(tr)
	}
}

func (m *Machine) enterPowerOn() {
	m.mu.Lock()
	m.powerOnDeadline = m.clock.Now().Add(m.cfg.PowerOnWait)
	m.mu.Unlock()
	m.setState(model.StatePowerOn, nil)
}

// Start leaves Uninitialized: PowerOn when power management reports the
// device on, otherwise NotConnected or NoDevice depending on Locate.
func (m *Machine) Start() error {
	if m.State() != model.StateUninitialized {
		return fmt.Errorf("device %s already started", m.cfg.Name)
	}

	m.lastPower = m.PowerState()
	if m.cfg.PowerManaged && m.lastPower == model.PowerOn {
		m.enterPowerOn()
		return nil
	}

	found, err := m.driver.Locate()
	if err != nil {
		m.setState(model.StateFailure, err)
		return fmt.Errorf("locating %s: %w", m.cfg.Name, err)
	}
	if !found {
		m.setState(model.StateNoDevice, nil)
		return nil
	}
	m.setState(model.StateNotConnected, nil)
	return nil
}

// Tick runs one iteration of the lifecycle. It returns ErrFailure once
// the device can no longer be serviced.
func (m *Machine) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := m.State()
	switch start {
	case model.StateUninitialized:
		return ErrNotStarted
	case model.StateFailure:
		return ErrFailure
	}

	if p := m.pendingFault.Swap(nil); p != nil {
		if start.Serviceable() {
			m.fault("command", *p)
		} else {
			m.logger.Debug().Err(*p).Msg("Command failure outside serviceable state ignored")
		}
	}

	if m.cfg.PowerManaged {
		m.checkPower()
	}

	if m.State() == model.StatePowerOn {
		if m.clock.Now().Before(m.powerOnDeadline) {
			return nil
		}
		m.reconfigure.Store(true)
		m.setState(model.StateNotConnected, nil)
		return nil
	}

	located := false
	if m.State() == model.StateNoDevice {
		located = m.locate()
	}

	if m.State() == model.StateNotConnected {
		m.connect(located)
	}

	if m.State() == model.StateConnected {
		m.initialize()
	}

	if m.State().Serviceable() {
		m.poll()
	}

	if start == model.StateError && m.State() == model.StateError {
		m.recover()
	}

	if m.State() == model.StateFailure {
		return ErrFailure
	}
	return nil
}

// fault classifies a driver error. Fatal errors end in Failure. Anything
// else is an Error while powered and is swallowed while powered off.
func (m *Machine) fault(op string, err error) {
	if errors.Is(err, ErrFatal) {
		m.setState(model.StateFailure, err)
		return
	}
	if !m.powered() {
		return
	}
	m.logger.Error().Err(err).Str("op", op).Msg("Device fault")
	m.setState(model.StateError, err)
}

func (m *Machine) checkPower() {
	cur := m.PowerState()
	prev := m.lastPower
	m.lastPower = cur

	switch {
	case prev != model.PowerOff && cur == model.PowerOff:
		m.logger.Info().Msg("Device powered off")
		if err := m.gw.Do(m.driver.OnPowerOff); err != nil {
			if errors.Is(err, ErrFatal) {
				m.setState(model.StateFailure, err)
				return
			}
			m.logger.Warn().Err(err).Msg("Power-off handler failed")
		}
	case prev == model.PowerOff && cur == model.PowerOn:
		m.logger.Info().Dur("wait", m.cfg.PowerOnWait).Msg("Device powered on")
		m.enterPowerOn()
	}
}

func (m *Machine) locate() bool {
	found, err := m.driver.Locate()
	if err != nil {
		m.setState(model.StateFailure, fmt.Errorf("locating device: %w", err))
		return false
	}
	if !found {
		m.setState(model.StateNoDevice, nil)
		return false
	}
	m.setState(model.StateNotConnected, nil)
	return true
}

func (m *Machine) connect(located bool) {
	if !located && !m.locate() {
		return
	}
	if !m.powered() {
		return
	}

	var probed bool
	err := m.gw.Do(func() error {
		if err := m.driver.TestConnection(); err != nil {
			return err
		}
		probed = true
		return m.driver.Connect()
	})

	switch {
	case err == nil:
		m.setState(model.StateConnected, nil)
	case errors.Is(err, ErrNotConnected):
		m.logger.Debug().Err(err).Msg("Device not answering")
	case errors.Is(err, ErrFatal):
		m.setState(model.StateFailure, err)
	case probed:
		// A connect error after a successful probe is a device fault.
		m.fault("connect", err)
	default:
		m.logger.Warn().Err(err).Dur("backoff", m.cfg.RetryBackoff).Msg("Connection attempt failed")
		m.clock.Sleep(m.cfg.RetryBackoff)
	}
}

func (m *Machine) initialize() {
	if err := m.gw.Do(m.driver.Initialize); err != nil {
		m.fault("initialize", err)
		return
	}
	m.setState(model.StateReady, nil)
}

func (m *Machine) poll() {
	var busy bool
	ok, err := m.gw.TryDo(func() error {
		if m.reconfigure.Load() {
			if err := m.driver.Reconfigure(); err != nil {
				return fmt.Errorf("reconfigure: %w", err)
			}
			m.reconfigure.Store(false)
		}
		var err error
		busy, err = m.driver.PollStatus()
		return err
	})
	if !ok {
		return
	}
	if err != nil {
		m.fault("poll", err)
		return
	}

	if busy {
		m.setState(model.StateOperating, nil)
	} else {
		m.setState(model.StateReady, nil)
	}
}

// recover re-probes the transport after an Error.
func (m *Machine) recover() {
	found, err := m.driver.Locate()
	if err != nil {
		m.setState(model.StateFailure, fmt.Errorf("error not due to loss of connection: %w", err))
		return
	}
	if !found {
		m.setState(model.StateNoDevice, nil)
		return
	}
	m.setState(model.StateNotConnected, nil)
}
