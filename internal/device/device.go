package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/gateway"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

var (
	ErrNotReady      = errors.New("device: not ready for commands")
	ErrDuplicateName = errors.New("device: duplicate device name")
	ErrUnknownDevice = errors.New("device: unknown device")
)

const FSMProperty = "fsm"

// Device is what the runner, API and telemetry see of a driver.
type Device interface {
	Name() string
	Kind() model.DeviceKind
	Machine() *lifecycle.Machine
	Properties() *property.Registry
	Gateway() *gateway.Gateway
	Status() model.DeviceStatus
	Close() error
}

// Core holds the components every driver is built from: one gateway, one
// property registry and one lifecycle machine.
type Core struct {
	name  string
	kind  model.DeviceKind
	gw    *gateway.Gateway
	props *property.Registry
	fsm   *lifecycle.Machine
}

func NewCore(name string, kind model.DeviceKind) *Core {
	c := &Core{
		name:  name,
		kind:  kind,
		gw:    gateway.New(),
		props: property.NewRegistry(name),
	}
	c.props.Define(FSMProperty, property.Text, []string{"state"}, nil)
	return c
}

// Bind creates the lifecycle machine around driver. It must be called once,
// before the device is started.
func (c *Core) Bind(cfg lifecycle.Config, driver lifecycle.Driver, opts ...lifecycle.Option) {
	cfg.Name = c.name
	c.fsm = lifecycle.New(cfg, driver, c.gw, opts...)
	c.fsm.OnStateChange(func(tr lifecycle.Transition) {
		state := property.Ok
		switch tr.To {
		case model.StateError, model.StateFailure:
			state = property.Alert
		case model.StateOperating:
			state = property.Busy
		}
		if err := c.props.Set(FSMProperty, map[string]any{"state": tr.To.String()}, state); err != nil {
			log.Warn().Err(err).Str("device", c.name).Msg("Failed to publish state")
		}
	})
}

func (c *Core) Name() string                   { return c.name }
func (c *Core) Kind() model.DeviceKind         { return c.kind }
func (c *Core) Machine() *lifecycle.Machine    { return c.fsm }
func (c *Core) Properties() *property.Registry { return c.props }
func (c *Core) Gateway() *gateway.Gateway      { return c.gw }

// RequireServiceable rejects commands outside Ready and Operating.
func (c *Core) RequireServiceable() error {
	if s := c.fsm.State(); !s.Serviceable() {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, c.name, s)
	}
	return nil
}

// Command runs fn under the blocking lock. A hardware failure is handed to
// the lifecycle machine as well as returned.
func (c *Core) Command(fn func() error) error {
	if err := c.gw.Do(fn); err != nil {
		c.fsm.ReportFailure(err)
		return err
	}
	return nil
}

// BaseStatus fills the fields common to every driver.
func (c *Core) BaseStatus() model.DeviceStatus {
	st := model.DeviceStatus{
		Name:       c.name,
		Kind:       c.kind,
		State:      c.fsm.State().String(),
		PowerState: c.fsm.PowerState().String(),
	}
	if err := c.fsm.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Set is the collection of devices run by one process.
type Set struct {
	mu     sync.RWMutex
	byName map[string]Device
}

func NewSet() *Set {
	return &Set{byName: make(map[string]Device)}
}

func (s *Set) Add(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[d.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name())
	}
	s.byName[d.Name()] = d
	return nil
}

func (s *Set) Get(name string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return d, nil
}

// All returns the devices sorted by name.
func (s *Set) All() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.byName))
	for _, d := range s.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every device and joins the errors.
func (s *Set) Close() error {
	var errs []error
	for _, d := range s.All() {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}
