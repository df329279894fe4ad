package failsafecontroller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

// Switcher cuts a PDU channel.
type Switcher interface {
	CutChannel(ch string) error
}

// Guard is one supervised device together with the channel feeding it.
type Guard struct {
	config.Guard
	PDU     string
	Channel string
}

type GuardState struct {
	Guard  Guard
	Status model.DeviceStatus
	Found  bool
}

type Trip struct {
	Device  string
	PDU     string
	Channel string
	Reason  string
}

type FailsafeAction struct {
	Trip  []Trip
	Clear []string
}

type Controller struct {
	devices      *device.Set
	pdus         map[string]Switcher
	guards       []Guard
	ignored      map[string]bool
	spread       float64
	interval     time.Duration
	startupDelay time.Duration
	clock        clock.Clock
	notify       func(title, message string) error

	mu      sync.Mutex
	tripped map[string]bool
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithNotifier(fn func(title, message string) error) Option {
	return func(ctl *Controller) { ctl.notify = fn }
}

// New resolves each configured guard to the PDU channel that powers its
// device.
func New(cfg *config.Config, devices *device.Set, pdus map[string]Switcher, opts ...Option) (*Controller, error) {
	c := &Controller{
		devices:      devices,
		pdus:         pdus,
		ignored:      make(map[string]bool),
		spread:       cfg.Failsafe.Spread,
		interval:     cfg.Failsafe.Interval,
		startupDelay: cfg.Failsafe.StartupDelay,
		clock:        clock.Real(),
		tripped:      make(map[string]bool),
	}
	for _, name := range cfg.Failsafe.Ignore {
		c.ignored[name] = true
	}
	for _, g := range cfg.Failsafe.Guards {
		ref, ok := cfg.PowerOf(g.Device)
		if !ok {
			return nil, fmt.Errorf("failsafe guard %s: device is not power managed", g.Device)
		}
		if _, ok := pdus[ref.PDU]; !ok {
			return nil, fmt.Errorf("failsafe guard %s: pdu %s is not available", g.Device, ref.PDU)
		}
		c.guards = append(c.guards, Guard{Guard: g, PDU: ref.PDU, Channel: ref.Channel})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run evaluates the guards every interval after the startup delay, until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if len(c.guards) == 0 {
		return
	}
	log.Info().Int("guards", len(c.guards)).Dur("interval", c.interval).Msg("Starting failsafe controller")

	wait := c.startupDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
		wait = c.interval
		c.Check()
	}
}

// Check runs one evaluation cycle and returns what it did.
func (c *Controller) Check() FailsafeAction {
	states := gatherGuardStates(c.devices, c.guards)

	c.mu.Lock()
	tripped := make(map[string]bool, len(c.tripped))
	for k, v := range c.tripped {
		tripped[k] = v
	}
	c.mu.Unlock()

	action := evaluateFailsafeActions(states, tripped, c.ignored, c.spread)
	c.executeFailsafeActions(action)
	return action
}

// Tripped lists the devices whose supply is currently latched off.
func (c *Controller) Tripped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tripped))
	for name := range c.tripped {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func gatherGuardStates(devices *device.Set, guards []Guard) []GuardState {
	var states []GuardState
	for _, g := range guards {
		dev, err := devices.Get(g.Device)
		if err != nil {
			log.Error().Err(err).Str("device", g.Device).Msg("Guarded device is not running")
			states = append(states, GuardState{Guard: g})
			continue
		}
		states = append(states, GuardState{Guard: g, Status: dev.Status(), Found: true})
	}
	return states
}

// outOfRange reports whether v lies outside [min+margin, max-margin].
func outOfRange(g config.Guard, v, margin float64) (bool, string) {
	if g.Min != nil && v < *g.Min+margin {
		return true, fmt.Sprintf("%s %.2f below %.2f", g.Value, v, *g.Min+margin)
	}
	if g.Max != nil && v > *g.Max-margin {
		return true, fmt.Sprintf("%s %.2f above %.2f", g.Value, v, *g.Max-margin)
	}
	return false, ""
}

func evaluateFailsafeActions(states []GuardState, tripped, ignored map[string]bool, spread float64) FailsafeAction {
	var action FailsafeAction

	for _, st := range states {
		g := st.Guard
		if ignored[g.Device] {
			log.Debug().Str("device", g.Device).Msg("Skipping ignored device for failsafe evaluation")
			continue
		}
		if !st.Found {
			continue
		}

		failed := g.OnFailure && st.Status.State == model.StateFailure.String()
		value, hasValue := st.Status.Values[g.Value]

		if !tripped[g.Device] {
			reason := ""
			if failed {
				reason = "device entered FAILURE"
				if st.Status.LastError != "" {
					reason += ": " + st.Status.LastError
				}
			} else if hasValue {
				if out, why := outOfRange(g.Guard, value, 0); out {
					reason = why
				}
			}
			if reason != "" {
				log.Warn().
					Str("device", g.Device).
					Str("pdu", g.PDU).
					Str("channel", g.Channel).
					Str("reason", reason).
					Msg("Failsafe condition detected")
				action.Trip = append(action.Trip, Trip{Device: g.Device, PDU: g.PDU, Channel: g.Channel, Reason: reason})
			}
			continue
		}

		// A tripped device is released once it is no longer failed and its
		// value is back inside the range narrowed by spread.
		if failed {
			continue
		}
		if hasValue {
			if out, _ := outOfRange(g.Guard, value, spread); out {
				continue
			}
		}
		action.Clear = append(action.Clear, g.Device)
	}
	return action
}

func (c *Controller) executeFailsafeActions(action FailsafeAction) {
	for _, t := range action.Trip {
		sw := c.pdus[t.PDU]
		if err := sw.CutChannel(t.Channel); err != nil {
			log.Error().Err(err).Str("device", t.Device).Str("channel", t.Channel).Msg("Failed to cut power to device")
			continue
		}
		log.Warn().Str("device", t.Device).Str("channel", t.Channel).Msg("Failsafe cut device power")

		c.mu.Lock()
		c.tripped[t.Device] = true
		c.mu.Unlock()

		if c.notify != nil {
			msg := fmt.Sprintf("Power to %s (%s/%s) was cut: %s", t.Device, t.PDU, t.Channel, t.Reason)
			if err := c.notify("Failsafe tripped: "+t.Device, msg); err != nil {
				log.Warn().Err(err).Str("device", t.Device).Msg("Failed to send failsafe notification")
			}
		}
	}

	for _, name := range action.Clear {
		log.Info().Str("device", name).Msg("Device back within safe range, clearing failsafe latch")
		c.mu.Lock()
		delete(c.tripped, name)
		c.mu.Unlock()
	}
}
