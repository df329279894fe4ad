package pducontroller

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/outlet"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

var (
	ErrBadTarget = errors.New("pdu: channel target must be On or Off")
	ErrHoldOff   = errors.New("pdu: channel switched off too recently")
)

const OutletProperty = "outlet"

type Config struct {
	Name     string
	Outlets  int
	Channels []model.ChannelSpec
	Policy   outlet.Policy
	// MinOff keeps a channel off for at least this long before it may be
	// switched on again.
	MinOff time.Duration
}

// Controller is a relay-board PDU. Channels are exposed as properties with
// state and target elements.
type Controller struct {
	*device.Core
	lifecycle.Base

	seq    *outlet.Sequencer
	clock  clock.Clock
	minOff time.Duration
	logger zerolog.Logger

	// lastOff is only touched with the gateway held.
	lastOff map[string]time.Time
}

type Option func(*options)

type options struct {
	clock clock.Clock
	fsm   []lifecycle.Option
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLifecycleOptions(opts ...lifecycle.Option) Option {
	return func(o *options) { o.fsm = append(o.fsm, opts...) }
}

func New(cfg Config, hw outlet.Hardware, opts ...Option) (*Controller, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	seq := outlet.New(hw, outlet.WithClock(o.clock), outlet.WithPolicy(cfg.Policy))
	seq.SetNumberOfOutlets(cfg.Outlets)
	if err := seq.LoadChannels(cfg.Channels); err != nil {
		return nil, fmt.Errorf("loading channels for %s: %w", cfg.Name, err)
	}

	c := &Controller{
		Core:    device.NewCore(cfg.Name, model.KindPDU),
		seq:     seq,
		clock:   o.clock,
		minOff:  cfg.MinOff,
		logger:  log.With().Str("device", cfg.Name).Logger(),
		lastOff: make(map[string]time.Time),
	}

	names := make([]string, cfg.Outlets)
	for i := range names {
		names[i] = strconv.Itoa(i + 1)
	}
	c.Properties().Define(OutletProperty, property.Text, names, nil)
	for _, ch := range seq.Channels() {
		c.Properties().Define(ch, property.Text, []string{"state", "target"}, c.channelHandler(ch))
	}

	fsmOpts := append([]lifecycle.Option{lifecycle.WithClock(o.clock)}, o.fsm...)
	c.Bind(lifecycle.Config{}, c, fsmOpts...)
	return c, nil
}

func (c *Controller) Sequencer() *outlet.Sequencer { return c.seq }

// TestConnection reads the first outlet to prove the relay board answers.
func (c *Controller) TestConnection() error {
	if c.seq.NumberOfOutlets() == 0 {
		return nil
	}
	if err := c.seq.UpdateOutletStates(); err != nil {
		return fmt.Errorf("reading outlets: %w", err)
	}
	return nil
}

func (c *Controller) Initialize() error {
	_, err := c.PollStatus()
	return err
}

// PollStatus refreshes every outlet and republishes outlets and channels.
// A channel target is cleared once the channel reaches it.
func (c *Controller) PollStatus() (bool, error) {
	if err := c.seq.UpdateOutletStates(); err != nil {
		return false, err
	}
	c.publish()
	return false, nil
}

func (c *Controller) publish() {
	props := c.Properties()

	outlets := make(map[string]any, c.seq.NumberOfOutlets())
	for i, s := range c.seq.OutletStates() {
		outlets[strconv.Itoa(i+1)] = s.String()
	}
	if err := props.Set(OutletProperty, outlets, property.Ok); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish outlets")
	}

	for _, ch := range c.seq.Channels() {
		state, err := c.seq.ChannelState(ch)
		if err != nil {
			continue
		}
		values := map[string]any{"state": state.String()}
		pstate := property.Ok
		if target, _ := props.Value(ch, "target"); target != "" {
			if target == state.String() {
				values["target"] = ""
			} else {
				pstate = property.Busy
			}
		}
		if err := props.Set(ch, values, pstate); err != nil {
			c.logger.Warn().Err(err).Str("channel", ch).Msg("Failed to publish channel")
		}
	}
}

// parseTarget takes target, falling back to state when target is empty.
func parseTarget(u property.Update) (model.OutletState, error) {
	raw, _ := u.Text("target")
	if strings.TrimSpace(raw) == "" {
		raw, _ = u.Text("state")
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ON":
		return model.OutletOn, nil
	case "OFF":
		return model.OutletOff, nil
	default:
		return model.OutletUnknown, fmt.Errorf("%w: got %q", ErrBadTarget, raw)
	}
}

func (c *Controller) channelHandler(ch string) property.Handler {
	return func(u property.Update) error {
		target, err := parseTarget(u)
		if err != nil {
			return err
		}
		if err := c.RequireServiceable(); err != nil {
			return err
		}

		var held error
		err = c.Command(func() error {
			if target == model.OutletOn {
				if held = c.checkHoldOff(ch); held != nil {
					return nil
				}
			}
			c.stageTarget(ch, target)
			return c.SwitchChannel(ch, target)
		})
		if held != nil {
			return held
		}
		return err
	}
}

func (c *Controller) stageTarget(ch string, target model.OutletState) {
	if err := c.Properties().Set(ch, map[string]any{"target": target.String()}, property.Busy); err != nil {
		c.logger.Warn().Err(err).Str("channel", ch).Msg("Failed to publish channel target")
	}
}

func (c *Controller) checkHoldOff(ch string) error {
	if c.minOff <= 0 {
		return nil
	}
	last, ok := c.lastOff[ch]
	if !ok {
		return nil
	}
	if wait := c.minOff - c.clock.Now().Sub(last); wait > 0 {
		return fmt.Errorf("%w: %s may be switched on in %s", ErrHoldOff, ch, wait.Round(time.Second))
	}
	return nil
}

// SwitchChannel sequences a channel and republishes. Callers hold the
// device gateway.
func (c *Controller) SwitchChannel(ch string, target model.OutletState) error {
	c.logger.Info().Str("channel", ch).Str("target", target.String()).Msg("Switching channel")

	if target == model.OutletOn {
		if err := c.seq.TurnChannelOn(ch); err != nil {
			return err
		}
	} else {
		if err := c.seq.TurnChannelOff(ch); err != nil {
			return err
		}
		c.lastOff[ch] = c.clock.Now()
	}

	if err := c.seq.UpdateOutletStates(); err != nil {
		return err
	}
	c.publish()
	return nil
}

// CutChannel switches one channel off regardless of lifecycle state.
func (c *Controller) CutChannel(ch string) error {
	return c.Gateway().Do(func() error {
		c.stageTarget(ch, model.OutletOff)
		return c.SwitchChannel(ch, model.OutletOff)
	})
}

// AllOff switches every channel off, best effort, for shutdown.
func (c *Controller) AllOff() error {
	return c.Gateway().Do(func() error {
		var errs []error
		for _, ch := range c.seq.Channels() {
			if err := c.SwitchChannel(ch, model.OutletOff); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (c *Controller) Status() model.DeviceStatus {
	st := c.BaseStatus()
	// Status reads cached properties so it never waits on the gateway.
	outlets, _ := c.Properties().Get(OutletProperty)
	for _, name := range outlets.Order {
		s, _ := outlets.Elements[name].(string)
		st.Outlets = append(st.Outlets, s)
	}
	st.Channels = make(map[string]string)
	for _, ch := range c.seq.Channels() {
		if v, ok := c.Properties().Value(ch, "state"); ok {
			st.Channels[ch], _ = v.(string)
		}
	}
	return st
}

func (c *Controller) Close() error { return nil }
