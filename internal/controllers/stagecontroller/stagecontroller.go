package stagecontroller

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
	"github.com/thatsimonsguy/instrument-controller/internal/serialport"
	"github.com/thatsimonsguy/instrument-controller/internal/stagebus"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 100 * time.Millisecond
)

// Link is an open connection to the stage chain.
type Link interface {
	stagebus.Transport
	Close() error
}

type Config struct {
	Name         string
	USB          serialport.USBDevice
	Baud         int
	ReadTimeout  time.Duration
	Stages       []model.StageSpec
	PowerManaged bool
	PowerOnWait  time.Duration
}

// Controller drives a daisy chain of stages on one serial adapter.
type Controller struct {
	*device.Core
	lifecycle.Base

	cfg    Config
	reg    *stagebus.Registry
	find   func(serialport.USBDevice) (string, error)
	open   func(path string) (Link, error)
	logger zerolog.Logger

	// link is only touched with the gateway held.
	link Link

	mu       sync.RWMutex
	path     string
	snapshot []model.StageStatus
}

type Option func(*Controller)

// WithLink replaces USB lookup and port opening, e.g. with a simulator.
func WithLink(find func(serialport.USBDevice) (string, error), open func(path string) (Link, error)) Option {
	return func(c *Controller) {
		c.find = find
		c.open = open
	}
}

func New(cfg Config, power lifecycle.PowerSource, fsmOpts []lifecycle.Option, opts ...Option) (*Controller, error) {
	reg, err := stagebus.NewRegistry(cfg.Stages)
	if err != nil {
		return nil, fmt.Errorf("configuring %s: %w", cfg.Name, err)
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	c := &Controller{
		Core:   device.NewCore(cfg.Name, model.KindStages),
		cfg:    cfg,
		reg:    reg,
		find:   serialport.Find,
		logger: log.With().Str("device", cfg.Name).Logger(),
	}
	c.open = func(path string) (Link, error) {
		return serialport.Open(path, c.cfg.Baud, c.cfg.ReadTimeout)
	}
	for _, opt := range opts {
		opt(c)
	}

	names := reg.Names()
	props := c.Properties()
	props.Define("curr_pos", property.Number, names, nil)
	props.Define("warnings", property.Text, names, nil)
	props.Define("tgt_pos", property.Number, names, c.moveHandler)
	props.Define("req_home", property.Number, names, c.requestHandler("home", reg.Home))
	props.Define("req_halt", property.Number, names, c.requestHandler("halt", reg.Stop))
	props.Define("req_ehalt", property.Number, names, c.requestHandler("ehalt", reg.EStop))

	if power != nil {
		fsmOpts = append([]lifecycle.Option{lifecycle.WithPower(power)}, fsmOpts...)
	}
	c.Bind(lifecycle.Config{PowerManaged: cfg.PowerManaged, PowerOnWait: cfg.PowerOnWait}, c, fsmOpts...)
	c.refreshSnapshot()
	return c, nil
}

func (c *Controller) Registry() *stagebus.Registry { return c.reg }

// Locate looks for the USB adapter. It runs without the gateway.
func (c *Controller) Locate() (bool, error) {
	path, err := c.find(c.cfg.USB)
	if errors.Is(err, serialport.ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	return true, nil
}

func (c *Controller) ensureLink() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if c.link != nil {
		return nil
	}
	if path == "" {
		return fmt.Errorf("%w: adapter not located", lifecycle.ErrNotConnected)
	}
	link, err := c.open(path)
	if err != nil {
		return err
	}
	c.link = link
	return nil
}

func (c *Controller) closeLink() {
	if c.link == nil {
		return
	}
	if err := c.link.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close stage link")
	}
	c.link = nil
}

// TestConnection opens the port if needed and checks that anything answers.
func (c *Controller) TestConnection() error {
	if err := c.ensureLink(); err != nil {
		return err
	}
	n, err := stagebus.Probe(c.link)
	if errors.Is(err, stagebus.ErrSilent) {
		return fmt.Errorf("%w: %w", lifecycle.ErrNotConnected, err)
	}
	if err != nil {
		c.closeLink()
		return err
	}
	c.logger.Debug().Int("replies", n).Msg("Stage bus answered")
	return nil
}

// Connect rebuilds the address map from a fresh discovery.
func (c *Controller) Connect() error {
	bound, err := c.reg.Discover(c.link)
	if err != nil {
		c.closeLink()
		return err
	}
	if bound == 0 {
		return fmt.Errorf("%w: no configured stage on the bus", lifecycle.ErrNotConnected)
	}
	c.logger.Info().Int("bound", bound).Int("configured", c.reg.Len()).Msg("Stages connected")
	c.refreshSnapshot()
	return nil
}

func (c *Controller) Initialize() error {
	_, err := c.PollStatus()
	return err
}

// PollStatus reads every bound stage. Warnings are fetched only when the
// reply flags one. Unbound stages are reported in alert.
func (c *Controller) PollStatus() (bool, error) {
	busy := false
	positions := make(map[string]any)
	warnings := make(map[string]any)
	missing := false

	for _, st := range c.reg.Stages() {
		if !st.Bound() {
			missing = true
			continue
		}
		if err := c.reg.UpdatePosition(c.link, st.Name); err != nil {
			c.closeLink()
			return false, fmt.Errorf("polling %s: %w", st.Name, err)
		}
		if c.reg.WarningActive(st.Name) {
			if err := c.reg.FetchWarnings(c.link, st.Name); err != nil {
				return false, fmt.Errorf("reading warnings from %s: %w", st.Name, err)
			}
		}
		cur, _ := c.reg.ByName(st.Name)
		busy = busy || cur.Busy
		positions[cur.Name] = cur.Position
		warnings[cur.Name] = strings.Join(cur.Warnings, " ")
	}

	posState := property.Ok
	if missing {
		posState = property.Alert
	} else if busy {
		posState = property.Busy
	}
	if err := c.Properties().Set("curr_pos", positions, posState); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish positions")
	}
	if err := c.Properties().Set("warnings", warnings, ""); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish warnings")
	}
	c.refreshSnapshot()
	return busy, nil
}

// OnPowerOff drops the link and every cached position.
func (c *Controller) OnPowerOff() error {
	c.closeLink()
	c.reg.Unbind()
	c.refreshSnapshot()
	return nil
}

func (c *Controller) refreshSnapshot() {
	stages := c.reg.Stages()
	snap := make([]model.StageStatus, 0, len(stages))
	for _, st := range stages {
		snap = append(snap, st.Status())
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

func sortedElements(u property.Update) []string {
	names := make([]string, 0, len(u.Elements))
	for name := range u.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// moveHandler starts an absolute move for every stage given a target >= 0.
func (c *Controller) moveHandler(u property.Update) error {
	targets := make(map[string]float64)
	for _, name := range sortedElements(u) {
		pos, err := u.Number(name)
		if err != nil {
			return err
		}
		if pos >= 0 {
			targets[name] = pos
		}
	}
	if len(targets) == 0 {
		return nil
	}
	if err := c.RequireServiceable(); err != nil {
		return err
	}

	values := make(map[string]any, len(targets))
	for name, pos := range targets {
		values[name] = pos
	}
	return c.Command(func() error {
		if c.link == nil {
			return device.ErrNotReady
		}
		if err := c.Properties().Set("tgt_pos", values, property.Busy); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish stage targets")
		}
		for _, name := range sortedElements(u) {
			pos, ok := targets[name]
			if !ok {
				continue
			}
			c.logger.Info().Str("stage", name).Float64("target", pos).Msg("Moving stage")
			if err := c.reg.MoveAbs(c.link, name, pos); err != nil {
				return err
			}
		}
		return nil
	})
}

// requestHandler runs op for every stage whose element is set.
func (c *Controller) requestHandler(what string, op func(stagebus.Transport, string) error) property.Handler {
	return func(u property.Update) error {
		var stages []string
		for _, name := range sortedElements(u) {
			v, err := u.Number(name)
			if err != nil {
				return err
			}
			if v != 0 {
				stages = append(stages, name)
			}
		}
		if len(stages) == 0 {
			return nil
		}
		if err := c.RequireServiceable(); err != nil {
			return err
		}

		return c.Command(func() error {
			if c.link == nil {
				return device.ErrNotReady
			}
			for _, name := range stages {
				c.logger.Info().Str("stage", name).Str("request", what).Msg("Stage request")
				if err := op(c.link, name); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func (c *Controller) Status() model.DeviceStatus {
	st := c.BaseStatus()
	c.mu.RLock()
	st.Stages = append([]model.StageStatus(nil), c.snapshot...)
	c.mu.RUnlock()
	return st
}

func (c *Controller) Close() error {
	return c.Gateway().Do(func() error {
		c.closeLink()
		return nil
	})
}
