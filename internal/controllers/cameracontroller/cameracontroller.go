package cameracontroller

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

const (
	MinSetTemp         = -120.0
	MaxSetTemp         = 30.0
	DefaultStartupTemp = 20.0
	DefaultMaxEMGain   = 600
	// powerOffTemp is published for the temperature while unpowered.
	powerOffTemp = -999.0
)

var (
	ErrOutOfRange  = errors.New("camera: value out of range")
	ErrUnknownMode = errors.New("camera: unknown mode")
)

type Config struct {
	Name         string
	Modes        map[string]model.CameraMode
	StartupMode  string
	StartupTemp  *float64
	MaxEMGain    int
	PowerManaged bool
	PowerOnWait  time.Duration
}

// Controller is an EMCCD camera behind a vendor SDK.
type Controller struct {
	*device.Core

	sdk         SDK
	modes       map[string]model.CameraMode
	startupTemp float64
	maxEMGain   int
	logger      zerolog.Logger

	// Guarded by the gateway.
	mode     string
	nextMode string
}

// ClampMaxEMGain bounds the configured gain ceiling to what the sensor
// supports.
func ClampMaxEMGain(g int) int {
	if g < 1 {
		log.Warn().Int("maxEMGain", g).Msg("maxEMGain set to 1")
		return 1
	}
	if g > DefaultMaxEMGain {
		log.Warn().Int("maxEMGain", g).Msg("maxEMGain set to 600")
		return DefaultMaxEMGain
	}
	return g
}

func New(cfg Config, sdk SDK, power lifecycle.PowerSource, fsmOpts ...lifecycle.Option) (*Controller, error) {
	if len(cfg.Modes) == 0 {
		return nil, fmt.Errorf("camera %s: no modes configured", cfg.Name)
	}
	if _, ok := cfg.Modes[cfg.StartupMode]; !ok {
		return nil, fmt.Errorf("%w: startup mode %q for %s", ErrUnknownMode, cfg.StartupMode, cfg.Name)
	}

	startupTemp := DefaultStartupTemp
	if cfg.StartupTemp != nil {
		startupTemp = *cfg.StartupTemp
	}
	if startupTemp < MinSetTemp || startupTemp > MaxSetTemp {
		return nil, fmt.Errorf("%w: startup temperature %.1f for %s", ErrOutOfRange, startupTemp, cfg.Name)
	}
	maxGain := cfg.MaxEMGain
	if maxGain == 0 {
		maxGain = DefaultMaxEMGain
	}

	c := &Controller{
		Core:        device.NewCore(cfg.Name, model.KindCamera),
		sdk:         sdk,
		modes:       make(map[string]model.CameraMode, len(cfg.Modes)),
		startupTemp: startupTemp,
		maxEMGain:   ClampMaxEMGain(maxGain),
		logger:      log.With().Str("device", cfg.Name).Logger(),
		mode:        cfg.StartupMode,
	}
	for name, m := range cfg.Modes {
		m.Name = name
		c.modes[name] = m
	}

	props := c.Properties()
	props.Define("ccdtemp", property.Number, []string{"current", "target"}, c.tempHandler)
	props.Define("mode", property.Text, []string{"current", "target"}, c.modeHandler)
	props.Define("fps", property.Number, []string{"current", "target", "measured"}, c.fpsHandler)
	props.Define("emgain", property.Number, []string{"current", "target"}, c.emGainHandler)

	if power != nil {
		fsmOpts = append([]lifecycle.Option{lifecycle.WithPower(power)}, fsmOpts...)
	}
	c.Bind(lifecycle.Config{PowerManaged: cfg.PowerManaged, PowerOnWait: cfg.PowerOnWait}, c, fsmOpts...)
	return c, nil
}

func (c *Controller) Modes() []string {
	out := make([]string, 0, len(c.modes))
	for name := range c.modes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) MaxEMGain() int { return c.maxEMGain }

// Locate always succeeds: the camera sits on a fixed bus and presence is
// established by TestConnection.
func (c *Controller) Locate() (bool, error) { return true, nil }

func (c *Controller) TestConnection() error {
	err := c.sdk.Open()
	if errors.Is(err, ErrNoCamera) {
		return fmt.Errorf("%w: %w", lifecycle.ErrNotConnected, err)
	}
	return err
}

func (c *Controller) Connect() error { return nil }

// Initialize cools (or warms) to the startup temperature and schedules the
// current mode to be applied on the first poll.
func (c *Controller) Initialize() error {
	if err := c.sdk.SetTemperature(c.startupTemp); err != nil {
		return fmt.Errorf("setting startup temperature: %w", err)
	}
	c.update("ccdtemp", "target", c.startupTemp)
	c.logger.Info().Float64("target", c.startupTemp).Msg("Startup temperature set")
	c.Machine().RequestReconfigure()
	return nil
}

// Reconfigure applies the requested mode, or the current one after a
// power cycle.
func (c *Controller) Reconfigure() error {
	name := c.mode
	if c.nextMode != "" {
		name = c.nextMode
	}
	mode := c.modes[name]
	if err := c.sdk.ApplyMode(mode); err != nil {
		return fmt.Errorf("applying mode %s: %w", name, err)
	}
	c.mode = name
	c.nextMode = ""
	c.logger.Info().Str("mode", name).Msg("Camera configured")
	if err := c.Properties().Set("mode", map[string]any{"current": name, "target": ""}, property.Ok); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish mode")
	}
	return nil
}

// PollStatus reads temperature, frame rates and gain. The camera is
// Operating while frames arrive.
func (c *Controller) PollStatus() (bool, error) {
	temp, err := c.sdk.Temperature()
	if err != nil {
		return false, fmt.Errorf("reading temperature: %w", err)
	}
	fps, err := c.sdk.FPS()
	if err != nil {
		return false, fmt.Errorf("reading fps: %w", err)
	}
	measured, err := c.sdk.MeasuredFPS()
	if err != nil {
		return false, fmt.Errorf("reading measured fps: %w", err)
	}
	gain, err := c.sdk.EMGain()
	if err != nil {
		return false, fmt.Errorf("reading em gain: %w", err)
	}

	c.update("ccdtemp", "current", temp)
	if err := c.Properties().Set("fps", map[string]any{"current": fps, "measured": measured}, ""); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish fps")
	}
	c.update("emgain", "current", float64(gain))
	c.update("mode", "current", c.mode)
	return measured > 0, nil
}

// OnPowerOff clears every cached value so stale readings are not served.
func (c *Controller) OnPowerOff() error {
	props := c.Properties()
	for name, values := range map[string]map[string]any{
		"ccdtemp": {"current": powerOffTemp, "target": powerOffTemp},
		"mode":    {"current": "", "target": ""},
		"fps":     {"current": 0.0, "target": 0.0, "measured": 0.0},
		"emgain":  {"current": 0.0, "target": 0.0},
	} {
		if err := props.Set(name, values, property.Idle); err != nil {
			c.logger.Warn().Err(err).Str("property", name).Msg("Failed to publish")
		}
	}
	return c.sdk.Close()
}

func (c *Controller) update(name, element string, v any) {
	if err := c.Properties().UpdateIfChanged(name, element, v); err != nil {
		c.logger.Warn().Err(err).Str("property", name).Msg("Failed to publish")
	}
}

// targetOrCurrent returns target, falling back to current when target is
// absent. ok is false when neither is given.
func targetOrCurrent(u property.Update) (float64, bool, error) {
	for _, el := range []string{"target", "current"} {
		if !u.Has(el) {
			continue
		}
		v, err := u.Number(el)
		return v, true, err
	}
	return 0, false, nil
}

func (c *Controller) tempHandler(u property.Update) error {
	target, ok, err := targetOrCurrent(u)
	if err != nil || !ok {
		return err
	}
	if target < MinSetTemp || target > MaxSetTemp {
		return fmt.Errorf("%w: temperature %.1f outside [%.0f, %.0f]", ErrOutOfRange, target, MinSetTemp, MaxSetTemp)
	}
	if err := c.RequireServiceable(); err != nil {
		return err
	}
	return c.Command(func() error {
		c.update("ccdtemp", "target", target)
		return c.sdk.SetTemperature(target)
	})
}

func (c *Controller) emGainHandler(u property.Update) error {
	target, ok, err := targetOrCurrent(u)
	if err != nil || !ok || target == 0 {
		return err
	}
	gain := int(math.Round(target))
	if gain < 1 {
		gain = 1
	}
	if gain > c.maxEMGain {
		c.logger.Warn().Int("requested", gain).Int("max", c.maxEMGain).Msg("EM gain clamped")
		gain = c.maxEMGain
	}
	if err := c.RequireServiceable(); err != nil {
		return err
	}
	return c.Command(func() error {
		c.update("emgain", "target", float64(gain))
		return c.sdk.SetEMGain(gain)
	})
}

func (c *Controller) fpsHandler(u property.Update) error {
	target, ok, err := targetOrCurrent(u)
	if err != nil || !ok || target <= 0 {
		return err
	}
	if err := c.RequireServiceable(); err != nil {
		return err
	}
	return c.Command(func() error {
		if limit := c.modes[c.mode].MaxFPS; limit > 0 && target > limit {
			c.logger.Warn().Float64("requested", target).Float64("max", limit).Msg("Frame rate clamped")
			target = limit
		}
		c.update("fps", "target", target)
		return c.sdk.SetFPS(target)
	})
}

// modeHandler stages a mode change for the next reconfigure.
func (c *Controller) modeHandler(u property.Update) error {
	target, _ := u.Text("target")
	if strings.TrimSpace(target) == "" {
		target, _ = u.Text("current")
	}
	target = strings.TrimSpace(target)
	if _, ok := c.modes[target]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}

	err := c.Gateway().Do(func() error {
		c.nextMode = target
		c.update("mode", "target", target)
		c.Machine().RequestReconfigure()
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("mode", target).Msg("Failed to stage mode change")
		return err
	}
	c.logger.Info().Str("mode", target).Msg("Mode change requested")
	return nil
}

func (c *Controller) Status() model.DeviceStatus {
	st := c.BaseStatus()
	st.Values = make(map[string]float64)
	for _, v := range []struct{ prop, el, key string }{
		{"ccdtemp", "current", "ccdtemp"},
		{"ccdtemp", "target", "ccdtemp_target"},
		{"fps", "current", "fps"},
		{"fps", "measured", "fps_measured"},
		{"emgain", "current", "emgain"},
	} {
		if raw, ok := c.Properties().Value(v.prop, v.el); ok {
			if f, ok := raw.(float64); ok {
				st.Values[v.key] = f
			}
		}
	}
	return st
}

func (c *Controller) Close() error {
	return c.Gateway().Do(c.sdk.Close)
}
