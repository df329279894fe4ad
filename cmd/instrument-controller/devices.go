package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/controllers/cameracontroller"
	"github.com/thatsimonsguy/instrument-controller/internal/controllers/pducontroller"
	"github.com/thatsimonsguy/instrument-controller/internal/controllers/stagecontroller"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/gpio"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/outlet"
	"github.com/thatsimonsguy/instrument-controller/internal/power"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
	"github.com/thatsimonsguy/instrument-controller/internal/serialport"
	"github.com/thatsimonsguy/instrument-controller/internal/stagebus"
)

// buildDevices constructs every configured device. PDUs come first so the
// power monitors of the other devices can watch their channels.
func buildDevices(cfg *config.Config) (*device.Set, map[string]*pducontroller.Controller, error) {
	set := device.NewSet()
	pdus := make(map[string]*pducontroller.Controller)

	for _, p := range cfg.PDUs {
		policy, err := outlet.ParsePolicy(p.Policy)
		if err != nil {
			return nil, nil, fmt.Errorf("pdu %s: %w", p.Name, err)
		}
		pdu, err := pducontroller.New(pducontroller.Config{
			Name:     p.Name,
			Outlets:  len(p.Pins),
			Channels: p.ChannelSpecs(),
			Policy:   policy,
			MinOff:   p.MinOff,
		}, gpio.NewRelayBoard(p.GPIOPins()))
		if err != nil {
			return nil, nil, err
		}
		pdus[p.Name] = pdu
		if err := set.Add(pdu); err != nil {
			return nil, nil, err
		}
	}

	monitor := func(name string, ref config.PowerRef) lifecycle.PowerSource {
		if !ref.Managed() {
			return nil
		}
		m := power.NewMonitor(name, ref.PDU, ref.Channel)
		pdus[ref.PDU].Properties().Watch(m.Observe)
		return m
	}

	// Simulators follow their supply channel the way the hardware would.
	followPower := func(ref config.PowerRef, fn func(powered bool)) {
		if !ref.Managed() {
			return
		}
		pdus[ref.PDU].Properties().Watch(func(p property.Property) {
			if p.Name != ref.Channel {
				return
			}
			if state, ok := p.Elements["state"].(string); ok {
				fn(power.FromChannelState(state).Powered())
			}
		})
	}

	for _, s := range cfg.Stages {
		var opts []stagecontroller.Option
		if s.Simulate {
			sim := stagebus.NewSimulator(stageSerials(s)...)
			followPower(s.Power, func(powered bool) { sim.SetSilent(!powered) })
			opts = append(opts, stagecontroller.WithLink(
				func(serialport.USBDevice) (string, error) { return "sim:" + s.Name, nil },
				func(string) (stagecontroller.Link, error) { return sim, nil },
			))
			log.Warn().Str("device", s.Name).Msg("Stage bus is simulated")
		}
		ctl, err := stagecontroller.New(stagecontroller.Config{
			Name:         s.Name,
			USB:          s.USB,
			Baud:         s.Baud,
			ReadTimeout:  s.ReadTimeout,
			Stages:       s.Stages,
			PowerManaged: s.Power.Managed(),
			PowerOnWait:  s.PowerOnWait,
		}, monitor(s.Name, s.Power), nil, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := set.Add(ctl); err != nil {
			return nil, nil, err
		}
	}

	for _, c := range cfg.Cameras {
		sdk := cameracontroller.NewSimulator()
		followPower(c.Power, sdk.SetPowered)
		cam, err := cameracontroller.New(cameracontroller.Config{
			Name:         c.Name,
			Modes:        c.Modes,
			StartupMode:  c.StartupMode,
			StartupTemp:  c.StartupTemp,
			MaxEMGain:    c.MaxEMGain,
			PowerManaged: c.Power.Managed(),
			PowerOnWait:  c.PowerOnWait,
		}, sdk, monitor(c.Name, c.Power))
		if err != nil {
			return nil, nil, err
		}
		if err := set.Add(cam); err != nil {
			return nil, nil, err
		}
	}
	return set, pdus, nil
}

func stageSerials(s config.StageBus) []string {
	out := make([]string, len(s.Stages))
	for i, st := range s.Stages {
		out[i] = st.Serial
	}
	return out
}
