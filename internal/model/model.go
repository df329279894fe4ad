package model

import (
	"fmt"
	"strings"
)

type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StatePowerOn
	StateNotConnected
	StateNoDevice
	StateConnected
	StateReady
	StateOperating
	StateError
	StateFailure
)

var stateNames = map[LifecycleState]string{
	StateUninitialized: "UNINITIALIZED",
	StatePowerOn:       "POWERON",
	StateNotConnected:  "NOTCONNECTED",
	StateNoDevice:      "NODEVICE",
	StateConnected:     "CONNECTED",
	StateReady:         "READY",
	StateOperating:     "OPERATING",
	StateError:         "ERROR",
	StateFailure:       "FAILURE",
}

func (s LifecycleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Serviceable reports whether the device is polled every tick.
func (s LifecycleState) Serviceable() bool {
	return s == StateReady || s == StateOperating
}

func ParseLifecycleState(s string) (LifecycleState, error) {
	for state, name := range stateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return StateUninitialized, fmt.Errorf("unknown lifecycle state %q", s)
}

type PowerState int

const (
	PowerUnknown PowerState = -1
	PowerOff     PowerState = 0
	PowerOn      PowerState = 1
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

func ParsePowerState(s string) PowerState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return PowerOn
	case "off":
		return PowerOff
	default:
		return PowerUnknown
	}
}

// Powered is false only when power management positively reports off.
func (p PowerState) Powered() bool {
	return p != PowerOff
}

type OutletState int

const (
	OutletUnknown      OutletState = -1
	OutletOff          OutletState = 0
	OutletIntermediate OutletState = 1
	OutletOn           OutletState = 2
)

func (o OutletState) String() string {
	switch o {
	case OutletOn:
		return "On"
	case OutletOff:
		return "Off"
	case OutletIntermediate:
		return "Int"
	default:
		return "Unk"
	}
}

func ParseOutletState(s string) OutletState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return OutletOn
	case "OFF":
		return OutletOff
	case "INT":
		return OutletIntermediate
	default:
		return OutletUnknown
	}
}

// ChannelSpec names a group of outlets switched together. Order and delay
// vectors only apply when their length equals len(Outlets).
type ChannelSpec struct {
	Name      string
	Outlets   []int
	OnOrder   []int
	OffOrder  []int
	OnDelays  []uint
	OffDelays []uint
}

type StageSpec struct {
	Name   string
	Serial string
}

type CameraMode struct {
	Name          string  `yaml:"-" json:"name"`
	ConfigFile    string  `yaml:"configFile" json:"config_file"`
	SerialCommand string  `yaml:"serialCommand" json:"serial_command"`
	Binning       int     `yaml:"binning" json:"binning"`
	SizeX         int     `yaml:"sizeX" json:"size_x"`
	SizeY         int     `yaml:"sizeY" json:"size_y"`
	MaxFPS        float64 `yaml:"maxFPS" json:"max_fps"`
}

type DeviceKind string

const (
	KindPDU    DeviceKind = "pdu"
	KindStages DeviceKind = "stages"
	KindCamera DeviceKind = "camera"
)

// GPIOPin is a relay control line on the board header.
type GPIOPin struct {
	Number     int
	ActiveHigh bool
}

// DeviceStatus is the current snapshot of one managed device.
type DeviceStatus struct {
	Name       string             `json:"name"`
	Kind       DeviceKind         `json:"kind"`
	State      string             `json:"state"`
	PowerState string             `json:"power_state"`
	LastError  string             `json:"last_error,omitempty"`
	Outlets    []string           `json:"outlets,omitempty"`
	Channels   map[string]string  `json:"channels,omitempty"`
	Stages     []StageStatus      `json:"stages,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
}

type StageStatus struct {
	Name     string   `json:"name"`
	Serial   string   `json:"serial"`
	Address  int      `json:"address"`
	Position float64  `json:"position"`
	Busy     bool     `json:"busy"`
	Warnings []string `json:"warnings,omitempty"`
}
