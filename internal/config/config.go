package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/mqtt"
	"github.com/thatsimonsguy/instrument-controller/internal/outlet"
	"github.com/thatsimonsguy/instrument-controller/internal/serialport"
)

const (
	DefaultConfigFile = "/etc/instrument-controller/config.yaml"
	DefaultLoopPause  = time.Second
	DefaultDBPath     = "data/instruments.db"
	DefaultAPIListen  = ":8080"
	DefaultStatsdAddr = "127.0.0.1:8125"

	DefaultFailsafeInterval = 10 * time.Second

	DefaultBootScript      = "/usr/local/bin/instrument-relays-off.sh"
	DefaultGPIOServicePath = "/etc/systemd/system/instrument-relays.service"
	DefaultMainServicePath = "/etc/systemd/system/instrument-controller.service"
	DefaultBinaryPath      = "/usr/local/bin/instrument-controller"
)

// IntList accepts a scalar, a sequence or a comma separated string.
type IntList []int

func (l *IntList) UnmarshalYAML(n *yaml.Node) error {
	out, err := decodeList(n, func(s string) (int, error) { return strconv.Atoi(s) })
	*l = out
	return err
}

// UintList is IntList for delays.
type UintList []uint

func (l *UintList) UnmarshalYAML(n *yaml.Node) error {
	out, err := decodeList(n, func(s string) (uint, error) {
		v, err := strconv.ParseUint(s, 10, 32)
		return uint(v), err
	})
	*l = out
	return err
}

func decodeList[T int | uint](n *yaml.Node, parse func(string) (T, error)) ([]T, error) {
	var raw []string
	switch n.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(n.Value) == "" {
			return nil, nil
		}
		raw = strings.Split(n.Value, ",")
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: list items must be numbers", item.Line)
			}
			raw = append(raw, item.Value)
		}
	default:
		return nil, fmt.Errorf("line %d: expected a number or a list", n.Line)
	}

	out := make([]T, 0, len(raw))
	for _, s := range raw {
		v, err := parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type Channel struct {
	Outlet    IntList  `yaml:"outlet"`
	Outlets   IntList  `yaml:"outlets"`
	OnOrder   IntList  `yaml:"onOrder"`
	OffOrder  IntList  `yaml:"offOrder"`
	OnDelays  UintList `yaml:"onDelays"`
	OffDelays UintList `yaml:"offDelays"`
}

// OutletList returns outlets, or outlet when only the singular key is used.
func (c Channel) OutletList() []int {
	if len(c.Outlets) > 0 {
		return c.Outlets
	}
	return c.Outlet
}

type Pin struct {
	Number     int  `yaml:"number"`
	ActiveHigh bool `yaml:"activeHigh"`
}

type PDU struct {
	Name     string             `yaml:"name"`
	Policy   string             `yaml:"policy"`
	MinOff   time.Duration      `yaml:"minOff"`
	Pins     []Pin              `yaml:"pins"`
	Channels map[string]Channel `yaml:"channels"`
}

// ChannelSpecs returns the channels sorted by name.
func (p PDU) ChannelSpecs() []model.ChannelSpec {
	names := make([]string, 0, len(p.Channels))
	for name := range p.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]model.ChannelSpec, 0, len(names))
	for _, name := range names {
		ch := p.Channels[name]
		specs = append(specs, model.ChannelSpec{
			Name:      name,
			Outlets:   ch.OutletList(),
			OnOrder:   ch.OnOrder,
			OffOrder:  ch.OffOrder,
			OnDelays:  ch.OnDelays,
			OffDelays: ch.OffDelays,
		})
	}
	return specs
}

func (p PDU) GPIOPins() []model.GPIOPin {
	out := make([]model.GPIOPin, len(p.Pins))
	for i, pin := range p.Pins {
		out[i] = model.GPIOPin{Number: pin.Number, ActiveHigh: pin.ActiveHigh}
	}
	return out
}

// PowerRef names the PDU channel that feeds a device. An empty PDU means
// the device is not power managed.
type PowerRef struct {
	PDU     string `yaml:"pdu"`
	Channel string `yaml:"channel"`
}

func (r PowerRef) Managed() bool { return r.PDU != "" }

type StageBus struct {
	Name        string               `yaml:"name"`
	Simulate    bool                 `yaml:"simulate"`
	USB         serialport.USBDevice `yaml:"usb"`
	Baud        int                  `yaml:"baud"`
	ReadTimeout time.Duration        `yaml:"readTimeout"`
	Power       PowerRef             `yaml:"power"`
	PowerOnWait time.Duration        `yaml:"powerOnWait"`
	Stages      []model.StageSpec    `yaml:"stages"`
}

type Camera struct {
	Name        string                      `yaml:"name"`
	Simulate    bool                        `yaml:"simulate"`
	StartupMode string                      `yaml:"startupMode"`
	StartupTemp *float64                    `yaml:"startupTemp"`
	MaxEMGain   int                         `yaml:"maxEMGain"`
	Modes       map[string]model.CameraMode `yaml:"modes"`
	Power       PowerRef                    `yaml:"power"`
	PowerOnWait time.Duration               `yaml:"powerOnWait"`
}

// Guard cuts a device's supply channel when it fails or one of its
// status values leaves [Min, Max].
type Guard struct {
	Device    string   `yaml:"device"`
	Value     string   `yaml:"value"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	OnFailure bool     `yaml:"onFailure"`
}

type Failsafe struct {
	Interval     time.Duration `yaml:"interval"`
	StartupDelay time.Duration `yaml:"startupDelay"`
	Spread       float64       `yaml:"spread"`
	Ignore       []string      `yaml:"ignore"`
	Guards       []Guard       `yaml:"guards"`
}

type Datadog struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type Influx struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (i Influx) Enabled() bool { return i.URL != "" }

// Service holds the boot script and systemd unit locations.
type Service struct {
	BootScript      string `yaml:"bootScript"`
	GPIOServicePath string `yaml:"gpioServicePath"`
	MainServicePath string `yaml:"mainServicePath"`
	Binary          string `yaml:"binary"`
	User            string `yaml:"user"`
}

type Config struct {
	ConfigFile     string        `yaml:"-"`
	LogLevel       zerolog.Level `yaml:"-"`
	InstallService bool          `yaml:"-"`

	LogLevelName string        `yaml:"logLevel"`
	LogFile      string        `yaml:"logFile"`
	SafeMode     bool          `yaml:"safeMode"`
	LoopPause    time.Duration `yaml:"loopPause"`
	DBPath       string        `yaml:"dbPath"`
	APIListen    string        `yaml:"apiListen"`
	NtfyTopic    string        `yaml:"ntfyTopic"`

	Service  Service     `yaml:"service"`
	Failsafe Failsafe    `yaml:"failsafe"`
	MQTT     mqtt.Config `yaml:"mqtt"`
	Datadog  Datadog     `yaml:"datadog"`
	Influx   Influx      `yaml:"influx"`

	PDUs    []PDU      `yaml:"pdus"`
	Stages  []StageBus `yaml:"stages"`
	Cameras []Camera   `yaml:"cameras"`
}

// Load parses the command line and the config file it names. Invalid
// configuration panics.
func Load() Config {
	cfg, err := load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	cfg.validate()
	return cfg
}

func load(fs *pflag.FlagSet, args []string) (Config, error) {
	configFile := fs.String("config-file", DefaultConfigFile, "Path to controller config file")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFile := fs.String("log-file", "", "Log file path (stderr when empty)")
	safeMode := fs.Bool("safe-mode", false, "Never drive relay GPIO lines")
	install := fs.Bool("install-service", false, "Install the boot script and systemd units, then exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := read(*configFile)
	if err != nil {
		return Config{}, err
	}
	cfg.InstallService = *install
	if fs.Changed("log-level") || cfg.LogLevelName == "" {
		cfg.LogLevelName = *logLevel
	}
	if fs.Changed("log-file") {
		cfg.LogFile = *logFile
	}
	if fs.Changed("safe-mode") {
		cfg.SafeMode = *safeMode
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, nil
}

// LoadFile reads and checks a config file without touching flags.
func LoadFile(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, cfg.check()
}

func read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.LoopPause == 0 {
		cfg.LoopPause = DefaultLoopPause
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.APIListen == "" {
		cfg.APIListen = DefaultAPIListen
	}
	if cfg.Service.BootScript == "" {
		cfg.Service.BootScript = DefaultBootScript
	}
	if cfg.Service.GPIOServicePath == "" {
		cfg.Service.GPIOServicePath = DefaultGPIOServicePath
	}
	if cfg.Service.MainServicePath == "" {
		cfg.Service.MainServicePath = DefaultMainServicePath
	}
	if cfg.Service.Binary == "" {
		cfg.Service.Binary = DefaultBinaryPath
	}
	if cfg.Failsafe.Interval == 0 {
		cfg.Failsafe.Interval = DefaultFailsafeInterval
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = mqtt.DefaultPrefix
	}
	if cfg.Datadog.Addr == "" {
		cfg.Datadog.Addr = DefaultStatsdAddr
	}
	if cfg.Datadog.Namespace == "" {
		cfg.Datadog.Namespace = "instruments."
	}
	for i := range cfg.PDUs {
		if cfg.PDUs[i].Policy == "" {
			cfg.PDUs[i].Policy = outlet.FailFast.String()
		}
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RelayPins names every relay line for startup validation.
func (cfg *Config) RelayPins() map[string]model.GPIOPin {
	out := make(map[string]model.GPIOPin)
	for _, p := range cfg.PDUs {
		for i, pin := range p.GPIOPins() {
			out[fmt.Sprintf("%s outlet %d", p.Name, i)] = pin
		}
	}
	return out
}

// PowerOf returns the supply channel of a stage bus or camera.
func (cfg *Config) PowerOf(device string) (PowerRef, bool) {
	for _, s := range cfg.Stages {
		if s.Name == device {
			return s.Power, s.Power.Managed()
		}
	}
	for _, c := range cfg.Cameras {
		if c.Name == device {
			return c.Power, c.Power.Managed()
		}
	}
	return PowerRef{}, false
}

func (cfg *Config) PDU(name string) (PDU, bool) {
	for _, p := range cfg.PDUs {
		if p.Name == name {
			return p, true
		}
	}
	return PDU{}, false
}

func (cfg *Config) validate() {
	if err := cfg.check(); err != nil {
		panic("Invalid configuration: " + err.Error())
	}
}

func (cfg *Config) check() error {
	var (
		problems  []string
		names     = map[string]bool{}
		usedPins  = map[int]string{}
		conflicts []string
	)
	addName := func(kind, name string) {
		if name == "" {
			problems = append(problems, kind+" without a name")
			return
		}
		if names[name] {
			problems = append(problems, "duplicate device name "+name)
		}
		names[name] = true
	}

	for _, p := range cfg.PDUs {
		addName("pdu", p.Name)
		if len(p.Pins) == 0 {
			problems = append(problems, fmt.Sprintf("pdu %s has no pins", p.Name))
		}
		if _, err := outlet.ParsePolicy(p.Policy); err != nil {
			problems = append(problems, fmt.Sprintf("pdu %s: %v", p.Name, err))
		}
		for i, pin := range p.Pins {
			label := fmt.Sprintf("%s outlet %d", p.Name, i)
			if other, exists := usedPins[pin.Number]; exists {
				conflicts = append(conflicts, fmt.Sprintf("%s and %s both use pin %d", label, other, pin.Number))
			} else {
				usedPins[pin.Number] = label
			}
		}
		for name, ch := range p.Channels {
			if len(ch.OutletList()) == 0 {
				problems = append(problems, fmt.Sprintf("pdu %s channel %s has no outlets", p.Name, name))
			}
		}
	}

	checkPower := func(device string, ref PowerRef) {
		if !ref.Managed() {
			return
		}
		p, ok := cfg.PDU(ref.PDU)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown pdu %s", device, ref.PDU))
			return
		}
		if _, ok := p.Channels[ref.Channel]; !ok {
			problems = append(problems, fmt.Sprintf("%s: pdu %s has no channel %s", device, ref.PDU, ref.Channel))
		}
	}

	for _, s := range cfg.Stages {
		addName("stage bus", s.Name)
		if len(s.Stages) == 0 {
			problems = append(problems, fmt.Sprintf("stage bus %s has no stages", s.Name))
		}
		if !s.Simulate && (s.USB.Vendor == "" || s.USB.Product == "") {
			problems = append(problems, fmt.Sprintf("stage bus %s: usb idVendor and idProduct are required", s.Name))
		}
		checkPower(s.Name, s.Power)
	}

	for _, c := range cfg.Cameras {
		addName("camera", c.Name)
		if !c.Simulate {
			problems = append(problems, fmt.Sprintf("camera %s: no vendor SDK binding is built in, set simulate", c.Name))
		}
		if len(c.Modes) == 0 {
			problems = append(problems, fmt.Sprintf("camera %s has no modes", c.Name))
		} else if _, ok := c.Modes[c.StartupMode]; !ok {
			problems = append(problems, fmt.Sprintf("camera %s: startup mode %q is not configured", c.Name, c.StartupMode))
		}
		checkPower(c.Name, c.Power)
	}

	for _, g := range cfg.Failsafe.Guards {
		if _, ok := cfg.PowerOf(g.Device); !ok {
			problems = append(problems, fmt.Sprintf("failsafe guard %s: device is unknown or not power managed", g.Device))
		}
		if g.Value == "" && !g.OnFailure {
			problems = append(problems, fmt.Sprintf("failsafe guard %s has no condition", g.Device))
		}
		if g.Value != "" && g.Min == nil && g.Max == nil {
			problems = append(problems, fmt.Sprintf("failsafe guard %s: value %s needs min or max", g.Device, g.Value))
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		problems = append(problems, "conflicting GPIO pins: "+strings.Join(conflicts, ", "))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
