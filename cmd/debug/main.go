package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/thatsimonsguy/instrument-controller/db"
	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/controllers/stagecontroller"
	"github.com/thatsimonsguy/instrument-controller/internal/serialport"
	"github.com/thatsimonsguy/instrument-controller/internal/stagebus"
	"github.com/thatsimonsguy/instrument-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, configFile, deviceName string
	var limit int
	pflag.StringVar(&dbPath, "db", config.DefaultDBPath, "Path to the SQLite database file")
	pflag.StringVar(&command, "cmd", "", "Command to run: devices, transitions, stage-scan, relay-script")
	pflag.StringVar(&configFile, "config-file", config.DefaultConfigFile, "Controller config file for stage-scan and relay-script")
	pflag.StringVar(&deviceName, "device", "", "Device name for transitions")
	pflag.IntVar(&limit, "limit", 20, "Number of transitions to show")
	help := pflag.Bool("help", false, "Show help")
	pflag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of instrument-debug:")
		pflag.PrintDefaults()
		os.Exit(0)
	}

	var err error
	switch command {
	case "devices":
		var devices any
		devices, err = db.DevicesCLI(dbPath)
		if err == nil {
			err = printJSON(devices)
		}
	case "transitions":
		if deviceName == "" {
			fmt.Println("Error: device name is required")
			os.Exit(1)
		}
		var trs []db.Transition
		trs, err = db.TransitionsCLI(dbPath, deviceName, limit)
		if err == nil {
			err = printJSON(trs)
		}
	case "stage-scan":
		err = stageScan(configFile)
	case "relay-script":
		var cfg config.Config
		cfg, err = config.LoadFile(configFile)
		if err == nil {
			fmt.Print(startup.Script(&cfg))
		}
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

// stageScan probes every configured stage bus and prints which serial
// answered at which address. The controller must not be running.
func stageScan(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	for _, bus := range cfg.Stages {
		reg, err := stagebus.NewRegistry(bus.Stages)
		if err != nil {
			return err
		}

		var link interface {
			stagebus.Transport
			Close() error
		}
		if bus.Simulate {
			serials := make([]string, len(bus.Stages))
			for i, s := range bus.Stages {
				serials[i] = s.Serial
			}
			link = stagebus.NewSimulator(serials...)
		} else {
			path, err := serialport.Find(bus.USB)
			if err != nil {
				return fmt.Errorf("%s: %w", bus.Name, err)
			}
			baud, timeout := bus.Baud, bus.ReadTimeout
			if baud == 0 {
				baud = stagecontroller.DefaultBaud
			}
			if timeout == 0 {
				timeout = stagecontroller.DefaultReadTimeout
			}
			port, err := serialport.Open(path, baud, timeout)
			if err != nil {
				return fmt.Errorf("%s: %w", bus.Name, err)
			}
			link = port
		}

		answered, err := stagebus.Probe(link)
		if err == nil {
			_, err = reg.Discover(link)
		}
		link.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", bus.Name, err)
		}

		fmt.Printf("%s: %d stage(s) answered\n", bus.Name, answered)
		for _, st := range reg.Stages() {
			status := st.Status()
			if !st.Bound() {
				fmt.Printf("  %-12s serial %-10s not found\n", status.Name, status.Serial)
				continue
			}
			fmt.Printf("  %-12s serial %-10s address %d\n", status.Name, status.Serial, status.Address)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
