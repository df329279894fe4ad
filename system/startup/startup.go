package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

// Script renders a boot script that drives every relay line to its
// inactive level, so outlets come up off before the controller starts.
func Script(cfg *config.Config) string {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Instrument relay configuration at boot", "")

	pins := cfg.RelayPins()
	labels := make([]string, 0, len(pins))
	for label := range pins {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		lines = append(lines, fmt.Sprintf("# %s", label))
		lines = append(lines, pinLine(pins[label], false))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n") + "\n"
}

func pinLine(pin model.GPIOPin, active bool) string {
	drive := "dl"
	if pin.ActiveHigh == active {
		drive = "dh"
	}
	return fmt.Sprintf("pinctrl set %d op pn %s", pin.Number, drive)
}

func WriteStartupScript(cfg *config.Config) error {
	return os.WriteFile(cfg.Service.BootScript, []byte(Script(cfg)), 0755)
}

func InstallStartupService(cfg *config.Config) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Switch instrument relays off at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, cfg.Service.BootScript)

	return os.WriteFile(cfg.Service.GPIOServicePath, []byte(unitContents), 0644)
}

func InstallControllerService(cfg *config.Config) error {
	gpioUnitName := filepath.Base(cfg.Service.GPIOServicePath)

	var user string
	if cfg.Service.User != "" {
		user = "User=" + cfg.Service.User + "\n"
	}

	unit := fmt.Sprintf(`[Unit]
Description=Instrument controller
After=%s
Requires=%s

[Service]
Type=simple
%sExecStart=%s --config-file %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName, user, cfg.Service.Binary, cfg.ConfigFile)

	return os.WriteFile(cfg.Service.MainServicePath, []byte(unit), 0644)
}

// Install writes the boot script and both units.
func Install(cfg *config.Config) error {
	if err := WriteStartupScript(cfg); err != nil {
		return fmt.Errorf("writing boot script: %w", err)
	}
	if err := InstallStartupService(cfg); err != nil {
		return fmt.Errorf("writing relay unit: %w", err)
	}
	if err := InstallControllerService(cfg); err != nil {
		return fmt.Errorf("writing controller unit: %w", err)
	}
	return nil
}

func RunStartupScript(cfg *config.Config) error {
	cmd := exec.Command("/bin/bash", cfg.Service.BootScript)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
