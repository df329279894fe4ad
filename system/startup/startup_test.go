package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/instrument-controller/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		ConfigFile: "/etc/instrument-controller/config.yaml",
		Service: config.Service{
			BootScript:      filepath.Join(dir, "relays-off.sh"),
			GPIOServicePath: filepath.Join(dir, "instrument-relays.service"),
			MainServicePath: filepath.Join(dir, "instrument-controller.service"),
			Binary:          "/usr/local/bin/instrument-controller",
			User:            "lab",
		},
		PDUs: []config.PDU{{
			Name: "rack",
			Pins: []config.Pin{{Number: 17, ActiveHigh: true}, {Number: 27, ActiveHigh: false}},
		}},
	}
}

func TestScript_DrivesEveryRelayInactive(t *testing.T) {
	script := Script(testConfig(t))
	assert.Equal(t, `#!/bin/bash

# Instrument relay configuration at boot

# rack outlet 0
pinctrl set 17 op pn dl

# rack outlet 1
pinctrl set 27 op pn dh

`, script)
}

func TestInstall(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Install(cfg))

	info, err := os.Stat(cfg.Service.BootScript)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	gpioUnit, err := os.ReadFile(cfg.Service.GPIOServicePath)
	require.NoError(t, err)
	assert.Contains(t, string(gpioUnit), "ExecStart="+cfg.Service.BootScript)

	mainUnit, err := os.ReadFile(cfg.Service.MainServicePath)
	require.NoError(t, err)
	assert.Contains(t, string(mainUnit), "Requires=instrument-relays.service")
	assert.Contains(t, string(mainUnit), "User=lab\n")
	assert.Contains(t, string(mainUnit), "ExecStart=/usr/local/bin/instrument-controller --config-file /etc/instrument-controller/config.yaml")
}

func TestInstall_ReportsUnwritablePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Service.BootScript = filepath.Join(t.TempDir(), "missing", "relays-off.sh")
	assert.ErrorContains(t, Install(cfg), "writing boot script")
}
