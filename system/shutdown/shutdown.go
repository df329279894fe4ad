package shutdown

import (
	"errors"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/config"
	"github.com/thatsimonsguy/instrument-controller/internal/gpio"
)

const (
	ExitOK      = 0
	ExitFailure = 3
)

var (
	exit       = os.Exit
	deactivate = gpio.Deactivate
)

// RelaysOff drives every configured relay line inactive. Safe mode leaves
// the lines untouched.
func RelaysOff(cfg *config.Config) error {
	if cfg.SafeMode {
		return nil
	}
	pins := cfg.RelayPins()
	labels := make([]string, 0, len(pins))
	for label := range pins {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var errs []error
	for _, label := range labels {
		if err := deactivate(pins[label]); err != nil {
			log.Error().Err(err).Str("relay", label).Msg("Failed to switch relay off")
			errs = append(errs, err)
		}
	}
	log.Info().Int("relays", len(labels)).Msg("Relays deactivated")
	return errors.Join(errs...)
}

func Shutdown(cfg *config.Config) {
	if err := RelaysOff(cfg); err != nil {
		exit(ExitFailure)
		return
	}
	exit(ExitOK)
}

func ShutdownWithError(cfg *config.Config, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	RelaysOff(cfg)
	exit(ExitFailure)
}
