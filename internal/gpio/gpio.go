package gpio

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/pinctrl"
)

var safeMode atomic.Bool

// SetSafeMode stops all pin writes. Relay boards then keep a shadow of the
// commanded state so the rest of the system behaves as if wired.
func SetSafeMode(enabled bool) {
	safeMode.Store(enabled)
}

func SafeMode() bool {
	return safeMode.Load()
}

var (
	setPin    = pinctrl.SetPin
	readLevel = pinctrl.ReadLevel
	readPins  = pinctrl.Get
)

func Activate(pin model.GPIOPin) error {
	drive := "dl"
	if pin.ActiveHigh {
		drive = "dh"
	}
	if err := setPin(pin.Number, "op", "pn", drive); err != nil {
		return fmt.Errorf("failed to activate pin %d: %w", pin.Number, err)
	}
	return nil
}

func Deactivate(pin model.GPIOPin) error {
	drive := "dh"
	if pin.ActiveHigh {
		drive = "dl"
	}
	if err := setPin(pin.Number, "op", "pn", drive); err != nil {
		return fmt.Errorf("failed to deactivate pin %d: %w", pin.Number, err)
	}
	return nil
}

func CurrentlyActive(pin model.GPIOPin) (bool, error) {
	level, err := readLevel(pin.Number)
	if err != nil {
		return false, fmt.Errorf("failed to read pin level for pin %d: %w", pin.Number, err)
	}
	return pin.ActiveHigh == level, nil
}

// RelayBoard drives one relay per PDU outlet.
type RelayBoard struct {
	pins []model.GPIOPin

	mu     sync.Mutex
	shadow []bool
}

func NewRelayBoard(pins []model.GPIOPin) *RelayBoard {
	return &RelayBoard{
		pins:   append([]model.GPIOPin(nil), pins...),
		shadow: make([]bool, len(pins)),
	}
}

func (b *RelayBoard) Len() int {
	return len(b.pins)
}

func (b *RelayBoard) pin(i int) (model.GPIOPin, error) {
	if i < 0 || i >= len(b.pins) {
		return model.GPIOPin{}, fmt.Errorf("outlet %d out of range (have %d)", i, len(b.pins))
	}
	return b.pins[i], nil
}

func (b *RelayBoard) set(i int, on bool) error {
	pin, err := b.pin(i)
	if err != nil {
		return err
	}

	if SafeMode() {
		log.Debug().Int("outlet", i).Int("pin", pin.Number).Bool("on", on).Msg("Safe mode: relay write skipped")
	} else {
		apply := Deactivate
		if on {
			apply = Activate
		}
		if err := apply(pin); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.shadow[i] = on
	b.mu.Unlock()
	return nil
}

func (b *RelayBoard) TurnOutletOn(i int) error {
	return b.set(i, true)
}

func (b *RelayBoard) TurnOutletOff(i int) error {
	return b.set(i, false)
}

func (b *RelayBoard) ReadOutletState(i int) (model.OutletState, error) {
	pin, err := b.pin(i)
	if err != nil {
		return model.OutletUnknown, err
	}

	var active bool
	if SafeMode() {
		b.mu.Lock()
		active = b.shadow[i]
		b.mu.Unlock()
	} else {
		active, err = CurrentlyActive(pin)
		if err != nil {
			return model.OutletUnknown, err
		}
	}

	if active {
		return model.OutletOn, nil
	}
	return model.OutletOff, nil
}

// ValidateStartupPins checks that every relay is inactive. The boot script
// forces all outlets off, so anything else means it did not run.
func ValidateStartupPins(pins map[string]model.GPIOPin) error {
	if SafeMode() {
		return nil
	}
	labels := make([]string, 0, len(pins))
	numbers := make([]int, 0, len(pins))
	for name, pin := range pins {
		labels = append(labels, name)
		numbers = append(numbers, pin.Number)
	}
	sort.Strings(labels)

	functions, err := readPins(numbers...)
	if err != nil {
		return fmt.Errorf("failed to read relay pin functions: %w", err)
	}
	for _, name := range labels {
		pin := pins[name]
		if fn := functions[pin.Number]; !fn.Output() {
			return fmt.Errorf("pin %d (%s) is in mode %q, not an output; did the boot script run?", pin.Number, name, fn.Mode)
		}
		active, err := CurrentlyActive(pin)
		if err != nil {
			return fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", name, pin.Number, err)
		}
		if active {
			return fmt.Errorf("pin %d (%s) is in wrong state at startup (expected active=false)", pin.Number, name)
		}
	}
	return nil
}
