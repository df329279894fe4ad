package outlet

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

var (
	ErrNoOutlets       = errors.New("outlet: no outlets configured")
	ErrNoChannels      = errors.New("outlet: no channels configured")
	ErrNoValidChannels = errors.New("outlet: no valid channels configured")
	ErrInvalidChannel  = errors.New("outlet: invalid channel configuration")
	ErrUnknownChannel  = errors.New("outlet: unknown channel")
)

// Code maps load errors onto the numeric codes operators know from the
// PDU logs.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoOutlets):
		return -10
	case errors.Is(err, ErrNoChannels):
		return -15
	case errors.Is(err, ErrNoValidChannels):
		return -20
	default:
		return -1
	}
}

// Policy decides what a channel sequence does when one outlet command fails.
type Policy int

const (
	// FailFast stops at the failing step; later outlets are not touched.
	FailFast Policy = iota
	// BestEffort issues every step and reports all failures together.
	BestEffort
)

func (p Policy) String() string {
	if p == BestEffort {
		return "best_effort"
	}
	return "fail_fast"
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail_fast":
		return FailFast, nil
	case "best_effort":
		return BestEffort, nil
	default:
		return FailFast, fmt.Errorf("unknown sequencing policy %q", s)
	}
}

// Hardware is the raw per-outlet access a PDU driver provides.
type Hardware interface {
	TurnOutletOn(outlet int) error
	TurnOutletOff(outlet int) error
	ReadOutletState(outlet int) (model.OutletState, error)
}

// Sequencer owns the outlet state vector and the channel table of one
// PDU. It is not safe for concurrent use; the owning driver serializes
// access through its gateway.
type Sequencer struct {
	hw     Hardware
	clock  clock.Clock
	policy Policy

	states   []model.OutletState
	channels map[string]model.ChannelSpec
	names    []string
}

type Option func(*Sequencer)

func WithClock(c clock.Clock) Option {
	return func(s *Sequencer) { s.clock = c }
}

func WithPolicy(p Policy) Option {
	return func(s *Sequencer) { s.policy = p }
}

func New(hw Hardware, opts ...Option) *Sequencer {
	s := &Sequencer{
		hw:       hw,
		clock:    clock.Real(),
		policy:   FailFast,
		channels: make(map[string]model.ChannelSpec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNumberOfOutlets sizes the state vector. Every outlet starts Unknown.
func (s *Sequencer) SetNumberOfOutlets(n int) {
	s.states = make([]model.OutletState, n)
	for i := range s.states {
		s.states[i] = model.OutletUnknown
	}
}

func (s *Sequencer) NumberOfOutlets() int {
	return len(s.states)
}

func (s *Sequencer) Policy() Policy {
	return s.policy
}

func (s *Sequencer) OutletState(outlet int) model.OutletState {
	if outlet < 0 || outlet >= len(s.states) {
		return model.OutletUnknown
	}
	return s.states[outlet]
}

func (s *Sequencer) OutletStates() []model.OutletState {
	out := make([]model.OutletState, len(s.states))
	copy(out, s.states)
	return out
}

// LoadChannels validates specs against the outlet vector and installs
// them. Specs without outlets are not channels and are skipped.
func (s *Sequencer) LoadChannels(specs []model.ChannelSpec) error {
	if len(s.states) == 0 {
		return ErrNoOutlets
	}
	if len(specs) == 0 {
		return ErrNoChannels
	}

	channels := make(map[string]model.ChannelSpec)
	for _, spec := range specs {
		if len(spec.Outlets) == 0 {
			log.Debug().Str("section", spec.Name).Msg("Section has no outlets, not a channel")
			continue
		}
		if err := s.validate(spec); err != nil {
			return err
		}
		if _, dup := channels[spec.Name]; dup {
			return fmt.Errorf("%w: channel %q defined twice", ErrInvalidChannel, spec.Name)
		}
		channels[spec.Name] = spec
	}

	if len(channels) == 0 {
		return ErrNoValidChannels
	}

	s.channels = channels
	s.names = s.names[:0]
	for name := range channels {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	log.Info().Int("outlets", len(s.states)).Int("channels", len(s.names)).Msg("Loaded outlet channels")
	return nil
}

func (s *Sequencer) validate(spec model.ChannelSpec) error {
	seen := make(map[int]bool, len(spec.Outlets))
	for _, o := range spec.Outlets {
		if o < 0 || o >= len(s.states) {
			return fmt.Errorf("%w: channel %q outlet %d out of range [0,%d)", ErrInvalidChannel, spec.Name, o, len(s.states))
		}
		if seen[o] {
			return fmt.Errorf("%w: channel %q lists outlet %d twice", ErrInvalidChannel, spec.Name, o)
		}
		seen[o] = true
	}

	n := len(spec.Outlets)
	for _, order := range []struct {
		key string
		vec []int
	}{{"onOrder", spec.OnOrder}, {"offOrder", spec.OffOrder}} {
		if len(order.vec) == 0 {
			continue
		}
		if len(order.vec) != n {
			log.Warn().Str("channel", spec.Name).Str("key", order.key).Msg("Order length does not match outlets, using natural order")
			continue
		}
		if !isPermutation(order.vec) {
			return fmt.Errorf("%w: channel %q %s %v is not a permutation of 0..%d", ErrInvalidChannel, spec.Name, order.key, order.vec, n-1)
		}
	}

	for _, delays := range []struct {
		key string
		vec []uint
	}{{"onDelays", spec.OnDelays}, {"offDelays", spec.OffDelays}} {
		if len(delays.vec) != 0 && len(delays.vec) != n {
			log.Warn().Str("channel", spec.Name).Str("key", delays.key).Msg("Delay length does not match outlets, delays ignored")
		}
	}
	return nil
}

func isPermutation(order []int) bool {
	seen := make([]bool, len(order))
	for _, v := range order {
		if v < 0 || v >= len(order) || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

func (s *Sequencer) Channels() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Sequencer) Channel(name string) (model.ChannelSpec, bool) {
	spec, ok := s.channels[name]
	return spec, ok
}

func (s *Sequencer) lookup(name string) (model.ChannelSpec, error) {
	spec, ok := s.channels[name]
	if !ok {
		log.Error().Str("channel", name).Msg("Request for unknown channel")
		return model.ChannelSpec{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return spec, nil
}

// ChannelState is the shared state of the channel's outlets, or
// Intermediate as soon as any two of them disagree.
func (s *Sequencer) ChannelState(name string) (model.OutletState, error) {
	spec, err := s.lookup(name)
	if err != nil {
		return model.OutletUnknown, err
	}

	st := s.OutletState(spec.Outlets[0])
	for _, o := range spec.Outlets[1:] {
		if s.OutletState(o) != st {
			return model.OutletIntermediate, nil
		}
	}
	return st, nil
}

func (s *Sequencer) TurnChannelOn(name string) error {
	spec, err := s.lookup(name)
	if err != nil {
		return err
	}
	log.Info().Str("channel", name).Msg("Turning channel ON")
	return s.run(spec, spec.OnOrder, spec.OnDelays, s.hw.TurnOutletOn, "on")
}

func (s *Sequencer) TurnChannelOff(name string) error {
	spec, err := s.lookup(name)
	if err != nil {
		return err
	}
	log.Info().Str("channel", name).Msg("Turning channel OFF")
	return s.run(spec, spec.OffOrder, spec.OffDelays, s.hw.TurnOutletOff, "off")
}

func (s *Sequencer) run(spec model.ChannelSpec, order []int, delays []uint, switchFn func(int) error, dir string) error {
	n := len(spec.Outlets)
	useOrder := len(order) == n
	useDelays := len(delays) == n

	var errs []error
	for step := 0; step < n; step++ {
		idx := step
		if useOrder {
			idx = order[step]
		}
		if step > 0 && useDelays && delays[step] > 0 {
			s.clock.Sleep(time.Duration(delays[step]) * time.Millisecond)
		}

		o := spec.Outlets[idx]
		log.Debug().Str("channel", spec.Name).Int("step", step).Int("outlet", o).Str("dir", dir).Msg("Switching outlet")

		if err := switchFn(o); err != nil {
			err = fmt.Errorf("channel %s: turning outlet %d %s: %w", spec.Name, o, dir, err)
			if s.policy == FailFast {
				log.Error().Err(err).Int("step", step).Msg("Channel sequence aborted")
				return err
			}
			log.Warn().Err(err).Int("step", step).Msg("Outlet failed, continuing sequence")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateOutletStates refreshes every outlet in index order and stops at
// the first read failure.
func (s *Sequencer) UpdateOutletStates() error {
	for i := range s.states {
		st, err := s.hw.ReadOutletState(i)
		if err != nil {
			return fmt.Errorf("reading outlet %d: %w", i, err)
		}
		s.states[i] = st
	}
	return nil
}
