package stagebus

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

var (
	ErrNoStages     = errors.New("stagebus: no stages configured")
	ErrInvalidStage = errors.New("stagebus: invalid stage configuration")
	ErrUnknownStage = errors.New("stagebus: unknown stage")
	ErrUnbound      = errors.New("stagebus: stage has no bus address")
)

// Stage is one configured axis. Name and Serial come from configuration;
// Address is reassigned on every discovery.
type Stage struct {
	Name     string
	Serial   string
	Address  int
	Position float64
	Busy     bool
	Warning  string
	Warnings []string
}

func (s Stage) Bound() bool {
	return s.Address > 0
}

func (s Stage) Status() model.StageStatus {
	return model.StageStatus{
		Name:     s.Name,
		Serial:   s.Serial,
		Address:  s.Address,
		Position: s.Position,
		Busy:     s.Busy,
		Warnings: append([]string(nil), s.Warnings...),
	}
}

// Registry keeps the name, serial and address indices of a bus
// consistent. Name and serial indices never change after construction;
// the address index is rebuilt from scratch on every discovery.
type Registry struct {
	stages    []*Stage
	byName    map[string]int
	bySerial  map[string]int
	byAddress map[int]int
}

func NewRegistry(specs []model.StageSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, ErrNoStages
	}

	r := &Registry{
		byName:    make(map[string]int, len(specs)),
		bySerial:  make(map[string]int, len(specs)),
		byAddress: make(map[int]int, len(specs)),
	}
	for _, spec := range specs {
		if spec.Name == "" || spec.Serial == "" {
			return nil, fmt.Errorf("%w: stage %q needs a name and a serial", ErrInvalidStage, spec.Name)
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("%w: stage %q defined twice", ErrInvalidStage, spec.Name)
		}
		if other, dup := r.bySerial[spec.Serial]; dup {
			return nil, fmt.Errorf("%w: stages %q and %q share serial %s", ErrInvalidStage, r.stages[other].Name, spec.Name, spec.Serial)
		}

		idx := len(r.stages)
		r.stages = append(r.stages, &Stage{Name: spec.Name, Serial: spec.Serial})
		r.byName[spec.Name] = idx
		r.bySerial[spec.Serial] = idx
	}
	return r, nil
}

func (r *Registry) Len() int {
	return len(r.stages)
}

// Stages returns copies in configuration order.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	for i, s := range r.stages {
		out[i] = *s
	}
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Name
	}
	return out
}

func (r *Registry) ByName(name string) (Stage, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Stage{}, false
	}
	return *r.stages[idx], true
}

func (r *Registry) BySerial(serial string) (Stage, bool) {
	idx, ok := r.bySerial[serial]
	if !ok {
		return Stage{}, false
	}
	return *r.stages[idx], true
}

func (r *Registry) ByAddress(addr int) (Stage, bool) {
	idx, ok := r.byAddress[addr]
	if !ok {
		return Stage{}, false
	}
	return *r.stages[idx], true
}

// Addresses returns the bound addresses, for diagnostics.
func (r *Registry) Addresses() map[int]string {
	out := make(map[int]string, len(r.byAddress))
	for addr, idx := range r.byAddress {
		out[addr] = r.stages[idx].Name
	}
	return out
}

func (r *Registry) stage(name string) (*Stage, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return r.stages[idx], nil
}

func (r *Registry) boundStage(name string) (*Stage, error) {
	s, err := r.stage(name)
	if err != nil {
		return nil, err
	}
	if !s.Bound() {
		return nil, fmt.Errorf("%w: %q", ErrUnbound, name)
	}
	return s, nil
}

// Unbind clears every address without logging, e.g. on a deliberate
// power-down of the chain.
func (r *Registry) Unbind() {
	clear(r.byAddress)
	for _, s := range r.stages {
		s.Address = 0
	}
}

// Rebind replaces the address index with the bindings from one discovery
// cycle. Serials that are not configured are logged and skipped.
func (r *Registry) Rebind(bindings []Binding) int {
	r.Unbind()

	bound := 0
	for _, b := range bindings {
		idx, ok := r.bySerial[b.Serial]
		if !ok {
			log.Warn().Int("address", b.Address).Str("serial", b.Serial).Msg("Unknown stage on bus")
			continue
		}
		r.stages[idx].Address = b.Address
		r.byAddress[b.Address] = idx
		bound++
		log.Info().
			Int("address", b.Address).
			Str("serial", b.Serial).
			Str("stage", r.stages[idx].Name).
			Msg("Bound stage to bus address")
	}

	for _, s := range r.stages {
		if !s.Bound() {
			log.Warn().Str("stage", s.Name).Str("serial", s.Serial).Msg("Configured stage not found on bus")
		}
	}
	return bound
}
