package property

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownProperty = errors.New("property: unknown property")
	ErrUnknownElement  = errors.New("property: unknown element")
	ErrReadOnly        = errors.New("property: read only")
	ErrBadValue        = errors.New("property: bad value")
)

type Kind string

const (
	Number Kind = "number"
	Text   Kind = "text"
)

type State string

const (
	Idle  State = "idle"
	Ok    State = "ok"
	Busy  State = "busy"
	Alert State = "alert"
)

// Property is a named group of elements published as one message.
// Number elements hold float64 values, text elements hold strings.
type Property struct {
	Device    string         `json:"device"`
	Name      string         `json:"name"`
	Kind      Kind           `json:"kind"`
	State     State          `json:"state"`
	Elements  map[string]any `json:"elements"`
	Order     []string       `json:"order"`
	Timestamp time.Time      `json:"timestamp"`
}

func (p Property) clone() Property {
	out := p
	out.Elements = make(map[string]any, len(p.Elements))
	for k, v := range p.Elements {
		out.Elements[k] = v
	}
	out.Order = append([]string(nil), p.Order...)
	return out
}

// Update is a client request to change elements of a property.
type Update struct {
	Device   string         `json:"device"`
	Name     string         `json:"name"`
	Elements map[string]any `json:"elements"`
}

func (u Update) Has(element string) bool {
	_, ok := u.Elements[element]
	return ok
}

// Text returns the element as a string. Numbers are formatted.
func (u Update) Text(element string) (string, bool) {
	v, ok := u.Elements[element]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

// Number returns the element as a float64. Numeric strings are parsed.
func (u Update) Number(element string) (float64, error) {
	v, ok := u.Elements[element]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s missing", ErrBadValue, u.Name, element)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s.%s=%q", ErrBadValue, u.Name, element, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s.%s has type %T", ErrBadValue, u.Name, element, v)
	}
}

type Handler func(Update) error

type Publisher interface {
	Publish(p Property) error
}

// Registry holds one driver's properties and their command handlers.
// Each driver instance owns its own registry.
type Registry struct {
	device string

	mu       sync.RWMutex
	props    map[string]*Property
	handlers map[string]Handler
	pub      Publisher
	watchers []func(Property)
	now      func() time.Time
}

func NewRegistry(device string) *Registry {
	return &Registry{
		device:   device,
		props:    make(map[string]*Property),
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

func (r *Registry) Device() string { return r.device }

func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub = p
}

// Watch registers fn to receive every changed property in-process,
// independent of the publisher.
func (r *Registry) Watch(fn func(Property)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Define adds a property. A nil handler makes it read only.
func (r *Registry) Define(name string, kind Kind, elements []string, h Handler) {
	p := &Property{
		Device:   r.device,
		Name:     name,
		Kind:     kind,
		State:    Idle,
		Elements: make(map[string]any, len(elements)),
		Order:    append([]string(nil), elements...),
	}
	for _, el := range elements {
		p.Elements[el] = zero(kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[name] = p
	if h != nil {
		r.handlers[name] = h
	}
}

func zero(kind Kind) any {
	if kind == Number {
		return 0.0
	}
	return ""
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Dispatch routes a client update to the property's handler.
func (r *Registry) Dispatch(u Update) error {
	r.mu.RLock()
	p, ok := r.props[u.Name]
	h := r.handlers[u.Name]
	var unknown []string
	if ok {
		for el := range u.Elements {
			if _, known := p.Elements[el]; !known {
				unknown = append(unknown, el)
			}
		}
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.device, u.Name)
	}
	if h == nil {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, r.device, u.Name)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s.%s %v", ErrUnknownElement, r.device, u.Name, unknown)
	}

	if err := h(u); err != nil {
		log.Warn().Err(err).Str("device", r.device).Str("property", u.Name).Msg("Command rejected")
		r.SetState(u.Name, Alert)
		return err
	}
	return nil
}

// UpdateIfChanged sets one element and publishes only when the value moved.
func (r *Registry) UpdateIfChanged(name, element string, value any) error {
	return r.Set(name, map[string]any{element: value}, "")
}

// Set applies several element values and an optional state in one
// publication. Nothing is published when nothing changed.
func (r *Registry) Set(name string, values map[string]any, state State) error {
	r.mu.Lock()
	p, ok := r.props[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.device, name)
	}

	changed := false
	for el, v := range values {
		old, known := p.Elements[el]
		if !known {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s.%s.%s", ErrUnknownElement, r.device, name, el)
		}
		v = normalize(v)
		if old != v {
			p.Elements[el] = v
			changed = true
		}
	}
	if state != "" && p.State != state {
		p.State = state
		changed = true
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}
	p.Timestamp = r.now()
	snapshot := p.clone()
	pub := r.pub
	watchers := slices.Clone(r.watchers)
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(snapshot.clone())
	}
	if pub == nil {
		return nil
	}
	return pub.Publish(snapshot)
}

func (r *Registry) SetState(name string, state State) error {
	return r.Set(name, nil, state)
}

func (r *Registry) Get(name string) (Property, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.props[name]
	if !ok {
		return Property{}, false
	}
	return p.clone(), true
}

func (r *Registry) Value(name, element string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.props[name]
	if !ok {
		return nil, false
	}
	v, ok := p.Elements[element]
	return v, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.props))
	for name := range r.props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot() []Property {
	names := r.Names()
	out := make([]Property, 0, len(names))
	for _, name := range names {
		if p, ok := r.Get(name); ok {
			out = append(out, p)
		}
	}
	return out
}

// PublishAll republishes every property, e.g. after a transport reconnect.
func (r *Registry) PublishAll() error {
	r.mu.RLock()
	pub := r.pub
	r.mu.RUnlock()
	if pub == nil {
		return nil
	}

	var errs []error
	for _, p := range r.Snapshot() {
		if err := pub.Publish(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
