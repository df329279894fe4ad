package power

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

// Monitor tracks the PDU channel that feeds one device. It starts Unknown
// until the first channel status arrives.
type Monitor struct {
	device  string
	pdu     string
	channel string

	mu    sync.RWMutex
	state model.PowerState
}

func NewMonitor(device, pdu, channel string) *Monitor {
	return &Monitor{device: device, pdu: pdu, channel: channel, state: model.PowerUnknown}
}

func (m *Monitor) PowerState() model.PowerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FromChannelState maps a channel's On/Off/Int/Unk status to a supply state.
func FromChannelState(s string) model.PowerState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return model.PowerOn
	case "off":
		return model.PowerOff
	default:
		return model.PowerUnknown
	}
}

// Observe consumes a published property. Properties other than the
// watched channel are ignored, so it can be handed a whole PDU's feed.
func (m *Monitor) Observe(p property.Property) {
	if p.Name != m.channel || (p.Device != "" && p.Device != m.pdu) {
		return
	}
	raw, ok := p.Elements["state"].(string)
	if !ok {
		return
	}

	next := FromChannelState(raw)
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev != next {
		log.Info().
			Str("device", m.device).
			Str("pdu", m.pdu).
			Str("channel", m.channel).
			Str("power", next.String()).
			Msg("Power state changed")
	}
}
