package telemetry

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/db"
	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/datadog"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

// MetricWriter receives one point per device and tick.
type MetricWriter interface {
	WriteDeviceMetrics(device, kind string, fields map[string]any, at time.Time)
}

// Recorder exports device status to statsd, influx and the snapshot
// database, and notifies on failure.
type Recorder struct {
	conn   *sql.DB
	influx MetricWriter
	notify func(title, message string) error
	gauge  func(name string, value float64, tags ...string)
	clock  clock.Clock

	mu   sync.Mutex
	last map[string]model.DeviceStatus
}

type Option func(*Recorder)

func WithDB(conn *sql.DB) Option {
	return func(r *Recorder) { r.conn = conn }
}

func WithInflux(w MetricWriter) Option {
	return func(r *Recorder) { r.influx = w }
}

func WithNotifier(fn func(title, message string) error) Option {
	return func(r *Recorder) { r.notify = fn }
}

func WithGauge(fn func(name string, value float64, tags ...string)) Option {
	return func(r *Recorder) { r.gauge = fn }
}

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func New(opts ...Option) *Recorder {
	r := &Recorder{
		gauge: datadog.Gauge,
		clock: clock.Real(),
		last:  make(map[string]model.DeviceStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach records every lifecycle transition of dev.
func (r *Recorder) Attach(dev device.Device) {
	dev.Machine().OnStateChange(func(tr lifecycle.Transition) {
		if r.conn != nil {
			if err := db.RecordTransition(r.conn, tr.Device, tr.From, tr.To, tr.Err, tr.At); err != nil {
				log.Warn().Err(err).Str("device", tr.Device).Msg("Failed to record transition")
			}
		}
		if tr.To == model.StateFailure && r.notify != nil {
			msg := fmt.Sprintf("%s entered FAILURE from %s", tr.Device, tr.From)
			if tr.Err != nil {
				msg += ": " + tr.Err.Error()
			}
			// Sending blocks on HTTP; the observer runs on the device loop.
			go func() {
				if err := r.notify(tr.Device+" failed", msg); err != nil {
					log.Warn().Err(err).Str("device", tr.Device).Msg("Failed to send failure notification")
				}
			}()
		}
	})
}

// Observe exports the current status of dev. The snapshot is stored only
// when it changed since the last call.
func (r *Recorder) Observe(dev device.Device) {
	st := dev.Status()
	skipped := dev.Gateway().Skipped()
	r.emitGauges(st, skipped)

	now := r.clock.Now()
	if r.influx != nil {
		r.influx.WriteDeviceMetrics(st.Name, string(st.Kind), Fields(st, skipped), now)
	}

	if r.conn == nil {
		return
	}
	r.mu.Lock()
	prev, seen := r.last[st.Name]
	changed := !seen || !reflect.DeepEqual(prev, st)
	if changed {
		r.last[st.Name] = st
	}
	r.mu.Unlock()
	if !changed {
		return
	}
	if err := db.SaveSnapshot(r.conn, st, now); err != nil {
		log.Warn().Err(err).Str("device", st.Name).Msg("Failed to store snapshot")
		r.mu.Lock()
		delete(r.last, st.Name)
		r.mu.Unlock()
	}
}

func stateValue(st model.DeviceStatus) float64 {
	s, err := model.ParseLifecycleState(st.State)
	if err != nil {
		return -1
	}
	return float64(s)
}

func (r *Recorder) emitGauges(st model.DeviceStatus, skipped uint64) {
	base := []string{"device:" + st.Name, "kind:" + string(st.Kind)}
	with := func(tag string) []string {
		return append(append([]string(nil), base...), tag)
	}

	r.gauge("device.state", stateValue(st), base...)
	r.gauge("device.power", float64(model.ParsePowerState(st.PowerState)), base...)
	r.gauge("gateway.skipped", float64(skipped), base...)

	for i, o := range st.Outlets {
		r.gauge("outlet.state", float64(model.ParseOutletState(o)), with("outlet:"+strconv.Itoa(i))...)
	}
	for ch, s := range st.Channels {
		r.gauge("channel.state", float64(model.ParseOutletState(s)), with("channel:"+ch)...)
	}
	for _, s := range st.Stages {
		r.gauge("stage.position", s.Position, with("stage:"+s.Name)...)
	}
	if t, ok := st.Values["ccdtemp"]; ok {
		r.gauge("camera.temperature", t, base...)
	}
}

// Fields flattens a status into influx fields.
func Fields(st model.DeviceStatus, skipped uint64) map[string]any {
	fields := map[string]any{
		"state":           stateValue(st),
		"power":           float64(model.ParsePowerState(st.PowerState)),
		"gateway_skipped": float64(skipped),
	}
	for i, o := range st.Outlets {
		fields["outlet_"+strconv.Itoa(i)] = float64(model.ParseOutletState(o))
	}
	for ch, s := range st.Channels {
		fields["channel_"+ch] = float64(model.ParseOutletState(s))
	}
	for _, s := range st.Stages {
		fields["position_"+s.Name] = s.Position
	}
	for k, v := range st.Values {
		fields[k] = v
	}
	return fields
}
