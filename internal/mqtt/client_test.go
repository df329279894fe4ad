package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// pendingToken completes only when done is closed.
type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool { <-t.done; return true }
func (t pendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t pendingToken) Done() <-chan struct{} { return t.done }
func (t pendingToken) Error() error          { return nil }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakePaho records traffic. Methods not overridden panic through the nil
// embedded interface.
type fakePaho struct {
	pahomqtt.Client

	mu        sync.Mutex
	connected bool
	pubs      []published
	subs      map[string]pahomqtt.MessageHandler
	subErr    error
	stall     chan struct{}
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, subs: map[string]pahomqtt.MessageHandler{}}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.pubs = append(f.pubs, published{topic: topic, retained: retained, payload: b})
	if f.stall != nil {
		return pendingToken{done: f.stall}
	}
	return doneToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return doneToken{err: f.subErr}
	}
	f.subs[topic] = cb
	return doneToken{}
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakePaho) deliver(sub, topic string, payload string) {
	f.mu.Lock()
	cb := f.subs[sub]
	f.mu.Unlock()
	cb(f, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (f *fakePaho) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pubs))
	for _, p := range f.pubs {
		out = append(out, p.topic)
	}
	return out
}

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "lab/"}
	assert.Equal(t, "lab/camsci1/emgain", tp.Property("camsci1", "emgain"))
	assert.Equal(t, "lab/camsci1/emgain/set", tp.Set("camsci1", "emgain"))
	assert.Equal(t, "lab/camsci1/+/set", tp.AllSets("camsci1"))
	assert.Equal(t, "lab/camsci1/status", tp.Status("camsci1"))

	dev, name, err := tp.ParseSet("lab/camsci1/emgain/set")
	require.NoError(t, err)
	assert.Equal(t, "camsci1", dev)
	assert.Equal(t, "emgain", name)

	for _, bad := range []string{"other/camsci1/emgain/set", "lab/camsci1/emgain", "lab/camsci1/emgain/get", "lab//x/set"} {
		_, _, err := tp.ParseSet(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}

	assert.Equal(t, "instruments/pdu0/status", Topics{}.Status("pdu0"))
}

func TestClientID_IsUnique(t *testing.T) {
	a, b := ClientID("ctl"), ClientID("ctl")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^ctl-[0-9a-f]{8}$`, a)
}

func TestAttach_SubscribesAndPublishesRetained(t *testing.T) {
	fp := newFakePaho()
	c := newClient(Config{Prefix: "lab", ClientID: "ctl"}, fp)

	reg := property.NewRegistry("pdu0")
	reg.Define("outlet", property.Text, []string{"1", "2"}, nil)
	require.NoError(t, c.Attach(reg))

	assert.Contains(t, fp.subs, "lab/pdu0/+/set")
	assert.Equal(t, []string{"lab/pdu0/status", "lab/pdu0/outlet"}, fp.topics())

	require.NoError(t, reg.UpdateIfChanged("outlet", "1", "On"))
	last := fp.pubs[len(fp.pubs)-1]
	assert.Equal(t, "lab/pdu0/outlet", last.topic)
	assert.True(t, last.retained)

	var p property.Property
	require.NoError(t, json.Unmarshal(last.payload, &p))
	assert.Equal(t, "On", p.Elements["1"])
}

func TestCommandRouting(t *testing.T) {
	fp := newFakePaho()
	c := newClient(Config{Prefix: "lab"}, fp)

	reg := property.NewRegistry("camsci1")
	var got []any
	reg.Define("emgain", property.Number, []string{"current", "target"}, func(u property.Update) error {
		got = append(got, u.Elements["target"])
		return nil
	})
	reg.Define("boom", property.Number, []string{"target"}, func(property.Update) error {
		panic("handler bug")
	})
	require.NoError(t, c.Attach(reg))

	fp.deliver("lab/camsci1/+/set", "lab/camsci1/emgain/set", `{"target": 120}`)
	fp.deliver("lab/camsci1/+/set", "lab/camsci1/emgain/set", `{"elements": {"target": 130}}`)
	fp.deliver("lab/camsci1/+/set", "lab/camsci1/emgain/set", `not json`)
	assert.NotPanics(t, func() {
		fp.deliver("lab/camsci1/+/set", "lab/camsci1/boom/set", `{"target": 1}`)
	})

	assert.Equal(t, []any{120.0, 130.0}, got)
}

func TestPublish_DisconnectedCachesOnly(t *testing.T) {
	fp := newFakePaho()
	fp.connected = false
	c := newClient(Config{}, fp)

	reg := property.NewRegistry("pdu0")
	reg.Define("outlet", property.Text, []string{"1"}, nil)
	require.NoError(t, c.Attach(reg))
	require.NoError(t, reg.UpdateIfChanged("outlet", "1", "Off"))
	assert.Empty(t, fp.pubs)
	assert.ErrorIs(t, c.Publish(property.Property{Device: "pdu0", Name: "outlet"}), ErrNotConnected)

	fp.connected = true
	c.handleConnect()
	assert.Contains(t, fp.subs, "instruments/pdu0/+/set")
	assert.Contains(t, fp.topics(), "instruments/pdu0/outlet")
}

func TestPublish_DoesNotWaitForBroker(t *testing.T) {
	fp := newFakePaho()
	fp.stall = make(chan struct{})
	defer close(fp.stall)
	c := newClient(Config{}, fp)

	start := time.Now()
	for _, name := range []string{"outlet", "chan_a", "chan_b"} {
		require.NoError(t, c.Publish(property.Property{Device: "pdu0", Name: name}))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"instruments/pdu0/outlet", "instruments/pdu0/chan_a", "instruments/pdu0/chan_b"}, fp.topics())
}

func TestWatch_DeliversRemoteProperty(t *testing.T) {
	fp := newFakePaho()
	c := newClient(Config{Prefix: "lab"}, fp)

	var seen property.Property
	require.NoError(t, c.Watch("pdu0", "camera", func(p property.Property) { seen = p }))

	fp.deliver("lab/pdu0/camera", "lab/pdu0/camera", `{"device":"pdu0","name":"camera","elements":{"state":"On"}}`)
	assert.Equal(t, "On", seen.Elements["state"])
}

func TestSubscribeFailure(t *testing.T) {
	fp := newFakePaho()
	fp.subErr = errors.New("not authorized")
	c := newClient(Config{}, fp)

	err := c.Attach(property.NewRegistry("pdu0"))
	assert.ErrorIs(t, err, ErrSubscribeFailed)
}

func TestClose_PublishesOffline(t *testing.T) {
	fp := newFakePaho()
	c := newClient(Config{Prefix: "lab", ClientID: "ctl"}, fp)
	require.NoError(t, c.Attach(property.NewRegistry("pdu0")))

	c.Close()
	topics := fp.topics()
	assert.Contains(t, topics, "lab/ctl/status")
	assert.False(t, fp.IsConnected())

	last := fp.pubs[len(fp.pubs)-1]
	assert.Contains(t, string(last.payload), "graceful_shutdown")
}
