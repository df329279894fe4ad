package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnect      = 30 * time.Second
)

type Config struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientID"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// Client carries every attached device's properties over one broker
// connection. Attached devices are restored on reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	topics Topics
	id     string

	mu      sync.RWMutex
	devices map[string]*property.Registry
	watches map[string]func(property.Property)
}

// ClientID appends a random suffix so restarts never collide with a
// session the broker still holds.
func ClientID(base string) string {
	return base + "-" + uuid.NewString()[:8]
}

func buildOptions(cfg Config, id string, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(id)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(topics.Status(cfg.ClientID), statusPayload("offline", "unexpected_disconnect"), 1, true)
	return opts
}

func statusPayload(status, reason string) string {
	b, _ := json.Marshal(map[string]string{
		"status":    status,
		"reason":    reason,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}

func Connect(cfg Config) (*Client, error) {
	c := newClient(cfg, nil)

	opts := buildOptions(c.cfg, c.id, c.topics)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	log.Info().Str("broker", cfg.Broker).Str("client_id", c.id).Msg("Connected to MQTT broker")
	return c, nil
}

func newClient(cfg Config, pc pahomqtt.Client) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "instrument-controller"
	}
	return &Client{
		client:  pc,
		cfg:     cfg,
		topics:  Topics{Prefix: cfg.Prefix},
		id:      ClientID(cfg.ClientID),
		devices: make(map[string]*property.Registry),
		watches: make(map[string]func(property.Property)),
	}
}

func (c *Client) Topics() Topics { return c.topics }

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// handleConnect runs on the first connect and after every reconnect.
func (c *Client) handleConnect() {
	c.publishRaw(c.topics.Status(c.cfg.ClientID), statusPayload("online", ""))

	c.mu.RLock()
	devices := make([]*property.Registry, 0, len(c.devices))
	for _, reg := range c.devices {
		devices = append(devices, reg)
	}
	watches := make(map[string]func(property.Property), len(c.watches))
	for topic, fn := range c.watches {
		watches[topic] = fn
	}
	c.mu.RUnlock()

	for _, reg := range devices {
		if err := c.subscribeDevice(reg); err != nil {
			log.Error().Err(err).Str("device", reg.Device()).Msg("Failed to restore command subscription")
			continue
		}
		if err := reg.PublishAll(); err != nil {
			log.Warn().Err(err).Str("device", reg.Device()).Msg("Failed to republish properties")
		}
	}
	for topic, fn := range watches {
		if err := c.subscribe(topic, c.watchHandler(fn)); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to restore watch")
		}
	}
}

// Attach routes a device's commands from the broker into its registry
// and makes the client the registry's publisher.
func (c *Client) Attach(reg *property.Registry) error {
	c.mu.Lock()
	c.devices[reg.Device()] = reg
	c.mu.Unlock()

	reg.SetPublisher(devicePublisher{c: c})
	if !c.IsConnected() {
		return nil
	}
	if err := c.subscribeDevice(reg); err != nil {
		return err
	}
	c.publishRaw(c.topics.Status(reg.Device()), statusPayload("online", ""))
	return reg.PublishAll()
}

func (c *Client) subscribeDevice(reg *property.Registry) error {
	return c.subscribe(c.topics.AllSets(reg.Device()), c.commandHandler(reg))
}

// Watch follows another device's property, e.g. the PDU channel that
// powers a device running in a different process.
func (c *Client) Watch(device, name string, fn func(property.Property)) error {
	topic := c.topics.Property(device, name)
	c.mu.Lock()
	c.watches[topic] = fn
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(topic, c.watchHandler(fn))
}

func (c *Client) subscribe(topic string, handler pahomqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, handler)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Publish queues a property as retained JSON on its status topic. It
// returns without waiting for the broker, so callers holding a device
// gateway are never stalled by a slow connection.
func (c *Client) Publish(p property.Property) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encoding %s.%s: %w", ErrPublishFailed, p.Device, p.Name, err)
	}

	topic := c.topics.Property(p.Device, p.Name)
	go awaitDelivery(topic, c.client.Publish(topic, c.cfg.QoS, true, payload))
	return nil
}

func awaitDelivery(topic string, token pahomqtt.Token) {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			log.Warn().Err(fmt.Errorf("%w: %w", ErrPublishFailed, err)).Str("topic", topic).Msg("MQTT publish failed")
		}
	case <-time.After(publishTimeout):
		log.Warn().Str("topic", topic).Dur("timeout", publishTimeout).Msg("MQTT publish not acknowledged")
	}
}

func (c *Client) publishRaw(topic, payload string) {
	if !c.IsConnected() {
		return
	}
	c.client.Publish(topic, c.cfg.QoS, true, payload).WaitTimeout(publishTimeout)
}

// Close publishes a graceful offline status for every device and disconnects.
func (c *Client) Close() {
	if c.client == nil {
		return
	}
	c.mu.RLock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		c.publishRaw(c.topics.Status(name), statusPayload("offline", "graceful_shutdown"))
	}
	c.publishRaw(c.topics.Status(c.cfg.ClientID), statusPayload("offline", "graceful_shutdown"))
	c.client.Disconnect(disconnectQuiesce)
}

// decodeUpdate accepts either {"elements": {...}} or a flat element map.
func decodeUpdate(payload []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	if nested, ok := body["elements"].(map[string]any); ok {
		return nested, nil
	}
	return body, nil
}

func (c *Client) commandHandler(reg *property.Registry) pahomqtt.MessageHandler {
	return recovered(func(topic string, payload []byte) error {
		device, name, err := c.topics.ParseSet(topic)
		if err != nil {
			return err
		}
		if device != reg.Device() {
			return fmt.Errorf("%w: %q routed to %s", ErrInvalidTopic, topic, reg.Device())
		}
		elements, err := decodeUpdate(payload)
		if err != nil {
			return err
		}
		return reg.Dispatch(property.Update{Device: device, Name: name, Elements: elements})
	})
}

func (c *Client) watchHandler(fn func(property.Property)) pahomqtt.MessageHandler {
	return recovered(func(_ string, payload []byte) error {
		var p property.Property
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrBadPayload, err)
		}
		fn(p)
		return nil
	})
}

// recovered wraps a handler so a panic or error is logged instead of
// taking down the paho router goroutine.
func recovered(handler func(topic string, payload []byte) error) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("topic", msg.Topic()).Interface("panic", r).Msg("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("MQTT handler returned error")
		}
	}
}

type devicePublisher struct {
	c *Client
}

func (p devicePublisher) Publish(prop property.Property) error {
	if !p.c.IsConnected() {
		// Cached in the registry and republished on connect.
		return nil
	}
	return p.c.Publish(prop)
}
