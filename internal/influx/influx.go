package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/config"
)

const (
	Measurement    = "device_metrics"
	connectTimeout = 10 * time.Second
	batchSize      = 100
	flushMillis    = 10000
)

var (
	ErrDisabled         = errors.New("influx: disabled in configuration")
	ErrConnectionFailed = errors.New("influx: connection failed")
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client writes device metrics through the non-blocking write API.
type Client struct {
	client influxdb2.Client
	writer pointWriter

	mu     sync.RWMutex
	closed bool
}

func Connect(cfg config.Influx) (*Client, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batchSize).SetFlushInterval(flushMillis))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("Influx write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Influx metrics initialized")
	return &Client{client: client, writer: writeAPI}, nil
}

// WriteDeviceMetrics queues one point per device with every value as a
// field.
func (c *Client) WriteDeviceMetrics(device, kind string, fields map[string]any, at time.Time) {
	if len(fields) == 0 {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.writer.WritePoint(write.NewPoint(Measurement,
		map[string]string{"device": device, "kind": kind},
		fields, at))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
