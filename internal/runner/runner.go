package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/internal/clock"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/lifecycle"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

const DefaultLoopPause = time.Second

type config struct {
	pause   time.Duration
	clock   clock.Clock
	observe []func(device.Device)
	onExit  []func(device.Device, error)
}

type Option func(*config)

func WithLoopPause(d time.Duration) Option {
	return func(c *config) { c.pause = d }
}

func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithObserver calls fn after every tick, e.g. to export metrics.
func WithObserver(fn func(device.Device)) Option {
	return func(c *config) { c.observe = append(c.observe, fn) }
}

// WithExitHandler calls fn once when a device loop ends.
func WithExitHandler(fn func(device.Device, error)) Option {
	return func(c *config) { c.onExit = append(c.onExit, fn) }
}

func newConfig(opts []Option) config {
	c := config{pause: DefaultLoopPause, clock: clock.Real()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Run starts dev if needed and ticks it every loop pause until ctx is
// cancelled or the device fails. Cancellation returns nil.
func Run(ctx context.Context, dev device.Device, opts ...Option) (err error) {
	cfg := newConfig(opts)
	logger := log.With().Str("device", dev.Name()).Logger()
	defer func() {
		for _, fn := range cfg.onExit {
			fn(dev, err)
		}
	}()

	fsm := dev.Machine()
	if fsm.State() == model.StateUninitialized {
		if err := fsm.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start device")
			return err
		}
	}
	logger.Info().Str("state", fsm.State().String()).Dur("pause", cfg.pause).Msg("Starting device loop")

	for {
		err := fsm.Tick(ctx)
		for _, fn := range cfg.observe {
			fn(dev)
		}
		switch {
		case errors.Is(err, lifecycle.ErrFailure):
			logger.Error().Err(fsm.LastError()).Msg("Device failed, stopping loop")
			return err
		case ctx.Err() != nil:
			logger.Info().Msg("Device loop stopped")
			return nil
		case err != nil:
			return err
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("Device loop stopped")
			return nil
		case <-cfg.clock.After(cfg.pause):
		}
	}
}

// RunAll runs every device of set in its own goroutine and waits for all
// of them. A failed device does not stop the others.
func RunAll(ctx context.Context, set *device.Set, opts ...Option) {
	var wg sync.WaitGroup
	for _, dev := range set.All() {
		wg.Add(1)
		go func(d device.Device) {
			defer wg.Done()
			Run(ctx, d, opts...)
		}(dev)
	}
	wg.Wait()
}
